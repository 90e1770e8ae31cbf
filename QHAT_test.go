package qhat

import (
	"bytes"
	"context"
	"sync"
	"testing"
)


func TestQHATSetGetRemove(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width8, false)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	key := uint32(42)
	value := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	if err := h.Set(key, value); err != nil { t.Fatalf("set: %s", err.Error()) }

	got, err := h.Get(key)
	if err != nil { t.Fatalf("get: %s", err.Error()) }

	if !bytes.Equal(got, value) {
		t.Errorf("got %v, want %v", got, value)
	}

	if err := h.Remove(key); err != nil { t.Fatalf("remove: %s", err.Error()) }

	if _, err := h.Get(key); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound after remove, got %v", err)
	}
}

func TestQHATValueWidthMismatch(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width4, false)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	if err := h.Set(1, []byte{1, 2, 3}); err != ErrValueWidthMismatch {
		t.Errorf("expected ErrValueWidthMismatch, got %v", err)
	}
}

func TestQHATNonNullableZeroIsAbsent(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width4, false)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	if err := h.Set(7, []byte{0, 0, 0, 0}); err != nil { t.Fatalf("set: %s", err.Error()) }

	if _, err := h.Get(7); err != ErrKeyNotFound {
		t.Errorf("expected a stored all-zero value to read as absent in a non-nullable trie, got %v", err)
	}
}

func TestQHATNullableDistinguishesZeroFromAbsent(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width4, true)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	if err := h.Set(7, []byte{0, 0, 0, 0}); err != nil { t.Fatalf("set: %s", err.Error()) }

	got, err := h.Get(7)
	if err != nil { t.Fatalf("expected an explicit zero to be found, got %v", err) }
	if !bytes.Equal(got, []byte{0, 0, 0, 0}) { t.Errorf("unexpected value: %v", got) }

	if _, err := h.Get(8); err != ErrKeyNotFound {
		t.Errorf("expected an untouched key to read as absent, got %v", err)
	}

	if err := h.Remove(7); err != nil { t.Fatalf("remove: %s", err.Error()) }

	if _, err := h.Get(7); err != ErrKeyNotFound {
		t.Errorf("expected a removed key to read as absent, got %v", err)
	}
}

func TestQHATFlattensPastSplitThreshold(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width1, false)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	threshold := descFor(Width1).splitCompactThreshold

	for i := 0; i <= threshold+1; i++ {
		if err := h.Set(uint32(i), []byte{byte(i%255) + 1}); err != nil {
			t.Fatalf("set %d: %s", i, err.Error())
		}
	}

	root := h.loadRoot()
	leafDepth := QHATDepthMax - 1
	var findLeaf func(handle Handle, depth int) *qhatNode
	findLeaf = func(handle Handle, depth int) *qhatNode {
		if handle == NullHandle { return nil }

		n, err := h.readNode(handle, depth)
		if err != nil { t.Fatalf("readNode: %s", err.Error()) }

		if depth == leafDepth { return n }

		if n.compact {
			for _, c := range n.childHandles {
				if found := findLeaf(c, depth+1); found != nil { return found }
			}
			return nil
		}
		for _, c := range n.flatChildren {
			if found := findLeaf(c, depth+1); found != nil { return found }
		}
		return nil
	}

	leaf := findLeaf(root.roots[0], 0)
	if leaf == nil { t.Fatal("expected at least one populated leaf") }

	if leaf.compact {
		t.Errorf("expected the leaf to have flattened after exceeding its split threshold of %d", threshold)
	}

	for i := 0; i <= threshold+1; i++ {
		got, err := h.Get(uint32(i))
		if err != nil { t.Fatalf("get %d after flatten: %s", i, err.Error()) }
		if got[0] != byte(i%255)+1 {
			t.Errorf("key %d: got %v", i, got)
		}
	}
}

func TestQHATConcurrentSetCASRetries(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width8, false)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	wg.Add(writers)

	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := uint32(w*perWriter + i)
				value := make([]byte, 8)
				value[0] = byte(w + 1)
				if err := h.Set(key, value); err != nil {
					t.Errorf("writer %d: set %d: %s", w, key, err.Error())
				}
			}
		}(w)
	}

	wg.Wait()

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := uint32(w*perWriter + i)
			got, err := h.Get(key)
			if err != nil { t.Fatalf("get %d: %s", key, err.Error()) }
			if got[0] != byte(w+1) {
				t.Errorf("key %d: got writer tag %d, want %d", key, got[0], w+1)
			}
		}
	}
}

func TestQHATSurvivesCloseAndReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Create(StoreOpts{Path: dir, Name: "reopen-qhat"})
	if err != nil { t.Fatalf("create store: %s", err.Error()) }

	h, err := CreateQHAT(store, Width8, false)
	if err != nil { t.Fatalf("create qhat: %s", err.Error()) }

	const count = 10000
	for i := 0; i < count; i++ {
		value := make([]byte, 8)
		value[0] = byte(i%255) + 1
		if err := h.Set(uint32(i), value); err != nil { t.Fatalf("set %d: %s", i, err.Error()) }
	}

	if _, err := store.Snapshot(context.Background()); err != nil { t.Fatalf("snapshot: %s", err.Error()) }
	if err := store.Close(); err != nil { t.Fatalf("close: %s", err.Error()) }

	reopenedStore, err := Open(StoreOpts{Path: dir, Name: "reopen-qhat"})
	if err != nil { t.Fatalf("reopen store: %s", err.Error()) }
	defer reopenedStore.Close()

	reopened, err := OpenQHAT(reopenedStore, Width8, false)
	if err != nil { t.Fatalf("reopen qhat: %s", err.Error()) }

	for i := 0; i < count; i++ {
		got, err := reopened.Get(uint32(i))
		if err != nil { t.Fatalf("get %d after reopen: %s", i, err.Error()) }
		if got[0] != byte(i%255)+1 {
			t.Errorf("key %d: got %v after reopen", i, got)
		}
	}
}

func TestQHATNullableSurvivesCloseAndReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Create(StoreOpts{Path: dir, Name: "reopen-qhat-nullable"})
	if err != nil { t.Fatalf("create store: %s", err.Error()) }

	h, err := CreateQHAT(store, Width4, true)
	if err != nil { t.Fatalf("create qhat: %s", err.Error()) }

	if err := h.Set(1, []byte{0, 0, 0, 0}); err != nil { t.Fatalf("set zero: %s", err.Error()) }
	if err := h.Set(2, []byte{9, 9, 9, 9}); err != nil { t.Fatalf("set nonzero: %s", err.Error()) }

	if err := store.Close(); err != nil { t.Fatalf("close: %s", err.Error()) }

	reopenedStore, err := Open(StoreOpts{Path: dir, Name: "reopen-qhat-nullable"})
	if err != nil { t.Fatalf("reopen store: %s", err.Error()) }
	defer reopenedStore.Close()

	reopened, err := OpenQHAT(reopenedStore, Width4, true)
	if err != nil { t.Fatalf("reopen qhat: %s", err.Error()) }

	if null, err := reopened.IsNull(1); err != nil || null {
		t.Errorf("expected key 1 to remain a present explicit zero after reopen, is_null=%v err=%v", null, err)
	}

	if null, err := reopened.IsNull(3); err != nil || !null {
		t.Errorf("expected an untouched key to remain absent after reopen, is_null=%v err=%v", null, err)
	}

	got, err := reopened.Get(2)
	if err != nil { t.Fatalf("get after reopen: %s", err.Error()) }
	if !bytes.Equal(got, []byte{9, 9, 9, 9}) {
		t.Errorf("key 2: got %v after reopen", got)
	}
}
