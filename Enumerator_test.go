package qhat

import "testing"


func TestRangeReturnsAscendingOrder(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width4, false)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	keys := []uint32{500, 10, 999999, 3, 42}
	for _, k := range keys {
		if err := h.Set(k, []byte{1, 0, 0, 0}); err != nil { t.Fatalf("set %d: %s", k, err.Error()) }
	}

	out := h.Range(0, ^uint32(0), 0)
	if len(out) != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), len(out))
	}

	for i := 1; i < len(out); i++ {
		if out[i-1].Key >= out[i].Key {
			t.Errorf("range not strictly ascending at %d: %d then %d", i, out[i-1].Key, out[i].Key)
		}
	}
}

func TestRangeRespectsBounds(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width4, false)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	for _, k := range []uint32{1, 5, 10, 15, 20} {
		if err := h.Set(k, []byte{1, 0, 0, 0}); err != nil { t.Fatalf("set %d: %s", k, err.Error()) }
	}

	out := h.Range(5, 15, 0)
	if len(out) != 3 {
		t.Fatalf("expected 3 keys in [5,15], got %d: %v", len(out), out)
	}

	for _, kv := range out {
		if kv.Key < 5 || kv.Key > 15 {
			t.Errorf("key %d outside requested bounds", kv.Key)
		}
	}
}

func TestEnumeratorWalksAllEntriesOnce(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width4, false)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	want := map[uint32]bool{}
	for i := uint32(0); i < 100; i++ {
		k := i * 37
		want[k] = true
		if err := h.Set(k, []byte{1, 0, 0, 0}); err != nil { t.Fatalf("set %d: %s", k, err.Error()) }
	}

	en := NewEnumerator(h)
	seen := map[uint32]bool{}

	for {
		kv, ok := en.Next(true)
		if !ok { break }
		if seen[kv.Key] { t.Fatalf("key %d enumerated twice", kv.Key) }
		seen[kv.Key] = true
	}

	if len(seen) != len(want) {
		t.Fatalf("enumerated %d keys, want %d", len(seen), len(want))
	}

	for k := range want {
		if !seen[k] { t.Errorf("missing key %d", k) }
	}
}

func TestEnumeratorObservesLiveOverwrite(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width4, true)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	if err := h.Set(1, []byte{1, 0, 0, 0}); err != nil { t.Fatalf("set: %s", err.Error()) }

	en := NewEnumerator(h)

	if err := h.Set(1, []byte{9, 0, 0, 0}); err != nil { t.Fatalf("overwrite: %s", err.Error()) }

	kv, ok := en.Next(true)
	if !ok { t.Fatal("expected one entry") }

	if kv.Value[0] != 9 {
		t.Errorf("expected safe enumeration to observe the live overwrite, got %v", kv.Value)
	}
}
