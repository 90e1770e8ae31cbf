package qhat

import "testing"

func TestHandleTableAllocResolveFree(t *testing.T) {
	ht := newHandleTable()

	h := ht.Alloc(3, 7, 128, false)

	p, err := ht.Resolve(h)
	if err != nil { t.Fatalf("resolve: %s", err.Error()) }

	if p.mapIndex != 3 || p.pageIndex != 7 || p.offset != 128 {
		t.Errorf("unexpected ptr: %+v", p)
	}

	if err := ht.Free(h); err != nil { t.Fatalf("free: %s", err.Error()) }

	if _, err := ht.Resolve(h); err != nil {
		t.Errorf("a freed handle's slot should still resolve (it is reused, not invalid): %s", err.Error())
	}

	if err := ht.Free(h); err != ErrDoubleFree {
		t.Errorf("expected ErrDoubleFree on a second free, got %v", err)
	}
}

func TestHandleTableReusesFreedSlots(t *testing.T) {
	ht := newHandleTable()

	h1 := ht.Alloc(0, 0, 0, false)
	h2 := ht.Alloc(0, 0, 8, false)

	if err := ht.Free(h1); err != nil { t.Fatalf("free: %s", err.Error()) }

	h3 := ht.Alloc(0, 0, 16, false)
	if h3 != h1 {
		t.Errorf("expected a new Alloc to reuse the freed slot %d, got %d", h1, h3)
	}

	if h2 == h3 { t.Error("distinct live handles should not collide") }
}

func TestHandleTableInvalidHandle(t *testing.T) {
	ht := newHandleTable()

	if _, err := ht.Resolve(Handle(42)); err != ErrInvalidHandle {
		t.Errorf("expected ErrInvalidHandle for an out-of-range handle, got %v", err)
	}
}

func TestHandleTableRelocateBumpsGeneration(t *testing.T) {
	ht := newHandleTable()
	h := ht.Alloc(0, 0, 0, false)

	gen0 := ht.gcGeneration()

	if err := ht.Relocate(h, 1, 2, 3); err != nil { t.Fatalf("relocate: %s", err.Error()) }

	if ht.gcGeneration() == gen0 {
		t.Error("expected Relocate to bump the handle table's gc generation")
	}

	p, _ := ht.Resolve(h)
	if p.mapIndex != 1 || p.pageIndex != 2 || p.offset != 3 {
		t.Errorf("unexpected ptr after relocate: %+v", p)
	}
}

func TestHandleCacheInvalidatesOnRelocate(t *testing.T) {
	ht := newHandleTable()
	h := ht.Alloc(0, 0, 0, false)

	var cache HandleCache

	p1, err := cache.Get(ht, h)
	if err != nil { t.Fatalf("cache get: %s", err.Error()) }
	if p1.offset != 0 { t.Errorf("unexpected cached ptr: %+v", p1) }

	if err := ht.Relocate(h, 0, 0, 99); err != nil { t.Fatalf("relocate: %s", err.Error()) }

	p2, err := cache.Get(ht, h)
	if err != nil { t.Fatalf("cache get after relocate: %s", err.Error()) }

	if p2.offset != 99 {
		t.Errorf("expected cache to refresh after relocate, got offset %d", p2.offset)
	}
}
