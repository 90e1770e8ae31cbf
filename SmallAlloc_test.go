package qhat

import "testing"


func newTestSmallAllocator(t *testing.T) *smallBlockAllocator {
	t.Helper()

	store := newTestStore(t)
	sba := store.smallAllocs[0]
	if sba == nil { t.Fatal("expected store to have created a mem map at index 0") }

	return sba
}

func TestMapping(t *testing.T) {
	fl1, _ := mapping(32)
	fl2, _ := mapping(64)

	if fl2 <= fl1 {
		t.Errorf("expected a larger request to land in a higher first-level class: mapping(32)=%d mapping(64)=%d", fl1, fl2)
	}
}

func TestSmallAllocRoundTrip(t *testing.T) {
	sba := newTestSmallAllocator(t)

	off, err := sba.Alloc(64)
	if err != nil { t.Fatalf("alloc: %s", err.Error()) }

	data := sba.vm.bytes()
	copy(data[off:], []byte("payload"))

	if string(data[off:off+7]) != "payload" {
		t.Errorf("unexpected bytes at offset %d", off)
	}

	sba.Free(off)
}

func TestSmallAllocGrowsPastOnePage(t *testing.T) {
	sba := newTestSmallAllocator(t)

	var offs []uint32
	for i := 0; i < 2000; i++ {
		off, err := sba.Alloc(64)
		if err != nil { t.Fatalf("alloc %d: %s", i, err.Error()) }
		offs = append(offs, off)
	}

	seen := make(map[uint32]bool, len(offs))
	for _, off := range offs {
		if seen[off] { t.Fatalf("offset %d allocated twice", off) }
		seen[off] = true
	}
}

func TestSmallAllocFreeCoalescesNeighbours(t *testing.T) {
	sba := newTestSmallAllocator(t)

	a, err := sba.Alloc(64)
	if err != nil { t.Fatalf("alloc a: %s", err.Error()) }
	b, err := sba.Alloc(64)
	if err != nil { t.Fatalf("alloc b: %s", err.Error()) }
	c, err := sba.Alloc(64)
	if err != nil { t.Fatalf("alloc c: %s", err.Error()) }

	aSize := sba.sizeOf(a - blockHeaderSize)
	bSize := sba.sizeOf(b - blockHeaderSize)
	cSize := sba.sizeOf(c - blockHeaderSize)

	sba.Free(a)
	sba.Free(c)
	sba.Free(b)

	merged := sba.sizeOf(a - blockHeaderSize)
	if merged < aSize+bSize+cSize {
		t.Errorf("expected neighbouring frees to coalesce into at least %d bytes, got %d", aSize+bSize+cSize, merged)
	}
}

func TestSmallAllocRejectsOversizeRequest(t *testing.T) {
	sba := newTestSmallAllocator(t)

	if _, err := sba.Alloc(AllocMax + 1); err != ErrAllocTooLarge {
		t.Errorf("expected ErrAllocTooLarge, got %v", err)
	}
}

func TestStoreAllocSmallLargeRequestUsesPageAllocator(t *testing.T) {
	store := newTestStore(t)

	h, err := store.AllocSmall(SmallMax)
	if err != nil { t.Fatalf("alloc large: %s", err.Error()) }

	data, err := store.Deref(h)
	if err != nil { t.Fatalf("deref: %s", err.Error()) }

	if len(data) < int(SmallMax) {
		t.Errorf("expected at least %d usable bytes, got %d", SmallMax, len(data))
	}

	copy(data, []byte("large payload"))
	if string(data[:len("large payload")]) != "large payload" {
		t.Error("large allocation did not round-trip its bytes")
	}

	if err := store.FreeSmall(h); err != nil { t.Fatalf("free large: %s", err.Error()) }
}
