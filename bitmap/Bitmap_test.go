package bitmap

import "testing"


// memBackend is a trivial in-memory Backend for exercising Bitmap without a
// real qhat.Store.
type memBackend struct {
	pages []Page
}

func (b *memBackend) AllocPage() (PageRef, error) {
	idx := len(b.pages)
	b.pages = append(b.pages, make(Page, 1<<15))
	return PageRef{PageIndex: uint32(idx), Valid: true}, nil
}

func (b *memBackend) Page(ref PageRef) Page {
	return b.pages[ref.PageIndex]
}

func (b *memBackend) FreePage(ref PageRef) {}

func newTestBitmap(nullable bool) *Bitmap {
	return New(&memBackend{}, nullable)
}

func TestNonNullableSetGet(t *testing.T) {
	bm := newTestBitmap(false)

	if bm.Get(100) != StateAbsent {
		t.Fatal("expected an untouched key to read as absent")
	}

	if err := bm.Set(100, StateOne); err != nil { t.Fatalf("set: %s", err.Error()) }

	if bm.Get(100) != StateOne { t.Error("expected key 100 to read as present") }
	if bm.Get(101) != StateAbsent { t.Error("expected a neighbouring key to remain absent") }
}

func TestNullableDistinguishesZeroAndAbsent(t *testing.T) {
	bm := newTestBitmap(true)

	if err := bm.Set(5, StateZero); err != nil { t.Fatalf("set: %s", err.Error()) }
	if err := bm.Set(6, StateOne); err != nil { t.Fatalf("set: %s", err.Error()) }

	if bm.Get(5) != StateZero { t.Errorf("expected key 5 to read StateZero, got %v", bm.Get(5)) }
	if bm.Get(6) != StateOne { t.Errorf("expected key 6 to read StateOne, got %v", bm.Get(6)) }
	if bm.Get(7) != StateAbsent { t.Errorf("expected key 7 to read StateAbsent, got %v", bm.Get(7)) }
}

func TestSetClearingBackToAbsent(t *testing.T) {
	bm := newTestBitmap(true)

	if err := bm.Set(9, StateOne); err != nil { t.Fatalf("set: %s", err.Error()) }
	if err := bm.Set(9, StateAbsent); err != nil { t.Fatalf("clear: %s", err.Error()) }

	if bm.Get(9) != StateAbsent { t.Error("expected key to read absent after clearing") }
}

func TestPopCountNonNullable(t *testing.T) {
	bm := newTestBitmap(false)

	keys := []uint32{1, 2, 3, 1000, 100000}
	for _, k := range keys {
		if err := bm.Set(k, StateOne); err != nil { t.Fatalf("set %d: %s", k, err.Error()) }
	}

	if got := bm.PopCount(); got != uint64(len(keys)) {
		t.Errorf("popcount = %d, want %d", got, len(keys))
	}
}

func TestPopCountNullableDoesNotDoubleCountStateOne(t *testing.T) {
	bm := newTestBitmap(true)

	if err := bm.Set(1, StateOne); err != nil { t.Fatalf("set: %s", err.Error()) }
	if err := bm.Set(2, StateZero); err != nil { t.Fatalf("set: %s", err.Error()) }

	if got := bm.PopCount(); got != 2 {
		t.Errorf("popcount = %d, want 2", got)
	}
}

func TestKeysAcrossDispatchBoundaryMaterializeSeparatePages(t *testing.T) {
	bm := newTestBitmap(false)

	// one key well inside the first leaf's span, one well past it -- forces
	// a second dispatch-table slot (and a second leaf page) to materialize.
	if err := bm.Set(10, StateOne); err != nil { t.Fatalf("set: %s", err.Error()) }
	if err := bm.Set(KeysPerLeaf*3+10, StateOne); err != nil { t.Fatalf("set: %s", err.Error()) }

	if bm.Get(10) != StateOne { t.Error("expected first key to read present") }
	if bm.Get(KeysPerLeaf*3+10) != StateOne { t.Error("expected second key to read present") }
	if bm.PopCount() != 2 { t.Errorf("popcount = %d, want 2", bm.PopCount()) }

	gen := bm.Generation()
	if gen == 0 { t.Error("expected materializing pages to have bumped the generation") }
}
