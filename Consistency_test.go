package qhat

import "testing"


func TestCheckConsistencyOnHealthyTrie(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width8, true)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	for i := uint32(0); i < 500; i++ {
		value := make([]byte, 8)
		value[0] = byte(i % 256)
		if err := h.Set(i, value); err != nil { t.Fatalf("set %d: %s", i, err.Error()) }
	}

	report := h.CheckConsistency()
	if !report.OK {
		t.Errorf("expected a healthy trie to pass consistency checks, got errors: %v", report.Errors)
	}

	if report.LeafEntries != 500 {
		t.Errorf("expected 500 leaf entries, got %d", report.LeafEntries)
	}

	if report.BitmapPopCount != 500 {
		t.Errorf("expected bitmap popcount of 500, got %d", report.BitmapPopCount)
	}
}

func TestCheckConsistencyAfterRemovals(t *testing.T) {
	store := newTestStore(t)
	h, err := CreateQHAT(store, Width4, true)
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	for i := uint32(0); i < 200; i++ {
		if err := h.Set(i, []byte{byte(i), 0, 0, 0}); err != nil { t.Fatalf("set %d: %s", i, err.Error()) }
	}

	for i := uint32(0); i < 100; i++ {
		if err := h.Remove(i); err != nil { t.Fatalf("remove %d: %s", i, err.Error()) }
	}

	report := h.CheckConsistency()
	if !report.OK {
		t.Errorf("expected consistency after removals, got errors: %v", report.Errors)
	}

	if report.LeafEntries != 100 {
		t.Errorf("expected 100 remaining leaf entries, got %d", report.LeafEntries)
	}
}
