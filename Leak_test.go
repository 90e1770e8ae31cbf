package qhat

import "testing"


func TestCheckLeaksFlagsUnreferencedAllocation(t *testing.T) {
	store := newTestStore(t)

	h, err := store.AllocSmall(32)
	if err != nil { t.Fatalf("alloc small: %s", err.Error()) }

	report := store.CheckLeaks(Roots{})
	if report.OK {
		t.Error("expected an allocation not claimed by any root to be flagged as a leak")
	}

	found := false
	for _, leaked := range report.HandlesLeaked {
		if leaked == h { found = true }
	}
	if !found { t.Errorf("expected handle %d in HandlesLeaked, got %v", h, report.HandlesLeaked) }
}

func TestCheckLeaksAcceptsClaimedAllocation(t *testing.T) {
	store := newTestStore(t)

	h, err := store.AllocSmall(32)
	if err != nil { t.Fatalf("alloc small: %s", err.Error()) }

	report := store.CheckLeaks(Roots{Handles: []Handle{h}})

	for _, leaked := range report.HandlesLeaked {
		if leaked == h { t.Errorf("handle %d should not be reported as leaked once claimed by roots", h) }
	}
}

func TestCheckLeaksDetectsDoubleFreeAgainstRoots(t *testing.T) {
	store := newTestStore(t)

	h, err := store.AllocSmall(32)
	if err != nil { t.Fatalf("alloc small: %s", err.Error()) }

	if err := store.FreeSmall(h); err != nil { t.Fatalf("free: %s", err.Error()) }

	report := store.CheckLeaks(Roots{Handles: []Handle{h}})

	found := false
	for _, df := range report.DoubleFrees {
		if df == h { found = true }
	}
	if !found { t.Error("expected a root claiming an already-freed handle to be reported in DoubleFrees") }
}

func TestCheckLeaksReportsPageFingerprints(t *testing.T) {
	store := newTestStore(t)

	report := store.CheckLeaks(Roots{})
	if len(report.MapFingerprints) == 0 {
		t.Error("expected at least one map fingerprint to be reported")
	}
}
