package qhat

import (
	"context"
	"testing"
)

func TestSnapshotCommitsAndPersists(t *testing.T) {
	store := newTestStore(t)

	h, err := store.AllocSmall(32)
	if err != nil { t.Fatalf("alloc small: %s", err.Error()) }

	data, err := store.Deref(h)
	if err != nil { t.Fatalf("deref: %s", err.Error()) }
	copy(data, []byte("before snapshot"))

	gen0 := store.generation

	newGen, err := store.Snapshot(context.Background())
	if err != nil { t.Fatalf("snapshot: %s", err.Error()) }

	if newGen <= gen0 {
		t.Errorf("expected snapshot to advance the generation: %d -> %d", gen0, newGen)
	}

	data, err = store.Deref(h)
	if err != nil { t.Fatalf("deref after snapshot: %s", err.Error()) }

	if string(data[:len("before snapshot")]) != "before snapshot" {
		t.Error("data did not survive the snapshot's shadow copy")
	}
}

func TestSnapshotWriteAfterFreezeTriggersShadowCopy(t *testing.T) {
	store := newTestStore(t)

	h, err := store.AllocSmall(32)
	if err != nil { t.Fatalf("alloc small: %s", err.Error()) }

	vm := store.memMaps[0]
	vm.freeze()

	// a write while frozen must shadow-copy (w_deref) rather than mutate the
	// frozen generation's bytes in place.
	data, err := store.Deref(h)
	if err != nil { t.Fatalf("deref: %s", err.Error()) }
	copy(data, []byte("after freeze"))

	if vm.frozen() {
		t.Error("expected wDeref to thaw the map once it has shadow-copied")
	}

	if store.memMaps[0].generation == 0 {
		t.Error("expected the shadow copy to advance the map's generation")
	}
}

func TestSnapshotRefusesConcurrentSnapshot(t *testing.T) {
	store := newTestStore(t)

	store.snapshotInFlight = 1
	t.Cleanup(func() { store.snapshotInFlight = 0 })

	if _, err := store.Snapshot(context.Background()); err != ErrSnapshotInProgress {
		t.Errorf("expected ErrSnapshotInProgress, got %v", err)
	}
}

func TestBackupRefusesDuringSnapshot(t *testing.T) {
	store := newTestStore(t)

	store.snapshotInFlight = 1
	t.Cleanup(func() { store.snapshotInFlight = 0 })

	if err := store.Backup(t.TempDir(), false); err != ErrSnapshotInProgress {
		t.Errorf("expected ErrSnapshotInProgress, got %v", err)
	}
}
