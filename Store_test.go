package qhat

import (
	"path/filepath"
	"testing"
)


func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Create(StoreOpts{Path: t.TempDir(), Name: "qhattest"})
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	t.Cleanup(func() { store.Close() })

	return store
}

func TestStoreCreateAndReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Create(StoreOpts{Path: dir, Name: "reopen"})
	if err != nil { t.Fatalf("create: %s", err.Error()) }

	handle, err := store.AllocSmall(32)
	if err != nil { t.Fatalf("alloc small: %s", err.Error()) }

	data, err := store.Deref(handle)
	if err != nil { t.Fatalf("deref: %s", err.Error()) }
	copy(data, []byte("hello store"))

	if err := store.Close(); err != nil { t.Fatalf("close: %s", err.Error()) }

	reopened, err := Open(StoreOpts{Path: dir, Name: "reopen"})
	if err != nil { t.Fatalf("reopen: %s", err.Error()) }
	defer reopened.Close()

	data, err = reopened.Deref(handle)
	if err != nil { t.Fatalf("deref after reopen: %s", err.Error()) }

	if string(data[:len("hello store")]) != "hello store" {
		t.Errorf("data did not survive reopen: %q", data[:len("hello store")])
	}
}

func TestStoreCreateTwiceFails(t *testing.T) {
	dir := t.TempDir()

	store, err := Create(StoreOpts{Path: dir, Name: "dup"})
	if err != nil { t.Fatalf("create: %s", err.Error()) }
	defer store.Close()

	if _, err := Create(StoreOpts{Path: dir, Name: "dup"}); err == nil {
		t.Error("expected second Create on the same directory to fail")
	}
}

func TestStoreOpenMissingFails(t *testing.T) {
	if _, err := Open(StoreOpts{Path: filepath.Join(t.TempDir(), "missing"), Name: "x"}); err == nil {
		t.Error("expected Open on a nonexistent store to fail")
	}
}

func TestStoreAllocPagesReusesFreedRun(t *testing.T) {
	store := newTestStore(t)

	ph, err := store.AllocPages(4)
	if err != nil { t.Fatalf("alloc pages: %s", err.Error()) }

	if ph.PageIndex%4 != 0 {
		t.Errorf("expected a run aligned allocation, got page index %d", ph.PageIndex)
	}

	store.FreePages(ph, 4)

	ph2, err := store.AllocPages(4)
	if err != nil { t.Fatalf("alloc pages after free: %s", err.Error()) }

	if ph2.PageIndex != ph.PageIndex {
		t.Errorf("expected freed run to be reused, got %d want %d", ph2.PageIndex, ph.PageIndex)
	}
}

func TestStoreAllocSmallManyAndFree(t *testing.T) {
	store := newTestStore(t)

	handles := make([]Handle, 0, 256)
	for i := 0; i < 256; i++ {
		h, err := store.AllocSmall(48)
		if err != nil { t.Fatalf("alloc small %d: %s", i, err.Error()) }
		handles = append(handles, h)
	}

	for _, h := range handles {
		data, err := store.Deref(h)
		if err != nil { t.Fatalf("deref: %s", err.Error()) }
		data[0] = 0x7a
	}

	for _, h := range handles {
		if err := store.FreeSmall(h); err != nil { t.Fatalf("free small: %s", err.Error()) }
	}

	for _, h := range handles {
		if err := store.FreeSmall(h); err == nil {
			t.Error("expected double free to be rejected")
		}
	}
}

func TestStoreGetUsageReflectsAllocations(t *testing.T) {
	store := newTestStore(t)

	before := store.GetUsage()

	if _, err := store.AllocPages(2); err != nil { t.Fatalf("alloc pages: %s", err.Error()) }

	after := store.GetUsage()
	if after.PagesFree >= before.PagesFree {
		t.Errorf("expected free page count to drop after allocating, before=%d after=%d", before.PagesFree, after.PagesFree)
	}
}

func TestStoreBackup(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.AllocSmall(16); err != nil { t.Fatalf("alloc small: %s", err.Error()) }

	dest := filepath.Join(t.TempDir(), "backup")
	if err := store.Backup(dest, false); err != nil { t.Fatalf("backup: %s", err.Error()) }

	if !Exists(dest) { t.Error("expected backup directory to contain a restorable store") }
}
