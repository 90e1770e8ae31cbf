package qhat

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirgallo/qhat/common/mmap"
)


//============================================= Snapshot Engine (C5)
//
// Go cannot safely fork() a multi-threaded runtime, so qhat always takes
// a write-ahead shadow-copy path rather than a fork-based one. The
// five-step lifecycle (quiesce, stamp, shadow-copy, commit-via-rename,
// notify+GC) uses the same rename-based atomic swap idiom as a
// compaction pass: write to a temp file, fsync, then rename over the
// live one.


// Snapshot takes a consistent, durable generation of the store. Every step
// runs synchronously on the calling goroutine, and writers are not locked
// out meanwhile: a writer that touches a frozen map which has not been
// copied yet goes through Store.wDeref, which shadow-copies that whole map
// to the new generation first.
func (s *Store) Snapshot(ctx context.Context) (generation uint64, err error) {
	if !atomic.CompareAndSwapUint32(&s.snapshotInFlight, 0, 1) {
		return 0, ErrSnapshotInProgress
	}
	defer atomic.StoreUint32(&s.snapshotInFlight, 0)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	newGen := atomic.AddUint64(&s.generation, 1)

	timer := time.AfterFunc(s.opts.SnapshotMaxDuration, func() {
		cancel()
		s.opts.OnSnapshotTimeout(newGen)
	})
	defer timer.Stop()

	// step 1/2: quiesce + stamp -- freeze every currently-open map so any
	// writer touching it must shadow-copy via Store.wDeref first.
	s.mu.RLock()
	frozen := make([]*valueMap, 0, len(s.pageMaps)+len(s.memMaps))
	for _, vm := range s.pageMaps { vm.freeze(); frozen = append(frozen, vm) }
	for _, vm := range s.memMaps { vm.freeze(); frozen = append(frozen, vm) }
	s.mu.RUnlock()

	// step 3: shadow-copy each frozen map's live bytes into a new
	// generation file, one map after another on this goroutine.
	for _, vm := range frozen {
		select {
		case <-watchCtx.Done():
			return 0, fmt.Errorf("qhat: snapshot %d: %w", newGen, ErrSnapshotTimedOut)
		default:
		}

		if vm.generation == newGen { continue } // already copied by wDeref

		if err := s.shadowCopy(vm, newGen); err != nil { return 0, err }
	}

	// step 4: commit -- write a fresh meta file and rename it over the
	// live one. The rename is the linearisation point: a crash before it
	// leaves the previous generation fully intact; a crash after it leaves
	// the new generation fully intact.
	if err := s.commitMeta(newGen); err != nil { return 0, err }

	// step 5: notify + GC -- unfreeze maps (new writers now target the
	// fresh generation files going forward) and reclaim anything from a
	// generation old enough that no open reader can still need it.
	for _, vm := range frozen { vm.thaw() }

	s.maybeGC(newGen)

	cLog.Info("snapshot committed at generation:", newGen)

	return newGen, nil
}

// shadowCopy writes vm's current bytes into a new file at the next
// generation and repoints vm at the new mapping.
func (s *Store) shadowCopy(vm *valueMap, newGen uint64) error {
	name := s.mapFileName(vm.kind, vm.index, newGen)
	path := filepath.Join(s.opts.Path, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, s.opts.Mode)
	if err != nil { return err }

	if err := f.Truncate(MapByteSize); err != nil { return err }

	newData, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil { return err }

	copy(newData, vm.bytes())

	if err := newData.Flush(); err != nil { return err }

	oldFile := vm.file
	vm.file = f
	vm.generation = newGen
	vm.storeBytes(newData)

	oldFile.Close()

	return nil
}

// wDeref is the explicit copy-on-write write barrier: called whenever a
// writer is about to mutate a map that Snapshot has frozen. It
// shadow-copies the map to the next generation immediately, so the
// frozen bytes a snapshot is still reading remain untouched.
func (s *Store) wDeref(vm *valueMap) error {
	if !vm.frozen() { return nil }

	newGen := vm.generation + 1
	if err := s.shadowCopy(vm, newGen); err != nil { return err }

	vm.thaw()
	return nil
}

// commitMeta writes a new meta file reflecting newGen and renames it over
// the live meta file -- the sole linearisation point for the whole snapshot.
func (s *Store) commitMeta(newGen uint64) error {
	tmpPath := s.metaPath() + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, s.opts.Mode)
	if err != nil { return err }

	if err := f.Truncate(PageSize); err != nil { f.Close(); return err }

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil { f.Close(); return err }

	copy(data, s.metaMap)
	binary.LittleEndian.PutUint64(data[MetaGenerationIdx:], newGen)

	if err := data.Flush(); err != nil { return err }
	data.Unmap()
	f.Close()

	if err := os.Rename(tmpPath, s.metaPath()); err != nil { return err }

	// reopen the now-current meta file in place of the old mapping.
	newMetaFile, err := os.OpenFile(s.metaPath(), os.O_RDWR, s.opts.Mode)
	if err != nil { return err }

	newMetaMap, err := mmap.Map(newMetaFile, mmap.RDWR, 0)
	if err != nil { return err }

	s.metaMap.Unmap()
	s.metaFile.Close()

	s.metaFile = newMetaFile
	s.metaMap = newMetaMap
	atomic.StoreUint64(&s.generation, newGen)

	return nil
}

// maybeGC removes map files whose generation is one or more behind the
// just-committed generation -- anything at or below the second-to-last
// committed generation -- unless a map still uses that file as its current
// generation; such files are no longer reachable by any live reader.
// Disabled when StoreOpts.CompactAtVersion is 0.
func (s *Store) maybeGC(newGen uint64) {
	if s.opts.CompactAtVersion == 0 { return }
	if newGen < 2 { return }

	eligibleBelow := newGen - 1

	entries, err := os.ReadDir(s.opts.Path)
	if err != nil {
		cLog.Error("gc: failed to list store directory:", err.Error())
		return
	}

	for _, e := range entries {
		name := e.Name()
		var idx uint16
		var gen uint64

		var prefix string
		switch {
		case len(name) > 3 && name[:3] == "pg.":
			prefix = "pg."
		case len(name) > 4 && name[:4] == "mem.":
			prefix = "mem."
		default:
			continue
		}

		if _, err := fmt.Sscanf(name[len(prefix):], "%d.%d", &idx, &gen); err != nil { continue }

		if gen <= eligibleBelow && gen != s.currentGenerationFor(prefix, idx) {
			if err := os.Remove(filepath.Join(s.opts.Path, name)); err != nil {
				cLog.Error("gc: failed to remove", name, err.Error())
			}
		}
	}
}

func (s *Store) currentGenerationFor(prefix string, idx uint16) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if prefix == "pg." {
		if vm, ok := s.pageMaps[idx]; ok { return vm.generation }
	} else {
		if vm, ok := s.memMaps[idx]; ok { return vm.generation }
	}

	return 0
}
