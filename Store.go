package qhat

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/sirgallo/qhat/common/mmap"
)


//============================================= Store (C1)
//
// A directory of fixed-size map files plus one meta file. Every other
// component (C2-C8) is a client of the Store: it owns the directory lock,
// the meta file, and the collection of open valueMaps.


// Store is the persistent, snapshottable paged storage engine.
type Store struct {
	opts StoreOpts

	dirFile  *os.File
	metaFile *os.File
	metaMap  mmap.MMap

	generation       uint64 // atomic
	rootHandle       uint32 // atomic: persisted Handle of the QHAT root record, 0 if none
	bitmapRootHandle uint32 // atomic: persisted Handle of the companion bitmap's index record, 0 if none
	preamble         []byte // caller-supplied bytes read back from the meta file on Open

	mu          sync.RWMutex
	pageMaps    map[uint16]*valueMap
	memMaps     map[uint16]*valueMap
	pageAllocs  map[uint16]*pageMapAllocator
	smallAllocs map[uint16]*smallBlockAllocator
	nextPageIdx uint16
	nextMemIdx  uint16

	handles *handleTable

	snapshotInFlight uint32 // atomic

	closeOnce sync.Once
	opened    bool
}

// Exists reports whether a qhat store directory already has a meta file.
func Exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, "meta"))
	return err == nil
}

// Create initializes a brand new store directory: lays down the directory
// lock, an empty meta file, and the first page and mem map.
func Create(opts StoreOpts) (*Store, error) {
	opts = defaultedOpts(opts)

	if Exists(opts.Path) { return nil, fmt.Errorf("qhat: %s: %w", opts.Path, ErrStoreAlreadyOpen) }
	if err := os.MkdirAll(opts.Path, 0o755); err != nil { return nil, err }

	store, err := openStoreDir(opts)
	if err != nil { return nil, err }

	if err := store.initializeMeta(); err != nil {
		store.Close()
		return nil, err
	}

	if _, err := store.newPageMap(); err != nil {
		store.Close()
		return nil, err
	}

	if _, err := store.newMemMap(); err != nil {
		store.Close()
		return nil, err
	}

	cLog.Info("created store at:", opts.Path)

	return store, nil
}

// Open reopens an existing store directory: acquires the lock, reads and
// validates the meta file, and enumerates and maps every pg./mem. file.
// Free-lists are not persisted and are not rebuilt: every reopened map gets
// an allocator with empty free-lists, so none of its pages or blocks is
// handed out again and new allocations go to fresh maps.
func Open(opts StoreOpts) (*Store, error) {
	opts = defaultedOpts(opts)

	if !Exists(opts.Path) { return nil, fmt.Errorf("qhat: %s: %w", opts.Path, ErrStoreNotOpen) }

	store, err := openStoreDir(opts)
	if err != nil { return nil, err }

	if err := store.loadMeta(); err != nil {
		store.Close()
		return nil, err
	}

	if err := store.reopenMaps(); err != nil {
		store.Close()
		return nil, err
	}

	cLog.Info("opened store at:", opts.Path, "generation:", store.generation)

	return store, nil
}

// openStoreDir acquires the directory flock and prepares (without yet
// populating) the Store struct's bookkeeping maps.
func openStoreDir(opts StoreOpts) (*Store, error) {
	dirFile, err := os.Open(opts.Path)
	if err != nil { return nil, err }

	if err := unix.Flock(int(dirFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		dirFile.Close()
		return nil, fmt.Errorf("qhat: %s: %w", opts.Path, ErrStoreAlreadyOpen)
	}

	store := &Store{
		opts:        opts,
		dirFile:     dirFile,
		pageMaps:    make(map[uint16]*valueMap),
		memMaps:     make(map[uint16]*valueMap),
		pageAllocs:  make(map[uint16]*pageMapAllocator),
		smallAllocs: make(map[uint16]*smallBlockAllocator),
		handles:     newHandleTable(),
		opened:      true,
	}

	return store, nil
}

//============================================= Meta file


func (s *Store) metaPath() string { return filepath.Join(s.opts.Path, "meta") }

func (s *Store) initializeMeta() error {
	f, err := os.OpenFile(s.metaPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, s.opts.Mode)
	if err != nil { return err }
	s.metaFile = f

	if err := f.Truncate(PageSize); err != nil { return err }

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil { return err }
	s.metaMap = data

	copy(data[MetaSignatureIdx:], metaSignature[:])
	binary.LittleEndian.PutUint64(data[MetaGenerationIdx:], 0)
	binary.LittleEndian.PutUint32(data[MetaRootHandleIdx:], uint32(NullHandle))
	binary.LittleEndian.PutUint32(data[MetaBitmapRootHandleIdx:], uint32(NullHandle))
	binary.LittleEndian.PutUint32(data[MetaNextHandleIdx:], 0)
	binary.LittleEndian.PutUint64(data[MetaHandlesGCGenIdx:], 0)

	binary.LittleEndian.PutUint64(data[MetaPreambleLenIdx:], uint64(len(s.opts.UserPreamble)))
	copy(data[MetaPreambleIdx:MetaPreambleIdx+MetaPreambleMaxLen], s.opts.UserPreamble)
	s.preamble = append([]byte(nil), s.opts.UserPreamble...)

	return data.Flush()
}

func (s *Store) loadMeta() (err error) {
	defer func() {
		if r := recover(); r != nil { err = fmt.Errorf("qhat: %w: %v", ErrCorruptMeta, r) }
	}()

	f, ferr := os.OpenFile(s.metaPath(), os.O_RDWR, s.opts.Mode)
	if ferr != nil { return ferr }
	s.metaFile = f

	data, merr := mmap.Map(f, mmap.RDWR, 0)
	if merr != nil { return merr }
	s.metaMap = data

	if string(data[MetaSignatureIdx:MetaSignatureIdx+SignatureLen]) != string(metaSignature[:]) {
		return ErrBadSignature
	}

	atomic.StoreUint64(&s.generation, binary.LittleEndian.Uint64(data[MetaGenerationIdx:]))
	atomic.StoreUint32(&s.rootHandle, binary.LittleEndian.Uint32(data[MetaRootHandleIdx:]))
	atomic.StoreUint32(&s.bitmapRootHandle, binary.LittleEndian.Uint32(data[MetaBitmapRootHandleIdx:]))

	preambleLen := binary.LittleEndian.Uint64(data[MetaPreambleLenIdx:])
	if preambleLen > MetaPreambleMaxLen { preambleLen = MetaPreambleMaxLen }
	s.preamble = append([]byte(nil), data[MetaPreambleIdx:MetaPreambleIdx+preambleLen]...)

	return nil
}

// writeMeta persists the current generation and both root handles. The
// rename-based commit protocol used during a snapshot (Snapshot.go)
// additionally writes a *new* meta file and renames it over this one --
// this in-place writer is for the common, non-snapshotting path.
func (s *Store) writeMeta(rootHandle, bitmapRootHandle Handle) error {
	data := s.metaMap

	binary.LittleEndian.PutUint64(data[MetaGenerationIdx:], atomic.LoadUint64(&s.generation))
	binary.LittleEndian.PutUint32(data[MetaRootHandleIdx:], uint32(rootHandle))
	binary.LittleEndian.PutUint32(data[MetaBitmapRootHandleIdx:], uint32(bitmapRootHandle))
	binary.LittleEndian.PutUint64(data[MetaHandlesGCGenIdx:], s.handles.gcGeneration())

	return data.Flush()
}

// RootHandle returns the Handle most recently persisted as the QHAT root
// record, or NullHandle if none has been set yet (a fresh store, or one
// never opened by QHAT at all).
func (s *Store) RootHandle() Handle {
	return Handle(atomic.LoadUint32(&s.rootHandle))
}

// setRootHandle persists h as the new QHAT root record and updates the
// in-memory copy RootHandle reads. commitMeta (Snapshot.go) carries
// whatever was last written here forward into every new generation's meta
// file, so a snapshot captures the root automatically.
func (s *Store) setRootHandle(h Handle) error {
	if err := s.writeMeta(h, s.BitmapRootHandle()); err != nil { return err }
	atomic.StoreUint32(&s.rootHandle, uint32(h))
	return nil
}

// BitmapRootHandle returns the Handle most recently persisted as a
// companion bitmap's root/dispatch index record, or NullHandle if none has
// been set yet.
func (s *Store) BitmapRootHandle() Handle {
	return Handle(atomic.LoadUint32(&s.bitmapRootHandle))
}

// setBitmapRootHandle persists h as the new bitmap index record, mirroring
// setRootHandle.
func (s *Store) setBitmapRootHandle(h Handle) error {
	if err := s.writeMeta(s.RootHandle(), h); err != nil { return err }
	atomic.StoreUint32(&s.bitmapRootHandle, uint32(h))
	return nil
}

// Preamble returns the caller-supplied bytes stashed in the meta file at
// Create time, unchanged across any number of later Opens.
func (s *Store) Preamble() []byte {
	return append([]byte(nil), s.preamble...)
}

//============================================= Map file lifecycle


func (s *Store) mapFileName(kind mapKind, index uint16, generation uint64) string {
	switch kind {
	case mapKindPage:
		return fmt.Sprintf("pg.%d.%d", index, generation)
	default:
		return fmt.Sprintf("mem.%d.%d", index, generation)
	}
}

func (s *Store) newPageMap() (*pageMapAllocator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.nextPageIdx
	s.nextPageIdx++

	vm, err := s.createMapFile(mapKindPage, idx)
	if err != nil { return nil, err }

	pma := newPageMapAllocator(vm)
	pma.pushFree(pageAllocClasses-1, 0) // whole map starts as one free run
	s.pageMaps[idx] = vm
	s.pageAllocs[idx] = pma

	return pma, nil
}

func (s *Store) newMemMap() (*smallBlockAllocator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.nextMemIdx
	s.nextMemIdx++

	vm, err := s.createMapFile(mapKindMem, idx)
	if err != nil { return nil, err }

	sba := newSmallBlockAllocator(vm, s.pageAllocs[0])
	s.memMaps[idx] = vm
	s.smallAllocs[idx] = sba

	return sba, nil
}

func (s *Store) createMapFile(kind mapKind, index uint16) (*valueMap, error) {
	name := s.mapFileName(kind, index, 0)
	path := filepath.Join(s.opts.Path, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, s.opts.Mode)
	if err != nil { return nil, err }

	if err := f.Truncate(MapByteSize); err != nil { return nil, err }

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil { return nil, err }

	sig := pageMapSignature
	if kind == mapKindMem { sig = memMapSignature }
	copy(data[0:], sig[:])

	vm := &valueMap{kind: kind, index: index, generation: 0, file: f}
	vm.storeBytes(data)

	return vm, nil
}

// reopenMaps enumerates pg.*/mem.* files in the store directory, mmaps each,
// validates its signature, and attaches an allocator with empty free-lists
// to each. No occupancy scan is made: every page and block of a reopened
// map counts as used, so live data is never allocated twice, and space
// freed before the restart is not reused.
func (s *Store) reopenMaps() error {
	entries, err := os.ReadDir(s.opts.Path)
	if err != nil { return err }

	type found struct {
		kind mapKind
		idx  uint16
		gen  uint64
		name string
	}
	var pages, mems []found

	for _, e := range entries {
		name := e.Name()
		var kind mapKind
		switch {
		case strings.HasPrefix(name, "pg."):
			kind = mapKindPage
		case strings.HasPrefix(name, "mem."):
			kind = mapKindMem
		default:
			continue
		}

		var idx uint16
		var gen uint64
		parts := strings.Split(name, ".")
		if len(parts) != 3 { continue }
		fmt.Sscanf(parts[1], "%d", &idx)
		fmt.Sscanf(parts[2], "%d", &gen)

		f := found{kind: kind, idx: idx, gen: gen, name: name}
		if kind == mapKindPage {
			pages = append(pages, f)
		} else {
			mems = append(mems, f)
		}
	}

	// keep only the highest generation per index, ascending index order.
	latest := func(fs []found) map[uint16]found {
		best := make(map[uint16]found)
		for _, f := range fs {
			if cur, ok := best[f.idx]; !ok || f.gen > cur.gen { best[f.idx] = f }
		}
		return best
	}

	pageLatest := latest(pages)
	memLatest := latest(mems)

	if err := s.openMapSet(pageLatest, mapKindPage); err != nil { return err }
	if err := s.openMapSet(memLatest, mapKindMem); err != nil { return err }

	return nil
}

func (s *Store) openMapSet(set map[uint16]found, kind mapKind) error {
	indices := make([]uint16, 0, len(set))
	for idx := range set { indices = append(indices, idx) }
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	for _, idx := range indices {
		f := set[idx]
		path := filepath.Join(s.opts.Path, f.name)

		file, err := os.OpenFile(path, os.O_RDWR, s.opts.Mode)
		if err != nil { return err }

		data, err := mmap.Map(file, mmap.RDWR, 0)
		if err != nil { return err }

		wantSig := pageMapSignature
		if kind == mapKindMem { wantSig = memMapSignature }
		if string(data[0:SignatureLen]) != string(wantSig[:]) { return ErrBadSignature }

		vm := &valueMap{kind: kind, index: idx, generation: f.gen, file: file}
		vm.storeBytes(data)

		if kind == mapKindPage {
			s.pageMaps[idx] = vm
			s.pageAllocs[idx] = newPageMapAllocator(vm)
			if idx >= s.nextPageIdx { s.nextPageIdx = idx + 1 }
		} else {
			s.memMaps[idx] = vm
			s.smallAllocs[idx] = newSmallBlockAllocator(vm, s.pageAllocs[0])
			if idx >= s.nextMemIdx { s.nextMemIdx = idx + 1 }
		}
	}

	return nil
}

//============================================= Allocation facade


// AllocPages satisfies a page-run request from the first map with room,
// growing the store with a fresh map file when every existing one is full.
func (s *Store) AllocPages(npages uint32) (PageHandle, error) {
	s.mu.RLock()
	for idx := uint16(0); idx < s.nextPageIdx; idx++ {
		if pma, ok := s.pageAllocs[idx]; ok {
			s.mu.RUnlock()
			if ph, err := pma.pgAlloc(npages); err == nil { return ph, nil }
			s.mu.RLock()
		}
	}
	s.mu.RUnlock()

	pma, err := s.newPageMap()
	if err != nil { return PageHandle{}, err }

	return pma.pgAlloc(npages)
}

// FreePages returns a page run to its owning map's free-list.
func (s *Store) FreePages(ph PageHandle, npages uint32) {
	s.mu.RLock()
	pma, ok := s.pageAllocs[ph.MapIndex]
	s.mu.RUnlock()

	if ok { pma.pgFree(ph.PageIndex, npages) }
}

// ZeroPages zeroes a run of npages pages starting at ph. AllocPages does
// not zero on its own; callers relying on a fresh page reading as all-zero
// (the bitmap's absent-state default among them) call this explicitly.
func (s *Store) ZeroPages(ph PageHandle, npages uint32) {
	s.mu.RLock()
	pma, ok := s.pageAllocs[ph.MapIndex]
	s.mu.RUnlock()

	if ok { pma.pgZero(ph.PageIndex, npages) }
}

// AllocSmall carves size bytes out of the small-object allocator and
// returns a stable Handle for it, growing the store with a fresh mem map
// when every existing one is full. Requests too large for any mem map's
// TLSF free-lists (above SmallMax) are instead carved directly out of the
// page allocator (C2) via AllocPages -- a large handle lives in the page
// map index namespace, not the mem map one, tracked via ptr.large.
func (s *Store) AllocSmall(size uint32) (Handle, error) {
	if size > AllocMax { return 0, ErrAllocTooLarge }

	needed := size + blockHeaderSize + blockFooterSize
	if size < MinAlloc { needed = MinAlloc + blockHeaderSize + blockFooterSize }

	if needed > SmallMax {
		return s.allocLarge(needed)
	}

	s.mu.RLock()
	for idx := uint16(0); idx < s.nextMemIdx; idx++ {
		if sba, ok := s.smallAllocs[idx]; ok {
			s.mu.RUnlock()
			if off, err := sba.Alloc(size); err == nil {
				return s.handles.Alloc(idx, 0, off, false), nil
			}
			s.mu.RLock()
		}
	}
	s.mu.RUnlock()

	sba, err := s.newMemMap()
	if err != nil { return 0, err }

	off, err := sba.Alloc(size)
	if err != nil { return 0, err }

	return s.handles.Alloc(s.nextMemIdx-1, 0, off, false), nil
}

// allocLarge carves needed bytes (already including the inline header) out
// of a run of whole pages, stamping the run's page count into the first 4
// bytes of the run so FreeSmall can recover it later without a separate
// size-tracking table.
func (s *Store) allocLarge(needed uint32) (Handle, error) {
	npages := (needed + PageSize - 1) / PageSize

	ph, err := s.AllocPages(npages)
	if err != nil { return 0, err }

	s.mu.RLock()
	pma, ok := s.pageAllocs[ph.MapIndex]
	s.mu.RUnlock()
	if !ok { return 0, ErrInvalidHandle }

	binary.LittleEndian.PutUint32(pma.pgDeref(ph.PageIndex), npages)

	return s.handles.Alloc(ph.MapIndex, ph.PageIndex, 0, true), nil
}

// FreeSmall releases a small-object handle's backing bytes and the handle
// itself.
func (s *Store) FreeSmall(h Handle) error {
	p, err := s.handles.Resolve(h)
	if err != nil { return err }

	s.handles.mu.RLock()
	freed := s.handles.isOnFreeList(uint32(h))
	s.handles.mu.RUnlock()
	if freed { return ErrDoubleFree }

	if p.large {
		s.mu.RLock()
		pma, ok := s.pageAllocs[p.mapIndex]
		s.mu.RUnlock()

		if ok {
			npages := binary.LittleEndian.Uint32(pma.pgDeref(p.pageIndex))
			s.FreePages(PageHandle{MapIndex: p.mapIndex, PageIndex: p.pageIndex}, npages)
		}

		return s.handles.Free(h)
	}

	s.mu.RLock()
	sba, ok := s.smallAllocs[p.mapIndex]
	s.mu.RUnlock()

	if ok { sba.Free(p.offset) }

	return s.handles.Free(h)
}

// Deref returns the writable byte slice a small-object handle currently
// names, applying the copy-on-write write barrier (w_deref) if the owning
// map is frozen by an in-flight snapshot.
func (s *Store) Deref(h Handle) ([]byte, error) {
	p, err := s.handles.Resolve(h)
	if err != nil { return nil, err }

	if p.large {
		s.mu.RLock()
		pma, ok := s.pageAllocs[p.mapIndex]
		vm := pma.vm
		s.mu.RUnlock()
		if !ok { return nil, ErrInvalidHandle }

		if vm.frozen() {
			if err := s.wDeref(vm); err != nil { return nil, err }
		}

		npages := binary.LittleEndian.Uint32(pma.pgDeref(p.pageIndex))
		return pma.pgDerefRun(p.pageIndex, npages)[blockHeaderSize:], nil
	}

	s.mu.RLock()
	vm, ok := s.memMaps[p.mapIndex]
	s.mu.RUnlock()
	if !ok { return nil, ErrInvalidHandle }

	if vm.frozen() {
		if err := s.wDeref(vm); err != nil { return nil, err }
	}

	data := vm.bytes()
	return data[p.offset:], nil
}

//============================================= Close / Unlink / Backup / Usage


// Close flushes and unmaps every open map and the meta file, then releases
// the directory lock. Safe to call more than once.
func (s *Store) Close() error {
	var outerErr error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for _, vm := range s.pageMaps {
			if b := vm.bytes(); b != nil {
				b.Flush()
				b.Unmap()
			}
			vm.file.Close()
		}

		for _, vm := range s.memMaps {
			if b := vm.bytes(); b != nil {
				b.Flush()
				b.Unmap()
			}
			vm.file.Close()
		}

		if s.metaMap != nil {
			s.metaMap.Flush()
			s.metaMap.Unmap()
		}

		if s.metaFile != nil { s.metaFile.Close() }

		if s.dirFile != nil {
			unix.Flock(int(s.dirFile.Fd()), unix.LOCK_UN)
			s.dirFile.Close()
		}

		s.opened = false
	})

	return outerErr
}

// Unlink removes every file belonging to the store. The store must already
// be closed.
func (s *Store) Unlink() error {
	if s.opened { return fmt.Errorf("qhat: %w: Unlink requires Close first", ErrStoreAlreadyOpen) }
	return os.RemoveAll(s.opts.Path)
}

// Backup copies (or, if hardlink is true, hard-links) every meta/pg./mem.
// file into destDir. Refuses while a snapshot is in flight.
func (s *Store) Backup(destDir string, hardlink bool) error {
	if atomic.LoadUint32(&s.snapshotInFlight) == 1 { return ErrSnapshotInProgress }
	if err := os.MkdirAll(destDir, 0o755); err != nil { return err }

	entries, err := os.ReadDir(s.opts.Path)
	if err != nil { return err }

	for _, e := range entries {
		if e.IsDir() { continue }

		src := filepath.Join(s.opts.Path, e.Name())
		dst := filepath.Join(destDir, e.Name())

		if hardlink {
			if err := os.Link(src, dst); err != nil { return err }
			continue
		}

		if err := copyFile(src, dst, s.opts.Mode); err != nil { return err }
	}

	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil { return err }
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil { return err }
	defer out.Close()

	buf := make([]byte, 1<<20)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil { return werr }
		}
		if rerr != nil { break }
	}

	return nil
}

// GetUsage reports aggregate page and handle occupancy across every open map.
func (s *Store) GetUsage() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		MapCount:   len(s.pageMaps) + len(s.memMaps),
		Generation: atomic.LoadUint64(&s.generation),
	}

	for idx := range s.pageMaps {
		stats.PagesTotal += MapPages
		if pma, ok := s.pageAllocs[idx]; ok {
			for c := 0; c < pageAllocClasses; c++ {
				for cur := pma.heads[c]; cur != FreelistEndSentinel; cur = pma.freeListNext(cur) {
					stats.PagesFree += uint64(1) << uint(c)
				}
			}
		}
	}

	stats.HandlesTotal, stats.HandlesFree = s.handles.stats()

	return stats
}
