package qhat

import (
	"sync"
	"sync/atomic"

	"github.com/sirgallo/utils"
)


//============================================= Handle Table (C3)
//
// A stable Handle indirects to a PTR slot (map/page/offset). Free slots
// thread a singly linked freelist through their own pgno field, the same
// way the paged allocator threads its freelists through the page bytes
// themselves (PageAlloc.go) -- no separate freelist array is kept. Handle
// 0 is reserved and never allocated, so a zero Handle always means "none".
// HandleCache memoizes a resolved PTR behind a monotonic handlesGCGen
// counter, which Free and Relocate bump so that every outstanding cache
// re-resolves.


// ptr is one handle table slot: where the handle currently resolves to.
// large distinguishes a handle whose bytes live directly in a page-map run
// (an AllocSmall request too big for the small-object allocator, carved
// straight from Store.AllocPages) from the common case of an offset inside
// a mem map's TLSF-managed bytes -- the two live in entirely separate map
// index namespaces, so resolving one as the other would read garbage.
type ptr struct {
	mapIndex  uint16
	pageIndex uint32
	offset    uint32
	large     bool
	pgno      uint32 // freelist-next when this slot is free, else unused
}

const handleFreeSentinel = FreelistEndSentinel

// handleTable is the C3 component: allocates, resolves, and frees Handles.
type handleTable struct {
	mu sync.RWMutex

	slots      []ptr
	freeHead   uint32
	handlesGCGen uint64 // atomic
}

// NullHandle is the reserved zero-value Handle: no slot is ever allocated
// at this index, so callers can treat a zero Handle as "no handle" without
// a separate valid/present flag.
const NullHandle Handle = 0

func newHandleTable() *handleTable {
	// Slot 0 is pinned down as the null handle and never handed out by
	// Alloc or accepted by Free/Resolve/Relocate.
	return &handleTable{slots: []ptr{{}}, freeHead: handleFreeSentinel}
}

// Alloc returns a fresh Handle bound to the given PTR, reusing a freed slot
// when one is available.
func (ht *handleTable) Alloc(mapIndex uint16, pageIndex, offset uint32, large bool) Handle {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if ht.freeHead != handleFreeSentinel {
		idx := ht.freeHead
		ht.freeHead = ht.slots[idx].pgno
		ht.slots[idx] = ptr{mapIndex: mapIndex, pageIndex: pageIndex, offset: offset, large: large, pgno: 0}
		return Handle(idx)
	}

	ht.slots = append(ht.slots, ptr{mapIndex: mapIndex, pageIndex: pageIndex, offset: offset, large: large})
	return Handle(len(ht.slots) - 1)
}

// Free releases a handle back to the free-list. Freeing an already-free
// handle is a caller bug, reported as ErrDoubleFree rather than silently
// corrupting the freelist chain.
func (ht *handleTable) Free(h Handle) error {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	idx := uint32(h)
	if idx == 0 { return ErrInvalidHandle }
	if idx >= uint32(len(ht.slots)) { return ErrInvalidHandle }
	if ht.isOnFreeList(idx) { return ErrDoubleFree }

	ht.slots[idx] = ptr{pgno: ht.freeHead}
	ht.slots[idx].pgno = ht.freeHead
	ht.freeHead = idx

	atomic.AddUint64(&ht.handlesGCGen, 1)

	return nil
}

// isOnFreeList is a best-effort double-free guard: walks the (short) chain
// looking for idx. Good enough for a sanity check, not a hot path.
func (ht *handleTable) isOnFreeList(idx uint32) bool {
	for cur := ht.freeHead; cur != handleFreeSentinel; cur = ht.slots[cur].pgno {
		if cur == idx { return true }
	}
	return false
}

// Resolve returns the current PTR for a handle.
func (ht *handleTable) Resolve(h Handle) (ptr, error) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	idx := uint32(h)
	if idx == 0 { return ptr{}, ErrInvalidHandle }
	if idx >= uint32(len(ht.slots)) { return ptr{}, ErrInvalidHandle }

	return ht.slots[idx], nil
}

// Relocate updates a handle's PTR in place and bumps the GC generation so
// every outstanding HandleCache re-resolves. Nothing in the store moves a
// live block, so only the tests call it.
func (ht *handleTable) Relocate(h Handle, mapIndex uint16, pageIndex, offset uint32) error {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	idx := uint32(h)
	if idx == 0 { return ErrInvalidHandle }
	if idx >= uint32(len(ht.slots)) { return ErrInvalidHandle }

	ht.slots[idx] = ptr{mapIndex: mapIndex, pageIndex: pageIndex, offset: offset}
	atomic.AddUint64(&ht.handlesGCGen, 1)

	return nil
}

func (ht *handleTable) gcGeneration() uint64 {
	return atomic.LoadUint64(&ht.handlesGCGen)
}

func (ht *handleTable) stats() (total, free uint64) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	total = uint64(len(ht.slots))
	for cur := ht.freeHead; cur != handleFreeSentinel; cur = ht.slots[cur].pgno {
		free++
	}

	return total, free
}

//============================================= HandleCache


// HandleCache memoizes one handle's resolved PTR so a hot read path (QHAT
// Get, bitmap enumeration) does not take handleTable.mu on every access. It
// is invalidated lazily: a stale cache is detected by comparing its stamped
// generation against handleTable.handlesGCGen.
type HandleCache struct {
	handle     Handle
	cached     ptr
	generation uint64
	valid      bool
}

// Get resolves h, reusing the cached PTR if it was stamped at the table's
// current generation and still names the same handle.
func (hc *HandleCache) Get(ht *handleTable, h Handle) (ptr, error) {
	if hc.valid && hc.handle == h && hc.generation == ht.gcGeneration() {
		return hc.cached, nil
	}

	resolved, err := ht.Resolve(h)
	if err != nil {
		hc.invalidate()
		return ptr{}, err
	}

	hc.handle = h
	hc.cached = resolved
	hc.generation = ht.gcGeneration()
	hc.valid = true

	return resolved, nil
}

func (hc *HandleCache) invalidate() {
	*hc = utils.GetZero[HandleCache]()
}
