package qhat

import (
	"encoding/binary"
	"math/bits"
	"sync"
)


//============================================= Paged Allocator (C2)
//
// A two-level bitmap free-list over fixed-size runs of pages: L1 selects a
// class-group, L2 selects a size class within the group, the same
// population-count/bit-test idiom used throughout this allocator family.
// Free runs are additionally threaded into a singly linked list per class,
// with the head/next pointers stored in the first 4 bytes of the free run
// itself -- a run's own storage doubles as its freelist node, so the
// allocator carries no out-of-band bookkeeping array.


// pageAllocClasses is the number of page-run size classes: class c holds
// runs of exactly 1<<c pages, up to 1<<(pageAllocClasses-1) == MapPages.
const pageAllocClasses = 17

// pageAllocGroupSize partitions the classes into L1 groups of this many
// classes each.
const pageAllocGroupSize = 4
const pageAllocGroups = (pageAllocClasses + pageAllocGroupSize - 1) / pageAllocGroupSize

// pageMapAllocator owns the free-list bitmaps for one pg.<idx>.<gen> map.
type pageMapAllocator struct {
	mu sync.Mutex

	l1 uint32                       // bit g set iff l2[g] has any class with a free run
	l2 [pageAllocGroups]uint32      // within group g, bit (c - g*groupSize) set iff class c has a free run
	heads [pageAllocClasses]uint32  // head page index per class, FreelistEndSentinel if empty

	vm *valueMap
}

func newPageMapAllocator(vm *valueMap) *pageMapAllocator {
	pma := &pageMapAllocator{vm: vm}

	for c := range pma.heads {
		pma.heads[c] = FreelistEndSentinel
	}

	return pma
}

// classFor picks the smallest class whose run length covers npages.
func classFor(npages uint32) int {
	if npages == 0 { npages = 1 }
	c := bits.Len32(npages - 1)
	if c >= pageAllocClasses { c = pageAllocClasses - 1 }
	return c
}

func (pma *pageMapAllocator) markClassNonEmpty(c int) {
	g := c / pageAllocGroupSize
	pma.l2[g] |= 1 << uint(c%pageAllocGroupSize)
	pma.l1 |= 1 << uint(g)
}

func (pma *pageMapAllocator) markClassEmptyIfDrained(c int) {
	if pma.heads[c] != FreelistEndSentinel { return }

	g := c / pageAllocGroupSize
	pma.l2[g] &^= 1 << uint(c%pageAllocGroupSize)
	if pma.l2[g] == 0 { pma.l1 &^= 1 << uint(g) }
}

// freeListNext/setFreeListNext store the freelist chain inline in the first
// 4 bytes of the free run's first page.
func (pma *pageMapAllocator) freeListNext(pageIdx uint32) uint32 {
	data := pma.vm.bytes()
	off := int(pageIdx) * PageSize
	return binary.LittleEndian.Uint32(data[off : off+4])
}

func (pma *pageMapAllocator) setFreeListNext(pageIdx, next uint32) {
	data := pma.vm.bytes()
	off := int(pageIdx) * PageSize
	binary.LittleEndian.PutUint32(data[off:off+4], next)
}

// pushFree adds a free run of the given class, headed at pageIdx, to this
// map's free-list.
func (pma *pageMapAllocator) pushFree(class int, pageIdx uint32) {
	pma.mu.Lock()
	defer pma.mu.Unlock()

	pma.setFreeListNext(pageIdx, pma.heads[class])
	pma.heads[class] = pageIdx
	pma.markClassNonEmpty(class)
}

// popFree removes and returns the head free run of the given class, or
// false if the class (and every larger class, via the caller's search) is
// empty.
func (pma *pageMapAllocator) popFree(class int) (uint32, bool) {
	pma.mu.Lock()
	defer pma.mu.Unlock()

	head := pma.heads[class]
	if head == FreelistEndSentinel { return 0, false }

	pma.heads[class] = pma.freeListNext(head)
	pma.markClassEmptyIfDrained(class)

	return head, true
}

// findNonEmptyClassAtOrAbove scans l1/l2 for the smallest class >= class
// with a free run, using bits.TrailingZeros as an ffs-style class search.
func (pma *pageMapAllocator) findNonEmptyClassAtOrAbove(class int) (int, bool) {
	pma.mu.Lock()
	defer pma.mu.Unlock()

	startGroup := class / pageAllocGroupSize
	startBit := class % pageAllocGroupSize

	if g := startGroup; g < pageAllocGroups {
		masked := pma.l2[g] &^ ((1 << uint(startBit)) - 1)
		if masked != 0 {
			return g*pageAllocGroupSize + bits.TrailingZeros32(masked), true
		}
	}

	groupsAbove := pma.l1 &^ ((1 << uint(startGroup+1)) - 1)
	if groupsAbove == 0 { return 0, false }

	g := bits.TrailingZeros32(groupsAbove)
	return g*pageAllocGroupSize + bits.TrailingZeros32(pma.l2[g]), true
}

//============================================= pg_map / pg_unmap / pg_deref


// pgAlloc
//	pg_map: allocates a run of npages contiguous pages from this map,
//	splitting a larger free run if no exact class match exists. Returns the
//	PageHandle of the run's first page.
func (pma *pageMapAllocator) pgAlloc(npages uint32) (PageHandle, error) {
	if npages == 0 || npages > MapPages { return PageHandle{}, ErrOutOfSpace }

	want := classFor(npages)

	class, ok := pma.findNonEmptyClassAtOrAbove(want)
	if !ok { return PageHandle{}, ErrOutOfSpace }

	pageIdx, ok := pma.popFree(class)
	if !ok { return PageHandle{}, ErrOutOfSpace }

	if class > want {
		// split: return the unused tail of the run to the free-lists at
		// progressively smaller classes, buddy-allocator style.
		runLen := uint32(1) << uint(class)
		wantLen := uint32(1) << uint(want)
		tail := pageIdx + wantLen
		remaining := runLen - wantLen

		for remaining > 0 {
			c := classFor(remaining + 1)
			for (uint32(1) << uint(c)) > remaining { c-- }
			pma.pushFree(c, tail)
			step := uint32(1) << uint(c)
			tail += step
			remaining -= step
		}
	}

	// Pages come back as-is, carrying whatever a prior occupant left in
	// them. Callers that need a clean slate call pgZero themselves.
	return PageHandle{MapIndex: pma.vm.index, PageIndex: pageIdx}, nil
}

// pgFree
//	pg_unmap: returns a run of npages pages starting at pageIdx to the
//	free-list at the appropriate class.
func (pma *pageMapAllocator) pgFree(pageIdx, npages uint32) {
	class := classFor(npages)
	pma.pushFree(class, pageIdx)
}

// pgZero
//	pg_zero: zeroes npages worth of bytes starting at pageIdx. pgAlloc does
//	not call it; callers that need a clean run call it through
//	Store.ZeroPages.
func (pma *pageMapAllocator) pgZero(pageIdx, npages uint32) {
	data := pma.vm.bytes()
	start := int(pageIdx) * PageSize
	end := start + int(npages)*PageSize

	for i := start; i < end; i++ { data[i] = 0 }
}

// pgDeref
//	pg_deref: returns the writable byte slice backing a single page. It
//	applies no copy-on-write barrier itself; Store.Deref calls Store.wDeref
//	(Snapshot.go) first when the owning map is frozen by a snapshot.
func (pma *pageMapAllocator) pgDeref(pageIdx uint32) []byte {
	data := pma.vm.bytes()
	start := int(pageIdx) * PageSize
	return data[start : start+PageSize]
}

// pgDerefRun returns the writable byte slice backing npages contiguous
// pages starting at pageIdx -- used for a page-run allocation (Store.
// allocLarge) where the caller's usable bytes span more than one page.
func (pma *pageMapAllocator) pgDerefRun(pageIdx, npages uint32) []byte {
	data := pma.vm.bytes()
	start := int(pageIdx) * PageSize
	return data[start : start+int(npages)*PageSize]
}

// pgSizeof reports the byte length of a page-run allocation from its page
// count.
func pgSizeof(npages uint32) int {
	return int(npages) * PageSize
}
