package qhat

import (
	"fmt"

	"github.com/sirgallo/qhat/common/murmur"
)


//============================================= Leak checking (C8)
//
// A best-effort root-set reachability scan: given the Roots a caller's live
// structures actually reference (a QHAT's GetRoots, a bitmap's page set,
// anything else built on top of a Store), cross off every page run and
// handle the store's allocators consider free, then flag anything left over
// that the caller didn't claim as reachable. This can't prove a leak the way
// a tracing GC would (the store has no universal root set of its own, only
// what callers hand it), but it catches the common mistakes: a Free that
// didn't happen, or a root handle that has already been freed. It also
// records a common/murmur Fingerprint of every open map's bytes in
// LeakReport.MapFingerprints; it compares those against nothing itself.
// Best-effort because the only truth available is what callers hand in
// as roots; there is no independent root set to cross-check against.


// LeakReport summarizes a CheckLeaks pass.
type LeakReport struct {
	PagesChecked    int
	PagesLeaked     []PageHandle
	HandlesChecked  int
	HandlesLeaked   []Handle
	DoubleFrees     []Handle
	MapFingerprints map[string]uint32
	OK              bool
	Errors          []string
}

// CheckLeaks walks every open map's allocator free-lists and the handle
// table, then reports any allocated page run or handle that roots does not
// claim as reachable. Call it with the union of every live QHAT's
// GetRoots() (plus any other structure built directly on the Store) for a
// meaningful result; called with an empty Roots it will flag every
// allocation as unreachable, which is expected for a store with nothing
// attached yet.
func (s *Store) CheckLeaks(roots Roots) LeakReport {
	report := LeakReport{OK: true, MapFingerprints: make(map[string]uint32)}

	s.mu.RLock()
	defer s.mu.RUnlock()

	reachablePages := make(map[PageHandle]bool, len(roots.Pages))
	for _, ph := range roots.Pages { reachablePages[ph] = true }

	reachableHandles := make(map[Handle]bool, len(roots.Handles))
	for _, h := range roots.Handles { reachableHandles[h] = true }

	for idx, pma := range s.pageAllocs {
		free := s.freePageSet(pma)

		for pageIdx := uint32(0); pageIdx < MapPages; pageIdx++ {
			if free[pageIdx] { continue }

			report.PagesChecked++
			ph := PageHandle{MapIndex: idx, PageIndex: pageIdx}
			if !reachablePages[ph] {
				report.PagesLeaked = append(report.PagesLeaked, ph)
			}
		}

		if vm, ok := s.pageMaps[idx]; ok {
			report.MapFingerprints[s.mapFileName(mapKindPage, idx, vm.generation)] = murmur.Fingerprint(vm.bytes())
		}
	}

	for idx, vm := range s.memMaps {
		report.MapFingerprints[s.mapFileName(mapKindMem, idx, vm.generation)] = murmur.Fingerprint(vm.bytes())
	}

	s.handles.mu.RLock()
	for i := range s.handles.slots {
		h := Handle(i)
		if i == 0 || s.handles.isOnFreeList(uint32(i)) { continue } // slot 0 is the reserved null handle

		report.HandlesChecked++
		if !reachableHandles[h] {
			report.HandlesLeaked = append(report.HandlesLeaked, h)
		}
	}
	s.handles.mu.RUnlock()

	s.handles.mu.RLock()
	for _, h := range roots.Handles {
		idx := uint32(h)
		if idx >= uint32(len(s.handles.slots)) || s.handles.isOnFreeList(idx) {
			report.DoubleFrees = append(report.DoubleFrees, h)
		}
	}
	s.handles.mu.RUnlock()

	if len(report.PagesLeaked) > 0 || len(report.HandlesLeaked) > 0 || len(report.DoubleFrees) > 0 {
		report.OK = false
		report.Errors = append(report.Errors, fmt.Sprintf(
			"%d unreachable pages, %d unreachable handles, %d handles in roots already freed",
			len(report.PagesLeaked), len(report.HandlesLeaked), len(report.DoubleFrees)))
	}

	return report
}

// freePageSet walks pma's per-class free-list chains and returns the set of
// page indices currently free, the same walk GetUsage performs to total
// free pages, here keeping the individual indices instead of just a count.
func (s *Store) freePageSet(pma *pageMapAllocator) map[uint32]bool {
	free := make(map[uint32]bool)

	pma.mu.Lock()
	defer pma.mu.Unlock()

	for c := 0; c < pageAllocClasses; c++ {
		run := pma.heads[c]
		for run != FreelistEndSentinel {
			npages := uint32(1) << uint(c)
			for i := uint32(0); i < npages; i++ {
				free[run+i] = true
			}
			run = pma.freeListNext(run)
		}
	}

	return free
}
