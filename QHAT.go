package qhat

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sirgallo/qhat/bitmap"
)


//============================================= QHAT (C7)
//
// An ordered uint32 -> fixed-width value map. Mutation follows a
// CAS-retry/path-copy loop: reload root, path-copy down to the mutated
// leaf, attempt to install the new root, retry on a lost race. Every node
// touched by a path-copy is written out as a serialized record through
// Store.AllocSmall/Deref and addressed by a Handle, rather than kept as a
// bare in-process pointer, so the whole trie lives inside the mmap-backed
// store and a snapshot of the store's bytes captures it automatically.
// Branching is QHATShift(10)-bit radix across QHATDepthMax(3) levels
// beneath a QHATRootCount(4)-wide true root.
//
// A superseded node or root record loses its last referencing Handle the
// moment its winning replacement installs, but is never synchronously
// freed -- freeing it here would race a concurrent reader that loaded the
// old root a moment before the CAS. Nothing frees it later either: snapshot
// GC deletes only superseded map files, so a superseded record stays
// allocated in its mem map and is copied into every later generation.


// rootArray is the true root: QHATRootCount top-level slots plus the
// trie-wide generation counter used to detect concurrent mutation.
type rootArray struct {
	roots   [QHATRootCount]Handle
	version uint64
}

const rootRecordHeaderSize = 8 // version

// encodeRoot serializes r into its canonical byte record.
func encodeRoot(r *rootArray) []byte {
	buf := make([]byte, rootRecordHeaderSize+QHATRootCount*HandleSize)
	binary.LittleEndian.PutUint64(buf, r.version)

	for i, h := range r.roots {
		binary.LittleEndian.PutUint32(buf[rootRecordHeaderSize+i*HandleSize:], uint32(h))
	}

	return buf
}

// decodeRoot parses a root record previously written by encodeRoot.
func decodeRoot(data []byte) *rootArray {
	r := &rootArray{}
	r.version = binary.LittleEndian.Uint64(data)

	for i := range r.roots {
		r.roots[i] = Handle(binary.LittleEndian.Uint32(data[rootRecordHeaderSize+i*HandleSize:]))
	}

	return r
}

// QHAT is the C7 component.
type QHAT struct {
	store    *Store
	width    ValueWidth
	nullable bool
	bm       *bitmap.Bitmap

	root atomic.Pointer[rootArray]
	pool *nodePool
}

// CreateQHAT initializes an empty trie of the given value width over store
// and persists its (empty) root record. Pass nullable=true to distinguish
// an absent key from one explicitly set to an all-zero value, backed by a
// companion C6 bitmap.
func CreateQHAT(store *Store, width ValueWidth, nullable bool) (*QHAT, error) {
	h := &QHAT{
		store:    store,
		width:    width,
		nullable: nullable,
		pool:     newNodePool(int64(store.opts.NodePoolSize)),
	}

	if nullable {
		h.bm = bitmap.New(newBitmapBackend(store), true)
	}

	root := &rootArray{}
	h.root.Store(root)

	if err := h.persistRoot(root); err != nil { return nil, err }

	return h, nil
}

// OpenQHAT reconstructs a trie from the root handle already recorded in
// store's meta file -- left behind by a prior CreateQHAT/Set/Remove and
// carried across a close/reopen by Store's own meta persistence. A store
// that has never had a QHAT created over it opens as an empty trie.
func OpenQHAT(store *Store, width ValueWidth, nullable bool) (*QHAT, error) {
	h := &QHAT{
		store:    store,
		width:    width,
		nullable: nullable,
		pool:     newNodePool(int64(store.opts.NodePoolSize)),
	}

	rootHandle := store.RootHandle()
	if rootHandle == NullHandle {
		h.root.Store(&rootArray{})
	} else {
		data, err := store.Deref(rootHandle)
		if err != nil { return nil, err }
		h.root.Store(decodeRoot(data))
	}

	if nullable {
		h.bm = bitmap.New(newBitmapBackend(store), true)

		if bitmapHandle := store.BitmapRootHandle(); bitmapHandle != NullHandle {
			data, err := store.Deref(bitmapHandle)
			if err != nil { return nil, err }
			h.bm.Restore(data)
		}
	}

	return h, nil
}

func (h *QHAT) loadRoot() *rootArray { return h.root.Load() }
func (h *QHAT) generation() uint64   { return h.loadRoot().version }

// persistRoot writes r's record to the store and records its handle as the
// store's current root handle. The previous root record, if any, is left
// allocated; nothing frees it.
func (h *QHAT) persistRoot(r *rootArray) error {
	handle, err := h.writeRecord(encodeRoot(r))
	if err != nil { return err }

	return h.store.setRootHandle(handle)
}

// persistBitmap serializes the companion bitmap's root/dispatch index and
// records its handle, mirroring persistRoot.
func (h *QHAT) persistBitmap() error {
	handle, err := h.writeRecord(h.bm.Serialize())
	if err != nil { return err }

	return h.store.setBitmapRootHandle(handle)
}

// writeRecord carves a fresh handle out of the store and copies rec into it.
func (h *QHAT) writeRecord(rec []byte) (Handle, error) {
	handle, err := h.store.AllocSmall(uint32(len(rec)))
	if err != nil { return NullHandle, err }

	buf, err := h.store.Deref(handle)
	if err != nil { return NullHandle, err }
	copy(buf, rec)

	return handle, nil
}

// writeNode serializes n and stores it, returning its Handle.
func (h *QHAT) writeNode(n *qhatNode) (Handle, error) {
	return h.writeRecord(encodeNode(n, h.width))
}

// readNode loads and decodes the node record handle names. NullHandle
// decodes to a nil node with no error, matching the "no node here yet"
// case every caller already has to handle.
func (h *QHAT) readNode(handle Handle, depth int) (*qhatNode, error) {
	if handle == NullHandle { return nil, nil }

	data, err := h.store.Deref(handle)
	if err != nil { return nil, err }

	return decodeNode(data, depth, h.width), nil
}

// Set installs value (which must be exactly h.width bytes) for key,
// creating or path-copying nodes down to the leaf level and retrying the
// whole path-copy under a lost CAS race.
func (h *QHAT) Set(key uint32, value []byte) error {
	if len(value) != int(h.width) { return ErrValueWidthMismatch }

	// 0 means absent in a non-nullable trie: storing it removes the key.
	if !h.nullable && !isNonZero(value) {
		if err := h.Remove(key); err != nil && err != ErrKeyNotFound { return err }
		return nil
	}

	for {
		old := h.loadRoot()
		newRoots := *old

		ri := rootIndex(key)
		newChild, err := h.setRecursive(old.roots[ri], key, 0, value, old.version+1)
		if err != nil { return err }

		newRoots.roots[ri] = newChild
		newRoots.version = old.version + 1

		if h.root.CompareAndSwap(old, &newRoots) {
			if err := h.persistRoot(&newRoots); err != nil { return err }

			if h.nullable {
				if err := h.bm.Set(key, stateForValue(value)); err != nil { return err }
				return h.persistBitmap()
			}

			return nil
		}

		runtime.Gosched()
	}
}

func stateForValue(value []byte) bitmap.State {
	if isNonZero(value) { return bitmap.StateOne }
	return bitmap.StateZero
}

// Set0 is a synonym for Remove on a non-nullable trie (0 already means
// absent there); on a nullable trie it marks key as present with an
// all-zero value, distinct from Remove which clears the bitmap entirely.
func (h *QHAT) Set0(key uint32) error {
	if !h.nullable { return h.Remove(key) }
	return h.Set(key, make([]byte, h.width))
}

// IsNull reports whether key currently has no entry.
func (h *QHAT) IsNull(key uint32) (bool, error) {
	if h.nullable {
		return h.bm.Get(key) == bitmap.StateAbsent, nil
	}

	_, err := h.Get(key)
	if err == ErrKeyNotFound { return true, nil }
	if err != nil { return false, err }

	return false, nil
}

func (h *QHAT) setRecursive(nodeHandle Handle, key uint32, depth int, value []byte, version uint64) (Handle, error) {
	localKey := uint16(levelIndex(key, depth))
	leaf := depth == QHATDepthMax-1

	var node *qhatNode
	if nodeHandle == NullHandle {
		node = newCompactNode(depth, version)
	} else {
		old, err := h.readNode(nodeHandle, depth)
		if err != nil { return NullHandle, err }
		node = h.pool.copyNode(old, version)
	}

	if leaf {
		h.setLeafSlot(node, localKey, value)
		return h.writeNode(node)
	}

	var childHandle Handle
	var idx int
	var found bool

	if node.compact {
		childHandle, idx, found = node.findChild(localKey)
	} else {
		childHandle = node.flatChildren[localKey]
	}

	newChildHandle, err := h.setRecursive(childHandle, key, depth+1, value, version)
	if err != nil { return NullHandle, err }

	if node.compact {
		if found {
			node.childHandles[idx] = newChildHandle
		} else {
			node.insertChildAt(idx, localKey, newChildHandle)
		}

		if len(node.keys) > descFor(h.width).splitCompactThreshold {
			node = flatten(node, h.width)
		}
	} else {
		node.flatChildren[localKey] = newChildHandle
	}

	return h.writeNode(node)
}

func (h *QHAT) setLeafSlot(node *qhatNode, localKey uint16, value []byte) {
	if node.compact {
		_, idx, found := node.findValue(localKey)
		if found {
			node.values[idx] = append([]byte(nil), value...)
		} else {
			node.insertValueAt(idx, localKey, append([]byte(nil), value...))
		}

		if len(node.keys) > descFor(h.width).splitCompactThreshold {
			*node = *flatten(node, h.width)
		}

		return
	}

	w := int(h.width)
	copy(node.flatValues[int(localKey)*w:(int(localKey)+1)*w], value)
}

// Get reads the value stored for key. For a non-nullable trie, absence and
// a stored all-zero value are indistinguishable (0 means absent); for a
// nullable trie, Get consults the companion bitmap first to make that
// distinction.
func (h *QHAT) Get(key uint32) ([]byte, error) {
	if h.nullable {
		switch h.bm.Get(key) {
		case bitmap.StateAbsent:
			return nil, ErrKeyNotFound
		case bitmap.StateZero:
			return make([]byte, h.width), nil
		}
	}

	root := h.loadRoot()
	handle := root.roots[rootIndex(key)]

	value, found, err := h.getRecursive(handle, key, 0)
	if err != nil { return nil, err }
	if !found { return nil, ErrKeyNotFound }

	return value, nil
}

func (h *QHAT) getRecursive(nodeHandle Handle, key uint32, depth int) ([]byte, bool, error) {
	if nodeHandle == NullHandle { return nil, false, nil }

	node, err := h.readNode(nodeHandle, depth)
	if err != nil { return nil, false, err }

	localKey := uint16(levelIndex(key, depth))
	leaf := depth == QHATDepthMax-1

	if leaf {
		if node.compact {
			v, _, found := node.findValue(localKey)
			return v, found, nil
		}

		w := int(h.width)
		v := node.flatValues[int(localKey)*w : (int(localKey)+1)*w]
		if !h.nullable && !isNonZero(v) { return nil, false, nil }
		return v, true, nil
	}

	var childHandle Handle
	if node.compact {
		var found bool
		childHandle, _, found = node.findChild(localKey)
		if !found { return nil, false, nil }
	} else {
		childHandle = node.flatChildren[localKey]
	}

	return h.getRecursive(childHandle, key, depth+1)
}

// Remove deletes key, retrying the path-copy CAS loop on a lost race
// exactly like Set.
func (h *QHAT) Remove(key uint32) error {
	for {
		old := h.loadRoot()
		newRoots := *old

		ri := rootIndex(key)
		newChild, removed, err := h.removeRecursive(old.roots[ri], key, 0)
		if err != nil { return err }
		if !removed { return ErrKeyNotFound }

		newRoots.roots[ri] = newChild
		newRoots.version = old.version + 1

		if h.root.CompareAndSwap(old, &newRoots) {
			if err := h.persistRoot(&newRoots); err != nil { return err }

			if h.nullable {
				if err := h.bm.Set(key, bitmap.StateAbsent); err != nil { return err }
				return h.persistBitmap()
			}

			return nil
		}

		runtime.Gosched()
	}
}

func (h *QHAT) removeRecursive(nodeHandle Handle, key uint32, depth int) (Handle, bool, error) {
	if nodeHandle == NullHandle { return NullHandle, false, nil }

	old, err := h.readNode(nodeHandle, depth)
	if err != nil { return NullHandle, false, err }

	localKey := uint16(levelIndex(key, depth))
	leaf := depth == QHATDepthMax-1
	version := h.generation() + 1

	node := h.pool.copyNode(old, version)

	if leaf {
		if node.compact {
			_, idx, found := node.findValue(localKey)
			if !found { return nodeHandle, false, nil }
			node.removeAt(idx)
		} else {
			w := int(h.width)
			for i := range node.flatValues[int(localKey)*w : (int(localKey)+1)*w] {
				node.flatValues[int(localKey)*w+i] = 0
			}

			if node.count() <= descFor(h.width).splitCompactThreshold/2 {
				node = unflatten(node, h.width, h.presenceCheck(key, depth))
			}
		}

		if node.count() == 0 { return NullHandle, true, nil }

		newHandle, err := h.writeNode(node)
		return newHandle, true, err
	}

	var childHandle Handle
	var idx int
	var found bool

	if node.compact {
		childHandle, idx, found = node.findChild(localKey)
		if !found { return nodeHandle, false, nil }
	} else {
		childHandle = node.flatChildren[localKey]
		if childHandle == NullHandle { return nodeHandle, false, nil }
	}

	newChildHandle, removed, err := h.removeRecursive(childHandle, key, depth+1)
	if err != nil { return NullHandle, false, err }
	if !removed { return nodeHandle, false, nil }

	if node.compact {
		if newChildHandle == NullHandle {
			node.removeAt(idx)
		} else {
			node.childHandles[idx] = newChildHandle
		}
	} else {
		node.flatChildren[localKey] = newChildHandle
		if newChildHandle == NullHandle && node.count() <= descFor(h.width).splitCompactThreshold/2 {
			node = unflatten(node, h.width, nil)
		}
	}

	if node.count() == 0 { return NullHandle, true, nil }

	newHandle, err := h.writeNode(node)
	return newHandle, true, err
}

// presenceCheck builds the isPresent closure unflatten needs to keep a
// nullable leaf's explicit-zero entries from being dropped when it
// converts back to compact: key shares its upper bits with every local key
// at depth (that is the recursion's own invariant), so the absolute key for
// any other local slot at this node's depth is recoverable from key alone.
func (h *QHAT) presenceCheck(key uint32, depth int) func(uint16) bool {
	if !h.nullable { return nil }

	shift := depthShift(depth)
	mask := uint32(QHATCount-1) << shift

	return func(localKey uint16) bool {
		full := (key &^ mask) | (uint32(localKey) << shift)
		return h.bm.Get(full) == bitmap.StateZero
	}
}

// QHATCounts is the result of ComputeCounts: a structural census of a live
// trie.
type QHATCounts struct {
	CompactNodes  int
	FlatNodes     int
	InternalNodes int
	LeafNodes     int
	Entries       int
	StoredZeros   int
	Keys          int
}

// ComputeCounts walks the whole trie tallying node shapes and populated
// entries.
func (h *QHAT) ComputeCounts() (QHATCounts, error) {
	var counts QHATCounts
	root := h.loadRoot()

	for ri, r := range root.roots {
		prefix := uint32(ri) << rootShiftAmount()
		if err := h.countNode(r, 0, prefix, &counts); err != nil { return QHATCounts{}, err }
	}

	return counts, nil
}

func (h *QHAT) countNode(handle Handle, depth int, prefix uint32, counts *QHATCounts) error {
	if handle == NullHandle { return nil }

	node, err := h.readNode(handle, depth)
	if err != nil { return err }

	if node.compact {
		counts.CompactNodes++
	} else {
		counts.FlatNodes++
	}

	leaf := depth == QHATDepthMax-1
	if leaf {
		counts.LeafNodes++
	} else {
		counts.InternalNodes++
	}

	shift := depthShift(depth)

	if node.compact {
		counts.Keys += len(node.keys)

		if leaf {
			for _, v := range node.values {
				counts.Entries++
				if !isNonZero(v) { counts.StoredZeros++ }
			}
			return nil
		}

		for i, ch := range node.childHandles {
			childPrefix := prefix | (uint32(node.keys[i]) << shift)
			if err := h.countNode(ch, depth+1, childPrefix, counts); err != nil { return err }
		}
		return nil
	}

	if leaf {
		w := int(h.width)
		for lk := 0; lk < QHATCount; lk++ {
			v := node.flatValues[lk*w : (lk+1)*w]
			full := prefix | (uint32(lk) << shift)

			present := isNonZero(v)
			if !present && h.nullable && h.bm.Get(full) == bitmap.StateZero { present = true }

			if present {
				counts.Entries++
				if !isNonZero(v) { counts.StoredZeros++ }
			}
		}
		return nil
	}

	for lk, ch := range node.flatChildren {
		if ch == NullHandle { continue }
		childPrefix := prefix | (uint32(lk) << shift)
		if err := h.countNode(ch, depth+1, childPrefix, counts); err != nil { return err }
	}

	return nil
}

// ComputeMemory reports the total encoded byte size of every live node
// record reachable from the current root.
func (h *QHAT) ComputeMemory() (uint64, error) {
	var total uint64
	root := h.loadRoot()

	for _, r := range root.roots {
		if err := h.memNode(r, 0, &total); err != nil { return 0, err }
	}

	return total, nil
}

func (h *QHAT) memNode(handle Handle, depth int, total *uint64) error {
	if handle == NullHandle { return nil }

	node, err := h.readNode(handle, depth)
	if err != nil { return err }

	*total += uint64(len(encodeNode(node, h.width)))

	leaf := depth == QHATDepthMax-1
	if leaf { return nil }

	if node.compact {
		for _, ch := range node.childHandles {
			if err := h.memNode(ch, depth+1, total); err != nil { return err }
		}
		return nil
	}

	for _, ch := range node.flatChildren {
		if err := h.memNode(ch, depth+1, total); err != nil { return err }
	}

	return nil
}

// ComputeMemoryOverhead reports bytes spent on slots that hold no live
// entry: unused key slots in a compact node's headroom below its split
// threshold, and zero-valued slots in a flat leaf's dense array.
func (h *QHAT) ComputeMemoryOverhead() (uint64, error) {
	var total uint64
	root := h.loadRoot()

	for _, r := range root.roots {
		if err := h.overheadNode(r, 0, &total); err != nil { return 0, err }
	}

	return total, nil
}

func (h *QHAT) overheadNode(handle Handle, depth int, total *uint64) error {
	if handle == NullHandle { return nil }

	node, err := h.readNode(handle, depth)
	if err != nil { return err }

	leaf := depth == QHATDepthMax-1
	w := int(h.width)

	if node.compact {
		threshold := descFor(h.width).splitCompactThreshold
		slotSize := HandleSize + 2
		if leaf { slotSize = w + 2 }

		if headroom := threshold - len(node.keys); headroom > 0 {
			*total += uint64(headroom * slotSize)
		}

		if leaf { return nil }

		for _, ch := range node.childHandles {
			if err := h.overheadNode(ch, depth+1, total); err != nil { return err }
		}
		return nil
	}

	if leaf {
		for lk := 0; lk < QHATCount; lk++ {
			if !isNonZero(node.flatValues[lk*w : (lk+1)*w]) { *total += uint64(w) }
		}
		return nil
	}

	for _, ch := range node.flatChildren {
		if err := h.overheadNode(ch, depth+1, total); err != nil { return err }
	}

	return nil
}

// FixStoredZeros repairs drift between a nullable trie's companion bitmap
// and its tree: every key the bitmap records as an explicit zero but the
// tree no longer holds (the state an older, now-fixed bug in unflatten used
// to produce) is re-set. A no-op for a non-nullable trie, which has no
// bitmap to drift against.
func (h *QHAT) FixStoredZeros() error {
	if !h.nullable { return nil }

	en := bitmap.NewEnumerator(h.bm)
	en.GoTo(0)

	for {
		key, state, ok := en.Next(true)
		if !ok { break }
		if state != bitmap.StateZero { continue }

		// Get answers a StateZero key from the bitmap alone, so look in the
		// tree itself.
		root := h.loadRoot()
		_, found, err := h.getRecursive(root.roots[rootIndex(key)], key, 0)
		if err != nil { return err }

		if !found {
			if err := h.Set(key, make([]byte, h.width)); err != nil { return err }
		}
	}

	return nil
}

// Destroy frees every node record reachable from the current root, the
// current root record, and the companion bitmap's pages and index record,
// and clears the store's persisted root handles. Records superseded by
// earlier mutations are not freed. The QHAT must not be used again after
// Destroy returns.
func (h *QHAT) Destroy() error {
	root := h.loadRoot()
	for _, r := range root.roots {
		if err := h.freeNode(r, 0); err != nil { return err }
	}

	if rh := h.store.RootHandle(); rh != NullHandle {
		if err := h.store.FreeSmall(rh); err != nil { return err }
	}
	if err := h.store.setRootHandle(NullHandle); err != nil { return err }

	if h.nullable {
		h.bm.Destroy()

		if bh := h.store.BitmapRootHandle(); bh != NullHandle {
			if err := h.store.FreeSmall(bh); err != nil { return err }
		}
		if err := h.store.setBitmapRootHandle(NullHandle); err != nil { return err }
	}

	h.root.Store(&rootArray{})

	return nil
}

func (h *QHAT) freeNode(handle Handle, depth int) error {
	if handle == NullHandle { return nil }

	node, err := h.readNode(handle, depth)
	if err != nil { return err }

	leaf := depth == QHATDepthMax-1
	if !leaf {
		if node.compact {
			for _, ch := range node.childHandles {
				if err := h.freeNode(ch, depth+1); err != nil { return err }
			}
		} else {
			for _, ch := range node.flatChildren {
				if err := h.freeNode(ch, depth+1); err != nil { return err }
			}
		}
	}

	return h.store.FreeSmall(handle)
}

// Clear empties the trie and its companion bitmap back to a fresh state
// while leaving the QHAT usable for further Set/Get calls, unlike Destroy.
func (h *QHAT) Clear() error {
	if err := h.Destroy(); err != nil { return err }

	if h.nullable {
		h.bm = bitmap.New(newBitmapBackend(h.store), true)
	}

	return h.persistRoot(h.loadRoot())
}

// Unload replaces this process's cached node pool with an empty one of
// maximum size 0, returning its memory to the runtime, without touching
// anything durable. The trie remains fully usable afterward; the new pool
// holds no nodes, so later calls allocate every working node afresh.
func (h *QHAT) Unload() {
	h.pool = newNodePool(0)
}

// GetRoots reports the page/handle root set the leak checker (C8) should
// treat as reachable: the persisted trie and bitmap root handles, every
// node handle still reachable from the live root array, and every page the
// companion bitmap has materialized.
func (h *QHAT) GetRoots() Roots {
	var roots Roots

	if rh := h.store.RootHandle(); rh != NullHandle {
		roots.Handles = append(roots.Handles, rh)
	}

	root := h.loadRoot()
	for _, r := range root.roots {
		h.collectNodeRoots(r, 0, &roots)
	}

	if h.nullable {
		if bh := h.store.BitmapRootHandle(); bh != NullHandle {
			roots.Handles = append(roots.Handles, bh)
		}

		for _, ref := range h.bm.Pages() {
			for i := uint32(0); i < bitmapPagesPerRef; i++ {
				roots.Pages = append(roots.Pages, PageHandle{MapIndex: ref.MapIndex, PageIndex: ref.PageIndex + i})
			}
		}
	}

	return roots
}

func (h *QHAT) collectNodeRoots(handle Handle, depth int, roots *Roots) {
	if handle == NullHandle { return }
	roots.Handles = append(roots.Handles, handle)

	node, err := h.readNode(handle, depth)
	if err != nil { return }

	leaf := depth == QHATDepthMax-1
	if leaf { return }

	if node.compact {
		for _, ch := range node.childHandles {
			h.collectNodeRoots(ch, depth+1, roots)
		}
	} else {
		for _, ch := range node.flatChildren {
			h.collectNodeRoots(ch, depth+1, roots)
		}
	}
}

func (h *QHAT) String() string {
	return fmt.Sprintf("QHAT{width=%d nullable=%v generation=%d}", h.width, h.nullable, h.generation())
}
