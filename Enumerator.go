package qhat

import "sort"

import "github.com/sirgallo/qhat/bitmap"


//============================================= Range / Enumerator (C7)
//
// Range builds a sorted slice by descending the trie bounded by
// [startKey, endKey] across the QHATRootCount(4)-wide root over
// QHATDepthMax(3) levels of 1024-radix nodes, then, for a nullable trie,
// interleaves the bitmap's explicit stored zeros that the descent didn't
// already surface (a flat leaf cannot tell a stored zero from an empty
// slot, so the descent skips its zero slots).


// KV is one key/value pair produced by Range or an Enumerator.
type KV struct {
	Key   uint32
	Value []byte
}

// Range returns every present key in [startKey, endKey], inclusive, in
// ascending order. minVersion, if non-zero, filters out entries whose
// owning node is older than it.
func (h *QHAT) Range(startKey, endKey uint32, minVersion uint64) []KV {
	root := h.loadRoot()

	var out []KV
	rootLo := rootIndex(startKey)
	rootHi := rootIndex(endKey)

	for ri := rootLo; ri <= rootHi && ri < QHATRootCount; ri++ {
		prefix := ri << rootShiftAmount()
		h.rangeRecursive(root.roots[ri], 0, prefix, startKey, endKey, minVersion, &out)
	}

	if h.nullable {
		h.interleaveNulls(startKey, endKey, &out)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out
}

// rootShiftAmount is the bit shift that places a root-index value into its
// position at the top of a 32-bit key.
func rootShiftAmount() uint { return 32 - bitsForCount(QHATRootCount) }

func (h *QHAT) rangeRecursive(nodeHandle Handle, depth int, prefix, startKey, endKey uint32, minVersion uint64, out *[]KV) {
	if nodeHandle == NullHandle { return }

	node, err := h.readNode(nodeHandle, depth)
	if err != nil { return }
	if minVersion != 0 && node.version < minVersion { return }

	leaf := depth == QHATDepthMax-1
	shift := depthShift(depth)

	emit := func(localKey uint16, value []byte) {
		full := prefix | (uint32(localKey) << shift)
		if full < startKey || full > endKey { return }
		*out = append(*out, KV{Key: full, Value: value})
	}

	descend := func(localKey uint16, child Handle) {
		h.rangeRecursive(child, depth+1, prefix|(uint32(localKey)<<shift), startKey, endKey, minVersion, out)
	}

	if node.compact {
		for i, lk := range node.keys {
			if leaf {
				emit(lk, node.values[i])
			} else {
				descend(lk, node.childHandles[i])
			}
		}
		return
	}

	if leaf {
		w := int(h.width)
		for lk := 0; lk < QHATCount; lk++ {
			v := node.flatValues[lk*w : (lk+1)*w]
			if isNonZero(v) { emit(uint16(lk), v) }
		}
		return
	}

	for lk, child := range node.flatChildren {
		if child != NullHandle { descend(uint16(lk), child) }
	}
}

func (h *QHAT) interleaveNulls(startKey, endKey uint32, out *[]KV) {
	present := make(map[uint32]bool, len(*out))
	for _, kv := range *out { present[kv.Key] = true }

	en := bitmap.NewEnumerator(h.bm)
	en.GoTo(startKey)

	for {
		key, state, ok := en.Next(true)
		if !ok || key > endKey { break }

		if state == bitmap.StateZero && !present[key] {
			*out = append(*out, KV{Key: key, Value: make([]byte, h.width)})
		}
	}
}

//============================================= Enumerator


// Enumerator is an ascending-order cursor over an entire QHAT. It does not
// check the trie's generation: with safe set, Next re-fetches Get(key) for
// its current position instead of re-walking the whole tree, since QHAT
// keys are never renumbered by a mutation -- only inserted, overwritten,
// or removed.
type Enumerator struct {
	hat  *QHAT
	snap []KV
	pos  int
}

// NewEnumerator snapshots the current key ordering via Range(0, maxKey).
// Values are re-fetched live on each Next, so a concurrent overwrite is
// observed, while a concurrent insert/remove of a *different* key is not
// reflected until the enumerator is recreated.
func NewEnumerator(h *QHAT) *Enumerator {
	return &Enumerator{hat: h, snap: h.Range(0, ^uint32(0), 0)}
}

// Next returns the next key/value pair in ascending order, or ok=false
// once exhausted. safe controls whether a stale value (overwritten since
// NewEnumerator was called) is refreshed via a live Get.
func (e *Enumerator) Next(safe bool) (KV, bool) {
	if e.pos >= len(e.snap) { return KV{}, false }

	kv := e.snap[e.pos]
	e.pos++

	if safe {
		if v, err := e.hat.Get(kv.Key); err == nil {
			kv.Value = v
		}
	}

	return kv, true
}
