package qhat

import (
	"encoding/binary"
	"sort"
)


//============================================= qhatNode
//
// A single trie level. Non-leaf levels (depth < QHATDepthMax-1) route to
// child qhatNodes by Handle; the deepest level (depth == QHATDepthMax-1)
// stores values directly. Both kinds start compact -- a sorted array of
// local 10-bit radix keys with a parallel array of children or values --
// and convert to flat (a dense QHATCount-slot array) once they hold more
// than descFor(width).splitCompactThreshold entries, converting back
// once population drops to half that.
//
// A decoded qhatNode is a working copy used only for the duration of one
// Set/Get/Remove call; its canonical form is the encoded byte record a
// Handle resolves to (see encodeNode/decodeNode and QHAT.writeNode/
// readNode), so a snapshot of the underlying store captures the whole trie.
type qhatNode struct {
	compact bool
	depth   int
	version uint64

	// compact representation
	keys         []uint16
	childHandles []Handle
	values       [][]byte

	// flat representation
	flatChildren []Handle
	flatValues   []byte
}

func (n *qhatNode) isLeaf() bool { return n.depth == QHATDepthMax-1 }

func newCompactNode(depth int, version uint64) *qhatNode {
	return &qhatNode{compact: true, depth: depth, version: version}
}

//============================================= compact node operations


// findChild looks up a child handle by local key in a compact non-leaf
// node via binary search over the sorted keys array. A miss returns
// NullHandle.
func (n *qhatNode) findChild(localKey uint16) (Handle, int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= localKey })
	if i < len(n.keys) && n.keys[i] == localKey { return n.childHandles[i], i, true }
	return NullHandle, i, false
}

// findValue mirrors findChild for a compact leaf node.
func (n *qhatNode) findValue(localKey uint16) ([]byte, int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= localKey })
	if i < len(n.keys) && n.keys[i] == localKey { return n.values[i], i, true }
	return nil, i, false
}

func (n *qhatNode) insertChildAt(idx int, localKey uint16, child Handle) {
	n.keys = append(n.keys, 0)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = localKey

	n.childHandles = append(n.childHandles, NullHandle)
	copy(n.childHandles[idx+1:], n.childHandles[idx:])
	n.childHandles[idx] = child
}

func (n *qhatNode) insertValueAt(idx int, localKey uint16, value []byte) {
	n.keys = append(n.keys, 0)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = localKey

	n.values = append(n.values, nil)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = value
}

func (n *qhatNode) removeAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)

	if n.isLeaf() {
		n.values = append(n.values[:idx], n.values[idx+1:]...)
	} else {
		n.childHandles = append(n.childHandles[:idx], n.childHandles[idx+1:]...)
	}
}

func (n *qhatNode) count() int {
	if n.compact { return len(n.keys) }

	total := 0
	if n.isLeaf() {
		width := len(n.flatValues) / QHATCount
		for i := 0; i < QHATCount; i++ {
			if isNonZero(n.flatValues[i*width : (i+1)*width]) { total++ }
		}
	} else {
		for _, c := range n.flatChildren {
			if c != NullHandle { total++ }
		}
	}

	return total
}

func isNonZero(b []byte) bool {
	for _, v := range b {
		if v != 0 { return true }
	}
	return false
}

//============================================= compact <-> flat conversion


// flatten converts a compact node to a flat one once it grows past its
// width's splitCompactThreshold.
func flatten(n *qhatNode, width ValueWidth) *qhatNode {
	flat := &qhatNode{compact: false, depth: n.depth, version: n.version}

	if n.isLeaf() {
		flat.flatValues = make([]byte, QHATCount*int(width))
		for i, k := range n.keys {
			copy(flat.flatValues[int(k)*int(width):], n.values[i])
		}
	} else {
		flat.flatChildren = make([]Handle, QHATCount)
		for i, k := range n.keys {
			flat.flatChildren[k] = n.childHandles[i]
		}
	}

	return flat
}

// unflatten converts a flat node back to compact once population drops to
// half its width's splitCompactThreshold. For a nullable leaf, isPresent,
// if non-nil, is consulted so an explicitly-set-to-zero entry (StateZero)
// is preserved in the rebuilt compact node instead of being silently
// dropped alongside genuinely absent slots -- flat leaf bytes alone cannot
// tell the two apart, only the bitmap can.
func unflatten(n *qhatNode, width ValueWidth, isPresent func(localKey uint16) bool) *qhatNode {
	compact := newCompactNode(n.depth, n.version)

	if n.isLeaf() {
		w := int(width)
		for i := 0; i < QHATCount; i++ {
			v := n.flatValues[i*w : (i+1)*w]
			present := isNonZero(v)
			if !present && isPresent != nil { present = isPresent(uint16(i)) }

			if present {
				compact.keys = append(compact.keys, uint16(i))
				compact.values = append(compact.values, append([]byte(nil), v...))
			}
		}
	} else {
		for i, c := range n.flatChildren {
			if c != NullHandle {
				compact.keys = append(compact.keys, uint16(i))
				compact.childHandles = append(compact.childHandles, c)
			}
		}
	}

	return compact
}

//============================================= copy-on-write path copy


// copyNode produces a path-copy of n stamped at version: copies whichever
// representation (compact or flat) n currently holds.
func (np *nodePool) copyNode(n *qhatNode, version uint64) *qhatNode {
	cp := np.GetNode()
	cp.compact = n.compact
	cp.depth = n.depth
	cp.version = version

	if n.compact {
		cp.keys = append([]uint16(nil), n.keys...)
		if n.isLeaf() {
			cp.values = append([][]byte(nil), n.values...)
		} else {
			cp.childHandles = append([]Handle(nil), n.childHandles...)
		}
	} else {
		if n.isLeaf() {
			cp.flatValues = append([]byte(nil), n.flatValues...)
		} else {
			cp.flatChildren = append([]Handle(nil), n.flatChildren...)
		}
	}

	return cp
}

//============================================= on-disk node record
//
// A node's canonical form: a flags byte (compact/flat, leaf/non-leaf), its
// path-copy version, then either a count-prefixed compact body or a
// fixed-width flat body. depth is never stored -- every caller already
// knows it from its position in the recursion, so threading it through the
// record would only be a redundant copy of information the reader already
// has.

const (
	nodeFlagCompact = 1 << 0
	nodeFlagLeaf    = 1 << 1

	nodeRecordHeaderSize = 1 + 8 // flags + version
)

// encodeNode serializes n into its canonical byte record.
func encodeNode(n *qhatNode, width ValueWidth) []byte {
	flags := byte(0)
	if n.compact { flags |= nodeFlagCompact }
	if n.isLeaf() { flags |= nodeFlagLeaf }

	buf := make([]byte, nodeRecordHeaderSize, nodeRecordHeaderSize+64)
	buf[0] = flags
	binary.LittleEndian.PutUint64(buf[1:], n.version)

	if n.compact {
		count := len(n.keys)
		var cbuf [2]byte
		binary.LittleEndian.PutUint16(cbuf[:], uint16(count))
		buf = append(buf, cbuf[:]...)

		for _, k := range n.keys {
			var kb [2]byte
			binary.LittleEndian.PutUint16(kb[:], k)
			buf = append(buf, kb[:]...)
		}

		if n.isLeaf() {
			w := int(width)
			for _, v := range n.values {
				vb := make([]byte, w)
				copy(vb, v)
				buf = append(buf, vb...)
			}
		} else {
			for _, ch := range n.childHandles {
				var hb [4]byte
				binary.LittleEndian.PutUint32(hb[:], uint32(ch))
				buf = append(buf, hb[:]...)
			}
		}

		return buf
	}

	if n.isLeaf() {
		buf = append(buf, n.flatValues...)
		return buf
	}

	for _, ch := range n.flatChildren {
		var hb [4]byte
		binary.LittleEndian.PutUint32(hb[:], uint32(ch))
		buf = append(buf, hb[:]...)
	}

	return buf
}

// decodeNode parses a node's canonical byte record. data may be longer than
// the record itself (allocator slack past a rounded-up size class); every
// shape below reads exactly as many bytes as its own counts call for.
func decodeNode(data []byte, depth int, width ValueWidth) *qhatNode {
	flags := data[0]
	n := &qhatNode{compact: flags&nodeFlagCompact != 0, depth: depth}
	n.version = binary.LittleEndian.Uint64(data[1:])
	leaf := flags&nodeFlagLeaf != 0

	off := nodeRecordHeaderSize

	if n.compact {
		count := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2

		n.keys = make([]uint16, count)
		for i := 0; i < count; i++ {
			n.keys[i] = binary.LittleEndian.Uint16(data[off:])
			off += 2
		}

		if leaf {
			w := int(width)
			n.values = make([][]byte, count)
			for i := 0; i < count; i++ {
				n.values[i] = append([]byte(nil), data[off:off+w]...)
				off += w
			}
		} else {
			n.childHandles = make([]Handle, count)
			for i := 0; i < count; i++ {
				n.childHandles[i] = Handle(binary.LittleEndian.Uint32(data[off:]))
				off += 4
			}
		}

		return n
	}

	if leaf {
		w := int(width)
		n.flatValues = append([]byte(nil), data[off:off+QHATCount*w]...)
		return n
	}

	n.flatChildren = make([]Handle, QHATCount)
	for i := 0; i < QHATCount; i++ {
		n.flatChildren[i] = Handle(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}

	return n
}
