package qhat

import "fmt"


//============================================= consistency checking (C7)
//
// Structural verification of a live trie: a recursive walk that asserts
// each node's invariants as it decodes it, cross-checking a nullable
// trie's companion bitmap via bitmap.PopCount since a flat leaf alone
// cannot tell a stored zero from an empty slot.


// ConsistencyReport summarizes a CheckConsistency pass.
type ConsistencyReport struct {
	NodesVisited   int
	LeafEntries    int
	BitmapPopCount uint64
	OK             bool
	Errors         []string
}

// CheckConsistency walks the whole trie verifying, at every level:
//   - a compact node's keys array is strictly ascending with no duplicate
//     (the binary-search invariant findChild/findValue depend on)
//   - a compact node never exceeds descFor(width).splitCompactThreshold
//     entries (it should have flattened before that)
//   - a flat node's flatChildren/flatValues slice is exactly QHATCount
//     slots wide
//   - every non-leaf child handle resolves to a real node record
//
// For a nullable trie it additionally compares the number of leaf entries
// found against bm.PopCount(), which should agree since every Set/Remove
// updates both the tree and the bitmap under the same CAS-protected root
// swap. Note this comparison is only exact while every populated leaf is
// still compact: a flattened leaf's stored-zero slots are indistinguishable
// from absent ones by byte content alone (that disambiguation is the whole
// reason the nullable bitmap exists), so LeafEntries will under-count
// relative to BitmapPopCount once a nullable trie's leaf has flattened and
// holds at least one explicit zero. A caller hitting that mismatch on a
// flattened leaf should trust BitmapPopCount.
func (h *QHAT) CheckConsistency() ConsistencyReport {
	report := ConsistencyReport{OK: true}

	root := h.loadRoot()
	for _, r := range root.roots {
		h.checkNode(r, 0, &report)
	}

	if h.nullable {
		report.BitmapPopCount = h.bm.PopCount()
		if uint64(report.LeafEntries) != report.BitmapPopCount {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf(
				"tree has %d leaf entries but bitmap popcount is %d",
				report.LeafEntries, report.BitmapPopCount))
		}
	}

	return report
}

func (h *QHAT) checkNode(handle Handle, depth int, report *ConsistencyReport) {
	if handle == NullHandle { return }

	node, err := h.readNode(handle, depth)
	if err != nil {
		report.OK = false
		report.Errors = append(report.Errors, fmt.Sprintf("handle at depth %d failed to resolve: %v", depth, err))
		return
	}

	report.NodesVisited++

	if node.depth != depth {
		report.OK = false
		report.Errors = append(report.Errors, fmt.Sprintf("node at depth %d reports depth %d", depth, node.depth))
	}

	leaf := depth == QHATDepthMax-1

	if node.compact {
		for i := 1; i < len(node.keys); i++ {
			if node.keys[i-1] >= node.keys[i] {
				report.OK = false
				report.Errors = append(report.Errors, fmt.Sprintf(
					"compact node at depth %d has non-ascending keys at index %d", depth, i))
			}
		}

		if len(node.keys) > descFor(h.width).splitCompactThreshold {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf(
				"compact node at depth %d holds %d entries, past its split threshold of %d",
				depth, len(node.keys), descFor(h.width).splitCompactThreshold))
		}

		if leaf {
			report.LeafEntries += len(node.keys)
		} else {
			for _, child := range node.childHandles {
				h.checkNode(child, depth+1, report)
			}
		}

		return
	}

	if leaf {
		w := int(h.width)
		if len(node.flatValues) != QHATCount*w {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf(
				"flat leaf at depth %d has %d value bytes, expected %d", depth, len(node.flatValues), QHATCount*w))
		}

		for i := 0; i < QHATCount; i++ {
			if isNonZero(node.flatValues[i*w : (i+1)*w]) { report.LeafEntries++ }
		}

		return
	}

	if len(node.flatChildren) != QHATCount {
		report.OK = false
		report.Errors = append(report.Errors, fmt.Sprintf(
			"flat non-leaf at depth %d has %d child slots, expected %d", depth, len(node.flatChildren), QHATCount))
	}

	for _, child := range node.flatChildren {
		h.checkNode(child, depth+1, report)
	}
}
