package qhat


//============================================= PATH
//
// A reusable traversal path record. Nothing else in the package builds or
// consults one: the enumerator re-fetches values through Get and keeps no
// path.


// path records, for one key, the chain of node handles visited from the
// root down to (and including) the leaf level, plus the trie generation at
// which it was built.
type path struct {
	hat        *QHAT
	key        uint32
	depth      int // how many of node[] are populated, 0..QHATDepthMax
	generation uint64
	node       [QHATDepthMax]Handle
}

func newPath(h *QHAT, key uint32) *path {
	return &path{hat: h, key: key, generation: h.generation()}
}

// stale reports whether the trie mutated since this path was built.
func (p *path) stale() bool {
	return p.generation != p.hat.generation()
}

// reset clears a path for reuse.
func (p *path) reset(h *QHAT, key uint32) {
	p.hat = h
	p.key = key
	p.depth = 0
	p.generation = h.generation()
	for i := range p.node { p.node[i] = NullHandle }
}
