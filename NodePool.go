package qhat

import "sync"
import "sync/atomic"


//============================================= NodePool
//
// Pre-seeded sync.Pool recycling for qhatNode/path values, gated by an
// atomic size counter and pre-seeded to half of maxSize so a burst of
// mutations doesn't all pay sync.Pool's allocation cost up front.
type nodePool struct {
	maxSize int64
	size    int64

	nodes *sync.Pool
	paths *sync.Pool
}

func newNodePool(maxSize int64) *nodePool {
	np := &nodePool{maxSize: maxSize}

	np.nodes = &sync.Pool{New: func() interface{} { return resetNode(&qhatNode{}) }}
	np.paths = &sync.Pool{New: func() interface{} { return &path{} }}

	np.initializePools()

	return np
}

func (np *nodePool) initializePools() {
	for range make([]int, np.maxSize/2) {
		np.nodes.Put(resetNode(&qhatNode{}))
		atomic.AddInt64(&np.size, 1)
	}
}

// GetNode attempts to reuse a pooled node, decrementing the pool's
// accounted size; if the pool is empty a fresh node is allocated.
func (np *nodePool) GetNode() *qhatNode {
	node := np.nodes.Get().(*qhatNode)
	if atomic.LoadInt64(&np.size) > 0 { atomic.AddInt64(&np.size, -1) }

	return node
}

// PutNode returns a node to the pool once its path has been copied and
// serialized, unless the pool is already at max capacity.
func (np *nodePool) PutNode(node *qhatNode) {
	if atomic.LoadInt64(&np.size) < np.maxSize {
		np.nodes.Put(resetNode(node))
		atomic.AddInt64(&np.size, 1)
	}
}

func (np *nodePool) getPath(h *QHAT, key uint32) *path {
	p := np.paths.Get().(*path)
	p.reset(h, key)
	return p
}

func (np *nodePool) putPath(p *path) {
	np.paths.Put(p)
}

// resetNode clears a node's fields before it re-enters (or first enters)
// the pool.
func resetNode(node *qhatNode) *qhatNode {
	node.compact = false
	node.depth = 0
	node.version = 0
	node.keys = nil
	node.childHandles = nil
	node.values = nil
	node.flatChildren = nil
	node.flatValues = nil

	return node
}
