package bitmap


//============================================= Enumerator
//
// A restartable forward iterator over present keys. Next probes keys one
// at a time through Bitmap.Get, in ascending order. "Safe" enumeration
// refreshes the stamped structural generation on every Next call;
// "unsafe" enumeration skips that for callers that hold an external lock
// for the whole scan. Either way the walk continues from the current key.


// Enumerator walks a Bitmap's present keys (StateZero and StateOne, for a
// nullable bitmap) in ascending key order.
type Enumerator struct {
	bm         *Bitmap
	key        uint32
	hasWrapped bool
	done       bool

	lastGeneration uint64
}

// NewEnumerator starts an enumerator positioned at the first key.
func NewEnumerator(bm *Bitmap) *Enumerator {
	return &Enumerator{bm: bm, lastGeneration: bm.Generation()}
}

// GoTo advances the enumerator so that Next returns the first present key
// >= key. It only moves forward: a key at or before the current position,
// or an exhausted enumerator, is left unchanged.
func (e *Enumerator) GoTo(key uint32) {
	if e.done || e.hasWrapped || key <= e.key { return }

	e.key = key
	e.lastGeneration = e.bm.Generation()
}

// Next advances to the next present key, returning (key, state, ok). ok is
// false once the key space is exhausted. safe controls whether a
// generation drift is acknowledged (true) or ignored (false, for callers
// holding their own external lock across the scan) -- key positions never
// get renumbered by a Set, so acknowledging drift only needs to refresh
// the stamped generation, not restart the walk from zero.
func (e *Enumerator) Next(safe bool) (uint32, State, bool) {
	if e.done { return 0, StateAbsent, false }

	if safe {
		e.lastGeneration = e.bm.Generation()
	}

	for {
		if e.hasWrapped && e.key == 0 {
			e.done = true
			return 0, StateAbsent, false
		}

		state := e.bm.Get(e.key)
		cur := e.key

		if e.key == ^uint32(0) {
			e.hasWrapped = true
			e.key = 0
		} else {
			e.key++
		}

		if state != StateAbsent {
			return cur, state, true
		}
	}
}
