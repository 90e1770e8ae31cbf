package bitmap

import (
	"encoding/binary"
	"math/bits"
)


//============================================= QPS Bitmap (C6)
//
// A three-level sparse bitmap over 32-bit keys: root[Roots] -> dispatch
// [Dispatch] -> leaf[one page]. Each level is only materialized where keys
// actually land, so a bitmap over a sparse key space costs pages
// proportional to occupied ranges, not to the full 2^32 key space.
// Get and Set index straight from a key to its root slot, dispatch slot,
// and leaf word; nothing is cached between calls.


const (
	// Roots is the width of the root table (QPS_BITMAP_ROOTS).
	Roots = 64
	// Dispatch is the width of each dispatch table (QPS_BITMAP_DISPATCH).
	Dispatch = 2048
	// KeysPerLeaf is how many keys one leaf page covers, for both flavors:
	// non-nullable packs 1 bit/key into word:9/bit:6 (2^9*2^6), nullable
	// packs 2 bits/key into word_null:10/bit_null:5 (2^10*2^5) -- same key
	// span, double the leaf storage.
	KeysPerLeaf = 1 << 15

	rootShift     = 26 // 32 - 6 (root field width)
	dispatchShift = 15 // rootShift - 11 (dispatch field width)
)

// Page is a host-provided page-backed byte slice: the bitmap never
// allocates memory itself, it asks a Backend (typically an adapter over a
// qhat.Store) for pages and indexes into them.
type Page = []byte

// Backend is the minimal page-allocation surface the bitmap needs from the
// store. Kept as an interface (rather than importing package qhat
// directly) so the store and the bitmap can each be tested independently.
type Backend interface {
	AllocPage() (PageRef, error)
	Page(ref PageRef) Page
	FreePage(ref PageRef)
}

// PageRef is an opaque page reference handed back by a Backend.
type PageRef struct {
	MapIndex  uint16
	PageIndex uint32
	Valid     bool
}

// State is the value stored at one key in a nullable bitmap.
type State byte

const (
	// StateAbsent: no entry recorded for this key.
	StateAbsent State = iota
	// StateZero: the key is present with a stored zero value (distinct
	// from absence -- the reason nullable bitmaps exist at all).
	StateZero
	// StateOne: the key is present with a stored non-zero value.
	StateOne
)

// Bitmap is the C6 component. Nullable selects the 2-bit-per-key packing;
// non-nullable uses a single presence bit per key.
type Bitmap struct {
	backend    Backend
	nullable   bool
	generation uint64 // bumped whenever root/dispatch slots are (re)materialized

	root [Roots]PageRef // each root slot indexes a dispatch table's first page
	dispatchTables map[int][Dispatch]PageRef
}

// New constructs an empty bitmap of the requested flavor.
func New(backend Backend, nullable bool) *Bitmap {
	return &Bitmap{backend: backend, nullable: nullable, dispatchTables: make(map[int][Dispatch]PageRef)}
}

func keyIndices(key uint32) (rootIdx, dispatchIdx int, within uint32) {
	rootIdx = int(key >> rootShift)
	dispatchIdx = int((key >> dispatchShift) & (Dispatch - 1))
	within = key & (KeysPerLeaf - 1)
	return
}

// Get reads the state recorded for key. Absent keys read as StateAbsent in
// the non-nullable flavor too (its State is either StateAbsent or
// StateOne, it never produces StateZero).
func (b *Bitmap) Get(key uint32) State {
	rootIdx, dispatchIdx, within := keyIndices(key)

	table, ok := b.dispatchTables[rootIdx]
	if !ok { return StateAbsent }

	ref := table[dispatchIdx]
	if !ref.Valid { return StateAbsent }

	leaf := b.backend.Page(ref)

	if b.nullable {
		return b.readNullable(leaf, within)
	}

	return b.readNonNullable(leaf, within)
}

func (b *Bitmap) readNonNullable(leaf Page, within uint32) State {
	wordIdx := within >> 6
	bitIdx := within & 63
	word := binary.LittleEndian.Uint64(leaf[wordIdx*8:])

	if word&(1<<bitIdx) != 0 { return StateOne }
	return StateAbsent
}

func (b *Bitmap) readNullable(leaf Page, within uint32) State {
	wordIdx := within >> 5
	bitIdx := (within & 31) * 2
	word := binary.LittleEndian.Uint64(leaf[wordIdx*8:])

	bitsv := (word >> bitIdx) & 0b11
	switch bitsv {
	case 0b00:
		return StateAbsent
	case 0b10:
		return StateZero
	default:
		return StateOne
	}
}

// Set records state for key, materializing root/dispatch/leaf pages on
// demand from the backend.
func (b *Bitmap) Set(key uint32, state State) error {
	rootIdx, dispatchIdx, within := keyIndices(key)

	table, ok := b.dispatchTables[rootIdx]
	if !ok {
		ref, err := b.backend.AllocPage()
		if err != nil { return err }
		b.root[rootIdx] = ref
		table = [Dispatch]PageRef{}
		b.dispatchTables[rootIdx] = table
		b.generation++
	}

	ref := table[dispatchIdx]
	if !ref.Valid {
		var err error
		ref, err = b.backend.AllocPage()
		if err != nil { return err }
		table[dispatchIdx] = ref
		b.dispatchTables[rootIdx] = table
		b.generation++
	}

	leaf := b.backend.Page(ref)

	if b.nullable {
		b.writeNullable(leaf, within, state)
	} else {
		b.writeNonNullable(leaf, within, state)
	}

	return nil
}

func (b *Bitmap) writeNonNullable(leaf Page, within uint32, state State) {
	wordIdx := within >> 6
	bitIdx := within & 63
	word := binary.LittleEndian.Uint64(leaf[wordIdx*8:])

	if state == StateAbsent {
		word &^= 1 << bitIdx
	} else {
		word |= 1 << bitIdx
	}

	binary.LittleEndian.PutUint64(leaf[wordIdx*8:], word)
}

func (b *Bitmap) writeNullable(leaf Page, within uint32, state State) {
	wordIdx := within >> 5
	bitIdx := (within & 31) * 2
	word := binary.LittleEndian.Uint64(leaf[wordIdx*8:])

	word &^= 0b11 << bitIdx

	var bitsv uint64
	switch state {
	case StateZero:
		bitsv = 0b10
	case StateOne:
		bitsv = 0b11
	}

	word |= bitsv << bitIdx

	binary.LittleEndian.PutUint64(leaf[wordIdx*8:], word)
}

// PopCount walks every materialized leaf counting present keys. Used by the
// consistency checker (qhat.CheckConsistency) to cross-check bitmap/tree
// agreement in nullable tries.
func (b *Bitmap) PopCount() uint64 {
	var total uint64

	for rootIdx, table := range b.dispatchTables {
		_ = rootIdx
		for _, ref := range table {
			if !ref.Valid { continue }
			leaf := b.backend.Page(ref)

			for i := 0; i+8 <= len(leaf); i += 8 {
				word := binary.LittleEndian.Uint64(leaf[i:])
				if b.nullable {
					total += uint64(popCount2Bit(word))
				} else {
					total += uint64(bits.OnesCount64(word))
				}
			}
		}
	}

	return total
}

// popCount2Bit counts how many 2-bit fields in word are non-zero (i.e. not
// StateAbsent), needed because bits.OnesCount64 alone would overcount a
// StateOne (0b11) as two present keys.
func popCount2Bit(word uint64) int {
	count := 0
	for i := 0; i < 64; i += 2 {
		if (word>>i)&0b11 != 0 { count++ }
	}
	return count
}

// Generation reports the bitmap's structural generation, bumped whenever a
// new root/dispatch/leaf page is materialized. The enumerator (see
// Enumerator.go) stamps it but never re-descends on a change, since a Set
// never moves a key.
func (b *Bitmap) Generation() uint64 { return b.generation }

// Pages returns every page this bitmap currently has allocated through its
// backend, for a caller's own leak-reachability reporting.
func (b *Bitmap) Pages() []PageRef {
	var out []PageRef

	for _, ref := range b.root {
		if ref.Valid { out = append(out, ref) }
	}

	for _, table := range b.dispatchTables {
		for _, ref := range table {
			if ref.Valid { out = append(out, ref) }
		}
	}

	return out
}

// Destroy frees every page this bitmap has ever allocated through its
// backend and resets it to an empty index.
func (b *Bitmap) Destroy() {
	for _, ref := range b.root {
		if ref.Valid { b.backend.FreePage(ref) }
	}

	for _, table := range b.dispatchTables {
		for _, ref := range table {
			if ref.Valid { b.backend.FreePage(ref) }
		}
	}

	b.root = [Roots]PageRef{}
	b.dispatchTables = make(map[int][Dispatch]PageRef)
	b.generation++
}

const pageRefSize = 7 // valid(1) + mapIndex(2) + pageIndex(4)

func encodePageRef(ref PageRef) []byte {
	buf := make([]byte, pageRefSize)
	if ref.Valid { buf[0] = 1 }
	binary.LittleEndian.PutUint16(buf[1:], ref.MapIndex)
	binary.LittleEndian.PutUint32(buf[3:], ref.PageIndex)
	return buf
}

func decodePageRef(data []byte) PageRef {
	return PageRef{
		Valid:     data[0] != 0,
		MapIndex:  binary.LittleEndian.Uint16(data[1:]),
		PageIndex: binary.LittleEndian.Uint32(data[3:]),
	}
}

// Serialize encodes the bitmap's root/dispatch index into a byte record a
// caller can stash in its own backing store and hand back to Restore after
// a close/reopen. The leaf pages themselves already live in the store
// behind the PageRefs this index holds, so only the index needs a copy.
func (b *Bitmap) Serialize() []byte {
	buf := make([]byte, 8, 8+Roots*pageRefSize)
	binary.LittleEndian.PutUint64(buf, b.generation)

	for _, ref := range b.root {
		buf = append(buf, encodePageRef(ref)...)
	}

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(b.dispatchTables)))
	buf = append(buf, countBuf[:]...)

	for rootIdx, table := range b.dispatchTables {
		var idxBuf [4]byte
		binary.LittleEndian.PutUint32(idxBuf[:], uint32(rootIdx))
		buf = append(buf, idxBuf[:]...)

		for _, ref := range table {
			buf = append(buf, encodePageRef(ref)...)
		}
	}

	return buf
}

// Restore replaces b's in-memory root/dispatch index with one decoded from
// a prior Serialize call.
func (b *Bitmap) Restore(data []byte) {
	off := 0
	b.generation = binary.LittleEndian.Uint64(data[off:])
	off += 8

	for i := range b.root {
		b.root[i] = decodePageRef(data[off:])
		off += pageRefSize
	}

	count := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	b.dispatchTables = make(map[int][Dispatch]PageRef, count)

	for i := 0; i < count; i++ {
		rootIdx := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4

		var table [Dispatch]PageRef
		for d := range table {
			table[d] = decodePageRef(data[off:])
			off += pageRefSize
		}

		b.dispatchTables[rootIdx] = table
	}
}
