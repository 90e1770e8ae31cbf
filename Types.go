package qhat

import (
	"os"
	"sync/atomic"

	"github.com/sirgallo/qhat/common/mmap"
)


// PageSize
//	Fixed at 4 KiB regardless of the host's runtime page size. The on-disk
//	format addresses pages by index, so it must never drift with whatever
//	os.Getpagesize() happens to report on a given machine.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	// MapPages is the fixed page count of every pg./mem. map file.
	MapPages = 1 << 16
	// MapByteSize is the full size, in bytes, of one map file.
	MapByteSize = PageSize * MapPages
)

// SignatureLen is the width, in ASCII bytes, of every on-disk file signature.
const SignatureLen = 16

var (
	metaSignature    = [SignatureLen]byte{'Q', 'H', 'A', 'T', '_', 'M', 'E', 'T', 'A', '_', 'v', '0', '0', '0', '1', '\n'}
	pageMapSignature = [SignatureLen]byte{'Q', 'H', 'A', 'T', '_', 'P', 'G', 'M', 'A', 'P', '_', 'v', '0', '0', '0', '1'}
	memMapSignature  = [SignatureLen]byte{'Q', 'H', 'A', 'T', '_', 'M', 'E', 'M', 'M', 'A', 'P', '_', 'v', '0', '0', '1'}
)

// MetaPreambleMaxLen bounds the user-supplied preamble stashed in the meta
// file: large enough for a caller's own versioning/identification blob
// without letting an unbounded UserPreamble grow the meta file layout.
const MetaPreambleMaxLen = 256

// Serialized offsets into the meta file. Little-endian throughout.
const (
	MetaSignatureIdx        = 0
	MetaGenerationIdx       = SignatureLen
	MetaRootHandleIdx       = MetaGenerationIdx + OffsetSize
	MetaBitmapRootHandleIdx = MetaRootHandleIdx + HandleSize
	MetaNextHandleIdx       = MetaBitmapRootHandleIdx + HandleSize
	MetaHandlesGCGenIdx     = MetaNextHandleIdx + HandleSize
	MetaPreambleLenIdx      = MetaHandlesGCGenIdx + OffsetSize
	MetaPreambleIdx         = MetaPreambleLenIdx + OffsetSize
	MetaEndSerialized       = MetaPreambleIdx + MetaPreambleMaxLen
)

// OffsetSize is the width, in bytes, of a serialized uint64 offset/generation.
const OffsetSize = 8

// HandleSize is the width, in bytes, of a serialized Handle/uint32.
const HandleSize = 4

// FreelistEndSentinel marks "end of freelist" in a freed slot's pgno field.
// Data-defined page indices never reach this value: they are bounded by
// MapPages (1<<16) per map, well under 0xFFFFFFFF.
const FreelistEndSentinel uint32 = 0xFFFFFFFF

// PageHandle identifies one page within one map file.
type PageHandle struct {
	MapIndex  uint16
	PageIndex uint32
}

// Handle is a stable, relocatable 32-bit reference into the handle table (C3).
// It never changes even though the PTR slot it resolves to can move across
// a snapshot or a small-object compaction.
type Handle uint32

// Roots is a caller-supplied root set for the leak checker (C8): every page
// and handle a live structure (a QHAT trie, a bitmap) still reaches.
type Roots struct {
	Pages   []PageHandle
	Handles []Handle
}

// StoreStats is the aggregate usage report returned by Store.GetUsage (C1).
type StoreStats struct {
	MapCount     int
	PagesTotal   uint64
	PagesFree    uint64
	HandlesTotal uint64
	HandlesFree  uint64
	Generation   uint64
}

// mapKind distinguishes a page-allocator map file from a small-object map file.
type mapKind byte

const (
	mapKindPage mapKind = iota
	mapKindMem
)

// valueMap is one generation of one map file, memory mapped. Reads load the
// current byte slice through an atomic.Value so a concurrent remap never
// tears a reader's view.
type valueMap struct {
	kind       mapKind
	index      uint16
	generation uint64
	file       *os.File
	data       atomic.Value // holds mmap.MMap
	readOnly   uint32       // atomic bool: frozen for an in-flight snapshot
}

func (vm *valueMap) bytes() mmap.MMap {
	return vm.data.Load().(mmap.MMap)
}

func (vm *valueMap) storeBytes(b mmap.MMap) {
	vm.data.Store(b)
}

func (vm *valueMap) frozen() bool {
	return atomic.LoadUint32(&vm.readOnly) == 1
}

func (vm *valueMap) freeze() {
	atomic.StoreUint32(&vm.readOnly, 1)
}

func (vm *valueMap) thaw() {
	atomic.StoreUint32(&vm.readOnly, 0)
}

// nodePoolDefaultMaxSize is the default maximum QHAT node pool size.
const nodePoolDefaultMaxSize = 1 << 16
