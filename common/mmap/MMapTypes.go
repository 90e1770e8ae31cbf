package mmap


// MMap
//	The byte slice backing a memory mapped region. Every store/page/bitmap
//	type treats a map file as one of these rather than casting pointers, so
//	the on-disk layout stays portable across byte orders and word sizes.
type MMap []byte

const (
	// RDONLY: maps the memory read-only. Writes will fault.
	RDONLY = 0
	// RDWR: maps the memory read-write; writes update the backing file.
	RDWR = 1 << iota
	// COPY: maps copy-on-write; writes affect memory only, never the file.
	COPY
	// EXEC: marks the mapped memory executable.
	EXEC
)

const (
	// ANON: the mapped memory is not backed by a file.
	ANON = 1 << iota
)
