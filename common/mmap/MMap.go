package mmap

import "errors"
import "os"
import "golang.org/x/sys/unix"


//============================================= MMap
//
// Thin wrapper around the platform mmap/munmap/msync syscalls. Every page
// and memory map qhat hands out ultimately comes from Map/MapRegion here;
// above this package, only the Store's directory lock (unix.Flock) touches
// golang.org/x/sys/unix directly.


// Map
//	Memory maps an entire file.
//
// Parameters:
//	file: the file to be memory mapped
//	prot: the protection level on the file (RDONLY, RDWR, COPY, EXEC)
//	flags: if ANON is set in flags, file is ignored and memory is anonymously mapped
//
// Returns:
//	the byte slice backing the mapped region, or an error
func Map(file *os.File, prot, flags int) (MMap, error) {
	return MapRegion(file, -1, prot, flags, 0)
}

// MapRegion
//	Memory maps a region of a file starting at offset, for length bytes.
func MapRegion(file *os.File, length int, prot, flags int, offset int64) (MMap, error) {
	if offset % int64(os.Getpagesize()) != 0 {
		return nil, errors.New("mmap: offset must be a multiple of the system page size")
	}

	var fileDescriptor uintptr

	if flags & ANON == 0 {
		fileDescriptor = uintptr(file.Fd())

		if length < 0 {
			fileStat, statErr := file.Stat()
			if statErr != nil { return nil, statErr }

			length = int(fileStat.Size())
		}
	} else {
		if length <= 0 { return nil, errors.New("mmap: anonymous mapping requires a non-zero length") }
		fileDescriptor = ^uintptr(0)
	}

	return mmapHelper(length, uintptr(prot), uintptr(flags), fileDescriptor, offset)
}

// mmapHelper
//	Translates the portable prot/flags into the unix-specific mmap arguments.
//	COPY downgrades MAP_SHARED to MAP_PRIVATE, the same as a copy-on-write
//	mapping of a read-only snapshot map.
func mmapHelper(length int, inprot, inflags, fileDescriptor uintptr, offset int64) ([]byte, error) {
	flags := unix.MAP_SHARED
	prot := unix.PROT_READ

	switch {
		case inprot & COPY != 0:
			prot |= unix.PROT_WRITE
			flags = unix.MAP_PRIVATE
		case inprot & RDWR != 0:
			prot |= unix.PROT_WRITE
	}

	if inprot & EXEC != 0 { prot |= unix.PROT_EXEC }
	if inflags & ANON != 0 { flags |= unix.MAP_ANON }

	bytes, mmapErr := unix.Mmap(int(fileDescriptor), offset, length, prot, flags)
	if mmapErr != nil { return nil, mmapErr }

	return bytes, nil
}

// Flush
//	Synchronously writes the mapped region back to the backing file.
func (mapped MMap) Flush() error {
	return unix.Msync(mapped, unix.MS_SYNC)
}

// Unmap
//	Removes the mapping, invalidating the byte slice.
func (mapped MMap) Unmap() error {
	return unix.Munmap(mapped)
}
