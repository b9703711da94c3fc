package core

import "unsafe"

const (
	// Align is the alignment of every buffer the runtime allocates. It matches
	// the cache line size of the targets we care about.
	Align = 64

	// MinAlign is the minimum alignment of buffers handed to compiled code
	// directly by the caller.
	MinAlign = 16

	// PageSize is the granularity of mapped blocks.
	PageSize = 4096
)

// IsAligned checks if addr is aligned to Align.
func IsAligned(addr uintptr) bool {
	return addr%Align == 0
}

// IsAlignedTo checks if addr is a multiple of align. align must be a power of two.
func IsAlignedTo(addr, align uintptr) bool {
	return addr&(align-1) == 0
}

// AlignedSize rounds size up to the nearest multiple of Align.
func AlignedSize(size uint64) uint64 {
	return AlignSize(size, Align)
}

// AlignSize rounds size up to the specified alignment boundary.
// align must be a power of two.
func AlignSize(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// AlignPage rounds size up to page boundary
func AlignPage(size uint64) uint64 {
	return AlignSize(size, PageSize)
}

// AlignedBytes allocates a byte slice with its underlying array aligned to Align.
// size is the desired size of the slice.
// Returns nil for a zero size.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	// Allocate extra space to allow for alignment.
	buf := make([]byte, size+Align-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % Align; mod != 0 {
		offset = Align - mod
	}

	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}
