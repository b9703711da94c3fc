package runtime

import (
	"math"
	"math/bits"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/sbl8/hostrt/core"
)

// allocated reports whether info gets a region in the contiguous block.
func allocated(info core.BufferInfo, allocateEntryParams bool) bool {
	return info.IsTempBuffer() || (allocateEntryParams && info.IsEntryParameter())
}

// AlignedBufferBytes returns the size of the block MallocContiguousBuffers
// acquires for infos: every temp buffer, and every entry parameter when
// allocateEntryParams is set, each rounded up to core.Align. A total that does
// not fit in 64 bits saturates at math.MaxUint64.
func AlignedBufferBytes(infos []core.BufferInfo, allocateEntryParams bool) uint64 {
	total, ok := alignedBufferBytes(infos, allocateEntryParams)
	if !ok {
		return math.MaxUint64
	}
	return total
}

// alignedBufferBytes sums the aligned sizes and reports false on overflow.
func alignedBufferBytes(infos []core.BufferInfo, allocateEntryParams bool) (uint64, bool) {
	var total, carry uint64
	for _, info := range infos {
		if !allocated(info, allocateEntryParams) {
			continue
		}
		total, carry = bits.Add64(total, core.AlignedSize(info.Size()), 0)
		if carry != 0 {
			return 0, false
		}
	}
	return total, true
}

// MallocContiguousBuffers acquires one block from src and carves it into the
// buffers described by infos, in index order. The returned slice holds one
// pointer per entry; constants, on-stack buffers and (unless
// allocateEntryParams is set) entry parameters get nil.
//
// When nothing needs allocating the block is nil and every pointer is nil. On
// failure the block is nil and the error wraps ErrOutOfMemory.
//
// annotateInitialized marks the block as initialized. Block sources hand out
// zeroed memory, so reads of scratch space before any write are well defined.
func MallocContiguousBuffers(src BlockSource, infos []core.BufferInfo, allocateEntryParams, annotateInitialized bool) (*Block, []unsafe.Pointer, error) {
	total, ok := alignedBufferBytes(infos, allocateEntryParams)
	if !ok {
		return nil, nil, errors.Wrapf(ErrOutOfMemory, "buffer table of %d entries exceeds the address space", len(infos))
	}
	ptrs := make([]unsafe.Pointer, len(infos))
	if total == 0 {
		return nil, ptrs, nil
	}

	block, err := src.Acquire(total)
	if err != nil {
		return nil, nil, err
	}
	if !core.IsAligned(uintptr(block.Pointer())) {
		_ = block.release()
		exceptions.Panicf("runtime: block source %s returned a misaligned block %p", src.Name(), block.Pointer())
	}
	block.initialized = annotateInitialized

	base := block.Pointer()
	var offset uint64
	for i, info := range infos {
		if !allocated(info, allocateEntryParams) {
			continue
		}
		// Zero-sized buffers take no space. One past the end of the block is
		// not a valid Go pointer, so a trailing one points at the last byte.
		at := offset
		if at == block.Size() {
			at--
		}
		ptrs[i] = unsafe.Add(base, at)
		offset += core.AlignedSize(info.Size())
	}
	return block, ptrs, nil
}

// FreeContiguous releases a block returned by MallocContiguousBuffers. A nil
// block is ignored. Releasing the same block twice panics.
func FreeContiguous(block *Block) error {
	if block == nil {
		return nil
	}
	if block.released.Swap(true) {
		exceptions.Panicf("runtime: block %p released twice", block)
	}
	err := block.release()
	block.data = nil
	return err
}

// Bytes views size bytes at ptr. It returns nil for a nil pointer.
func Bytes(ptr unsafe.Pointer, size uint64) []byte {
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), size)
}
