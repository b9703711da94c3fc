package runtime

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/sbl8/hostrt/core"
)

// ErrOutOfMemory is returned when a block source cannot provide a block.
var ErrOutOfMemory = errors.New("runtime: out of memory")

// BlockSource provides the single block backing a contiguous allocation.
// Blocks are aligned to core.Align and zeroed.
type BlockSource interface {
	Acquire(size uint64) (*Block, error)
	Name() string
}

// Block is one contiguous, 64-byte aligned region of memory. It is owned by
// whoever acquired it until FreeContiguous releases it.
type Block struct {
	data        []byte
	release     func() error
	initialized bool
	released    atomic.Bool
}

// Bytes returns the block's memory. It must not be used after release.
func (b *Block) Bytes() []byte { return b.data }

// Size returns the block size in bytes.
func (b *Block) Size() uint64 { return uint64(len(b.data)) }

// Pointer returns the address of the first byte.
func (b *Block) Pointer() unsafe.Pointer { return unsafe.Pointer(unsafe.SliceData(b.data)) }

// Initialized reports whether the block was annotated as initialized.
func (b *Block) Initialized() bool { return b.initialized }

// Released reports whether the block has been released.
func (b *Block) Released() bool { return b.released.Load() }

// HeapSource allocates blocks on the Go heap. Blocks are pinned so native
// kernels can hold their addresses.
type HeapSource struct {
	// Limit rejects blocks larger than Limit bytes. Zero means no limit.
	Limit uint64
}

// Name implements BlockSource.
func (HeapSource) Name() string { return "heap" }

// Acquire implements BlockSource.
func (s HeapSource) Acquire(size uint64) (*Block, error) {
	if s.Limit > 0 && size > s.Limit {
		return nil, errors.Wrapf(ErrOutOfMemory, "heap block of %d bytes exceeds limit %d", size, s.Limit)
	}
	if size > uint64(maxHeapBlock) {
		return nil, errors.Wrapf(ErrOutOfMemory, "heap block of %d bytes", size)
	}

	data := core.AlignedBytes(int(size))
	var pinner runtime.Pinner
	if size > 0 {
		pinner.Pin(unsafe.SliceData(data))
	}
	return &Block{
		data: data,
		release: func() error {
			pinner.Unpin()
			return nil
		},
	}, nil
}

// maxHeapBlock keeps the over-allocation in AlignedBytes from overflowing int.
const maxHeapBlock = int(^uint(0)>>1) - core.Align

// BlockSourceByName returns the block source called name: "heap" or "mmap".
func BlockSourceByName(name string) (BlockSource, error) {
	switch name {
	case "", "heap":
		return HeapSource{}, nil
	case "mmap":
		return MmapSource{}, nil
	default:
		return nil, errors.Errorf("unknown block source %q", name)
	}
}
