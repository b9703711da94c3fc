//go:build unix

package runtime

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sbl8/hostrt/core"
)

// MmapSource maps each block as anonymous private memory. Mappings are page
// aligned and zero filled, and live outside the Go heap.
type MmapSource struct{}

// Name implements BlockSource.
func (MmapSource) Name() string { return "mmap" }

// Acquire implements BlockSource.
func (MmapSource) Acquire(size uint64) (*Block, error) {
	if size == 0 {
		return &Block{release: func() error { return nil }}, nil
	}
	length := core.AlignPage(size)
	if length > uint64(maxHeapBlock) {
		return nil, errors.Wrapf(ErrOutOfMemory, "mapping of %d bytes", size)
	}
	mapping, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "mmap %d bytes: %v", length, err)
	}
	return &Block{
		data: mapping[:size:size],
		release: func() error {
			return errors.Wrap(unix.Munmap(mapping), "munmap")
		},
	}, nil
}
