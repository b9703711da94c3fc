//go:build !unix

package runtime

// MmapSource falls back to the heap on platforms without anonymous mappings.
type MmapSource struct{}

// Name implements BlockSource.
func (MmapSource) Name() string { return "mmap" }

// Acquire implements BlockSource.
func (MmapSource) Acquire(size uint64) (*Block, error) {
	return HeapSource{}.Acquire(size)
}
