// Package kernel adapts caller buffers to the host kernel calling convention and
// launches kernels over a 3-D task grid, either inline or on a thread pool.
//
// A host kernel is called once per grid coordinate with a CallFrame holding the
// grid extents, the coordinate and the argument records. The frame layout is
// shared with compiled native code and must not change.
package kernel

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/gomlx/exceptions"
)

// ThreadDim is the extent of a kernel's 3-D task grid.
type ThreadDim struct {
	X, Y, Z uint64
}

// NumTasks returns the number of coordinates in the grid. It panics if the
// count does not fit in 64 bits; use TaskCount on unvalidated extents.
func (d ThreadDim) NumTasks() uint64 {
	n, ok := d.TaskCount()
	if !ok {
		exceptions.Panicf("kernel: task grid %s overflows uint64", d)
	}
	return n
}

// TaskCount returns the number of coordinates in the grid and false if it
// does not fit in 64 bits.
func (d ThreadDim) TaskCount() (uint64, bool) {
	hi, xy := bits.Mul64(d.X, d.Y)
	if hi != 0 {
		return 0, false
	}
	hi, n := bits.Mul64(xy, d.Z)
	return n, hi == 0
}

func (d ThreadDim) String() string { return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z) }

// Thread is one coordinate of the task grid.
type Thread struct {
	X, Y, Z uint64
}

func (t Thread) String() string { return fmt.Sprintf("(%d,%d,%d)", t.X, t.Y, t.Z) }

// KernelArg is one argument record: a raw pointer and its length in bytes.
type KernelArg struct {
	Data unsafe.Pointer
	Size uint64
}

// CallFrame is the value passed to a kernel entry point.
type CallFrame struct {
	ThreadDims *ThreadDim
	Thread     *Thread
	NumArgs    uint64
	Args       *KernelArg
}

// The layouts are frozen: 2 words per argument, 4 words per frame, 3 per dim.
var (
	_ [unsafe.Sizeof(KernelArg{}) - 16]struct{}
	_ [16 - unsafe.Sizeof(KernelArg{})]struct{}
	_ [unsafe.Sizeof(CallFrame{}) - 4*unsafe.Sizeof(uintptr(0))]struct{}
	_ [4*unsafe.Sizeof(uintptr(0)) - unsafe.Sizeof(CallFrame{})]struct{}
	_ [unsafe.Sizeof(ThreadDim{}) - 24]struct{}
)

// Arguments returns the frame's argument records as a slice. The slice aliases
// the frame's array.
func (f *CallFrame) Arguments() []KernelArg {
	if f.NumArgs == 0 || f.Args == nil {
		return nil
	}
	return unsafe.Slice(f.Args, f.NumArgs)
}

// Bytes views the argument as a byte slice.
func (a KernelArg) Bytes() []byte {
	if a.Data == nil || a.Size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(a.Data), a.Size)
}

// Float32s views the argument as a float32 slice. Trailing bytes that do not
// form a whole element are ignored.
func (a KernelArg) Float32s() []float32 {
	if a.Data == nil || a.Size < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(a.Data), a.Size/4)
}

// DeviceMemory is a caller-owned buffer handle.
type DeviceMemory struct {
	Data unsafe.Pointer
	Size uint64
}

// DeviceMemoryFromBytes wraps b. The caller must keep b alive for as long as
// the handle is used.
func DeviceMemoryFromBytes(b []byte) DeviceMemory {
	if len(b) == 0 {
		return DeviceMemory{}
	}
	return DeviceMemory{Data: unsafe.Pointer(unsafe.SliceData(b)), Size: uint64(len(b))}
}

// DeviceMemoryFromFloat32s wraps v.
func DeviceMemoryFromFloat32s(v []float32) DeviceMemory {
	if len(v) == 0 {
		return DeviceMemory{}
	}
	return DeviceMemory{Data: unsafe.Pointer(unsafe.SliceData(v)), Size: uint64(len(v)) * 4}
}

// ConvertBuffersToKernelArgs converts buffer handles into argument records,
// keeping their order.
func ConvertBuffersToKernelArgs(buffers []DeviceMemory) []KernelArg {
	args := make([]KernelArg, len(buffers))
	for i, b := range buffers {
		args[i] = KernelArg{Data: b.Data, Size: b.Size}
	}
	return args
}
