//go:build darwin || (linux && (amd64 || arm64))

package kernel

import (
	"sync"
	"testing"

	"github.com/ebitengine/purego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/hostrt/threadpool"
)

// nativeCall is one invocation seen by the C-callable test kernel.
type nativeCall struct {
	dims   ThreadDim
	thread Thread
	sizes  []uint64
	first  float32
}

var (
	nativeMu     sync.Mutex
	nativeCalls  []nativeCall
	nativeFailAt = ^uint64(0)

	// scaleEntry is a C-callable kernel that doubles element x of its first
	// argument into its second, recording each frame it receives. It returns
	// a non-null handle at x == nativeFailAt.
	scaleEntry = purego.NewCallback(func(frame *CallFrame) uintptr {
		args := frame.Arguments()
		call := nativeCall{dims: *frame.ThreadDims, thread: *frame.Thread}
		for _, a := range args {
			call.sizes = append(call.sizes, a.Size)
		}
		x := frame.Thread.X
		if len(args) == 2 {
			in, out := args[0].Float32s(), args[1].Float32s()
			call.first = in[0]
			out[x] = 2 * in[x]
		}

		nativeMu.Lock()
		defer nativeMu.Unlock()
		nativeCalls = append(nativeCalls, call)
		if x == nativeFailAt {
			return 0x10 + uintptr(x)
		}
		return 0
	})
)

func resetNative(failAt uint64) {
	nativeMu.Lock()
	defer nativeMu.Unlock()
	nativeCalls = nil
	nativeFailAt = failAt
}

func recordedCalls() []nativeCall {
	nativeMu.Lock()
	defer nativeMu.Unlock()
	return append([]nativeCall(nil), nativeCalls...)
}

func TestNativeFunctionCall(t *testing.T) {
	resetNative(^uint64(0))

	fn := NewNativeFunction("scale", scaleEntry)
	assert.Equal(t, "scale", fn.Symbol())

	in := []float32{1, 2, 3, 4}
	out := make([]float32, 4)
	args := ConvertBuffersToKernelArgs([]DeviceMemory{DeviceMemoryFromFloat32s(in), DeviceMemoryFromFloat32s(out)})

	k := NewKernel(2, fn)
	require.NoError(t, k.Launch(ThreadDim{4, 1, 1}, args))
	assert.Equal(t, []float32{2, 4, 6, 8}, out)

	calls := recordedCalls()
	require.Len(t, calls, 4)
	for i, c := range calls {
		assert.Equal(t, ThreadDim{4, 1, 1}, c.dims)
		assert.Equal(t, Thread{X: uint64(i)}, c.thread)
		assert.Equal(t, []uint64{16, 16}, c.sizes)
		assert.Equal(t, float32(1), c.first)
	}
}

func TestNativeFunctionError(t *testing.T) {
	resetNative(2)

	in := []float32{1, 2, 3, 4}
	out := make([]float32, 4)
	args := ConvertBuffersToKernelArgs([]DeviceMemory{DeviceMemoryFromFloat32s(in), DeviceMemoryFromFloat32s(out)})
	k := NewKernel(2, NewNativeFunction("scale", scaleEntry))

	err := k.Launch(ThreadDim{4, 1, 1}, args)
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, uint64(2), launchErr.X)

	var nativeErr *NativeError
	require.ErrorAs(t, err, &nativeErr)
	assert.Equal(t, "scale", nativeErr.Symbol)
	assert.Equal(t, uintptr(0x12), nativeErr.Handle)
	assert.Len(t, recordedCalls(), 3, "launch stops at the failing coordinate")
}

func TestNativeFunctionParallel(t *testing.T) {
	resetNative(^uint64(0))

	pool := threadpool.New(4)
	defer pool.Close()

	in := make([]float32, 64)
	for i := range in {
		in[i] = float32(i)
	}
	out := make([]float32, 64)
	args := ConvertBuffersToKernelArgs([]DeviceMemory{DeviceMemoryFromFloat32s(in), DeviceMemoryFromFloat32s(out)})
	k := NewKernel(2, NewNativeFunction("scale", scaleEntry))

	require.NoError(t, k.LaunchParallel(ThreadDim{64, 1, 1}, args, pool).Wait())
	for i := range out {
		assert.Equal(t, 2*in[i], out[i], "element %d", i)
	}
	assert.Len(t, recordedCalls(), 64)
}
