package kernel

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/hostrt/async"
	"github.com/sbl8/hostrt/threadpool"
)

// fakeDevice runs tasks on goroutines and counts how it is used.
type fakeDevice struct {
	threads   int
	scheduled atomic.Int64
	queried   atomic.Int64
}

func (d *fakeDevice) NumThreads() int {
	d.queried.Add(1)
	return d.threads
}

func (d *fakeDevice) Schedule(task func()) {
	d.scheduled.Add(1)
	go task()
}

func recordingKernel(visited *[]Thread, failAt *Thread) *Kernel {
	return NewKernel(0, FunctionFunc(func(frame *CallFrame) error {
		*visited = append(*visited, *frame.Thread)
		if failAt != nil && *frame.Thread == *failAt {
			return errors.New("kernel failed")
		}
		return nil
	}))
}

func TestLaunchVisitsXFastest(t *testing.T) {
	t.Parallel()

	var visited []Thread
	k := recordingKernel(&visited, nil)
	require.NoError(t, k.Launch(ThreadDim{X: 2, Y: 2, Z: 2}, nil))

	want := []Thread{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
	}
	assert.Equal(t, want, visited)
}

func TestLaunchTwoByOneByOne(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		var visited []Thread
		k := recordingKernel(&visited, nil)
		require.NoError(t, k.Launch(ThreadDim{X: 2, Y: 1, Z: 1}, nil))
		assert.Equal(t, []Thread{{0, 0, 0}, {1, 0, 0}}, visited)
	})

	t.Run("first call fails", func(t *testing.T) {
		var visited []Thread
		k := recordingKernel(&visited, &Thread{})
		err := k.Launch(ThreadDim{X: 2, Y: 1, Z: 1}, nil)
		require.Error(t, err)
		assert.Equal(t, []Thread{{0, 0, 0}}, visited)

		var launchErr *LaunchError
		require.ErrorAs(t, err, &launchErr)
		assert.Equal(t, "Failed to call host kernel: x=0, y=0, z=0", launchErr.Error())
	})
}

func TestLaunchErrorCarriesCoordinate(t *testing.T) {
	t.Parallel()

	var visited []Thread
	k := recordingKernel(&visited, &Thread{X: 1, Y: 0, Z: 1})
	err := k.Launch(ThreadDim{X: 3, Y: 2, Z: 2}, nil)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, uint64(1), launchErr.X)
	assert.Equal(t, uint64(0), launchErr.Y)
	assert.Equal(t, uint64(1), launchErr.Z)
	assert.EqualError(t, launchErr.Unwrap(), "kernel failed")
	assert.Len(t, visited, 3*2+1+1)
}

func TestLaunchChecksArity(t *testing.T) {
	t.Parallel()

	k := NewKernel(2, FunctionFunc(func(*CallFrame) error { return nil }))
	assert.Equal(t, uint32(2), k.Arity())
	assert.ErrorIs(t, k.Launch(ThreadDim{1, 1, 1}, nil), ErrArity)
	assert.ErrorIs(t, k.LaunchParallel(ThreadDim{4, 1, 1}, nil, &fakeDevice{threads: 2}).Wait(), ErrArity)
}

func TestTaskCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dims ThreadDim
		want uint64
		ok   bool
	}{
		{ThreadDim{2, 3, 4}, 24, true},
		{ThreadDim{0, 1 << 63, 4}, 0, true},
		{ThreadDim{1 << 32, 1 << 31, 1}, 1 << 63, true},
		{ThreadDim{1<<32 + 1, 1 << 32, 1}, 0, false},
		{ThreadDim{1 << 32, 1, 1 << 32}, 0, false},
		{ThreadDim{1 << 63, 2, 1}, 0, false},
	}
	for _, tt := range tests {
		n, ok := tt.dims.TaskCount()
		assert.Equal(t, tt.ok, ok, "%s", tt.dims)
		assert.Equal(t, tt.want, n, "%s", tt.dims)
	}

	assert.EqualValues(t, 24, ThreadDim{2, 3, 4}.NumTasks())
	assert.Panics(t, func() { ThreadDim{1<<32 + 1, 1 << 32, 1}.NumTasks() })
}

func TestLaunchParallelOverflowingGridPanics(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	k := NewKernel(0, FunctionFunc(func(*CallFrame) error {
		calls.Add(1)
		return nil
	}))
	assert.Panics(t, func() {
		k.LaunchParallel(ThreadDim{1<<32 + 1, 1 << 32, 1}, nil, &fakeDevice{threads: 2})
	})
	assert.Zero(t, calls.Load())
}

func TestDelinearize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		index uint64
		dims  ThreadDim
		want  Thread
	}{
		{4, ThreadDim{2, 3, 1}, Thread{X: 0, Y: 2, Z: 0}},
		{0, ThreadDim{2, 3, 1}, Thread{}},
		{5, ThreadDim{2, 3, 1}, Thread{X: 1, Y: 2, Z: 0}},
		{7, ThreadDim{2, 3, 2}, Thread{X: 1, Y: 0, Z: 1}},
		{9, ThreadDim{10, 1, 1}, Thread{X: 9}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Delinearize(tt.index, tt.dims), "index %d in %s", tt.index, tt.dims)
	}
}

func TestDelinearizeMatchesLaunchOrder(t *testing.T) {
	t.Parallel()

	dims := ThreadDim{3, 4, 5}
	var visited []Thread
	require.NoError(t, recordingKernel(&visited, nil).Launch(dims, nil))
	for i, thread := range visited {
		assert.Equal(t, thread, Delinearize(uint64(i), dims))
	}
}

func TestLaunchParallelSingleTaskIsInline(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{threads: 8}
	var calls int
	k := NewKernel(0, FunctionFunc(func(*CallFrame) error {
		calls++
		return nil
	}))

	event := k.LaunchParallel(ThreadDim{1, 1, 1}, nil, dev)
	assert.Same(t, async.OkEvent(), event)
	assert.Equal(t, 1, calls)
	assert.Zero(t, dev.scheduled.Load())
	assert.Zero(t, dev.queried.Load())
}

func TestLaunchParallelSingleTaskFailure(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{threads: 8}
	k := NewKernel(0, FunctionFunc(func(*CallFrame) error { return errors.New("nope") }))
	event := k.LaunchParallel(ThreadDim{1, 1, 1}, nil, dev)
	assert.True(t, event.IsError())
	assert.EqualError(t, event.Err(), "Failed to call host kernel: x=0, y=0, z=0")
	assert.Zero(t, dev.scheduled.Load())
}

func TestLaunchParallelManyTasks(t *testing.T) {
	t.Parallel()

	const numTasks = 100000
	dev := &fakeDevice{threads: 8}
	seen := make([]atomic.Int32, numTasks)
	dims := ThreadDim{X: 100, Y: 100, Z: 10}

	k := NewKernel(0, FunctionFunc(func(frame *CallFrame) error {
		th := frame.Thread
		seen[th.Z*dims.X*dims.Y+th.Y*dims.X+th.X].Add(1)
		return nil
	}))
	require.NoError(t, k.LaunchParallel(dims, nil, dev).Wait())

	assert.LessOrEqual(t, dev.scheduled.Load(), int64(8))
	for i := range seen {
		require.EqualValues(t, 1, seen[i].Load(), "task %d", i)
	}
}

func TestLaunchParallelNoEarlyAbort(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{threads: 4}
	var ran atomic.Int64
	k := NewKernel(0, FunctionFunc(func(frame *CallFrame) error {
		ran.Add(1)
		if frame.Thread.X == 3 {
			return errors.New("bad coordinate")
		}
		return nil
	}))

	err := k.LaunchParallel(ThreadDim{X: 8, Y: 4, Z: 1}, nil, dev).Wait()
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, uint64(3), launchErr.X)
	assert.Contains(t, err.Error(), "Failed to call host kernel: x=3")
	assert.EqualValues(t, 32, ran.Load())
}

func TestLaunchParallelWorkerCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		threads int
		dims    ThreadDim
		max     int64
	}{
		{"fewer tasks than threads", 16, ThreadDim{3, 1, 1}, 3},
		{"zero threads", 0, ThreadDim{4, 4, 1}, 1},
		{"threads cap", 2, ThreadDim{64, 1, 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{threads: tt.threads}
			k := NewKernel(0, FunctionFunc(func(*CallFrame) error { return nil }))
			require.NoError(t, k.LaunchParallel(tt.dims, nil, dev).Wait())
			assert.Equal(t, tt.max, dev.scheduled.Load())
		})
	}
}

func TestLaunchParallelEmptyGridPanics(t *testing.T) {
	t.Parallel()

	k := NewKernel(0, FunctionFunc(func(*CallFrame) error { return nil }))
	assert.Panics(t, func() {
		k.LaunchParallel(ThreadDim{0, 1, 1}, nil, &fakeDevice{threads: 2})
	})
}

func TestLaunchParallelOnPool(t *testing.T) {
	t.Parallel()

	pool := threadpool.New(4)
	defer pool.Close()

	out := make([]float32, 256)
	in := make([]float32, 256)
	for i := range in {
		in[i] = float32(i)
	}

	// Each task doubles its chunk of 16 elements.
	k := NewKernel(2, FunctionFunc(func(frame *CallFrame) error {
		args := frame.Arguments()
		src, dst := args[0].Float32s(), args[1].Float32s()
		lo := frame.Thread.X * 16
		for i := lo; i < lo+16; i++ {
			dst[i] = 2 * src[i]
		}
		return nil
	}))

	buffers := []DeviceMemory{DeviceMemoryFromFloat32s(in), DeviceMemoryFromFloat32s(out)}
	require.NoError(t, k.LaunchBuffersParallel(ThreadDim{16, 1, 1}, buffers, pool).Wait())
	for i := range out {
		assert.Equal(t, 2*in[i], out[i])
	}
}

func TestConvertBuffersToKernelArgs(t *testing.T) {
	t.Parallel()

	a, b := make([]byte, 8), make([]byte, 3)
	buffers := []DeviceMemory{DeviceMemoryFromBytes(a), {}, DeviceMemoryFromBytes(b)}
	args := ConvertBuffersToKernelArgs(buffers)

	require.Len(t, args, 3)
	assert.Equal(t, unsafe.Pointer(&a[0]), args[0].Data)
	assert.Equal(t, uint64(8), args[0].Size)
	assert.Nil(t, args[1].Data)
	assert.Zero(t, args[1].Size)
	assert.Equal(t, unsafe.Pointer(&b[0]), args[2].Data)
	assert.Equal(t, uint64(3), args[2].Size)

	assert.Empty(t, ConvertBuffersToKernelArgs(nil))
}

func TestCallFrameArguments(t *testing.T) {
	t.Parallel()

	data := []byte{1, 2, 3, 4}
	args := []KernelArg{{Data: unsafe.Pointer(&data[0]), Size: 4}}
	frame := CallFrame{NumArgs: 1, Args: &args[0]}

	got := frame.Arguments()
	require.Len(t, got, 1)
	assert.Equal(t, data, got[0].Bytes())
	assert.Nil(t, (&CallFrame{}).Arguments())
	assert.Equal(t, uintptr(4*unsafe.Sizeof(uintptr(0))), unsafe.Sizeof(CallFrame{}))
}

func TestLaunchBuffersSharesFrameAcrossCalls(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	frames := map[*CallFrame]bool{}
	k := NewKernel(1, FunctionFunc(func(frame *CallFrame) error {
		mu.Lock()
		frames[frame] = true
		mu.Unlock()
		assert.Equal(t, ThreadDim{4, 1, 1}, *frame.ThreadDims)
		assert.Equal(t, uint64(1), frame.NumArgs)
		return nil
	}))
	require.NoError(t, k.LaunchBuffers(ThreadDim{4, 1, 1}, []DeviceMemory{DeviceMemoryFromBytes(make([]byte, 4))}))
	assert.Len(t, frames, 1)
}

func BenchmarkLaunch(b *testing.B) {
	k := NewKernel(0, FunctionFunc(func(*CallFrame) error { return nil }))
	dims := ThreadDim{64, 64, 1}
	for i := 0; i < b.N; i++ {
		_ = k.Launch(dims, nil)
	}
}

func BenchmarkLaunchParallel(b *testing.B) {
	pool := threadpool.New(0)
	defer pool.Close()

	k := NewKernel(0, FunctionFunc(func(*CallFrame) error { return nil }))
	dims := ThreadDim{64, 64, 1}
	for i := 0; i < b.N; i++ {
		_ = k.LaunchParallel(dims, nil, pool).Wait()
	}
}
