package kernel

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/sbl8/hostrt/async"
	"github.com/sbl8/hostrt/threadpool"
)

// Function is a kernel entry point. Call performs the unit of work at
// frame.Thread and returns nil on success.
type Function interface {
	Call(frame *CallFrame) error
}

// FunctionFunc adapts an ordinary function to Function.
type FunctionFunc func(frame *CallFrame) error

// Call implements Function.
func (f FunctionFunc) Call(frame *CallFrame) error { return f(frame) }

// ErrArity is returned when a launch passes a different number of arguments
// than the kernel expects.
var ErrArity = errors.New("kernel: argument count does not match arity")

// LaunchError reports the grid coordinate at which a kernel call failed.
type LaunchError struct {
	X, Y, Z uint64
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("Failed to call host kernel: x=%d, y=%d, z=%d", e.X, e.Y, e.Z)
}

// Unwrap returns the error reported by the kernel.
func (e *LaunchError) Unwrap() error { return e.Err }

// Kernel is a host kernel entry point together with its arity.
type Kernel struct {
	arity uint32
	fn    Function
}

// NewKernel returns a kernel calling fn with arity arguments.
func NewKernel(arity uint32, fn Function) *Kernel {
	if fn == nil {
		exceptions.Panicf("kernel: nil kernel function")
	}
	return &Kernel{arity: arity, fn: fn}
}

// Arity returns the number of arguments the kernel expects.
func (k *Kernel) Arity() uint32 { return k.arity }

func (k *Kernel) checkArity(args []KernelArg) error {
	if uint32(len(args)) != k.arity {
		return errors.Wrapf(ErrArity, "got %d arguments, kernel takes %d", len(args), k.arity)
	}
	return nil
}

func argsPtr(args []KernelArg) *KernelArg {
	if len(args) == 0 {
		return nil
	}
	return &args[0]
}

// Delinearize maps a linear task index to its grid coordinate, with x varying
// fastest.
func Delinearize(index uint64, dims ThreadDim) Thread {
	plane := dims.X * dims.Y
	rem := index % plane
	return Thread{X: rem % dims.X, Y: rem / dims.X, Z: index / plane}
}

// Launch calls the kernel at every coordinate of dims on the calling goroutine,
// z outermost and x innermost. It stops at the first failure and returns a
// *LaunchError for that coordinate.
func (k *Kernel) Launch(dims ThreadDim, args []KernelArg) error {
	if err := k.checkArity(args); err != nil {
		return err
	}

	var thread Thread
	frame := CallFrame{
		ThreadDims: &dims,
		Thread:     &thread,
		NumArgs:    uint64(len(args)),
		Args:       argsPtr(args),
	}

	for z := uint64(0); z < dims.Z; z++ {
		for y := uint64(0); y < dims.Y; y++ {
			for x := uint64(0); x < dims.X; x++ {
				thread = Thread{X: x, Y: y, Z: z}
				if err := k.fn.Call(&frame); err != nil {
					return &LaunchError{X: x, Y: y, Z: z, Err: err}
				}
			}
		}
	}
	return nil
}

// LaunchBuffers converts buffers to argument records and calls Launch.
func (k *Kernel) LaunchBuffers(dims ThreadDim, buffers []DeviceMemory) error {
	return k.Launch(dims, ConvertBuffersToKernelArgs(buffers))
}

// LaunchParallel calls the kernel at every coordinate of dims using workers
// scheduled on dev, and returns without waiting. A grid of one task runs inline
// and never touches dev. Failed tasks do not stop the others; the event carries
// the first failure recorded.
//
// An empty grid, or one with more than 2^64-1 tasks, is a programming error.
func (k *Kernel) LaunchParallel(dims ThreadDim, args []KernelArg, dev threadpool.Device) *async.Event {
	numTasks := dims.NumTasks()
	if numTasks == 0 {
		exceptions.Panicf("kernel: launch over an empty task grid %s", dims)
	}

	if numTasks == 1 {
		if err := k.Launch(dims, args); err != nil {
			return async.ErrorEvent(err)
		}
		return async.OkEvent()
	}

	if err := k.checkArity(args); err != nil {
		return async.ErrorEvent(err)
	}

	numWorkers := min(numTasks, uint64(max(dev.NumThreads(), 1)), threadpool.MaxWorkers)
	return threadpool.Parallelize(dev, numWorkers, numTasks, func(index uint64) error {
		thread := Delinearize(index, dims)
		frame := CallFrame{
			ThreadDims: &dims,
			Thread:     &thread,
			NumArgs:    uint64(len(args)),
			Args:       argsPtr(args),
		}
		if err := k.fn.Call(&frame); err != nil {
			return &LaunchError{X: thread.X, Y: thread.Y, Z: thread.Z, Err: err}
		}
		return nil
	})
}

// LaunchBuffersParallel converts buffers to argument records and calls
// LaunchParallel.
func (k *Kernel) LaunchBuffersParallel(dims ThreadDim, buffers []DeviceMemory, dev threadpool.Device) *async.Event {
	return k.LaunchParallel(dims, ConvertBuffersToKernelArgs(buffers), dev)
}
