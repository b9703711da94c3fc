// Package runtime allocates the buffers of a compiled program and executes it.
//
// Key components:
//   - AlignedBufferBytes, MallocContiguousBuffers, FreeContiguous: the
//     single-block buffer allocator driven by a BufferInfo table
//   - BlockSource: where blocks come from (Go heap or anonymous mappings)
//   - Engine: binds a model.Program to its buffers and kernels and runs it
//
// Execution model:
//  1. Temp buffers (and optionally entry parameters) are carved from one block
//  2. Constants and on-stack buffers get their own aligned storage
//  3. The caller provides entry parameters with SetArgData
//  4. Run launches every kernel in program order, each over its task grid
//  5. The caller reads the result buffer with ResultData
package runtime

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sbl8/hostrt/core"
	"github.com/sbl8/hostrt/kernel"
	"github.com/sbl8/hostrt/model"
	"github.com/sbl8/hostrt/threadpool"
)

var (
	// ErrUnknownKernel is returned when a launch names an unregistered opcode.
	ErrUnknownKernel = errors.New("runtime: unknown kernel")
	// ErrUnknownParam is returned for a parameter number the program lacks.
	ErrUnknownParam = errors.New("runtime: unknown entry parameter")
	// ErrMisaligned is returned for caller buffers below core.MinAlign.
	ErrMisaligned = errors.New("runtime: misaligned buffer")
	// ErrShortBuffer is returned for caller buffers smaller than the parameter.
	ErrShortBuffer = errors.New("runtime: buffer too small")
	// ErrMissingArg is returned by Run when an entry parameter was never set.
	ErrMissingArg = errors.New("runtime: entry parameter not set")
	// ErrClosed is returned when using a closed engine.
	ErrClosed = errors.New("runtime: engine closed")
)

// KernelResolver maps opcodes to kernels.
type KernelResolver interface {
	Lookup(op uint8) (*kernel.Kernel, bool)
}

// Options configures an Engine.
type Options struct {
	// Workers is the size of the pool created when Device is nil. Zero or one
	// runs every launch inline.
	Workers int
	// Device runs parallel launches. It is not closed by the engine.
	Device threadpool.Device
	// AllocateEntryParams places entry parameters in the contiguous block.
	AllocateEntryParams bool
	// AnnotateInitialized marks the block as initialized.
	AnnotateInitialized bool
	// BlockSource provides the contiguous block. Nil selects HeapSource.
	BlockSource BlockSource
	// EnableStats records per-run and per-kernel statistics.
	EnableStats bool
	// Logger receives engine events. Nil selects slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns options using every CPU and the Go heap.
func DefaultOptions() Options {
	return Options{
		Workers:             runtime.NumCPU(),
		AnnotateInitialized: true,
		BlockSource:         HeapSource{},
		EnableStats:         true,
	}
}

// ExecutionStats tracks runtime performance metrics.
type ExecutionStats struct {
	TotalRuns       int64
	FailedRuns      int64
	AverageLatency  time.Duration
	KernelLaunches  map[uint8]int64
	KernelTasks     map[uint8]uint64
	BlockBytes      uint64
	BlockSourceName string
}

// Engine executes one compiled program. Run may be called repeatedly but not
// concurrently; the buffers are shared between runs.
type Engine struct {
	id      uuid.UUID
	program *model.Program
	kernels []*kernel.Kernel // one per launch
	opts    Options
	log     *slog.Logger

	device    threadpool.Device
	ownedPool *threadpool.Pool

	block   *Block
	buffers []unsafe.Pointer
	backing [][]byte // per buffer: constant, on-stack or caller storage kept alive
	params  map[int64]int

	runMu  sync.Mutex
	closed bool

	mu    sync.RWMutex
	stats ExecutionStats
}

// NewEngine validates program, resolves its kernels and allocates its buffers.
// A nil opts selects DefaultOptions.
func NewEngine(program *model.Program, resolver KernelResolver, opts *Options) (*Engine, error) {
	if program == nil {
		return nil, errors.New("runtime: program cannot be nil")
	}
	if err := program.Validate(); err != nil {
		return nil, err
	}

	e, err := createBaseEngine(program, opts)
	if err != nil {
		return nil, err
	}
	if err := e.resolveKernels(resolver); err != nil {
		return nil, err
	}
	if err := e.allocateBuffers(); err != nil {
		return nil, err
	}
	e.setupDevice()

	e.log.Info("engine ready",
		"program", program.Name,
		"buffers", len(program.Buffers),
		"launches", len(program.Launches),
		"block_bytes", e.block.sizeOrZero(),
		"block_source", e.opts.BlockSource.Name(),
		"workers", e.device.NumThreads())
	return e, nil
}

func createBaseEngine(program *model.Program, opts *Options) (*Engine, error) {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.BlockSource == nil {
		o.BlockSource = HeapSource{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	id := uuid.New()
	return &Engine{
		id:      id,
		program: program,
		opts:    o,
		log:     o.Logger.With("engine_id", id.String()),
		params:  make(map[int64]int),
		stats: ExecutionStats{
			KernelLaunches:  make(map[uint8]int64),
			KernelTasks:     make(map[uint8]uint64),
			BlockSourceName: o.BlockSource.Name(),
		},
	}, nil
}

func (e *Engine) resolveKernels(resolver KernelResolver) error {
	if resolver == nil {
		return errors.New("runtime: kernel resolver cannot be nil")
	}
	e.kernels = make([]*kernel.Kernel, len(e.program.Launches))
	for i, l := range e.program.Launches {
		k, ok := resolver.Lookup(l.Kernel)
		if !ok {
			return errors.Wrapf(ErrUnknownKernel, "launch %d uses opcode %#x", i, l.Kernel)
		}
		if int(k.Arity()) != len(l.Args) {
			return errors.Wrapf(kernel.ErrArity, "launch %d passes %d arguments to opcode %#x, which takes %d",
				i, len(l.Args), l.Kernel, k.Arity())
		}
		e.kernels[i] = k
	}
	return nil
}

func (e *Engine) allocateBuffers() error {
	p := e.program
	block, ptrs, err := MallocContiguousBuffers(e.opts.BlockSource, p.Buffers, e.opts.AllocateEntryParams, e.opts.AnnotateInitialized)
	if err != nil {
		e.log.Error("buffer allocation failed", "bytes", AlignedBufferBytes(p.Buffers, e.opts.AllocateEntryParams), "error", err)
		return errors.Wrap(err, "allocating buffers")
	}
	e.block = block
	e.buffers = ptrs
	e.backing = make([][]byte, len(ptrs))
	e.stats.BlockBytes = block.sizeOrZero()

	for _, c := range p.Constants {
		data := core.AlignedBytes(len(c.Data))
		copy(data, c.Data)
		e.keep(int(c.Buffer), data)
	}
	for i, b := range p.Buffers {
		switch {
		case b.IsOnStackBuffer():
			e.keep(i, core.AlignedBytes(int(b.Size())))
		case b.IsEntryParameter():
			e.params[b.EntryParameterNumber()] = i
		}
	}
	return nil
}

// keep makes data the storage of buffer i and holds a reference to it.
func (e *Engine) keep(i int, data []byte) {
	e.backing[i] = data
	if len(data) > 0 {
		e.buffers[i] = unsafe.Pointer(unsafe.SliceData(data))
	}
}

func (e *Engine) setupDevice() {
	switch {
	case e.opts.Device != nil:
		e.device = e.opts.Device
	case e.opts.Workers > 1:
		e.ownedPool = threadpool.New(e.opts.Workers)
		e.device = e.ownedPool
	default:
		e.device = threadpool.Inline{}
	}
}

func (b *Block) sizeOrZero() uint64 {
	if b == nil {
		return 0
	}
	return b.Size()
}

// ID returns the engine's identifier, as used in its log records.
func (e *Engine) ID() uuid.UUID { return e.id }

// Program returns the program the engine executes.
func (e *Engine) Program() *model.Program { return e.program }

// Block returns the contiguous block, or nil when nothing was allocated.
func (e *Engine) Block() *Block { return e.block }

// SetArgData makes data the storage of entry parameter param. data must be at
// least as large as the parameter and aligned to core.MinAlign. The engine
// keeps a reference to data; the caller must not resize it while the engine
// uses it.
func (e *Engine) SetArgData(param int64, data []byte) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed {
		return ErrClosed
	}

	i, ok := e.params[param]
	if !ok {
		return errors.Wrapf(ErrUnknownParam, "parameter %d", param)
	}
	size := e.program.Buffers[i].Size()
	if uint64(len(data)) < size {
		return errors.Wrapf(ErrShortBuffer, "parameter %d needs %d bytes, got %d", param, size, len(data))
	}
	if len(data) > 0 && !core.IsAlignedTo(uintptr(unsafe.Pointer(unsafe.SliceData(data))), core.MinAlign) {
		return errors.Wrapf(ErrMisaligned, "parameter %d at %p, need %d-byte alignment", param, unsafe.SliceData(data), core.MinAlign)
	}
	e.keep(i, data)
	return nil
}

// BufferData returns the storage of buffer i, or nil if it has none.
func (e *Engine) BufferData(i int) []byte {
	if i < 0 || i >= len(e.buffers) {
		return nil
	}
	return Bytes(e.buffers[i], e.program.Buffers[i].Size())
}

// ArgData returns the storage of entry parameter param.
func (e *Engine) ArgData(param int64) []byte {
	i, ok := e.params[param]
	if !ok {
		return nil
	}
	return e.BufferData(i)
}

// ResultData returns the storage of the result buffer.
func (e *Engine) ResultData() []byte {
	return e.BufferData(int(e.program.Result))
}

// Run executes every launch of the program in order. Parallel launches are
// awaited before the next one starts. Cancelling ctx stops Run between
// launches; a launch already dispatched is allowed to finish first.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed {
		return ErrClosed
	}

	runID := uuid.New()
	start := time.Now()
	err := e.run(ctx)
	duration := time.Since(start)
	e.updateExecutionStats(duration, err)

	if err != nil {
		e.log.Error("run failed", "run_id", runID, "duration", duration, "error", err)
		return err
	}
	e.log.Debug("run complete", "run_id", runID, "duration", duration)
	return nil
}

func (e *Engine) run(ctx context.Context) error {
	for i, l := range e.program.Launches {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "before launch %d", i)
		}
		args, err := e.launchArgs(l)
		if err != nil {
			return errors.Wrapf(err, "launch %d", i)
		}
		if err := e.launch(ctx, e.kernels[i], l.Dims, args); err != nil {
			return errors.Wrapf(err, "launch %d (opcode %#x)", i, l.Kernel)
		}
		e.updateKernelStats(l.Kernel, l.Dims.NumTasks())
	}
	return nil
}

func (e *Engine) launch(ctx context.Context, k *kernel.Kernel, dims kernel.ThreadDim, args []kernel.KernelArg) error {
	if e.device.NumThreads() <= 1 {
		return k.Launch(dims, args)
	}
	event := k.LaunchParallel(dims, args, e.device)
	if err := event.Await(ctx); err != nil {
		if ctx.Err() != nil {
			// The tasks still use the buffers; wait for them before handing
			// control back.
			_ = event.Wait()
		}
		return err
	}
	return nil
}

func (e *Engine) launchArgs(l model.Launch) ([]kernel.KernelArg, error) {
	args := make([]kernel.KernelArg, len(l.Args))
	for j, b := range l.Args {
		info := e.program.Buffers[b]
		ptr := e.buffers[b]
		if ptr == nil && info.Size() > 0 {
			if info.IsEntryParameter() {
				return nil, errors.Wrapf(ErrMissingArg, "parameter %d", info.EntryParameterNumber())
			}
			return nil, errors.Errorf("buffer %d (%s) has no storage", b, info)
		}
		args[j] = kernel.KernelArg{Data: ptr, Size: info.Size()}
	}
	return args, nil
}

func (e *Engine) updateKernelStats(op uint8, tasks uint64) {
	if !e.opts.EnableStats {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.KernelLaunches[op]++
	e.stats.KernelTasks[op] += tasks
}

func (e *Engine) updateExecutionStats(duration time.Duration, err error) {
	if !e.opts.EnableStats {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.stats.FailedRuns++
		return
	}
	e.stats.TotalRuns++
	n := e.stats.TotalRuns
	e.stats.AverageLatency = time.Duration((int64(e.stats.AverageLatency)*(n-1) + int64(duration)) / n)
}

// Stats returns a copy of the execution statistics.
func (e *Engine) Stats() ExecutionStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := e.stats
	stats.KernelLaunches = make(map[uint8]int64, len(e.stats.KernelLaunches))
	for k, v := range e.stats.KernelLaunches {
		stats.KernelLaunches[k] = v
	}
	stats.KernelTasks = make(map[uint8]uint64, len(e.stats.KernelTasks))
	for k, v := range e.stats.KernelTasks {
		stats.KernelTasks[k] = v
	}
	return stats
}

// Close releases the block and stops the engine's own pool. Buffers returned
// by the engine must not be used afterwards. Closing twice is a no-op.
func (e *Engine) Close() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	err := FreeContiguous(e.block)
	e.block = nil
	clear(e.buffers)
	e.backing = nil
	if e.ownedPool != nil {
		if perr := e.ownedPool.Close(); err == nil {
			err = perr
		}
	}
	e.log.Debug("engine closed")
	return err
}
