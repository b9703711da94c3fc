package main

import (
	"fmt"
	"io"
	"math/rand"
	goruntime "runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sbl8/hostrt/kernel"
	"github.com/sbl8/hostrt/kernels"
	"github.com/sbl8/hostrt/threadpool"
)

type benchFlags struct {
	size  int
	iter  int
	tasks uint64
}

func newBenchCmd(a *app) *cobra.Command {
	var f benchFlags
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure kernel launch and loop runner throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.size < 1 || f.iter < 1 || f.tasks < 1 {
				return errors.New("--size, --iter and --tasks must be positive")
			}
			return a.bench(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().IntVar(&f.size, "size", 1<<16, "elements per buffer")
	cmd.Flags().IntVar(&f.iter, "iter", 200, "iterations per measurement")
	cmd.Flags().Uint64Var(&f.tasks, "tasks", 64, "tasks per kernel launch")
	return cmd
}

func generateFloat32(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = rand.Float32()*200 - 100
	}
	return data
}

func (a *app) bench(w io.Writer, f benchFlags) error {
	workers := a.cfg.NumWorkers()
	pool := threadpool.New(workers)
	defer pool.Close()

	fmt.Fprintf(w, "Go %s %s/%s, %d CPUs, %d workers, timeslice %s\n",
		goruntime.Version(), goruntime.GOOS, goruntime.GOARCH, goruntime.NumCPU(), workers, a.cfg.Timeslice())
	fmt.Fprintf(w, "%d elements, %d iterations, %d tasks per launch\n\n", f.size, f.iter, f.tasks)

	in, out := generateFloat32(f.size), make([]float32, f.size)
	buffers := []kernel.DeviceMemory{kernel.DeviceMemoryFromFloat32s(in), kernel.DeviceMemoryFromFloat32s(out)}
	dims := kernel.ThreadDim{X: f.tasks, Y: 1, Z: 1}
	throughput := func(d time.Duration) float64 { return float64(f.size*f.iter) / d.Seconds() / 1e6 }

	rule(w, "kernel launches")
	for _, op := range []uint8{kernels.OpReLU, kernels.OpSigmoid, kernels.OpTanh, kernels.OpSqrPlusX} {
		k, ok := kernels.Default().Lookup(op)
		if !ok {
			return errors.Errorf("opcode %#x not registered", op)
		}
		name := kernels.Default().Name(op)

		start := time.Now()
		for i := 0; i < f.iter; i++ {
			if err := k.LaunchBuffers(dims, buffers); err != nil {
				return err
			}
		}
		inline := time.Since(start)

		start = time.Now()
		for i := 0; i < f.iter; i++ {
			if err := k.LaunchBuffersParallel(dims, buffers, pool).Wait(); err != nil {
				return err
			}
		}
		parallel := time.Since(start)

		fmt.Fprintf(w, "%-12s inline %12s (%8.2f Mops/s)  parallel %12s (%8.2f Mops/s)\n",
			name, inline, throughput(inline), parallel, throughput(parallel))
	}

	fmt.Fprintln(w)
	rule(w, "loop runner")
	runner := threadpool.NewLoopRunner(pool, a.cfg.Timeslice())
	tile := uint64(max(f.size/int(f.tasks), 1))
	start := time.Now()
	for i := 0; i < f.iter; i++ {
		kernels.ParallelMap(runner, out, in, tile, func(x float32) float32 { return x * 0.5 })
		if err := runner.DoneEvent().Wait(); err != nil {
			return err
		}
	}
	mapped := time.Since(start)
	fmt.Fprintf(w, "%-12s %12s (%8.2f Mops/s, tile %d)\n", "map", mapped, throughput(mapped), tile)

	n := 64
	a64, b64, c64 := generateFloat32(n*n), generateFloat32(n*n), make([]float32, n*n)
	start = time.Now()
	for i := 0; i < f.iter; i++ {
		runner.Parallelize1DTile1D(uint64(n), 8, func(offset, extent uint64) {
			kernels.MatMulRows(c64, a64, b64, n, n, int(offset), int(offset+extent))
		})
		if err := runner.DoneEvent().Wait(); err != nil {
			return err
		}
	}
	matmul := time.Since(start)
	flops := float64(2*n*n*n*f.iter) / matmul.Seconds() / 1e9
	fmt.Fprintf(w, "%-12s %12s (%8.2f GFLOPS, %dx%d)\n", "matmul", matmul, flops, n, n)

	a.logger.Debug("bench complete", "workers", workers)
	return nil
}
