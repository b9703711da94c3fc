package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sbl8/hostrt/core"
	"github.com/sbl8/hostrt/kernel"
	"github.com/sbl8/hostrt/kernels"
	"github.com/sbl8/hostrt/model"
	"github.com/sbl8/hostrt/runtime"
)

type runFlags struct {
	params  []string
	out     string
	repeat  int
	limit   int
	catalog bool
	library string
	kernels []string
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Execute a program and print its result",
		Long: "Execute a program file, or with --catalog a program stored in the catalog.\n" +
			"Each --param i=file loads entry parameter i from the raw bytes of file.\n" +
			"Each --kernel op=symbol[/arity] replaces kernel op with symbol from --library.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadProgram(args[0], f.catalog)
			if err != nil {
				return err
			}
			return a.runProgram(cmd, p, f)
		},
	}
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "entry parameter as index=file (repeatable)")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "write the raw result bytes to this file")
	cmd.Flags().IntVar(&f.repeat, "repeat", 1, "number of runs")
	cmd.Flags().IntVar(&f.limit, "limit", 16, "number of result values to print")
	cmd.Flags().BoolVar(&f.catalog, "catalog", false, "load the program by name from the catalog")
	cmd.Flags().StringVar(&f.library, "library", "", "shared object holding native kernels")
	cmd.Flags().StringArrayVarP(&f.kernels, "kernel", "k", nil, "native kernel as op=symbol[/arity] (repeatable, needs --library)")
	return cmd
}

func (a *app) loadProgram(ref string, fromCatalog bool) (*model.Program, error) {
	if !fromCatalog {
		return model.Load(ref)
	}
	c, err := a.openCatalog()
	if err != nil {
		return nil, err
	}
	defer c.Close()
	p, fp, err := c.Get(ref)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("program loaded from catalog", "program", ref, "fingerprint", fp.Short())
	return p, nil
}

// resolver returns the kernel catalog for a run: the reference kernels with
// any native bindings layered on top. The returned close function unloads
// the library once the engine is done with it.
func (a *app) resolver(f runFlags) (*kernels.Catalog, func(), error) {
	if f.library == "" {
		if len(f.kernels) > 0 {
			return nil, nil, errors.Wrap(kernels.ErrBinding, "--kernel needs --library")
		}
		return kernels.Default(), func() {}, nil
	}

	c := kernels.Default().Clone()
	bindings := make([]kernels.Binding, 0, len(f.kernels))
	for _, s := range f.kernels {
		b, err := c.ParseBinding(s)
		if err != nil {
			return nil, nil, err
		}
		bindings = append(bindings, b)
	}

	lib, err := kernel.OpenLibrary(f.library)
	if err != nil {
		return nil, nil, err
	}
	closeLib := func() {
		if err := lib.Close(); err != nil {
			a.logger.Warn("unloading kernel library", "library", lib.Path(), "error", err)
		}
	}
	for _, b := range bindings {
		if err := c.RegisterNative(lib, b); err != nil {
			closeLib()
			return nil, nil, err
		}
		a.logger.Debug("native kernel bound", "op", b.Op, "symbol", b.Symbol, "library", lib.Path())
	}
	return c, closeLib, nil
}

// parseParam splits "index=path".
func parseParam(s string) (int64, string, error) {
	idx, path, ok := strings.Cut(s, "=")
	if !ok || path == "" {
		return 0, "", errors.Errorf("parameter %q is not index=file", s)
	}
	n, err := strconv.ParseInt(idx, 10, 64)
	if err != nil || n < 0 {
		return 0, "", errors.Errorf("parameter %q has a bad index", s)
	}
	return n, path, nil
}

func (a *app) runProgram(cmd *cobra.Command, p *model.Program, f runFlags) error {
	if f.repeat < 1 {
		return errors.Errorf("--repeat must be at least 1, got %d", f.repeat)
	}
	opts, err := a.cfg.EngineOptions(a.logger)
	if err != nil {
		return err
	}
	resolver, closeLib, err := a.resolver(f)
	if err != nil {
		return err
	}
	defer closeLib()

	e, err := runtime.NewEngine(p, resolver, &opts)
	if err != nil {
		return err
	}
	defer e.Close()

	for _, s := range f.params {
		param, path, err := parseParam(s)
		if err != nil {
			return err
		}
		i, ok := p.ParamBuffer(param)
		if !ok {
			return errors.Wrapf(runtime.ErrUnknownParam, "parameter %d", param)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "parameter %d", param)
		}
		size := p.Buffers[i].Size()
		if uint64(len(raw)) < size {
			return errors.Wrapf(runtime.ErrShortBuffer, "parameter %d needs %d bytes, %s has %d", param, size, path, len(raw))
		}
		data := core.AlignedBytes(int(size))
		copy(data, raw)
		if err := e.SetArgData(param, data); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	for i := 0; i < f.repeat; i++ {
		if err := e.Run(ctx); err != nil {
			return err
		}
	}

	result := e.ResultData()
	if f.out != "" {
		if err := os.WriteFile(f.out, result, 0o644); err != nil {
			return errors.Wrap(err, "writing result")
		}
	}

	w := cmd.OutOrStdout()
	printFloats(w, result, f.limit)
	stats := e.Stats()
	fmt.Fprintf(w, "runs: %d, average latency: %s, block: %d bytes (%s)\n",
		stats.TotalRuns, stats.AverageLatency, stats.BlockBytes, stats.BlockSourceName)
	return nil
}

// printFloats prints up to limit little-endian float32 values from b.
func printFloats(w io.Writer, b []byte, limit int) {
	n := len(b) / 4
	fmt.Fprintf(w, "result: %d bytes", len(b))
	if len(b)%4 != 0 {
		fmt.Fprintln(w)
		return
	}
	fmt.Fprint(w, " [")
	for i := 0; i < n && i < limit; i++ {
		if i > 0 {
			fmt.Fprint(w, " ")
		}
		fmt.Fprint(w, math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	}
	if n > limit {
		fmt.Fprintf(w, " ... %d more", n-limit)
	}
	fmt.Fprintln(w, "]")
}
