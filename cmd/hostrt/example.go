package main

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sbl8/hostrt/core"
	"github.com/sbl8/hostrt/kernel"
	"github.com/sbl8/hostrt/kernels"
	"github.com/sbl8/hostrt/model"
)

func newExampleCmd(a *app) *cobra.Command {
	var n uint64
	cmd := &cobra.Command{
		Use:   "example <output>",
		Short: "Write a sample program computing relu(x - 3) over n floats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := exampleProgram(n)
			if err != nil {
				return err
			}
			if err := p.Save(args[0]); err != nil {
				return err
			}
			a.logger.Info("example written", "path", args[0], "elements", n)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Uint64VarP(&n, "elements", "n", 1024, "number of float32 elements")
	return cmd
}

// exampleProgram adds a constant -3 to parameter 0 and applies relu.
func exampleProgram(n uint64) (*model.Program, error) {
	if n == 0 || n%4 != 0 {
		return nil, errors.Errorf("elements must be a positive multiple of 4, got %d", n)
	}
	size := n * 4
	c := make([]byte, size)
	for i := uint64(0); i < n; i++ {
		binary.LittleEndian.PutUint32(c[i*4:], math.Float32bits(-3))
	}
	return &model.Program{
		Name: "add_relu",
		Buffers: []core.BufferInfo{
			core.MakeEntryParameter(size, 0),
			core.MakeConstant(size),
			core.MakeTempBuffer(size),
			core.MakeTempBuffer(size),
		},
		Constants: []model.Constant{{Buffer: 1, Data: c}},
		Launches: []model.Launch{
			{Kernel: kernels.OpAdd, Dims: kernel.ThreadDim{X: 4, Y: 1, Z: 1}, Args: []uint32{0, 1, 2}},
			{Kernel: kernels.OpReLU, Dims: kernel.ThreadDim{X: 2, Y: 2, Z: 1}, Args: []uint32{2, 3}},
		},
		Result: 3,
	}, nil
}
