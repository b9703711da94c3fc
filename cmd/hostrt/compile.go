package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sbl8/hostrt/compiler"
)

func newCompileCmd(a *app) *cobra.Command {
	var inspect bool
	cmd := &cobra.Command{
		Use:   "compile <src.hrts> <out.hrtp>",
		Short: "Assemble a textual program into the binary program format",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compiler.CompileFile(args[0])
			if err != nil {
				return err
			}
			if err := p.Save(args[1]); err != nil {
				return err
			}
			a.logger.Info("program compiled", "src", args[0], "out", args[1], "launches", len(p.Launches))
			if inspect {
				return printProgram(cmd.OutOrStdout(), p, a.cfg.AllocateEntryParams)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s -> %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&inspect, "inspect", false, "print the compiled program")
	return cmd
}
