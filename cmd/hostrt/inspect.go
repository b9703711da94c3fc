package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbl8/hostrt/core"
	"github.com/sbl8/hostrt/kernels"
	"github.com/sbl8/hostrt/model"
	"github.com/sbl8/hostrt/runtime"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <program>",
		Short: "Print the buffer table, memory plan and launches of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.Load(args[0])
			if err != nil {
				return err
			}
			return printProgram(cmd.OutOrStdout(), p, a.cfg.AllocateEntryParams)
		},
	}
}

func printProgram(w io.Writer, p *model.Program, allocateEntryParams bool) error {
	layout := core.AnalyzeTable(p.Buffers)
	fmt.Fprintf(w, "program %q: %d buffers, %d params, %d launches, result buffer %d\n",
		p.Name, layout.Entries, p.NumParams(), len(p.Launches), p.Result)
	fmt.Fprintf(w, "kinds: %d constant, %d temp, %d entry parameter, %d on-stack\n",
		layout.Constants, layout.Temps, layout.EntryParams, layout.OnStack)
	fmt.Fprintf(w, "block: %d bytes (temps %d, params %d, padding %d, params allocated: %t)\n\n",
		runtime.AlignedBufferBytes(p.Buffers, allocateEntryParams),
		layout.TempBytes, layout.EntryParamBytes, layout.Padding, allocateEntryParams)

	rule(w, "buffers")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tKIND\tSIZE\tALIGNED\tPARAM\tWORDS")
	for i, b := range p.Buffers {
		w1, w2 := b.Encode()
		param := "-"
		if b.IsEntryParameter() {
			param = fmt.Sprint(b.EntryParameterNumber())
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%#x %#x\n", i, b.Kind(), b.Size(), core.AlignedSize(b.Size()), param, w1, w2)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	rule(w, "launches")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tKERNEL\tGRID\tTASKS\tARGS")
	catalog := kernels.Default()
	for i, l := range p.Launches {
		name := catalog.Name(l.Kernel)
		if name == "" {
			name = fmt.Sprintf("%#x", l.Kernel)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%v\n", i, name, l.Dims, l.Dims.NumTasks(), l.Args)
	}
	return tw.Flush()
}
