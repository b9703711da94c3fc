// Package hostrt is a host-side runtime for compiled numeric programs.
//
// A compiled program describes its memory as a table of buffers (constants,
// temporaries, entry parameters and on-stack buffers) and its work as an
// ordered list of kernel launches over a 3-D task grid. The runtime turns the
// table into one contiguous, cache-line aligned block and runs each launch
// either inline or spread over a worker pool, reporting completion through an
// event.
//
// # Architecture Overview
//
//   - core: BufferInfo, its two-word encoding and buffer table serialization
//   - runtime: contiguous buffer allocation and the Engine that runs programs
//   - kernel: host kernel calling convention, sync and parallel launches
//   - threadpool: worker pool, work partitioner and tiled loop runner
//   - async: completion events and countdowns
//   - kernels: reference host kernels and the opcode catalog
//   - model: the binary program format
//   - compiler: assembler for the textual program format
//   - catalog: fingerprinted program store
//   - config: YAML configuration
//   - cmd/hostrt: command line tool
//
// # Basic Usage
//
//	hostrt example add_relu.hrtp
//	hostrt inspect add_relu.hrtp
//	hostrt run add_relu.hrtp --param 0=input.bin
//
// From Go:
//
//	p, err := model.Load("add_relu.hrtp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	e, err := runtime.NewEngine(p, kernels.Default(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close()
//
//	if err := e.SetArgData(0, input); err != nil {
//	    log.Fatal(err)
//	}
//	if err := e.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	out := e.ResultData()
package hostrt
