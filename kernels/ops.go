// Package kernels provides reference host kernels for the runtime.
//
// Every kernel follows the host calling convention of package kernel: it is
// called once per task grid coordinate and processes the slice of its output
// owned by that coordinate. Tasks never write overlapping ranges, so any grid
// shape gives the same result.
//
// Available operations:
//   - Elementwise: square-plus-x, ReLU, sigmoid, tanh (args: in, out)
//   - Binary: add, multiply (args: a, b, out)
//   - Row softmax (args: in, out; one grid point per row group)
//   - Matrix multiplication (args: a, b, out, dims as three uint32 m, k, n)
//
// All data is float32.
package kernels

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/sbl8/hostrt/kernel"
)

// Kernel operation codes.
const (
	OpNoop     = 0x00
	OpSqrPlusX = 0x01
	OpMatMul   = 0x02
	OpReLU     = 0x03
	OpSigmoid  = 0x04
	OpTanh     = 0x05
	OpAdd      = 0x06
	OpMul      = 0x07
	OpSoftmax  = 0x0A
)

// ErrShape is returned when argument sizes do not fit the operation.
var ErrShape = errors.New("kernels: argument shape mismatch")

// span returns the range of [0, n) owned by the frame's coordinate.
func span(frame *kernel.CallFrame, n int) (int, int) {
	dims := *frame.ThreadDims
	th := *frame.Thread
	tasks := dims.NumTasks()
	idx := th.Z*dims.X*dims.Y + th.Y*dims.X + th.X
	lo := uint64(n) * idx / tasks
	hi := uint64(n) * (idx + 1) / tasks
	return int(lo), int(hi)
}

func noop(*kernel.CallFrame) error { return nil }

func unary(fn func(float32) float32) kernel.FunctionFunc {
	return func(frame *kernel.CallFrame) error {
		args := frame.Arguments()
		in, out := args[0].Float32s(), args[1].Float32s()
		if len(out) < len(in) {
			return errors.Wrapf(ErrShape, "output holds %d elements, input %d", len(out), len(in))
		}
		lo, hi := span(frame, len(in))
		Map(out[lo:hi], in[lo:hi], fn)
		return nil
	}
}

func binaryOp(fn func(dst, a, b []float32)) kernel.FunctionFunc {
	return func(frame *kernel.CallFrame) error {
		args := frame.Arguments()
		a, b, out := args[0].Float32s(), args[1].Float32s(), args[2].Float32s()
		if len(a) != len(b) || len(out) < len(a) {
			return errors.Wrapf(ErrShape, "operands hold %d and %d elements, output %d", len(a), len(b), len(out))
		}
		lo, hi := span(frame, len(a))
		fn(out[lo:hi], a[lo:hi], b[lo:hi])
		return nil
	}
}

func sqrPlusX(x float32) float32 { return x*x + x }

func relu(x float32) float32 { return max(x, 0) }

// sigmoid is the fast approximation x / (1 + |x|).
func sigmoid(x float32) float32 {
	if x >= 0 {
		return x / (1 + x)
	}
	return x / (1 - x)
}

// tanh is a rational approximation.
func tanh(x float32) float32 {
	x2 := x * x
	return x * (27 + x2) / (27 + 9*x2)
}

// softmax normalizes each row of the input. The number of rows is the number
// of grid points; each grid point handles one row.
func softmax(frame *kernel.CallFrame) error {
	args := frame.Arguments()
	in, out := args[0].Float32s(), args[1].Float32s()
	rows := int(frame.ThreadDims.NumTasks())
	if len(in)%rows != 0 || len(out) < len(in) {
		return errors.Wrapf(ErrShape, "%d elements do not split into %d rows", len(in), rows)
	}
	width := len(in) / rows
	lo, _ := span(frame, rows)
	src, dst := in[lo*width:(lo+1)*width], out[lo*width:(lo+1)*width]
	if width == 0 {
		return nil
	}

	maxVal := float32(math.Inf(-1))
	for _, v := range src {
		maxVal = max(maxVal, v)
	}
	var sum float32
	for i, v := range src {
		e := float32(math.Exp(float64(v - maxVal)))
		dst[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range dst {
		dst[i] *= inv
	}
	return nil
}

// matMul multiplies a (m x k) by b (k x n). The fourth argument holds m, k and
// n as little-endian uint32. Rows of the output are split across the grid.
func matMul(frame *kernel.CallFrame) error {
	args := frame.Arguments()
	dims := args[3].Bytes()
	if len(dims) < 12 {
		return errors.Wrap(ErrShape, "matmul dims need 12 bytes")
	}
	m := int(binary.LittleEndian.Uint32(dims[0:]))
	k := int(binary.LittleEndian.Uint32(dims[4:]))
	n := int(binary.LittleEndian.Uint32(dims[8:]))

	a, b, out := args[0].Float32s(), args[1].Float32s(), args[2].Float32s()
	if len(a) < m*k || len(b) < k*n || len(out) < m*n {
		return errors.Wrapf(ErrShape, "matmul %dx%d by %dx%d", m, k, k, n)
	}
	lo, hi := span(frame, m)
	MatMulRows(out, a, b, k, n, lo, hi)
	return nil
}

// MatMulDims encodes matrix dimensions for the matmul kernel's fourth argument.
func MatMulDims(m, k, n uint32) []byte {
	b := make([]byte, 0, 12)
	b = binary.LittleEndian.AppendUint32(b, m)
	b = binary.LittleEndian.AppendUint32(b, k)
	return binary.LittleEndian.AppendUint32(b, n)
}
