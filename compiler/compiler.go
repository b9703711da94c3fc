// Package compiler assembles the textual program format (.hrts) into the binary
// program format read by the runtime.
//
// The source is line oriented. Blank lines and lines starting with '#' are
// ignored. Directives:
//
//	name <program name>
//	buffer constant|temp|param|stack <size> [param number]
//	const <buffer> <hex bytes>
//	fill <buffer> f32 <value>
//	launch <kernel> <x> <y> <z> [buffer ...]
//	result <buffer>
//	iterate <var> <start> <end> {
//	    ... directives, <var> is replaced by each value in [start, end]
//	}
//
// Kernels are named as in the reference kernel catalog or given as opcodes.
package compiler

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sbl8/hostrt/core"
	"github.com/sbl8/hostrt/kernel"
	"github.com/sbl8/hostrt/kernels"
	"github.com/sbl8/hostrt/model"
)

// ErrSyntax is wrapped by every parse error.
var ErrSyntax = errors.New("syntax error")

// Compile assembles the source file src into the program file out.
func Compile(src, out string) error {
	p, err := CompileFile(src)
	if err != nil {
		return err
	}
	return p.Save(out)
}

// CompileFile reads and assembles src.
func CompileFile(src string) (*model.Program, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, errors.Wrap(err, "reading source")
	}
	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, src)
	}
	return p, nil
}

// Parse assembles source text into a validated program.
func Parse(src []byte) (*model.Program, error) {
	lines := strings.Split(string(src), "\n")
	p := &parser{prog: &model.Program{}, names: kernels.Default()}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		next, err := p.parseLine(lines, i)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
		i = next
	}

	if !p.haveResult {
		return nil, errors.Wrap(ErrSyntax, "no result directive")
	}
	if err := p.prog.Validate(); err != nil {
		return nil, err
	}
	return p.prog, nil
}

type parser struct {
	prog       *model.Program
	names      *kernels.Catalog
	haveResult bool
}

func syntaxf(format string, args ...any) error {
	return errors.Wrapf(ErrSyntax, format, args...)
}

// parseLine handles the directive at lines[idx] and returns the index of the
// last line it consumed.
func (p *parser) parseLine(lines []string, idx int) (int, error) {
	fields := strings.Fields(lines[idx])
	if fields[0] == "iterate" {
		return p.parseIterateBlock(lines, idx, fields)
	}
	return idx, p.processSimpleLine(fields)
}

func (p *parser) parseIterateBlock(lines []string, idx int, fields []string) (int, error) {
	if len(fields) < 4 {
		return idx, syntaxf("iterate needs a variable and a range")
	}
	varName := fields[1]
	start, err := strconv.Atoi(fields[2])
	if err != nil {
		return idx, syntaxf("iterate start %q", fields[2])
	}
	end, err := strconv.Atoi(fields[3])
	if err != nil {
		return idx, syntaxf("iterate end %q", fields[3])
	}

	blockStart := idx
	if fields[len(fields)-1] != "{" {
		blockStart++
		for blockStart < len(lines) && strings.TrimSpace(lines[blockStart]) == "" {
			blockStart++
		}
		if blockStart >= len(lines) || strings.TrimSpace(lines[blockStart]) != "{" {
			return idx, syntaxf("missing '{' after iterate")
		}
	}

	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, err
	}
	for v := start; v <= end; v++ {
		for _, line := range block {
			if err := p.processSimpleLine(expandVariable(line, varName, v)); err != nil {
				return idx, errors.Wrapf(err, "iterate %s=%d", varName, v)
			}
		}
	}
	return blockEnd, nil
}

// collectBlockLines gathers the lines up to the closing brace.
func collectBlockLines(lines []string, startIdx int) ([]string, int, error) {
	var block []string
	for i := startIdx + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "}" {
			return block, i, nil
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			block = append(block, line)
		}
	}
	return nil, len(lines), syntaxf("unterminated iterate block")
}

func expandVariable(line, varName string, value int) []string {
	fields := strings.Fields(line)
	for i, field := range fields {
		if field == varName {
			fields[i] = strconv.Itoa(value)
		}
	}
	return fields
}

func (p *parser) processSimpleLine(fields []string) error {
	switch fields[0] {
	case "name":
		if len(fields) != 2 {
			return syntaxf("name takes one word")
		}
		p.prog.Name = fields[1]
		return nil
	case "buffer":
		return p.parseBuffer(fields)
	case "const":
		return p.parseConst(fields)
	case "fill":
		return p.parseFill(fields)
	case "launch":
		return p.parseLaunch(fields)
	case "result":
		if len(fields) != 2 {
			return syntaxf("result takes one buffer")
		}
		b, err := p.bufferIndex(fields[1])
		if err != nil {
			return err
		}
		p.prog.Result = b
		p.haveResult = true
		return nil
	default:
		return syntaxf("unknown directive %q", fields[0])
	}
}

func (p *parser) parseBuffer(fields []string) error {
	if len(fields) < 3 {
		return syntaxf("buffer needs a kind and a size")
	}
	size, err := strconv.ParseUint(fields[2], 0, 64)
	if err != nil || size > core.MaxBufferSize {
		return syntaxf("buffer size %q", fields[2])
	}

	var info core.BufferInfo
	switch fields[1] {
	case "constant":
		info = core.MakeConstant(size)
	case "temp":
		info = core.MakeTempBuffer(size)
	case "stack":
		info = core.MakeOnStackBuffer(size)
	case "param":
		if len(fields) != 4 {
			return syntaxf("param buffer needs a parameter number")
		}
		n, err := strconv.ParseInt(fields[3], 0, 64)
		if err != nil || n < 0 {
			return syntaxf("parameter number %q", fields[3])
		}
		info = core.MakeEntryParameter(size, n)
	default:
		return syntaxf("unknown buffer kind %q", fields[1])
	}
	if info.Kind() != core.KindEntryParameter && len(fields) != 3 {
		return syntaxf("%s buffer takes only a size", fields[1])
	}
	p.prog.Buffers = append(p.prog.Buffers, info)
	return nil
}

func (p *parser) bufferIndex(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, syntaxf("buffer index %q", s)
	}
	if int(n) >= len(p.prog.Buffers) {
		return 0, syntaxf("buffer %d is not declared yet", n)
	}
	return uint32(n), nil
}

func (p *parser) parseConst(fields []string) error {
	if len(fields) != 3 {
		return syntaxf("const takes a buffer and hex data")
	}
	b, err := p.bufferIndex(fields[1])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(fields[2])
	if err != nil {
		return syntaxf("const data is not hex: %v", err)
	}
	p.prog.Constants = append(p.prog.Constants, model.Constant{Buffer: b, Data: data})
	return nil
}

// parseFill sets every float32 of a constant buffer to one value.
func (p *parser) parseFill(fields []string) error {
	if len(fields) != 4 || fields[2] != "f32" {
		return syntaxf("fill takes a buffer, f32 and a value")
	}
	b, err := p.bufferIndex(fields[1])
	if err != nil {
		return err
	}
	v, err := strconv.ParseFloat(fields[3], 32)
	if err != nil {
		return syntaxf("fill value %q", fields[3])
	}
	size := p.prog.Buffers[b].Size()
	if size%4 != 0 {
		return syntaxf("buffer %d of %d bytes does not hold whole float32s", b, size)
	}
	data := make([]byte, size)
	bits := math.Float32bits(float32(v))
	for off := uint64(0); off < size; off += 4 {
		binary.LittleEndian.PutUint32(data[off:], bits)
	}
	p.prog.Constants = append(p.prog.Constants, model.Constant{Buffer: b, Data: data})
	return nil
}

func (p *parser) kernelOpcode(s string) (uint8, error) {
	op, ok := p.names.Opcode(s)
	if !ok {
		return 0, syntaxf("unknown kernel %q", s)
	}
	return op, nil
}

func (p *parser) parseLaunch(fields []string) error {
	if len(fields) < 5 {
		return syntaxf("launch needs a kernel and three grid extents")
	}
	op, err := p.kernelOpcode(fields[1])
	if err != nil {
		return err
	}
	var dims [3]uint64
	for i := range dims {
		if dims[i], err = strconv.ParseUint(fields[2+i], 0, 64); err != nil || dims[i] == 0 {
			return syntaxf("grid extent %q", fields[2+i])
		}
	}
	l := model.Launch{Kernel: op, Dims: kernel.ThreadDim{X: dims[0], Y: dims[1], Z: dims[2]}}
	for _, f := range fields[5:] {
		b, err := p.bufferIndex(f)
		if err != nil {
			return err
		}
		l.Args = append(l.Args, b)
	}
	p.prog.Launches = append(p.prog.Launches, l)
	return nil
}
