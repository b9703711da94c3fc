// Package model defines the compiled program representation executed by the
// runtime.
//
// A Program is what the code generator hands over: the buffer table of the
// compiled function, the payloads of its constant buffers and the ordered list
// of kernel launches over those buffers.
//
// Key data structures:
//   - Program: buffer table, constants, launches and result buffer
//   - Launch: one kernel launch (opcode, task grid, argument buffers)
//   - Serialization to the binary "HRTP" format
//
// Programs are immutable once validated and may be shared between engines.
package model

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/sbl8/hostrt/core"
	"github.com/sbl8/hostrt/kernel"
)

const (
	// Magic identifies a serialized program ("HRTP" in little-endian order).
	Magic = 0x50545248
	// Version is the current program format version.
	Version = 1

	maxNameLen = 1<<16 - 1
	maxArgs    = 1<<16 - 1
)

var (
	// ErrInvalidProgram is wrapped by every Validate failure.
	ErrInvalidProgram = errors.New("invalid program")
	// ErrFormat is wrapped by every Deserialize failure.
	ErrFormat = errors.New("malformed program")
)

// Constant is the payload of one constant buffer.
type Constant struct {
	Buffer uint32
	Data   []byte
}

// Launch is one kernel launch over the program's buffers.
type Launch struct {
	Kernel uint8
	Dims   kernel.ThreadDim
	Args   []uint32 // buffer indices, in argument order
}

// Program is a compiled function ready to be executed.
type Program struct {
	Name      string
	Buffers   []core.BufferInfo
	Constants []Constant
	Launches  []Launch
	Result    uint32
}

// NumParams returns the number of entry parameters.
func (p *Program) NumParams() int {
	n := 0
	for _, b := range p.Buffers {
		if b.IsEntryParameter() {
			n++
		}
	}
	return n
}

// ParamBuffer returns the index of the buffer holding entry parameter param.
func (p *Program) ParamBuffer(param int64) (int, bool) {
	for i, b := range p.Buffers {
		if b.IsEntryParameter() && b.EntryParameterNumber() == param {
			return i, true
		}
	}
	return 0, false
}

// Validate checks that every index in the program is in range and that
// constants and parameters are consistent with the buffer table.
func (p *Program) Validate() error {
	if len(p.Buffers) == 0 {
		return errors.Wrap(ErrInvalidProgram, "program has no buffers")
	}
	if len(p.Launches) == 0 {
		return errors.Wrap(ErrInvalidProgram, "program has no launches")
	}
	if len(p.Name) > maxNameLen {
		return errors.Wrapf(ErrInvalidProgram, "name is %d bytes long", len(p.Name))
	}

	if int(p.Result) >= len(p.Buffers) {
		return errors.Wrapf(ErrInvalidProgram, "result buffer %d out of range", p.Result)
	}
	if r := p.Buffers[p.Result]; r.IsConstant() || r.IsOnStackBuffer() {
		return errors.Wrapf(ErrInvalidProgram, "result buffer %d is %s", p.Result, r.Kind())
	}

	params := make(map[int64]bool)
	for _, b := range p.Buffers {
		if !b.IsEntryParameter() {
			continue
		}
		n := b.EntryParameterNumber()
		if params[n] {
			return errors.Wrapf(ErrInvalidProgram, "entry parameter %d declared twice", n)
		}
		params[n] = true
	}
	for n := range params {
		if n < 0 || n >= int64(len(params)) {
			return errors.Wrapf(ErrInvalidProgram, "entry parameters are not numbered 0..%d", len(params)-1)
		}
	}

	seen := make(map[uint32]bool)
	for _, c := range p.Constants {
		if int(c.Buffer) >= len(p.Buffers) {
			return errors.Wrapf(ErrInvalidProgram, "constant for buffer %d out of range", c.Buffer)
		}
		b := p.Buffers[c.Buffer]
		if !b.IsConstant() {
			return errors.Wrapf(ErrInvalidProgram, "buffer %d holds a payload but is %s", c.Buffer, b.Kind())
		}
		if uint64(len(c.Data)) != b.Size() {
			return errors.Wrapf(ErrInvalidProgram, "constant %d has %d bytes, buffer is %d", c.Buffer, len(c.Data), b.Size())
		}
		if seen[c.Buffer] {
			return errors.Wrapf(ErrInvalidProgram, "constant %d given twice", c.Buffer)
		}
		seen[c.Buffer] = true
	}
	for i, b := range p.Buffers {
		if b.IsConstant() && b.Size() > 0 && !seen[uint32(i)] {
			return errors.Wrapf(ErrInvalidProgram, "constant buffer %d has no payload", i)
		}
	}

	for i, l := range p.Launches {
		n, ok := l.Dims.TaskCount()
		if !ok {
			return errors.Wrapf(ErrInvalidProgram, "launch %d grid %s has too many tasks", i, l.Dims)
		}
		if n == 0 {
			return errors.Wrapf(ErrInvalidProgram, "launch %d has an empty grid %s", i, l.Dims)
		}
		if len(l.Args) > maxArgs {
			return errors.Wrapf(ErrInvalidProgram, "launch %d has %d arguments", i, len(l.Args))
		}
		for _, a := range l.Args {
			if int(a) >= len(p.Buffers) {
				return errors.Wrapf(ErrInvalidProgram, "launch %d argument buffer %d out of range", i, a)
			}
		}
	}
	return nil
}

// writer accumulates the first write error.
type writer struct {
	buf bytes.Buffer
	err error
}

func (w *writer) put(v any) {
	if w.err == nil {
		w.err = binary.Write(&w.buf, binary.LittleEndian, v)
	}
}

func (w *writer) bytes(b []byte) {
	if w.err == nil {
		_, w.err = w.buf.Write(b)
	}
}

// Serialize encodes the program in the binary format. The program must be
// valid.
func (p *Program) Serialize() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	table, err := core.EncodeTable(p.Buffers)
	if err != nil {
		return nil, err
	}

	w := &writer{}
	w.put(uint32(Magic))
	w.put(uint16(Version))
	w.put(uint16(len(p.Name)))
	w.bytes([]byte(p.Name))

	w.put(uint32(len(table)))
	w.bytes(table)

	w.put(uint32(len(p.Constants)))
	for _, c := range p.Constants {
		w.put(c.Buffer)
		w.put(uint64(len(c.Data)))
		w.bytes(c.Data)
	}

	w.put(uint32(len(p.Launches)))
	for _, l := range p.Launches {
		w.put(l.Kernel)
		w.put(uint8(0))
		w.put(uint16(len(l.Args)))
		w.put([3]uint64{l.Dims.X, l.Dims.Y, l.Dims.Z})
		w.put(l.Args)
	}

	w.put(p.Result)
	if w.err != nil {
		return nil, errors.Wrap(w.err, "serializing program")
	}
	return w.buf.Bytes(), nil
}

// Deserialize decodes and validates a program.
func Deserialize(data []byte) (*Program, error) {
	r := bytes.NewReader(data)
	read := func(v any) error {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return errors.Wrapf(ErrFormat, "truncated at offset %d", len(data)-r.Len())
		}
		return nil
	}
	readBytes := func(n uint64) ([]byte, error) {
		if n > uint64(r.Len()) {
			return nil, errors.Wrapf(ErrFormat, "need %d bytes at offset %d, have %d", n, len(data)-r.Len(), r.Len())
		}
		b := make([]byte, n)
		_, _ = io.ReadFull(r, b)
		return b, nil
	}

	var header struct {
		Magic   uint32
		Version uint16
		NameLen uint16
	}
	if err := read(&header); err != nil {
		return nil, err
	}
	if header.Magic != Magic {
		return nil, errors.Wrapf(ErrFormat, "bad magic %#x", header.Magic)
	}
	if header.Version != Version {
		return nil, errors.Wrapf(ErrFormat, "unsupported version %d", header.Version)
	}
	name, err := readBytes(uint64(header.NameLen))
	if err != nil {
		return nil, err
	}
	p := &Program{Name: string(name)}

	var tableLen uint32
	if err := read(&tableLen); err != nil {
		return nil, err
	}
	table, err := readBytes(uint64(tableLen))
	if err != nil {
		return nil, err
	}
	if p.Buffers, err = core.DecodeTable(table); err != nil {
		return nil, errors.Wrap(err, "buffer table")
	}

	var numConstants uint32
	if err := read(&numConstants); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numConstants; i++ {
		var c Constant
		var size uint64
		if err := read(&c.Buffer); err != nil {
			return nil, err
		}
		if err := read(&size); err != nil {
			return nil, err
		}
		if c.Data, err = readBytes(size); err != nil {
			return nil, err
		}
		p.Constants = append(p.Constants, c)
	}

	var numLaunches uint32
	if err := read(&numLaunches); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numLaunches; i++ {
		var lh struct {
			Kernel uint8
			_      uint8
			NumArg uint16
			Dims   [3]uint64
		}
		if err := read(&lh); err != nil {
			return nil, err
		}
		l := Launch{Kernel: lh.Kernel, Dims: kernel.ThreadDim{X: lh.Dims[0], Y: lh.Dims[1], Z: lh.Dims[2]}}
		l.Args = make([]uint32, lh.NumArg)
		if err := read(l.Args); err != nil {
			return nil, err
		}
		p.Launches = append(p.Launches, l)
	}

	if err := read(&p.Result); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrFormat, "%d trailing bytes", r.Len())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads a program from path.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading program")
	}
	p, err := Deserialize(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return p, nil
}

// Save writes the program to path.
func (p *Program) Save(path string) error {
	data, err := p.Serialize()
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "writing program")
}
