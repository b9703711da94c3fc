package core

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
)

// Kind is the role of a buffer used by a compiled function. The numeric values
// are part of the persisted encoding and must never change.
type Kind uint8

const (
	// KindConstant buffers are baked into the compiled artifact and never
	// allocated by the runtime.
	KindConstant Kind = iota
	// KindTempBuffer buffers are scratch space, always allocated by the runtime.
	KindTempBuffer
	// KindEntryParameter buffers hold one of the computation's inputs. They are
	// allocated by the runtime only when asked to.
	KindEntryParameter
	// KindOnStackBuffer buffers live in caller-local storage or registers.
	KindOnStackBuffer
)

const (
	kindBits = 2
	kindMask = 1<<kindBits - 1

	// MaxBufferSize is the largest size representable in the packed encoding.
	MaxBufferSize = 1<<(64-kindBits) - 1

	noParameter = -1
)

func (k Kind) String() string {
	switch k {
	case KindConstant:
		return "constant"
	case KindTempBuffer:
		return "temp"
	case KindEntryParameter:
		return "entry_param"
	case KindOnStackBuffer:
		return "on_stack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// BufferInfo describes one buffer used by a compiled function: inputs, outputs
// and temporary scratch space. Values are produced once by the code generator
// and never mutated.
//
// The first field holds the size and kind packed exactly as in the first word
// of the encoding, so encoding and decoding are plain copies.
type BufferInfo struct {
	packed      uint64 // size<<2 | kind
	paramNumber int64  // -1 unless kind is KindEntryParameter
}

// BufferInfo must be exactly two words so nothing but the encoding leaks into
// persisted tables.
var (
	_ [unsafe.Sizeof(BufferInfo{}) - 16]struct{}
	_ [16 - unsafe.Sizeof(BufferInfo{})]struct{}
)

func newBufferInfo(kind Kind, size uint64, paramNumber int64) BufferInfo {
	if size > MaxBufferSize {
		exceptions.Panicf("buffer size %d does not fit in %d bits", size, 64-kindBits)
	}
	return BufferInfo{packed: size<<kindBits | uint64(kind), paramNumber: paramNumber}
}

// MakeConstant returns a BufferInfo for a constant of size bytes.
func MakeConstant(size uint64) BufferInfo {
	return newBufferInfo(KindConstant, size, noParameter)
}

// MakeTempBuffer returns a BufferInfo for scratch space of size bytes.
func MakeTempBuffer(size uint64) BufferInfo {
	return newBufferInfo(KindTempBuffer, size, noParameter)
}

// MakeEntryParameter returns a BufferInfo for entry parameter paramNumber.
func MakeEntryParameter(size uint64, paramNumber int64) BufferInfo {
	if paramNumber < 0 {
		exceptions.Panicf("entry parameter number must be non-negative, got %d", paramNumber)
	}
	return newBufferInfo(KindEntryParameter, size, paramNumber)
}

// MakeOnStackBuffer returns a BufferInfo for a stack-resident buffer.
func MakeOnStackBuffer(size uint64) BufferInfo {
	return newBufferInfo(KindOnStackBuffer, size, noParameter)
}

// Kind returns the buffer's role.
func (b BufferInfo) Kind() Kind { return Kind(b.packed & kindMask) }

// Size returns the buffer size in bytes.
func (b BufferInfo) Size() uint64 { return b.packed >> kindBits }

// IsConstant reports whether the buffer stores a constant.
func (b BufferInfo) IsConstant() bool { return b.Kind() == KindConstant }

// IsTempBuffer reports whether the buffer is scratch space.
func (b BufferInfo) IsTempBuffer() bool { return b.Kind() == KindTempBuffer }

// IsEntryParameter reports whether the buffer stores an entry parameter.
func (b BufferInfo) IsEntryParameter() bool { return b.Kind() == KindEntryParameter }

// IsOnStackBuffer reports whether the buffer lives on the stack or in registers.
func (b BufferInfo) IsOnStackBuffer() bool { return b.Kind() == KindOnStackBuffer }

// EntryParameterNumber returns the parameter index of an entry parameter.
// Calling it on any other kind of buffer is a code generation bug and panics.
func (b BufferInfo) EntryParameterNumber() int64 {
	if !b.IsEntryParameter() {
		exceptions.Panicf("EntryParameterNumber called on %s buffer", b.Kind())
	}
	return b.paramNumber
}

// Encode returns the two-word wire form: (size<<2 | kind, parameter number).
func (b BufferInfo) Encode() (uint64, uint64) {
	return b.packed, uint64(b.paramNumber)
}

// DecodeBufferInfo is the inverse of BufferInfo.Encode.
func DecodeBufferInfo(word1, word2 uint64) BufferInfo {
	return BufferInfo{packed: word1, paramNumber: int64(word2)}
}

// Equal compares kind and size, and the parameter number only for entry
// parameters: two non-parameter buffers of equal kind and size are
// interchangeable for allocation.
func (b BufferInfo) Equal(other BufferInfo) bool {
	if b.packed != other.packed {
		return false
	}
	return !b.IsEntryParameter() || b.paramNumber == other.paramNumber
}

// String implements fmt.Stringer.
func (b BufferInfo) String() string {
	if b.IsEntryParameter() {
		return fmt.Sprintf("%s[%d](%d bytes)", b.Kind(), b.paramNumber, b.Size())
	}
	return fmt.Sprintf("%s(%d bytes)", b.Kind(), b.Size())
}
