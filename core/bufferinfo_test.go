package core

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferInfoRoundTrip(t *testing.T) {
	t.Parallel()

	sizes := []uint64{0, 1, 63, 64, 1 << 40, MaxBufferSize}
	for _, size := range sizes {
		infos := []BufferInfo{
			MakeConstant(size),
			MakeTempBuffer(size),
			MakeEntryParameter(size, 0),
			MakeEntryParameter(size, 7),
			MakeOnStackBuffer(size),
		}
		for _, info := range infos {
			got := DecodeBufferInfo(info.Encode())
			assert.True(t, got.Equal(info), "%s", info)
			assert.Equal(t, info, got)
			assert.Equal(t, size, got.Size())
			assert.Equal(t, info.Kind(), got.Kind())
		}
	}
}

func TestBufferInfoEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		info         BufferInfo
		word1, word2 uint64
	}{
		{MakeConstant(10), 10 << 2, ^uint64(0)},
		{MakeTempBuffer(10), 10<<2 | 1, ^uint64(0)},
		{MakeEntryParameter(10, 3), 10<<2 | 2, 3},
		{MakeOnStackBuffer(10), 10<<2 | 3, ^uint64(0)},
		{MakeTempBuffer(0), 1, ^uint64(0)},
	}
	for _, tt := range tests {
		w1, w2 := tt.info.Encode()
		assert.Equal(t, tt.word1, w1, "%s", tt.info)
		assert.Equal(t, tt.word2, w2, "%s", tt.info)
	}
}

func TestBufferInfoKinds(t *testing.T) {
	t.Parallel()

	c, tmp, p, s := MakeConstant(4), MakeTempBuffer(4), MakeEntryParameter(4, 1), MakeOnStackBuffer(4)
	assert.True(t, c.IsConstant())
	assert.True(t, tmp.IsTempBuffer())
	assert.True(t, p.IsEntryParameter())
	assert.True(t, s.IsOnStackBuffer())
	assert.False(t, c.IsTempBuffer() || c.IsEntryParameter() || c.IsOnStackBuffer())

	assert.EqualValues(t, 1, p.EntryParameterNumber())
	assert.Panics(t, func() { c.EntryParameterNumber() })
	assert.Panics(t, func() { tmp.EntryParameterNumber() })

	assert.Equal(t, "entry_param[1](4 bytes)", p.String())
	assert.Equal(t, "temp(4 bytes)", tmp.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}

func TestBufferInfoEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, MakeTempBuffer(8).Equal(MakeTempBuffer(8)))
	assert.False(t, MakeTempBuffer(8).Equal(MakeTempBuffer(9)))
	assert.False(t, MakeTempBuffer(8).Equal(MakeConstant(8)))
	assert.True(t, MakeEntryParameter(8, 1).Equal(MakeEntryParameter(8, 1)))
	assert.False(t, MakeEntryParameter(8, 1).Equal(MakeEntryParameter(8, 2)))

	// The second word is ignored for non-parameters.
	a := DecodeBufferInfo(8<<2|1, 5)
	assert.True(t, a.Equal(MakeTempBuffer(8)))
}

func TestBufferInfoPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { MakeTempBuffer(MaxBufferSize + 1) })
	assert.Panics(t, func() { MakeEntryParameter(1, -1) })
	require.NotPanics(t, func() { MakeConstant(MaxBufferSize) })
}

func TestAlign(t *testing.T) {
	t.Parallel()

	tests := []struct{ size, want uint64 }{
		{0, 0}, {1, 64}, {63, 64}, {64, 64}, {65, 128}, {1000, 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AlignedSize(tt.size), "size %d", tt.size)
	}
	assert.Equal(t, uint64(4096), AlignPage(1))
	assert.Equal(t, uint64(16), AlignSize(3, MinAlign))

	assert.True(t, IsAligned(128))
	assert.False(t, IsAligned(16))
	assert.True(t, IsAlignedTo(48, 16))
	assert.False(t, IsAlignedTo(40, 16))
}

func TestAlignedBytes(t *testing.T) {
	t.Parallel()

	assert.Nil(t, AlignedBytes(0))
	for _, n := range []int{1, 17, 64, 1000} {
		b := AlignedBytes(n)
		require.Len(t, b, n)
		assert.Equal(t, n, cap(b))
		assert.True(t, IsAligned(uintptr(unsafe.Pointer(&b[0]))))
	}
}
