//go:build darwin || (linux && (amd64 || arm64))

package kernels

import (
	"testing"

	"github.com/ebitengine/purego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/hostrt/kernel"
)

// negateEntry is a C-callable kernel writing -in[x] to out[x].
var negateEntry = purego.NewCallback(func(frame *kernel.CallFrame) uintptr {
	args := frame.Arguments()
	x := frame.Thread.X
	args[1].Float32s()[x] = -args[0].Float32s()[x]
	return 0
})

func TestRegisterNativeLaunch(t *testing.T) {
	lib := &fakeLibrary{symbols: map[string]*kernel.NativeFunction{
		"negate": kernel.NewNativeFunction("negate", negateEntry),
	}}
	c := Default().Clone()
	b, err := c.ParseBinding("relu=negate")
	require.NoError(t, err)
	require.NoError(t, c.RegisterNative(lib, b))

	k, ok := c.Lookup(OpReLU)
	require.True(t, ok)
	in := []float32{1, -2, 3}
	out := make([]float32, 3)
	err = k.LaunchBuffers(kernel.ThreadDim{X: 3, Y: 1, Z: 1}, []kernel.DeviceMemory{
		kernel.DeviceMemoryFromFloat32s(in),
		kernel.DeviceMemoryFromFloat32s(out),
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 2, -3}, out)
}
