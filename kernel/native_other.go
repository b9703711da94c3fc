//go:build !(darwin || linux)

package kernel

import "github.com/pkg/errors"

// OpenLibrary always fails on this platform.
func OpenLibrary(path string) (*Library, error) {
	return nil, errors.Wrapf(ErrNativeUnsupported, "loading kernel library %q", path)
}

// Lookup always fails on this platform.
func (l *Library) Lookup(symbol string) (*NativeFunction, error) {
	return nil, ErrNativeUnsupported
}

// NewNativeFunction returns a function whose calls fail on this platform.
func NewNativeFunction(symbol string, addr uintptr) *NativeFunction {
	return &NativeFunction{symbol: symbol}
}

// Close is a no-op on this platform.
func (l *Library) Close() error { return nil }

// Call implements Function.
func (f *NativeFunction) Call(frame *CallFrame) error {
	return ErrNativeUnsupported
}
