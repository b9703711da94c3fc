//go:build darwin || linux

package kernel

import (
	"runtime"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// OpenLibrary loads the shared object at path.
func OpenLibrary(path string) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, errors.Wrapf(err, "loading kernel library %q", path)
	}
	return &Library{path: path, handle: handle}, nil
}

// Lookup resolves a kernel entry point by symbol name.
func (l *Library) Lookup(symbol string) (*NativeFunction, error) {
	if l.handle == 0 {
		return nil, errors.Errorf("kernel library %q is closed", l.path)
	}
	sym, err := purego.Dlsym(l.handle, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %q in %q", symbol, l.path)
	}
	return NewNativeFunction(symbol, sym), nil
}

// NewNativeFunction wraps the C entry point at addr. addr must stay callable
// for as long as the function is used.
func NewNativeFunction(symbol string, addr uintptr) *NativeFunction {
	f := &NativeFunction{symbol: symbol}
	purego.RegisterFunc(&f.call, addr)
	return f
}

// Close unloads the library. Functions looked up from it must not be called
// afterwards.
func (l *Library) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return errors.Wrapf(err, "closing kernel library %q", l.path)
}

// Call implements Function. The frame and everything it points to stay pinned
// for the duration of the native call.
func (f *NativeFunction) Call(frame *CallFrame) error {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	pinner.Pin(frame)
	pinner.Pin(frame.ThreadDims)
	pinner.Pin(frame.Thread)
	if frame.Args != nil {
		pinner.Pin(frame.Args)
		for _, arg := range frame.Arguments() {
			if arg.Data != nil {
				pinner.Pin(arg.Data)
			}
		}
	}

	if h := f.call(frame); h != 0 {
		return &NativeError{Symbol: f.symbol, Handle: h}
	}
	return nil
}
