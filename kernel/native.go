package kernel

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNativeUnsupported is returned by OpenLibrary on platforms without a
// dynamic loader.
var ErrNativeUnsupported = errors.New("kernel: native kernels are not supported on this platform")

// NativeError is the opaque non-null handle a native kernel returned.
type NativeError struct {
	Symbol string
	Handle uintptr
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("native kernel %s returned error handle %#x", e.Symbol, e.Handle)
}

// Library is a shared object holding compiled kernels.
type Library struct {
	path   string
	handle uintptr
}

// Path returns the file the library was loaded from.
func (l *Library) Path() string { return l.path }

// NativeFunction is a compiled kernel entry point with the signature
//
//	void* kernel(const CallFrame* frame);
//
// A nil return means success.
type NativeFunction struct {
	symbol string
	call   func(frame *CallFrame) uintptr
}

// Symbol returns the entry point's symbol name.
func (f *NativeFunction) Symbol() string { return f.symbol }
