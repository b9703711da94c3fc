package kernels

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sbl8/hostrt/kernel"
)

// ErrBinding is returned for a malformed or unusable native kernel binding.
var ErrBinding = errors.New("kernels: bad native kernel binding")

// SymbolLookup resolves native entry points. *kernel.Library implements it.
type SymbolLookup interface {
	Lookup(symbol string) (*kernel.NativeFunction, error)
}

// Binding maps an opcode onto a native symbol. An Arity of -1 keeps the arity
// of the kernel already registered for Op.
type Binding struct {
	Op     uint8
	Symbol string
	Arity  int
}

// ParseBinding parses "kernel=symbol" or "kernel=symbol/arity", where kernel
// is a registered name or an opcode number.
func (c *Catalog) ParseBinding(s string) (Binding, error) {
	ref, target, ok := strings.Cut(s, "=")
	if !ok || ref == "" || target == "" {
		return Binding{}, errors.Wrapf(ErrBinding, "%q is not kernel=symbol[/arity]", s)
	}
	op, ok := c.Opcode(ref)
	if !ok {
		return Binding{}, errors.Wrapf(ErrBinding, "%q: unknown kernel %q", s, ref)
	}
	b := Binding{Op: op, Symbol: target, Arity: -1}
	if sym, arity, ok := strings.Cut(target, "/"); ok {
		n, err := strconv.ParseUint(arity, 10, 16)
		if err != nil || sym == "" {
			return Binding{}, errors.Wrapf(ErrBinding, "%q: bad arity %q", s, arity)
		}
		b.Symbol, b.Arity = sym, int(n)
	}
	return b, nil
}

// RegisterNative resolves b.Symbol through lib and registers it for b.Op,
// replacing any kernel already there.
func (c *Catalog) RegisterNative(lib SymbolLookup, b Binding) error {
	arity := b.Arity
	if arity < 0 {
		k, ok := c.Lookup(b.Op)
		if !ok {
			return errors.Wrapf(ErrBinding, "opcode %#x has no kernel to take the arity from; give symbol/arity", b.Op)
		}
		arity = int(k.Arity())
	}
	fn, err := lib.Lookup(b.Symbol)
	if err != nil {
		return err
	}
	c.Register(b.Op, b.Symbol, kernel.NewKernel(uint32(arity), fn))
	return nil
}
