package kernels

import (
	"sort"
	"strconv"
	"sync"

	"github.com/sbl8/hostrt/kernel"
)

// Entry is a registered kernel.
type Entry struct {
	Op     uint8
	Name   string
	Kernel *kernel.Kernel
}

// Catalog maps opcodes to kernels. It is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[uint8]Entry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[uint8]Entry)}
}

// Register adds or replaces the kernel for op.
func (c *Catalog) Register(op uint8, name string, k *kernel.Kernel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[op] = Entry{Op: op, Name: name, Kernel: k}
}

// Lookup returns the kernel registered for op.
func (c *Catalog) Lookup(op uint8) (*kernel.Kernel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[op]
	return e.Kernel, ok
}

// Name returns the name registered for op, or "" if none.
func (c *Catalog) Name(op uint8) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[op].Name
}

// Opcode resolves a kernel reference: a registered name, or an opcode number
// in any base strconv accepts.
func (c *Catalog) Opcode(ref string) (uint8, bool) {
	c.mu.RLock()
	for _, e := range c.entries {
		if e.Name == ref {
			c.mu.RUnlock()
			return e.Op, true
		}
	}
	c.mu.RUnlock()
	op, err := strconv.ParseUint(ref, 0, 8)
	if err != nil {
		return 0, false
	}
	return uint8(op), true
}

// Clone returns a catalog holding the same registrations as c.
func (c *Catalog) Clone() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := NewCatalog()
	for op, e := range c.entries {
		out.entries[op] = e
	}
	return out
}

// Entries returns every registered kernel ordered by opcode.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog of reference host kernels.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c := NewCatalog()
		c.Register(OpNoop, "noop", kernel.NewKernel(0, kernel.FunctionFunc(noop)))
		c.Register(OpSqrPlusX, "sqr_plus_x", kernel.NewKernel(2, unary(sqrPlusX)))
		c.Register(OpMatMul, "matmul", kernel.NewKernel(4, kernel.FunctionFunc(matMul)))
		c.Register(OpReLU, "relu", kernel.NewKernel(2, unary(relu)))
		c.Register(OpSigmoid, "sigmoid", kernel.NewKernel(2, unary(sigmoid)))
		c.Register(OpTanh, "tanh", kernel.NewKernel(2, unary(tanh)))
		c.Register(OpAdd, "add", kernel.NewKernel(3, binaryOp(Add)))
		c.Register(OpMul, "mul", kernel.NewKernel(3, binaryOp(Mul)))
		c.Register(OpSoftmax, "softmax", kernel.NewKernel(2, kernel.FunctionFunc(softmax)))
		defaultCatalog = c
	})
	return defaultCatalog
}
