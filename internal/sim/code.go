package sim

import (
	"sync"

	"privload/internal/invoke"
)

// Call records one invocation made through Code.
type Call struct {
	Fn   uintptr
	Args []uintptr
}

// Code stands in for machine code. Addresses with a registered Func run
// it; any other address behaves as a routine returning Default.
type Code struct {
	mu      sync.Mutex
	fns     map[uintptr]invoke.Func
	calls   []Call
	next    uintptr
	Default uintptr
}

func NewCode() *Code {
	return &Code{
		fns:     make(map[uintptr]invoke.Func),
		next:    0x0f000000,
		Default: 1,
	}
}

// Register makes fn the code at addr.
func (c *Code) Register(addr uintptr, fn invoke.Func) {
	c.mu.Lock()
	c.fns[addr] = fn
	c.mu.Unlock()
}

func (c *Code) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Fn: fn, Args: append([]uintptr(nil), args...)})
	f, ok := c.fns[fn]
	def := c.Default
	c.mu.Unlock()

	if !ok {
		return def, nil
	}
	return f(args...), nil
}

func (c *Code) Callback(fn invoke.Func, nargs int) (uintptr, error) {
	c.mu.Lock()
	addr := c.next
	c.next += 0x10
	c.fns[addr] = fn
	c.mu.Unlock()
	return addr, nil
}

// Calls returns every call made so far, oldest first.
func (c *Code) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsTo returns the calls made to fn.
func (c *Code) CallsTo(fn uintptr) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Fn == fn {
			out = append(out, call)
		}
	}
	return out
}

func (c *Code) Reset() {
	c.mu.Lock()
	c.calls = nil
	c.mu.Unlock()
}
