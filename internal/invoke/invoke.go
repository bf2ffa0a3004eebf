// Package invoke calls into code the loader does not control.
package invoke

import (
	"fmt"
	"runtime/debug"

	"privload/internal/loaderr"
)

// Func is a Go routine exposed to foreign code.
type Func func(args ...uintptr) uintptr

// Invoker calls foreign code by address.
type Invoker interface {
	Call(fn uintptr, args ...uintptr) (uintptr, error)
	// Callback returns an address that foreign code can call to reach fn,
	// which takes nargs pointer-sized arguments.
	Callback(fn Func, nargs int) (uintptr, error)
}

// FaultError reports a fault raised while running code at Addr.
type FaultError struct {
	Addr  uintptr
	Value any
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fault in code at %#x: %v", e.Addr, e.Value)
}

func (e *FaultError) Unwrap() error { return loaderr.ErrFault }

// Isolated runs call, converting a panic or a Go-visible memory fault
// into a *FaultError instead of unwinding into the caller.
func Isolated(fn uintptr, call func() (uintptr, error)) (ret uintptr, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			ret, err = 0, &FaultError{Addr: fn, Value: r}
		}
	}()
	return call()
}

// Call invokes fn through inv inside Isolated.
func Call(inv Invoker, fn uintptr, args ...uintptr) (uintptr, error) {
	return Isolated(fn, func() (uintptr, error) {
		return inv.Call(fn, args...)
	})
}
