//go:build windows

package invoke

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/windows"
)

// Native calls code in the current process with the platform ABI.
type Native struct{}

func (Native) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	r1, _, _ := syscall.SyscallN(fn, args...)
	return r1, nil
}

func (Native) Callback(fn Func, nargs int) (uintptr, error) {
	var cb any
	switch nargs {
	case 0:
		cb = func() uintptr { return fn() }
	case 1:
		cb = func(a uintptr) uintptr { return fn(a) }
	case 2:
		cb = func(a, b uintptr) uintptr { return fn(a, b) }
	case 3:
		cb = func(a, b, c uintptr) uintptr { return fn(a, b, c) }
	case 4:
		cb = func(a, b, c, d uintptr) uintptr { return fn(a, b, c, d) }
	default:
		return 0, fmt.Errorf("callback with %d arguments", nargs)
	}
	return windows.NewCallback(cb), nil
}
