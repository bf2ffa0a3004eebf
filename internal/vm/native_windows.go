//go:build windows

package vm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

const allocGranularity = 64 << 10

// reach is the largest displacement a rel32 operand can span.
const reach = 1<<31 - 1

// Native is the live address space of the current process.
type Native struct {
	page uintptr
	near uintptr
}

// NewNative returns the current process's address space. Reachable
// allocations are placed within 2GB of near.
func NewNative(near uintptr) *Native {
	return &Native{page: uintptr(os.Getpagesize()), near: near}
}

func (n *Native) PageSize() uintptr { return n.page }

func (n *Native) Alloc(hint, size uintptr, prot Prot) (uintptr, error) {
	addr, err := windows.VirtualAlloc(hint, size, windows.MEM_RESERVE|windows.MEM_COMMIT, uint32(prot))
	if err != nil && hint != 0 {
		addr, err = windows.VirtualAlloc(0, size, windows.MEM_RESERVE|windows.MEM_COMMIT, uint32(prot))
	}
	if err != nil {
		return 0, err
	}
	return addr, nil
}

func (n *Native) AllocReachable(size uintptr, prot Prot) (uintptr, error) {
	lo := uintptr(allocGranularity)
	if n.near > reach {
		lo = AlignUp(n.near-reach, allocGranularity)
	}
	hi := n.near + reach - size
	if hi < n.near {
		hi = ^uintptr(0) - size
	}
	for a := lo; a < hi; a += allocGranularity {
		addr, err := windows.VirtualAlloc(a, size, windows.MEM_RESERVE|windows.MEM_COMMIT, uint32(prot))
		if err == nil {
			return addr, nil
		}
	}
	return 0, ErrUnreachable
}

func (n *Native) Free(base uintptr) error {
	return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}

func (n *Native) Protect(addr, size uintptr, prot Prot) (Prot, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, uint32(prot), &old); err != nil {
		return 0, err
	}
	return Prot(old), nil
}

func (n *Native) Query(addr uintptr) (Prot, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return 0, err
	}
	if mbi.State != windows.MEM_COMMIT {
		return 0, ErrUnmapped
	}
	return Prot(mbi.Protect), nil
}

func (n *Native) Read(addr uintptr, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)))
	return nil
}

func (n *Native) Write(addr uintptr, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)), p)
	return nil
}
