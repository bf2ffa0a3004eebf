package sim

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"

	"privload/internal/invoke"
	"privload/internal/vm"
	"privload/internal/winnt"
)

// Options configures a simulated host.
type Options struct {
	SystemRoot string
	Machine    uint16
	Version    winnt.Version
}

// Host is a simulated process: an address space holding a PEB and an
// application heap, a code table and thread blocks created on demand.
type Host struct {
	space   *Space
	code    *Code
	opts    Options
	layout  winnt.Layout
	peb     uintptr
	appHeap uintptr
}

func NewHost(o Options) (*Host, error) {
	if o.Machine == 0 {
		o.Machine = winnt.IMAGE_FILE_MACHINE_AMD64
	}
	if o.Version == (winnt.Version{}) {
		o.Version = winnt.Version{Major: 10, Build: 19045}
	}
	h := &Host{
		space:  NewSpace(),
		code:   NewCode(),
		opts:   o,
		layout: winnt.LayoutFor(o.Machine),
	}

	var err error
	if h.appHeap, err = h.space.Alloc(0, pageSize, vm.ProtReadWrite); err != nil {
		return nil, err
	}
	if h.peb, err = h.space.Alloc(0, h.layout.PEBSize, vm.ProtReadWrite); err != nil {
		return nil, err
	}
	l, ptr := h.layout, h.layout.PtrSize
	head := h.peb + l.FlsListHead
	for _, w := range []struct{ at, v uintptr }{
		{h.peb + l.ProcessHeap, h.appHeap},
		{head, head},
		{head + uintptr(ptr), head},
	} {
		if err := vm.WritePtr(h.space, w.at, ptr, w.v); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Host) Space() vm.Space          { return h.space }
func (h *Host) Invoker() invoke.Invoker  { return h.code }
func (h *Host) Machine() uint16          { return h.opts.Machine }
func (h *Host) OSVersion() winnt.Version { return h.opts.Version }
func (h *Host) ProcessEnvironment() uintptr {
	return h.peb
}

// Sim returns the simulated space behind Space.
func (h *Host) Sim() *Space { return h.space }

// Code returns the code table behind Invoker.
func (h *Host) Code() *Code { return h.code }

// AppHeap returns the application's process heap handle.
func (h *Host) AppHeap() uintptr { return h.appHeap }

func (h *Host) SystemRoot() (string, error) {
	if h.opts.SystemRoot == "" {
		return "", errors.New("no system root configured")
	}
	return h.opts.SystemRoot, nil
}

func (h *Host) OpenImage(path string) (*os.File, error) {
	return os.Open(path)
}

// CurrentThreadID identifies the calling goroutine.
func (h *Host) CurrentThreadID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	f := bytes.Fields(buf[:n])
	if len(f) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(f[1]), 10, 64)
	return id
}

func (h *Host) InitCriticalSection(addr uintptr) error {
	if err := vm.Zero(h.space, addr, h.layout.CriticalSectionSize); err != nil {
		return err
	}
	return vm.WriteU32(h.space, addr+h.layout.CriticalSectionLockCount, 0xffffffff)
}

// NewTEB allocates a thread block whose stack fields hold the given
// application stack and whose PEB field points at the host PEB.
func (h *Host) NewTEB(stackBase, stackLimit uintptr) (uintptr, error) {
	teb, err := h.space.Alloc(0, h.layout.TEBSize, vm.ProtReadWrite)
	if err != nil {
		return 0, err
	}
	l, ptr := h.layout, h.layout.PtrSize
	for _, w := range []struct{ at, v uintptr }{
		{teb + l.StackBase, stackBase},
		{teb + l.StackLimit, stackLimit},
		{teb + l.ProcessEnvironBlk, h.peb},
	} {
		if err := vm.WritePtr(h.space, w.at, ptr, w.v); err != nil {
			return 0, err
		}
	}
	return teb, nil
}
