// Package isolate keeps the application's and the private libraries'
// views of per-thread and per-process OS state apart, swapping the
// visible fields on every transition between the two.
package isolate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"privload/internal/plog"
	"privload/internal/vm"
	"privload/internal/winnt"
)

// Process owns the private PEB copy and decides, once, whether threads
// swap the PEB field at all.
type Process struct {
	space  vm.Space
	layout winnt.Layout
	appPEB uintptr
	// configured is the private_peb setting.
	configured bool

	mu        sync.Mutex
	region    uintptr
	privPEB   uintptr
	systemLib bool
	client    bool
	decided   bool
	enabled   atomic.Bool

	// engine reports engine memory outside the PEB region. Set once,
	// before any thread is created.
	engine func(addr uintptr) bool
}

func NewProcess(s vm.Space, layout winnt.Layout, appPEB uintptr, configured bool) *Process {
	return &Process{space: s, layout: layout, appPEB: appPEB, configured: configured}
}

func (p *Process) AppPEB() uintptr { return p.appPEB }

// PrivatePEB returns the private copy, or 0 before CreatePrivate.
func (p *Process) PrivatePEB() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.privPEB
}

// CreatePrivate makes a shallow copy of the application PEB with its
// own heap, its own FastPebLock and an empty FLS list. initLock
// initializes the critical section at the given address.
func (p *Process) CreatePrivate(heap uintptr, initLock func(addr uintptr) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.privPEB != 0 {
		return nil
	}

	l := p.layout
	csOff := vm.AlignUp(l.PEBSize, 16)
	region, err := p.space.Alloc(0, csOff+l.CriticalSectionSize, vm.ProtReadWrite)
	if err != nil {
		return fmt.Errorf("allocate private PEB: %w", err)
	}
	peb, lock := region, region+csOff
	fail := func(err error) error {
		return errors.Join(err, p.space.Free(region))
	}

	if err := vm.Copy(p.space, peb, p.appPEB, l.PEBSize); err != nil {
		return fail(fmt.Errorf("copy PEB: %w", err))
	}
	if err := initLock(lock); err != nil {
		return fail(fmt.Errorf("initialize FastPebLock: %w", err))
	}
	head := peb + l.FlsListHead
	for _, w := range []struct{ at, v uintptr }{
		{peb + l.ProcessHeap, heap},
		{peb + l.FastPebLock, lock},
		{peb + l.FlsCallback, 0},
		{head, head},
		{head + uintptr(l.PtrSize), head},
	} {
		if err := vm.WritePtr(p.space, w.at, l.PtrSize, w.v); err != nil {
			return fail(err)
		}
	}
	p.region, p.privPEB = region, peb
	plog.Logger().Debug("private PEB created",
		zap.Uintptr("app", p.appPEB), zap.Uintptr("private", peb), zap.Uintptr("heap", heap))
	return nil
}

// Destroy frees the private PEB. Swapping the PEB stops with it.
func (p *Process) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled.Store(false)
	if p.region == 0 {
		return nil
	}
	err := p.space.Free(p.region)
	p.region, p.privPEB = 0, 0
	return err
}

// NoteSystemLib records that a library from a system directory was
// loaded privately.
func (p *Process) NoteSystemLib(name string) {
	p.note(name, "system library", &p.systemLib)
}

// NoteClient records that a client library was loaded.
func (p *Process) NoteClient(name string) {
	p.note(name, "client library", &p.client)
}

func (p *Process) note(name, what string, flag *bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decided {
		if !*flag {
			plog.Logger().Warn("ignoring "+what+" loaded after the PEB decision",
				zap.String("module", name), zap.Bool("isolated", p.enabled.Load()))
		}
		return
	}
	*flag = true
}

// Decide fixes whether the PEB is swapped: only with a private copy,
// and only once a system library or a client is loaded. Later calls
// return the first answer.
func (p *Process) Decide() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.decided {
		p.decided = true
		p.enabled.Store(p.configured && p.privPEB != 0 && (p.systemLib || p.client))
		plog.Logger().Info("PEB isolation decided",
			zap.Bool("enabled", p.enabled.Load()),
			zap.Bool("system_lib", p.systemLib), zap.Bool("client", p.client))
	}
	return p.enabled.Load()
}

// Enabled reports the decision. It takes no lock.
func (p *Process) Enabled() bool { return p.enabled.Load() }

// SetEngineMemory registers fn as the test for engine-private memory
// beyond the PEB region, such as the private heap and private images.
func (p *Process) SetEngineMemory(fn func(addr uintptr) bool) { p.engine = fn }

// EngineOwned reports whether addr is engine-private memory, which must
// never be visible while the application view is live.
func (p *Process) EngineOwned(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	return p.Owns(addr) || (p.engine != nil && p.engine(addr))
}

// Owns reports whether addr lies in the private PEB region.
func (p *Process) Owns(addr uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.region != 0 && addr >= p.region && addr < p.region+vm.AlignUp(p.layout.PEBSize, 16)+p.layout.CriticalSectionSize
}
