// Package statictls gives private libraries the implicit thread-local
// storage the OS loader would have set up for them: one slot index per
// module, one slot array per thread, and TLS callback dispatch.
package statictls

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"privload/internal/invoke"
	"privload/internal/loaderr"
	"privload/internal/module"
	"privload/internal/plog"
	"privload/internal/privheap"
	"privload/internal/vm"
	"privload/internal/winnt"
)

// Reason is the notification code passed to entry points and TLS
// callbacks.
type Reason uint32

const (
	ProcessExit Reason = winnt.DLL_PROCESS_DETACH
	ProcessInit Reason = winnt.DLL_PROCESS_ATTACH
	ThreadInit  Reason = winnt.DLL_THREAD_ATTACH
	ThreadExit  Reason = winnt.DLL_THREAD_DETACH
)

func (r Reason) String() string {
	switch r {
	case ProcessExit:
		return "process-exit"
	case ProcessInit:
		return "process-init"
	case ThreadInit:
		return "thread-init"
	case ThreadExit:
		return "thread-exit"
	}
	return fmt.Sprintf("reason(%d)", uint32(r))
}

const (
	DefaultMaxSlots = 64
	maxCallbacks    = 128
)

// State is one thread's static-TLS array.
type State struct {
	Array uintptr
	Count int
}

// Manager assigns TLS slots while modules load and maintains per-thread
// arrays once threads exist. Slot assignment is open until Freeze.
type Manager struct {
	Space   vm.Space
	Heap    *privheap.Heap
	Invoker invoke.Invoker
	Version winnt.Version
	// PtrSize is the width of array entries; 0 means 8.
	PtrSize int
	// MaxSlots caps slot assignment; 0 means DefaultMaxSlots.
	MaxSlots int
	// Fatal is called for configuration errors; nil means log at fatal
	// level, which exits the process.
	Fatal func(err error)

	mu     sync.Mutex
	next   int
	frozen bool
}

func (m *Manager) ptrSize() int {
	if m.PtrSize == 0 {
		return 8
	}
	return m.PtrSize
}

func (m *Manager) maxSlots() int {
	if m.MaxSlots <= 0 {
		return DefaultMaxSlots
	}
	return m.MaxSlots
}

func (m *Manager) fatal(err error) error {
	if m.Fatal != nil {
		m.Fatal(err)
	} else {
		plog.Logger().Fatal("static TLS configuration error", zap.Error(err))
	}
	return err
}

// Slots returns the number of slots assigned so far.
func (m *Manager) Slots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// Freeze closes slot assignment and returns the final slot count. It
// is called when the first thread is initialized.
func (m *Manager) Freeze() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
	return m.next
}

func (m *Manager) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

type tlsDirectory struct {
	start, end, index, callbacks uintptr
	zeroFill                     uint32
}

func readDirectory(s vm.Space, base uintptr, h *winnt.Headers) (*tlsDirectory, error) {
	d := h.Directory(winnt.IMAGE_DIRECTORY_ENTRY_TLS)
	if d.VirtualAddress == 0 || d.Size == 0 {
		return nil, nil
	}
	at := base + uintptr(d.VirtualAddress)
	if h.Is64 {
		t, err := winnt.ReadStruct[winnt.IMAGE_TLS_DIRECTORY64](s, at)
		if err != nil {
			return nil, err
		}
		return &tlsDirectory{
			start:     uintptr(t.StartAddressOfRawData),
			end:       uintptr(t.EndAddressOfRawData),
			index:     uintptr(t.AddressOfIndex),
			callbacks: uintptr(t.AddressOfCallBacks),
			zeroFill:  t.SizeOfZeroFill,
		}, nil
	}
	t, err := winnt.ReadStruct[winnt.IMAGE_TLS_DIRECTORY32](s, at)
	if err != nil {
		return nil, err
	}
	return &tlsDirectory{
		start:     uintptr(t.StartAddressOfRawData),
		end:       uintptr(t.EndAddressOfRawData),
		index:     uintptr(t.AddressOfIndex),
		callbacks: uintptr(t.AddressOfCallBacks),
		zeroFill:  t.SizeOfZeroFill,
	}, nil
}

// Finalize records mod's TLS directory in its extension and assigns it
// a slot. Modules without a TLS directory keep slot -1.
func (m *Manager) Finalize(mod *module.Module) error {
	h, err := winnt.ReadHeaders(m.Space, mod.Base)
	if err != nil {
		return loaderr.Load("tls", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read headers")
	}
	dir, err := readDirectory(m.Space, mod.Base, h)
	if err != nil {
		return loaderr.Load("tls", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read TLS directory")
	}
	if dir == nil {
		return nil
	}
	if dir.end < dir.start {
		return loaderr.Load("tls", mod.Name, loaderr.ErrMalformed, "TLS data range %#x-%#x", dir.start, dir.end)
	}

	ext := mod.Ext
	ptr := h.PtrSize()
	ext.TLSCallbacks = ext.TLSCallbacks[:0]
	if dir.callbacks != 0 {
		for i := 0; ; i++ {
			if i == maxCallbacks {
				plog.Logger().Warn("TLS callback array truncated",
					zap.String("module", mod.Name), zap.Int("limit", maxCallbacks))
				break
			}
			cb, err := vm.ReadPtr(m.Space, dir.callbacks+uintptr(i*ptr), ptr)
			if err != nil {
				return loaderr.Load("tls", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read TLS callbacks")
			}
			if cb == 0 {
				break
			}
			ext.TLSCallbacks = append(ext.TLSCallbacks, cb)
		}
	}

	m.mu.Lock()
	switch {
	case m.frozen:
		m.mu.Unlock()
		return m.fatal(loaderr.Config("tls", mod.Name, loaderr.ErrTLSFrozen,
			"static TLS module loaded after the first thread started"))
	case m.next >= m.maxSlots():
		m.mu.Unlock()
		return m.fatal(loaderr.Config("tls", mod.Name, loaderr.ErrTLSBudget,
			"all %d static TLS slots are taken", m.maxSlots()))
	}
	slot := m.next
	m.next++
	m.mu.Unlock()

	ext.TLSSlot = slot
	ext.TLSInit = dir.start
	ext.TLSInitSize = dir.end - dir.start
	ext.TLSDataSize = ext.TLSInitSize + uintptr(dir.zeroFill)
	ext.TLSIndexCell = dir.index
	if dir.index != 0 {
		if err := writeU32(m.Space, dir.index, uint32(slot)); err != nil {
			return loaderr.Load("tls", mod.Name, err, "write TLS index")
		}
	}
	plog.Logger().Debug("static TLS slot assigned",
		zap.String("module", mod.Name), zap.Int("slot", slot),
		zap.Int("callbacks", len(ext.TLSCallbacks)), zap.Uintptr("size", ext.TLSDataSize))
	return nil
}

// writeU32 writes through a read-only page by lifting its protection
// for the duration of the write.
func writeU32(s vm.Space, addr uintptr, v uint32) error {
	prot, err := s.Query(addr)
	if err != nil {
		return err
	}
	if prot.Writable() {
		return vm.WriteU32(s, addr, v)
	}
	page := vm.AlignDown(addr, s.PageSize())
	if _, err := s.Protect(page, s.PageSize(), prot.AddWrite()); err != nil {
		return err
	}
	werr := vm.WriteU32(s, addr, v)
	if _, err := s.Protect(page, s.PageSize(), prot); err != nil {
		return err
	}
	return werr
}

// ThreadInit freezes slot assignment and allocates the calling thread's
// slot array. With no slots the state carries no array.
func (m *Manager) ThreadInit() (*State, error) {
	n := m.Freeze()
	st := &State{Count: n}
	if n == 0 {
		return st, nil
	}
	arr, err := m.Heap.Alloc(uintptr(n*m.ptrSize()), true)
	if err != nil {
		return nil, loaderr.Runtime("tls", "", err, "allocate slot array")
	}
	st.Array = arr
	return st, nil
}

// ThreadExit frees the slot array.
func (m *Manager) ThreadExit(st *State) {
	if st == nil || st.Array == 0 {
		return
	}
	m.Heap.Free(st.Array)
	st.Array = 0
}

func (m *Manager) entry(mod *module.Module, st *State) (uintptr, bool, error) {
	slot := mod.Ext.TLSSlot
	if st == nil || st.Array == 0 || slot < 0 || slot >= st.Count {
		return 0, false, nil
	}
	at := st.Array + uintptr(slot*m.ptrSize())
	v, err := vm.ReadPtr(m.Space, at, m.ptrSize())
	return v, err == nil, err
}

func (m *Manager) setEntry(mod *module.Module, st *State, v uintptr) error {
	at := st.Array + uintptr(mod.Ext.TLSSlot*m.ptrSize())
	return vm.WritePtr(m.Space, at, m.ptrSize(), v)
}

// Slot returns the data pointer stored for mod in st, or 0.
func (m *Manager) Slot(mod *module.Module, st *State) uintptr {
	v, _, _ := m.entry(mod, st)
	return v
}

// Populate allocates mod's slot data for the thread owning st, copies in
// the initializer and zero-fills the rest.
func (m *Manager) Populate(mod *module.Module, st *State) error {
	cur, ok, err := m.entry(mod, st)
	if err != nil {
		return loaderr.Runtime("tls", mod.Name, err, "read slot")
	}
	if !ok || cur != 0 {
		return nil
	}
	ext := mod.Ext
	size := max(ext.TLSDataSize, 1)
	data, err := m.Heap.Alloc(size, true)
	if err != nil {
		return loaderr.Runtime("tls", mod.Name, err, "allocate slot data")
	}
	if ext.TLSInitSize > 0 {
		if err := vm.Copy(m.Space, data, ext.TLSInit, ext.TLSInitSize); err != nil {
			m.Heap.Free(data)
			return loaderr.Runtime("tls", mod.Name, err, "copy TLS initializer")
		}
	}
	return m.setEntry(mod, st, data)
}

func (m *Manager) release(mod *module.Module, st *State) error {
	cur, ok, err := m.entry(mod, st)
	if err != nil || !ok || cur == 0 {
		return err
	}
	m.Heap.Free(cur)
	return m.setEntry(mod, st, 0)
}

// Dispatch delivers reason to mod's TLS callbacks. Init reasons first
// populate an empty slot; exit reasons afterwards free it. A callback
// that faults is logged and skipped.
func (m *Manager) Dispatch(mod *module.Module, st *State, reason Reason) error {
	if mod.Ext == nil || mod.Ext.TLSSlot < 0 {
		return nil
	}
	if reason == ProcessInit || reason == ThreadInit {
		if err := m.Populate(mod, st); err != nil {
			return err
		}
	}
	for _, cb := range mod.Ext.TLSCallbacks {
		if _, err := invoke.Call(m.Invoker, cb, mod.Base, uintptr(reason), 0); err != nil {
			plog.Logger().Error("TLS callback faulted",
				zap.String("module", mod.Name), zap.Uintptr("callback", cb),
				zap.Stringer("reason", reason), zap.Error(err))
		}
	}
	if reason == ThreadExit || reason == ProcessExit {
		return m.release(mod, st)
	}
	return nil
}

// spurious reports entry-point failures the OS libraries are known to
// return and that mean nothing for private copies.
func (m *Manager) spurious(name string, reason Reason) bool {
	switch n := strings.ToLower(name); reason {
	case ThreadExit:
		return n == "kernelbase.dll" || n == "kernel32.dll"
	case ProcessExit:
		return n == "kernel32.dll" && m.Version.AtLeast(winnt.Windows7)
	}
	return false
}

// CallEntry runs mod's entry point for reason. Only a failed
// process-init is returned as an error; every other failure is logged.
func (m *Manager) CallEntry(mod *module.Module, reason Reason) error {
	if mod.ExternallyLoaded {
		return nil
	}
	h, err := winnt.ReadHeaders(m.Space, mod.Base)
	if err != nil {
		return loaderr.Load("entry", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read headers")
	}
	if h.AddressOfEntryPoint == 0 {
		return nil
	}
	entry := mod.Base + uintptr(h.AddressOfEntryPoint)

	ret, err := invoke.Call(m.Invoker, entry, mod.Base, uintptr(reason), 0)
	if err == nil && uint32(ret) != 0 {
		return nil
	}
	if err == nil {
		err = loaderr.ErrEntryFailed
	}
	if m.spurious(mod.Name, reason) {
		plog.Logger().Debug("ignoring known entry point failure",
			zap.String("module", mod.Name), zap.Stringer("reason", reason))
		return nil
	}
	plog.Logger().Warn("entry point failed",
		zap.String("module", mod.Name), zap.Stringer("reason", reason), zap.Error(err))
	if reason != ProcessInit {
		return nil
	}
	return loaderr.Runtime("entry", mod.Name, err, "%s", reason)
}
