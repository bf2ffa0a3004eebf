package privload

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"privload/internal/imports"
	"privload/internal/invoke"
	"privload/internal/loaderr"
	"privload/internal/module"
	"privload/internal/plog"
	"privload/internal/vm"
)

const (
	heapZeroMemory = 0x08
	maxNameLen     = 512
)

// handler builds the replacement for an export. target is the address the
// import resolved to.
type handler struct {
	nargs int
	build func(l *Loader, target uintptr) invoke.Func
}

type redirectKey struct {
	dll, name string
	target    uintptr
}

// redirectTable holds the replacements installed for private imports
// of ntdll and kernel32 and the callbacks already created for them.
type redirectTable struct {
	handlers map[string]map[string]handler

	mu        sync.Mutex
	callbacks map[redirectKey]uintptr
}

func newRedirectTable() *redirectTable {
	k32 := map[string]handler{
		"FlsAlloc":         {1, flsAlloc},
		"GetModuleHandleA": {1, getModuleHandleA},
		"GetProcAddress":   {2, getProcAddress},
		"LoadLibraryA":     {1, loadLibraryA},
	}
	return &redirectTable{
		handlers: map[string]map[string]handler{
			"ntdll.dll": {
				"LdrSetDllManifestProber":        {3, success},
				"RtlSetThreadPoolStartFunc":      {2, success},
				"RtlSetUnhandledExceptionFilter": {1, success},
				"RtlAllocateHeap":                {3, rtlAllocateHeap},
				"RtlReAllocateHeap":              {4, rtlReAllocateHeap},
				"RtlFreeHeap":                    {3, rtlFreeHeap},
				"RtlSizeHeap":                    {3, rtlSizeHeap},
				"RtlFreeUnicodeString":           {1, rtlFreeString},
				"RtlFreeAnsiString":              {1, rtlFreeString},
				"RtlFreeOemString":               {1, rtlFreeString},
			},
			"kernel32.dll":   k32,
			"kernelbase.dll": k32,
		},
		callbacks: make(map[redirectKey]uintptr),
	}
}

// redirect is the import resolver's hook. It returns resolved unless
// the export has a replacement.
func (l *Loader) redirect(mod *module.Module, sym imports.Symbol, resolved uintptr) uintptr {
	if sym.ByOrdinal {
		return resolved
	}
	dll := strings.ToLower(mod.Name)
	h, ok := l.redirects.handlers[dll][sym.Name]
	if !ok {
		return resolved
	}

	t := l.redirects
	key := redirectKey{dll, sym.Name, resolved}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.callbacks[key]; ok {
		return cb
	}
	cb, err := l.host.Invoker().Callback(h.build(l, resolved), h.nargs)
	if err != nil {
		plog.Logger().Warn("cannot create redirect, keeping the real export",
			zap.String("module", mod.Name), zap.String("symbol", sym.Name), zap.Error(err))
		return resolved
	}
	t.callbacks[key] = cb
	plog.Logger().Debug("import redirected", zap.String("module", mod.Name), zap.String("symbol", sym.Name))
	return cb
}

func arg(args []uintptr, i int) uintptr {
	if i < len(args) {
		return args[i]
	}
	return 0
}

// passThrough calls the real export with the caller's arguments.
func (l *Loader) passThrough(target uintptr, args []uintptr) uintptr {
	ret, err := invoke.Call(l.host.Invoker(), target, args...)
	if err != nil {
		plog.Logger().Error("redirected call faulted", zap.Uintptr("target", target), zap.Error(err))
		return 0
	}
	return ret
}

// privateHeap reports whether heap calls on handle belong to the
// private heap. The application's process heap counts too: private
// libraries read it from the PEB before isolation is decided.
func (l *Loader) privateHeap(handle uintptr) bool {
	if l.heap == nil {
		return false
	}
	return handle == l.heap.Handle() || (handle != 0 && handle == l.appHeap)
}

// ownsBlock reports whether p on heap handle was allocated privately.
func (l *Loader) ownsBlock(handle, p uintptr) bool {
	if !l.privateHeap(handle) {
		return false
	}
	return handle == l.heap.Handle() || l.heap.Contains(p)
}

func success(*Loader, uintptr) invoke.Func {
	return func(...uintptr) uintptr { return 0 }
}

func rtlAllocateHeap(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		heap, flags, size := arg(args, 0), arg(args, 1), arg(args, 2)
		if !l.privateHeap(heap) {
			return l.passThrough(target, args)
		}
		p, err := l.heap.Alloc(size, flags&heapZeroMemory != 0)
		if err != nil {
			plog.Logger().Warn("private heap allocation failed", zap.Uintptr("size", size), zap.Error(err))
			return 0
		}
		return p
	}
}

func rtlReAllocateHeap(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		heap, flags, p, size := arg(args, 0), arg(args, 1), arg(args, 2), arg(args, 3)
		if !l.ownsBlock(heap, p) {
			return l.passThrough(target, args)
		}
		np, err := l.heap.Realloc(p, size, flags&heapZeroMemory != 0)
		if err != nil {
			return 0
		}
		return np
	}
}

func rtlFreeHeap(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		heap, p := arg(args, 0), arg(args, 2)
		if !l.ownsBlock(heap, p) {
			return l.passThrough(target, args)
		}
		if p == 0 || l.heap.Free(p) {
			return 1
		}
		return 0
	}
}

func rtlSizeHeap(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		heap, p := arg(args, 0), arg(args, 2)
		if !l.ownsBlock(heap, p) {
			return l.passThrough(target, args)
		}
		if n, ok := l.heap.Size(p); ok {
			return n
		}
		return ^uintptr(0)
	}
}

// rtlFreeString frees the buffer of a UNICODE_STRING, ANSI_STRING or
// OEM_STRING when the private heap owns it.
func rtlFreeString(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		str := arg(args, 0)
		if str == 0 || l.heap == nil {
			return l.passThrough(target, args)
		}
		s, ptr := l.host.Space(), l.layout.PtrSize
		buf, err := vm.ReadPtr(s, str+uintptr(ptr), ptr)
		if err != nil || !l.heap.Contains(buf) {
			return l.passThrough(target, args)
		}
		l.heap.Free(buf)
		// Length, MaximumLength and Buffer
		if err := vm.Zero(s, str, uintptr(2*ptr)); err != nil {
			plog.Logger().Warn("cannot clear string buffer", zap.Uintptr("string", str), zap.Error(err))
		}
		return 0
	}
}

func flsAlloc(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		if cb := arg(args, 0); cb != 0 && l.InPrivateLibrary(cb) {
			l.fls.add(cb)
		}
		return l.passThrough(target, args)
	}
}

// moduleName reads the C string at p and normalizes it for a registry
// lookup.
func (l *Loader) moduleName(p uintptr) (string, bool) {
	name, err := vm.ReadCString(l.host.Space(), p, maxNameLen)
	if err != nil || name == "" {
		return "", false
	}
	name = imports.BaseName(name)
	if !strings.Contains(name, ".") {
		name += ".dll"
	}
	return name, true
}

func getModuleHandleA(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		p := arg(args, 0)
		if p == 0 {
			return l.passThrough(target, args)
		}
		name, ok := l.moduleName(p)
		if !ok {
			return l.passThrough(target, args)
		}
		l.reg.Lock()
		defer l.reg.Unlock()
		if m := l.reg.Lookup(l.resolver.HostName(name, l.cfg.EngineName)); m != nil {
			return m.Base
		}
		return l.passThrough(target, args)
	}
}

func getProcAddress(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		base, p := arg(args, 0), arg(args, 1)
		l.reg.Lock()
		defer l.reg.Unlock()
		m := l.reg.LookupByBase(base)
		if m == nil {
			return l.passThrough(target, args)
		}
		var sym imports.Symbol
		if p <= 0xffff {
			sym = imports.Symbol{Ordinal: uint16(p), ByOrdinal: true}
		} else {
			name, err := vm.ReadCString(l.host.Space(), p, maxNameLen)
			if err != nil {
				return 0
			}
			sym = imports.Symbol{Name: name}
		}
		addr, err := l.resolver.ResolveExport(m, sym)
		if err != nil {
			plog.Logger().Debug("private GetProcAddress missed",
				zap.String("module", m.Name), zap.Stringer("symbol", sym), zap.Error(err))
			if m.ExternallyLoaded {
				return l.passThrough(target, args)
			}
			return 0
		}
		return addr
	}
}

func loadLibraryA(l *Loader, target uintptr) invoke.Func {
	return func(args ...uintptr) uintptr {
		name, err := vm.ReadCString(l.host.Space(), arg(args, 0), maxNameLen)
		if err != nil {
			return 0
		}
		base, err := l.LoadByName(name)
		if err != nil {
			plog.Logger().Debug("private LoadLibraryA failed, passing through", zap.String("name", name), zap.Error(err))
			return l.passThrough(target, args)
		}
		return base
	}
}

// flsCallbacks records FLS callbacks registered by private libraries.
type flsCallbacks struct {
	mu  sync.Mutex
	pcs []uintptr
}

func (f *flsCallbacks) add(pc uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.pcs, pc) {
		f.pcs = append(f.pcs, pc)
	}
}

func (f *flsCallbacks) has(pc uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.pcs, pc)
}

// dropModule forgets the callbacks that live in m.
func (f *flsCallbacks) dropModule(m *module.Module) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pcs = slices.DeleteFunc(f.pcs, m.Contains)
}

// IsPrivateFlsCallback reports whether pc was registered through FlsAlloc
// by a private library.
func (l *Loader) IsPrivateFlsCallback(pc uintptr) bool { return l.fls.has(pc) }

// RunFlsCallback runs a private FLS callback with arg, containing any
// fault it raises.
func (l *Loader) RunFlsCallback(pc, arg uintptr) error {
	if !l.fls.has(pc) {
		return loaderr.Runtime("fls callback", "", nil, "%#x is not a private FLS callback", pc)
	}
	if _, err := invoke.Call(l.host.Invoker(), pc, arg); err != nil {
		plog.Logger().Error("FLS callback faulted", zap.Uintptr("callback", pc), zap.Error(err))
		return err
	}
	return nil
}
