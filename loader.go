// Package privload loads private copies of Windows libraries for an
// instrumentation engine and its clients, and keeps the application's
// view of thread and process state apart from theirs.
package privload

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"privload/internal/bootstrap"
	"privload/internal/image"
	"privload/internal/imports"
	"privload/internal/isolate"
	"privload/internal/loaderr"
	"privload/internal/module"
	"privload/internal/plog"
	"privload/internal/privheap"
	"privload/internal/statictls"
	"privload/internal/vm"
	"privload/internal/winnt"
)

// External describes an image the OS loader already mapped: the host
// executable, ntdll or the engine itself.
type External struct {
	Name   string
	Path   string
	Base   uintptr
	Size   uintptr
	Engine bool
}

type Options struct {
	Config    *Config
	Host      Host
	Externals []External
}

// ModuleInfo is a snapshot of one registry entry.
type ModuleInfo struct {
	Name     string
	Path     string
	Base     uintptr
	Size     uintptr
	RefCount int
	External bool
	Client   bool
}

// Loader is the private loader of one process.
type Loader struct {
	cfg    *Config
	host   Host
	layout winnt.Layout
	exts   []External

	reg      *module.Registry
	mapper   *image.Mapper
	resolver *imports.Resolver
	tls      *statictls.Manager
	proc     *isolate.Process
	heap     *privheap.Heap
	appHeap  uintptr

	threadsMu sync.Mutex
	threads   map[uint64]*Thread

	redirects *redirectTable
	fls       flsCallbacks

	initialized bool
	// starting is set while Init loads the clients, whose entry points
	// may load further libraries.
	starting bool
}

func New(o Options) (*Loader, error) {
	if o.Host == nil {
		return nil, loaderr.Config("new", "", nil, "no host")
	}
	cfg := o.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := o.Host
	l := &Loader{
		cfg:     cfg,
		host:    h,
		layout:  winnt.LayoutFor(h.Machine()),
		exts:    o.Externals,
		reg:     module.NewRegistry(h.CurrentThreadID),
		threads: make(map[uint64]*Thread),
	}
	l.mapper = &image.Mapper{Space: h.Space(), Machine: h.Machine(), Open: h.OpenImage}
	l.tls = &statictls.Manager{
		Space:    h.Space(),
		Invoker:  h.Invoker(),
		Version:  h.OSVersion(),
		PtrSize:  l.layout.PtrSize,
		MaxSlots: cfg.MaxStaticTLS,
	}
	l.resolver = &imports.Resolver{
		Space:    h.Space(),
		Registry: l.reg,
		Search:   l.searchPath(),
		APISet:   imports.NewAPISet(),
		Version:  h.OSVersion(),
		Load:     l.loadPath,
		Unload:   l.release,
		Redirect: l.redirect,
		Engine:   cfg.EngineName,
	}
	l.redirects = newRedirectTable()
	return l, nil
}

func (l *Loader) searchPath() *imports.SearchPath {
	p := &imports.SearchPath{}
	if dir := ExtensionDir(l.cfg.EnginePath); dir != "" {
		p.Dirs = append(p.Dirs, dir)
	}
	p.Dirs = append(p.Dirs, l.cfg.SearchPaths...)

	root := l.cfg.SystemRoot
	if root == "" {
		r, err := l.host.SystemRoot()
		if err != nil {
			plog.Logger().Warn("no system root, system directories will not be searched", zap.Error(err))
		}
		root = r
	}
	if root != "" {
		p.System = filepath.Join(root, "system32")
		p.Windows = root
	}
	return p
}

// SetFatal replaces the handler for static-TLS configuration errors.
// The default logs at fatal level and exits.
func (l *Loader) SetFatal(fn func(error)) { l.tls.Fatal = fn }

// Init sets up the private heap and PEB, registers the external
// images, loads the configured clients and decides whether the PEB is
// swapped.
func (l *Loader) Init() error {
	l.reg.Lock()
	defer l.reg.Unlock()
	if l.initialized {
		return nil
	}

	heap, err := privheap.New(l.host.Space())
	if err != nil {
		return loaderr.Runtime("init", "", err, "create private heap")
	}
	l.heap, l.tls.Heap = heap, heap

	peb := l.host.ProcessEnvironment()
	if l.appHeap, err = vm.ReadPtr(l.host.Space(), peb+l.layout.ProcessHeap, l.layout.PtrSize); err != nil {
		return loaderr.Runtime("init", "", err, "read process heap")
	}
	l.proc = isolate.NewProcess(l.host.Space(), l.layout, peb, l.cfg.PrivatePEB)
	l.proc.SetEngineMemory(l.engineMemory)
	if l.cfg.PrivatePEB {
		if err := l.proc.CreatePrivate(heap.Handle(), l.host.InitCriticalSection); err != nil {
			return loaderr.Runtime("init", "", err, "create private PEB")
		}
	}

	for _, e := range l.exts {
		m := l.reg.Insert(nil, e.Base, e.Size, e.Name, e.Path)
		m.ExternallyLoaded = true
		if e.Engine && l.resolver.Engine == "" {
			l.resolver.Engine = e.Name
		}
		plog.Logger().Debug("external module registered", zap.String("module", e.Name), zap.Uintptr("base", e.Base))
	}

	l.starting = true
	defer func() { l.starting = false }()
	for _, path := range l.cfg.Clients {
		m, err := l.loadPath(path, nil, false)
		if err != nil {
			return fmt.Errorf("load client %s: %w", path, err)
		}
		m.IsClient = true
		l.proc.NoteClient(m.Name)
	}

	l.proc.Decide()
	l.initialized = true
	plog.Logger().Info("private loader initialized",
		zap.Int("modules", l.reg.Len()), zap.Bool("peb_isolation", l.proc.Enabled()))
	return nil
}

// Exit unloads every private module from the head of the list, points
// every registered thread back at the application PEB, then frees the
// private PEB and heap. Redirected heap calls pass through afterwards.
func (l *Loader) Exit() error {
	l.reg.Lock()
	defer l.reg.Unlock()
	if !l.initialized {
		return nil
	}

	var errs []error
	for m := l.reg.First(); m != nil; m = l.reg.First() {
		m.RefCount = 1
		if m.ExternallyLoaded {
			l.reg.Release(m)
			continue
		}
		if err := l.release(m); err != nil {
			errs = append(errs, err)
		}
	}

	l.threadsMu.Lock()
	for _, t := range l.threads {
		if err := t.shadow.ResetPEB(); err != nil {
			errs = append(errs, fmt.Errorf("thread %d: reset PEB: %w", t.id, err))
		}
	}
	l.threadsMu.Unlock()

	errs = append(errs, l.proc.Destroy(), l.heap.Destroy())
	l.heap = nil
	l.initialized = false
	plog.Logger().Info("private loader exited")
	return errors.Join(errs...)
}

// LoadByName loads the named library, or adds a reference if it is
// already loaded, and returns its base.
func (l *Loader) LoadByName(name string) (uintptr, error) {
	l.reg.Lock()
	defer l.reg.Unlock()
	if !l.initialized && !l.starting {
		return 0, loaderr.Runtime("load", name, nil, "loader not initialized")
	}
	m, err := l.loadByName(name)
	if err != nil {
		return 0, err
	}
	return m.Base, nil
}

func (l *Loader) loadByName(name string) (*module.Module, error) {
	name = l.resolver.HostName(name, l.cfg.EngineName)
	if m := l.reg.Lookup(imports.BaseName(name)); m != nil {
		m.RefCount++
		return m, nil
	}
	path, system, ok := l.resolver.Search.Locate(name)
	if !ok {
		return nil, loaderr.Load("load", name, loaderr.ErrNotFound, "not in search path")
	}
	return l.loadPath(path, nil, system)
}

// loadPath maps, links and initializes the image at path. On failure
// the image itself is unloaded again; dependencies it pulled in stay.
func (l *Loader) loadPath(path string, dependent *module.Module, system bool) (*module.Module, error) {
	var flags image.Flags
	if l.cfg.MapReachable {
		flags |= image.MapReachable
	}
	mp, err := l.mapper.MapAndRelocate(path, flags)
	if err != nil {
		return nil, err
	}
	m := l.reg.Insert(dependent, mp.Base, mp.Size, mp.Name, path)
	if system && l.proc != nil {
		l.proc.NoteSystemLib(m.Name)
	}

	discard := func(err error) (*module.Module, error) {
		plog.Logger().Error("load failed", zap.String("module", m.Name), zap.Error(err))
		m.RefCount = 1
		l.reg.Release(m)
		return nil, errors.Join(err, l.mapper.Unmap(mp.Base))
	}
	if err := l.resolver.ProcessImports(m); err != nil {
		return discard(err)
	}
	if err := l.tls.Finalize(m); err != nil {
		return discard(err)
	}
	if m.IsClient && l.proc != nil {
		l.proc.NoteClient(m.Name)
	}

	st := l.currentTLS()
	if err := l.tls.Dispatch(m, st, statictls.ProcessInit); err != nil {
		return discard(err)
	}
	if err := l.tls.CallEntry(m, statictls.ProcessInit); err != nil {
		return discard(err)
	}
	plog.Logger().Info("loaded private library",
		zap.String("module", m.Name), zap.String("path", path),
		zap.Uintptr("base", m.Base), zap.Bool("relocated", mp.Relocated), zap.Bool("client", m.IsClient))
	return m, nil
}

// Unload drops one reference to the library at base, tearing it down
// at zero.
func (l *Loader) Unload(base uintptr) error {
	l.reg.Lock()
	defer l.reg.Unlock()
	m := l.reg.LookupByBase(base)
	if m == nil {
		return loaderr.Runtime("unload", fmt.Sprintf("%#x", base), loaderr.ErrNotLoaded, "no private library at base")
	}
	return l.release(m)
}

// release drops a reference. The last reference of a private module
// runs its exit notifications, releases its imports and unmaps it.
// External modules keep their last reference.
func (l *Loader) release(m *module.Module) error {
	if m.RefCount > 1 {
		m.RefCount--
		return nil
	}
	if m.ExternallyLoaded {
		return nil
	}

	var errs []error
	if err := l.tls.Dispatch(m, l.currentTLS(), statictls.ProcessExit); err != nil {
		errs = append(errs, err)
	}
	if err := l.tls.CallEntry(m, statictls.ProcessExit); err != nil {
		errs = append(errs, err)
	}
	l.fls.dropModule(m)
	// imports are released before the module leaves the list so that a
	// dependency cycle cannot reach it again
	m.RefCount++
	if err := l.resolver.UnloadImports(m); err != nil {
		errs = append(errs, err)
	}
	m.RefCount = 1
	l.reg.Release(m)
	if err := l.mapper.Unmap(m.Base); err != nil {
		errs = append(errs, err)
	}
	plog.Logger().Info("unloaded private library", zap.String("module", m.Name), zap.Uintptr("base", m.Base))
	return errors.Join(errs...)
}

// Modules returns the registry in list order, dependents first.
func (l *Loader) Modules() []ModuleInfo {
	l.reg.Lock()
	defer l.reg.Unlock()
	mods := l.reg.Modules()
	out := make([]ModuleInfo, 0, len(mods))
	for _, m := range mods {
		out = append(out, ModuleInfo{
			Name:     m.Name,
			Path:     m.Path,
			Base:     m.Base,
			Size:     m.Size,
			RefCount: m.RefCount,
			External: m.ExternallyLoaded,
			Client:   m.IsClient,
		})
	}
	return out
}

// InPrivateLibrary reports whether pc lies in a privately loaded
// library. It takes no lock.
func (l *Loader) InPrivateLibrary(pc uintptr) bool {
	m := l.reg.ModuleAt(pc)
	return m != nil && !m.ExternallyLoaded
}

// engineMemory reports whether addr lies in the private heap or in a
// privately loaded image.
func (l *Loader) engineMemory(addr uintptr) bool {
	if h := l.heap; h != nil && h.Contains(addr) {
		return true
	}
	return l.InPrivateLibrary(addr)
}

// LinkEngine resolves the engine image's imports from its base library
// without using the heap, before the rest of the loader is usable.
func LinkEngine(mem bootstrap.Memory, engine, baseLib uintptr) error {
	if err := bootstrap.Link(mem, engine, baseLib); err != nil {
		return loaderr.Load("link engine", fmt.Sprintf("%#x", engine), err, "against %#x", baseLib)
	}
	return nil
}

// PEBIsolated reports whether threads swap the PEB field.
func (l *Loader) PEBIsolated() bool {
	return l.proc != nil && l.proc.Enabled()
}

// PrivateHeap returns the heap handed to private libraries, or nil
// outside Init and Exit.
func (l *Loader) PrivateHeap() *privheap.Heap { return l.heap }
