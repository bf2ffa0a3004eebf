package imports

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"privload/internal/loaderr"
	"privload/internal/module"
	"privload/internal/plog"
	"privload/internal/vm"
	"privload/internal/winnt"
)

// maxForwardHops bounds forwarder chains so that a cycle fails the
// import instead of hanging the load.
const maxForwardHops = 32

// Redirector may replace the address an import of sym from mod
// resolved to. It returns resolved to keep it.
type Redirector func(mod *module.Module, sym Symbol, resolved uintptr) uintptr

// Resolver links modules held in Registry. All methods require the
// registry lock.
type Resolver struct {
	Space    vm.Space
	Registry *module.Registry
	Search   *SearchPath
	APISet   *APISet
	Version  winnt.Version

	// Load maps and links the library at path on behalf of dependent.
	// system reports that it came from a system directory.
	Load func(path string, dependent *module.Module, system bool) (*module.Module, error)
	// Unload drops one reference to a dependency.
	Unload func(m *module.Module) error

	Redirect Redirector
	// Engine is the engine module's name; importers of it are clients.
	Engine string
}

// HostName maps an API-set contract name to its host DLL. Other names
// are returned unchanged.
func (r *Resolver) HostName(name, importer string) string {
	if r.APISet != nil && r.Version.AtLeast(winnt.Windows7) && IsAPISet(name) {
		host := r.APISet.Resolve(name, importer, r.Version)
		plog.Logger().Debug("API set redirected",
			zap.String("name", name), zap.String("host", host), zap.String("importer", importer))
		return host
	}
	return name
}

// acquire returns the module for an import descriptor's DLL name, adding
// a reference when it is already loaded.
func (r *Resolver) acquire(name string, importer *module.Module) (*module.Module, error) {
	name = r.HostName(name, importer.Name)
	if m := r.Registry.Lookup(BaseName(name)); m != nil {
		m.RefCount++
		return m, nil
	}
	return r.locateAndLoad(name, importer)
}

// forwardTarget is acquire for forwarder targets, which hold no
// reference of their own.
func (r *Resolver) forwardTarget(name string, from *module.Module) (*module.Module, error) {
	name = r.HostName(name, from.Name)
	if m := r.Registry.Lookup(BaseName(name)); m != nil {
		return m, nil
	}
	return r.locateAndLoad(name, from)
}

func (r *Resolver) locateAndLoad(name string, dependent *module.Module) (*module.Module, error) {
	path, system, ok := r.Search.Locate(name)
	if !ok {
		return nil, loaderr.Load("locate", name, loaderr.ErrNotFound, "needed by %s", dependent.Name)
	}
	return r.Load(path, dependent, system)
}

func (r *Resolver) isClientDep(dep *module.Module) bool {
	return dep.IsClient || (r.Engine != "" && strings.EqualFold(dep.Name, r.Engine))
}

// descriptor is one decoded import descriptor.
type descriptor struct {
	winnt.IMAGE_IMPORT_DESCRIPTOR
	dll string
}

// walkDescriptors calls fn for each import descriptor of mod.
func (r *Resolver) walkDescriptors(mod *module.Module, h *winnt.Headers, fn func(d descriptor) error) error {
	dir := h.Directory(winnt.IMAGE_DIRECTORY_ENTRY_IMPORT)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil
	}
	if uint64(dir.VirtualAddress)+uint64(dir.Size) > uint64(h.SizeOfImage) {
		return loaderr.Load("imports", mod.Name, loaderr.ErrMalformed, "import directory outside image")
	}

	const descSize = 20
	for addr := mod.Base + uintptr(dir.VirtualAddress); ; addr += descSize {
		if addr+descSize > mod.Base+uintptr(h.SizeOfImage) {
			return loaderr.Load("imports", mod.Name, loaderr.ErrMalformed, "unterminated import directory")
		}
		d, err := winnt.ReadStruct[winnt.IMAGE_IMPORT_DESCRIPTOR](r.Space, addr)
		if err != nil {
			return loaderr.Load("imports", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read descriptor")
		}
		if d.OriginalFirstThunk == 0 {
			return nil
		}
		dll, err := vm.ReadCString(r.Space, mod.Base+uintptr(d.Name), maxNameLen)
		if err != nil {
			return loaderr.Load("imports", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read descriptor name")
		}
		if err := fn(descriptor{d, dll}); err != nil {
			return err
		}
	}
}

// ProcessImports resolves every import of mod and writes its IAT.
// Dependencies are located and loaded as needed. On failure the
// dependencies already linked stay loaded.
func (r *Resolver) ProcessImports(mod *module.Module) error {
	h, err := winnt.ReadHeaders(r.Space, mod.Base)
	if err != nil {
		return loaderr.Load("imports", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read headers")
	}
	return r.walkDescriptors(mod, h, func(d descriptor) error {
		if d.TimeDateStamp != 0 {
			plog.Logger().Debug("bound import, rebinding",
				zap.String("module", mod.Name), zap.String("dll", d.dll), zap.Uint32("timestamp", d.TimeDateStamp))
		}
		dep, err := r.acquire(d.dll, mod)
		if err != nil {
			return err
		}
		if r.isClientDep(dep) {
			mod.IsClient = true
		}
		return r.bind(mod, h, d, dep)
	})
}

// bind walks the lookup and address thunk arrays of d in lockstep.
func (r *Resolver) bind(mod *module.Module, h *winnt.Headers, d descriptor, dep *module.Module) (err error) {
	var (
		ptr    = h.PtrSize()
		flag   = h.OrdinalFlag()
		lookup = mod.Base + uintptr(d.OriginalFirstThunk)
		iat    = mod.Base + uintptr(d.FirstThunk)
		patch  = iatPatch{space: r.Space}
	)
	defer func() {
		err = errors.Join(err, patch.done())
	}()

	for i := uintptr(0); ; i++ {
		thunk, err := readThunk(r.Space, lookup+i*uintptr(ptr), ptr)
		if err != nil {
			return loaderr.Load("imports", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read thunk")
		}
		if thunk == 0 {
			return nil
		}

		var sym Symbol
		if thunk&flag != 0 {
			sym = Symbol{Ordinal: uint16(thunk), ByOrdinal: true}
		} else {
			at := mod.Base + uintptr(thunk&0x7fffffff)
			hint, err := vm.ReadU16(r.Space, at)
			if err != nil {
				return loaderr.Load("imports", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read hint")
			}
			name, err := vm.ReadCString(r.Space, at+2, maxNameLen)
			if err != nil {
				return loaderr.Load("imports", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read import name")
			}
			sym = Symbol{Name: name, Hint: hint}
		}

		addr, err := r.ResolveExport(dep, sym)
		if err != nil {
			return loaderr.Load("imports", mod.Name, err, "%s!%s", d.dll, sym)
		}
		plog.Logger().Debug("import",
			zap.String("module", mod.Name), zap.String("dll", dep.Name),
			zap.Stringer("symbol", sym), zap.Uintptr("addr", addr))
		if err := patch.write(iat+i*uintptr(ptr), ptr, addr); err != nil {
			return loaderr.Load("imports", mod.Name, err, "write IAT")
		}
	}
}

func readThunk(s vm.Space, addr uintptr, ptr int) (uint64, error) {
	if ptr == 4 {
		v, err := vm.ReadU32(s, addr)
		return uint64(v), err
	}
	return vm.ReadU64(s, addr)
}

// ResolveExport finds sym in mod, following forwarders and applying the
// redirect hook to the final target.
func (r *Resolver) ResolveExport(mod *module.Module, sym Symbol) (uintptr, error) {
	m, s := mod, sym
	for hop := 0; hop <= maxForwardHops; hop++ {
		h, err := winnt.ReadHeaders(r.Space, m.Base)
		if err != nil {
			return 0, fmt.Errorf("%s: %w: %w", m.Name, loaderr.ErrMalformed, err)
		}
		exports, err := ReadExports(r.Space, m.Base, h)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", m.Name, err)
		}
		if exports == nil {
			return 0, fmt.Errorf("%s has no exports: %w", m.Name, loaderr.ErrMissingImport)
		}
		exp, ok, err := exports.Lookup(s)
		if err != nil {
			return 0, fmt.Errorf("%s: %w: %w", m.Name, loaderr.ErrMalformed, err)
		}
		if !ok {
			return 0, fmt.Errorf("%s!%s: %w", m.Name, s, loaderr.ErrMissingImport)
		}
		if exp.Forward == "" {
			addr := exp.Addr
			if r.Redirect != nil {
				addr = r.Redirect(m, s, addr)
			}
			return addr, nil
		}

		dll, next, err := ParseForwarder(exp.Forward)
		if err != nil {
			return 0, err
		}
		target, err := r.forwardTarget(dll, m)
		if err != nil {
			if errors.Is(err, loaderr.ErrNotFound) {
				return 0, fmt.Errorf("forwarder %s: %w: %w", exp.Forward, loaderr.ErrMissingImport, err)
			}
			return 0, err
		}
		plog.Logger().Debug("forwarded export",
			zap.String("from", m.Name), zap.String("to", exp.Forward))
		m, s = target, next
	}
	return 0, fmt.Errorf("%s!%s: forwarder chain longer than %d: %w", mod.Name, sym, maxForwardHops, loaderr.ErrMalformed)
}

// UnloadImports releases every dependency named by mod's import
// descriptors.
func (r *Resolver) UnloadImports(mod *module.Module) error {
	h, err := winnt.ReadHeaders(r.Space, mod.Base)
	if err != nil {
		return loaderr.Load("unload imports", mod.Name, fmt.Errorf("%w: %w", loaderr.ErrMalformed, err), "read headers")
	}
	var errs []error
	err = r.walkDescriptors(mod, h, func(d descriptor) error {
		dep := r.Registry.Lookup(BaseName(r.HostName(d.dll, mod.Name)))
		if dep == nil {
			plog.Logger().Warn("dependency already gone",
				zap.String("module", mod.Name), zap.String("dll", d.dll))
			return nil
		}
		if err := r.Unload(dep); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	return errors.Join(append(errs, err)...)
}

// iatPatch makes IAT pages writable one page at a time, restoring the
// previous protection when the next entry leaves the page.
type iatPatch struct {
	space   vm.Space
	page    uintptr
	old     vm.Prot
	changed bool
}

func (p *iatPatch) write(addr uintptr, ptr int, v uintptr) error {
	size := p.space.PageSize()
	page := vm.AlignDown(addr, size)
	if !p.changed || page != p.page {
		if err := p.done(); err != nil {
			return err
		}
		prot, err := p.space.Query(page)
		if err != nil {
			return err
		}
		if !prot.Writable() {
			if _, err := p.space.Protect(page, size, prot.AddWrite()); err != nil {
				return err
			}
			p.page, p.old, p.changed = page, prot, true
		}
	}
	return vm.WritePtr(p.space, addr, ptr, v)
}

// done restores the protection of the current page, if it was changed.
func (p *iatPatch) done() error {
	if !p.changed {
		return nil
	}
	p.changed = false
	_, err := p.space.Protect(p.page, p.space.PageSize(), p.old)
	return err
}

// BaseName strips any directory, with either separator.
func BaseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
