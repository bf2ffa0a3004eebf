package module

import (
	"strings"
	"sync"

	"github.com/google/btree"
)

// Registry is the process-wide list of private modules, kept in
// reverse-dependency order so that unloading from the front never
// unloads a module before one that imports from it.
//
// Every method except Contains and ModuleAt requires the registry lock;
// callers take it once around composite load/link/unload sequences.
type Registry struct {
	lock RecursiveLock
	self func() uint64

	head, tail *Module
	count      int

	// areas indexes modules by base for address queries, which do not
	// take the registry lock.
	areasMu sync.RWMutex
	areas   *btree.BTreeG[*Module]
}

// NewRegistry returns an empty registry. self identifies the calling
// thread for lock ownership.
func NewRegistry(self func() uint64) *Registry {
	return &Registry{
		self:  self,
		areas: btree.NewG(4, func(a, b *Module) bool { return a.Base < b.Base }),
	}
}

func (r *Registry) Lock()   { r.lock.Lock(r.self()) }
func (r *Registry) Unlock() { r.lock.Unlock(r.self()) }

// Locked reports whether the calling thread holds the lock.
func (r *Registry) Locked() bool { return r.lock.OwnedBy(r.self()) }

func (r *Registry) assertLocked() {
	if !r.Locked() {
		panic("module: registry lock not held")
	}
}

// Insert records a new module after the module that depends on it, or
// at the head when after is nil. The new module starts with one reference.
func (r *Registry) Insert(after *Module, base, size uintptr, name, path string) *Module {
	r.assertLocked()
	m := &Module{
		Base:     base,
		Size:     size,
		Name:     name,
		Path:     path,
		RefCount: 1,
		Ext:      &Extension{TLSSlot: -1},
	}
	if after == nil {
		m.next = r.head
		if r.head != nil {
			r.head.prev = m
		} else {
			r.tail = m
		}
		r.head = m
	} else {
		m.prev, m.next = after, after.next
		if after.next != nil {
			after.next.prev = m
		} else {
			r.tail = m
		}
		after.next = m
	}
	r.count++

	r.areasMu.Lock()
	r.areas.ReplaceOrInsert(m)
	r.areasMu.Unlock()
	return m
}

// Lookup finds a module by name, ignoring case.
func (r *Registry) Lookup(name string) *Module {
	r.assertLocked()
	for m := r.head; m != nil; m = m.next {
		if strings.EqualFold(m.Name, name) {
			return m
		}
	}
	return nil
}

func (r *Registry) LookupByBase(base uintptr) *Module {
	r.assertLocked()
	r.areasMu.RLock()
	defer r.areasMu.RUnlock()
	m, ok := r.areas.Get(&Module{Base: base})
	if !ok {
		return nil
	}
	return m
}

func (r *Registry) First() *Module {
	r.assertLocked()
	return r.head
}

func (r *Registry) Next(m *Module) *Module {
	r.assertLocked()
	return m.next
}

// Modules returns the modules in list order.
func (r *Registry) Modules() []*Module {
	r.assertLocked()
	out := make([]*Module, 0, r.count)
	for m := r.head; m != nil; m = m.next {
		out = append(out, m)
	}
	return out
}

func (r *Registry) Len() int {
	r.assertLocked()
	return r.count
}

// Release drops one reference to m. At zero m is unlinked, removed from
// the address index and its extension freed; Release then reports true.
func (r *Registry) Release(m *Module) bool {
	r.assertLocked()
	m.RefCount--
	if m.RefCount > 0 {
		return false
	}
	if m.prev != nil {
		m.prev.next = m.next
	} else {
		r.head = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	} else {
		r.tail = m.prev
	}
	m.prev, m.next = nil, nil
	r.count--

	r.areasMu.Lock()
	r.areas.Delete(m)
	r.areasMu.Unlock()

	m.Ext = nil
	return true
}

// ModuleAt returns the module whose image contains addr. It does not
// need the registry lock.
func (r *Registry) ModuleAt(addr uintptr) *Module {
	r.areasMu.RLock()
	defer r.areasMu.RUnlock()

	var hit *Module
	r.areas.DescendLessOrEqual(&Module{Base: addr}, func(m *Module) bool {
		if m.Contains(addr) {
			hit = m
		}
		return false
	})
	return hit
}

// Contains reports whether addr lies in any private module.
func (r *Registry) Contains(addr uintptr) bool {
	return r.ModuleAt(addr) != nil
}
