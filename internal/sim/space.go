// Package sim is an in-process stand-in for a Windows address space,
// thread blocks and foreign code. It backs the tests and the CLI's
// dry-run loads on any OS.
package sim

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"privload/internal/vm"
)

const (
	pageSize    = 0x1000
	granularity = 0x10000
)

type region struct {
	base, size uintptr
	data       []byte
	prot       []vm.Prot
}

func (r *region) end() uintptr { return r.base + r.size }

// Stats counts operations performed on a Space.
type Stats struct {
	Allocs   int
	Frees    int
	Protects int
}

// Space is a simulated address space. Reads and writes honor page
// protections the way hardware would.
type Space struct {
	mu      sync.Mutex
	regions *btree.BTreeG[*region]
	next    uintptr
	reachLo uintptr
	reachHi uintptr
	stats   Stats
}

func NewSpace() *Space {
	return &Space{
		regions: btree.NewG(8, func(a, b *region) bool { return a.base < b.base }),
		next:    0x10000000,
		reachLo: 0x70000000,
		reachHi: 0x7fff0000,
	}
}

// SetReachable sets the window AllocReachable places regions in.
func (s *Space) SetReachable(lo, hi uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachLo, s.reachHi = lo, hi
}

func (s *Space) PageSize() uintptr { return pageSize }

// find returns the region containing addr.
func (s *Space) find(addr uintptr) *region {
	var hit *region
	s.regions.DescendLessOrEqual(&region{base: addr}, func(r *region) bool {
		if addr < r.end() {
			hit = r
		}
		return false
	})
	return hit
}

func (s *Space) isFree(base, size uintptr) bool {
	if base == 0 || base+size < base {
		return false
	}
	free := true
	s.regions.DescendLessOrEqual(&region{base: base + size - 1}, func(r *region) bool {
		free = r.end() <= base
		return false
	})
	return free
}

func (s *Space) place(base, size uintptr, prot vm.Prot) uintptr {
	r := &region{base: base, size: size, data: make([]byte, size), prot: make([]vm.Prot, size/pageSize)}
	for i := range r.prot {
		r.prot[i] = prot
	}
	s.regions.ReplaceOrInsert(r)
	s.stats.Allocs++
	return base
}

func (s *Space) Alloc(hint, size uintptr, prot vm.Prot) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc of zero bytes")
	}
	size = vm.AlignUp(size, pageSize)
	s.mu.Lock()
	defer s.mu.Unlock()

	if hint != 0 {
		hint = vm.AlignDown(hint, granularity)
		if s.isFree(hint, size) {
			return s.place(hint, size, prot), nil
		}
	}
	for cand := s.next; cand+size > cand; cand += granularity {
		if s.isFree(cand, size) {
			s.next = vm.AlignUp(cand+size, granularity)
			return s.place(cand, size, prot), nil
		}
	}
	return 0, vm.ErrNoSpace
}

func (s *Space) AllocReachable(size uintptr, prot vm.Prot) (uintptr, error) {
	size = vm.AlignUp(size, pageSize)
	s.mu.Lock()
	defer s.mu.Unlock()

	for cand := vm.AlignUp(s.reachLo, granularity); cand+size <= s.reachHi; cand += granularity {
		if s.isFree(cand, size) {
			return s.place(cand, size, prot), nil
		}
	}
	return 0, vm.ErrUnreachable
}

func (s *Space) Free(base uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(base)
	if r == nil || r.base != base {
		return fmt.Errorf("free %#x: %w", base, vm.ErrUnmapped)
	}
	s.regions.Delete(r)
	s.stats.Frees++
	return nil
}

// span returns the region holding all of [addr, addr+n) and the page
// index range it covers.
func (s *Space) span(addr, n uintptr) (*region, int, int, error) {
	r := s.find(addr)
	if r == nil || n > r.end()-addr {
		return nil, 0, 0, fmt.Errorf("%#x+%#x: %w", addr, n, vm.ErrUnmapped)
	}
	first := int((addr - r.base) / pageSize)
	last := first
	if n > 0 {
		last = int((addr + n - 1 - r.base) / pageSize)
	}
	return r, first, last, nil
}

func (s *Space) Protect(addr, size uintptr, prot vm.Prot) (vm.Prot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, first, last, err := s.span(addr, size)
	if err != nil {
		return 0, err
	}
	old := r.prot[first]
	for i := first; i <= last; i++ {
		r.prot[i] = prot
	}
	s.stats.Protects++
	return old, nil
}

func (s *Space) Read(addr uintptr, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, first, last, err := s.span(addr, uintptr(len(p)))
	if err != nil {
		return err
	}
	for i := first; i <= last; i++ {
		if !r.prot[i].Readable() {
			return fmt.Errorf("read %#x: %w", addr, vm.ErrProtection)
		}
	}
	copy(p, r.data[addr-r.base:])
	return nil
}

func (s *Space) Write(addr uintptr, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, first, last, err := s.span(addr, uintptr(len(p)))
	if err != nil {
		return err
	}
	for i := first; i <= last; i++ {
		if !r.prot[i].Writable() {
			return fmt.Errorf("write %#x: %w", addr, vm.ErrProtection)
		}
	}
	copy(r.data[addr-r.base:], p)
	return nil
}

// Peek copies n bytes at addr regardless of protection.
func (s *Space) Peek(addr, n uintptr) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _, _, err := s.span(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), r.data[addr-r.base:addr-r.base+n]...), nil
}

// ProtAt returns the protection of the page holding addr.
func (s *Space) ProtAt(addr uintptr) (vm.Prot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(addr)
	if r == nil {
		return 0, false
	}
	return r.prot[(addr-r.base)/pageSize], true
}

func (s *Space) Query(addr uintptr) (vm.Prot, error) {
	if p, ok := s.ProtAt(addr); ok {
		return p, nil
	}
	return 0, fmt.Errorf("query %#x: %w", addr, vm.ErrUnmapped)
}

// Mapped reports whether addr lies in an allocated region.
func (s *Space) Mapped(addr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(addr) != nil
}

// Regions returns the number of live allocations.
func (s *Space) Regions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.Len()
}

func (s *Space) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
