// Package privheap is the engine-private heap handed to private
// libraries in place of the application's process heap.
package privheap

import (
	"errors"
	"sync"

	"privload/internal/vm"
)

const (
	chunkSize = 64 << 10
	align     = 16
	heapMagic = 0x7061656870697270 // "privheap"
)

var (
	ErrNotOwned  = errors.New("pointer not owned by private heap")
	ErrDestroyed = errors.New("private heap destroyed")
)

type block struct {
	cap  uintptr
	size uintptr
}

type chunk struct {
	base, size uintptr
}

// Heap is a size-class allocator over chunks of a vm.Space. Its handle
// is the address of a header page, so it can stand in for a HANDLE in
// PEB.ProcessHeap.
type Heap struct {
	mu     sync.Mutex
	space  vm.Space
	handle uintptr
	chunks []chunk
	live   map[uintptr]block
	free   map[uintptr][]uintptr
	cur    uintptr
	end    uintptr
}

func New(s vm.Space) (*Heap, error) {
	handle, err := s.Alloc(0, s.PageSize(), vm.ProtReadWrite)
	if err != nil {
		return nil, err
	}
	if err := vm.WriteU64(s, handle, heapMagic); err != nil {
		s.Free(handle)
		return nil, err
	}
	return &Heap{
		space:  s,
		handle: handle,
		live:   make(map[uintptr]block),
		free:   make(map[uintptr][]uintptr),
	}, nil
}

func (h *Heap) Handle() uintptr { return h.handle }

func (h *Heap) grow(need uintptr) error {
	size := uintptr(chunkSize)
	if need > size {
		size = vm.AlignUp(need, h.space.PageSize())
	}
	base, err := h.space.Alloc(0, size, vm.ProtReadWrite)
	if err != nil {
		return err
	}
	h.chunks = append(h.chunks, chunk{base: base, size: size})
	h.cur, h.end = base, base+size
	return nil
}

// Alloc returns size bytes, zeroed if zero is set.
func (h *Heap) Alloc(size uintptr, zero bool) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alloc(size, zero)
}

func (h *Heap) alloc(size uintptr, zero bool) (uintptr, error) {
	if h.live == nil {
		return 0, ErrDestroyed
	}
	cp := vm.AlignUp(size, align)
	if cp == 0 {
		cp = align
	}
	if list := h.free[cp]; len(list) > 0 {
		p := list[len(list)-1]
		h.free[cp] = list[:len(list)-1]
		h.live[p] = block{cap: cp, size: size}
		if zero {
			if err := vm.Zero(h.space, p, cp); err != nil {
				return 0, err
			}
		}
		return p, nil
	}
	if h.cur+cp > h.end || h.cur == 0 {
		if err := h.grow(cp); err != nil {
			return 0, err
		}
	}
	p := h.cur
	h.cur += cp
	h.live[p] = block{cap: cp, size: size}
	return p, nil
}

// Free releases p. It reports false if p did not come from h.
func (h *Heap) Free(p uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.live[p]
	if !ok {
		return false
	}
	delete(h.live, p)
	h.free[b.cap] = append(h.free[b.cap], p)
	return true
}

// Realloc resizes p, moving it when it does not fit. A zero p allocates.
func (h *Heap) Realloc(p, size uintptr, zero bool) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.live == nil {
		return 0, ErrDestroyed
	}
	if p == 0 {
		return h.alloc(size, zero)
	}
	b, ok := h.live[p]
	if !ok {
		return 0, ErrNotOwned
	}
	if size <= b.cap {
		if zero && size > b.size {
			if err := vm.Zero(h.space, p+b.size, size-b.size); err != nil {
				return 0, err
			}
		}
		h.live[p] = block{cap: b.cap, size: size}
		return p, nil
	}
	np, err := h.alloc(size, zero)
	if err != nil {
		return 0, err
	}
	if err := vm.Copy(h.space, np, p, b.size); err != nil {
		return 0, err
	}
	delete(h.live, p)
	h.free[b.cap] = append(h.free[b.cap], p)
	return np, nil
}

// Size returns the requested size of p.
func (h *Heap) Size(p uintptr) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.live[p]
	return b.size, ok
}

// Contains reports whether addr lies in memory owned by h.
func (h *Heap) Contains(addr uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.live == nil {
		return false
	}
	if addr >= h.handle && addr < h.handle+h.space.PageSize() {
		return true
	}
	for _, c := range h.chunks {
		if addr >= c.base && addr < c.base+c.size {
			return true
		}
	}
	return false
}

// Destroy releases every chunk and the handle page. Afterwards Alloc
// and Realloc fail with ErrDestroyed and nothing is owned.
func (h *Heap) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live == nil {
		return nil
	}

	var errs []error
	for _, c := range h.chunks {
		errs = append(errs, h.space.Free(c.base))
	}
	errs = append(errs, h.space.Free(h.handle))
	h.chunks, h.live, h.free = nil, nil, nil
	h.cur, h.end = 0, 0
	return errors.Join(errs...)
}
