// Package vm abstracts the address space private images are mapped into.
package vm

import (
	"encoding/binary"
	"errors"
)

// Prot is a page protection, using the PAGE_* encoding.
type Prot uint32

const (
	ProtNoAccess         Prot = 0x01
	ProtReadOnly         Prot = 0x02
	ProtReadWrite        Prot = 0x04
	ProtWriteCopy        Prot = 0x08
	ProtExecute          Prot = 0x10
	ProtExecuteRead      Prot = 0x20
	ProtExecuteReadWrite Prot = 0x40
	ProtExecuteWriteCopy Prot = 0x80
	ProtNoCache          Prot = 0x200
)

const protMask Prot = 0xff

func (p Prot) Readable() bool {
	return p&(ProtReadOnly|ProtReadWrite|ProtWriteCopy|ProtExecuteRead|ProtExecuteReadWrite|ProtExecuteWriteCopy) != 0
}

func (p Prot) Writable() bool {
	return p&(ProtReadWrite|ProtWriteCopy|ProtExecuteReadWrite|ProtExecuteWriteCopy) != 0
}

func (p Prot) Executable() bool {
	return p&(ProtExecute|ProtExecuteRead|ProtExecuteReadWrite|ProtExecuteWriteCopy) != 0
}

// AddWrite returns the writable protection closest to p.
func (p Prot) AddWrite() Prot {
	extra := p &^ protMask
	switch p & protMask {
	case ProtExecute, ProtExecuteRead, ProtExecuteReadWrite, ProtExecuteWriteCopy:
		return ProtExecuteReadWrite | extra
	default:
		return ProtReadWrite | extra
	}
}

var (
	ErrUnmapped    = errors.New("address not mapped")
	ErrProtection  = errors.New("access violates page protection")
	ErrNoSpace     = errors.New("no free region")
	ErrUnreachable = errors.New("no free region within reach")
)

// Space is an address space the loader can map, protect and patch.
type Space interface {
	PageSize() uintptr
	// Alloc commits size bytes with prot. A nonzero hint is tried first;
	// on conflict the space picks another address.
	Alloc(hint, size uintptr, prot Prot) (uintptr, error)
	// Free releases the region allocated at base.
	Free(base uintptr) error
	// Protect changes the protection of [addr, addr+size) and returns the
	// previous protection of the first page.
	Protect(addr, size uintptr, prot Prot) (Prot, error)
	// Query returns the protection of the page holding addr.
	Query(addr uintptr) (Prot, error)
	Read(addr uintptr, p []byte) error
	Write(addr uintptr, p []byte) error
}

// ReachableSpace can place allocations within a bounded displacement of
// the engine image.
type ReachableSpace interface {
	Space
	AllocReachable(size uintptr, prot Prot) (uintptr, error)
}

func AlignUp[T ~uintptr | ~uint32 | ~uint64](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

func AlignDown[T ~uintptr | ~uint32 | ~uint64](v, align T) T {
	return v &^ (align - 1)
}

func ReadU16(s Space, addr uintptr) (uint16, error) {
	var b [2]byte
	if err := s.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func ReadU32(s Space, addr uintptr) (uint32, error) {
	var b [4]byte
	if err := s.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func ReadU64(s Space, addr uintptr) (uint64, error) {
	var b [8]byte
	if err := s.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func WriteU16(s Space, addr uintptr, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return s.Write(addr, b[:])
}

func WriteU32(s Space, addr uintptr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.Write(addr, b[:])
}

func WriteU64(s Space, addr uintptr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return s.Write(addr, b[:])
}

// ReadPtr reads a pointer-sized value, where size is 4 or 8.
func ReadPtr(s Space, addr uintptr, size int) (uintptr, error) {
	if size == 4 {
		v, err := ReadU32(s, addr)
		return uintptr(v), err
	}
	v, err := ReadU64(s, addr)
	return uintptr(v), err
}

// WritePtr writes a pointer-sized value, where size is 4 or 8.
func WritePtr(s Space, addr uintptr, size int, v uintptr) error {
	if size == 4 {
		return WriteU32(s, addr, uint32(v))
	}
	return WriteU64(s, addr, uint64(v))
}

// ReadCString reads a NUL-terminated string of at most max bytes.
// Reads never cross into the next page unless the string does.
func ReadCString(s Space, addr uintptr, max int) (string, error) {
	var (
		out  []byte
		page = s.PageSize()
		buf  = make([]byte, 0, 64)
	)
	for len(out) < max {
		n := int(AlignDown(addr, page) + page - addr)
		if n > 64 {
			n = 64
		}
		if rest := max - len(out); n > rest {
			n = rest
		}
		buf = buf[:n]
		if err := s.Read(addr, buf); err != nil {
			return "", err
		}
		for i, c := range buf {
			if c == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf...)
		addr += uintptr(n)
	}
	return "", errors.New("string exceeds limit")
}

// Zero clears size bytes at addr.
func Zero(s Space, addr, size uintptr) error {
	var zero [512]byte
	for size > 0 {
		n := size
		if n > uintptr(len(zero)) {
			n = uintptr(len(zero))
		}
		if err := s.Write(addr, zero[:n]); err != nil {
			return err
		}
		addr += n
		size -= n
	}
	return nil
}

// Copy moves size bytes from src to dst within s.
func Copy(s Space, dst, src, size uintptr) error {
	buf := make([]byte, size)
	if err := s.Read(src, buf); err != nil {
		return err
	}
	return s.Write(dst, buf)
}
