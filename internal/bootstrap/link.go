// Package bootstrap links the engine's own image against its base
// library before anything else in the process can be used: no heap, no
// locks, no logging, and nothing but scalar memory access.
package bootstrap

import "errors"

var (
	ErrBadImage      = errors.New("bootstrap: bad image headers")
	ErrForeignImport = errors.New("bootstrap: import from a library other than the base library")
	ErrOrdinal       = errors.New("bootstrap: import by ordinal")
	ErrForwarder     = errors.New("bootstrap: forwarded export")
	ErrUnresolved    = errors.New("bootstrap: symbol not exported by the base library")
	ErrProtect       = errors.New("bootstrap: cannot change IAT protection")
)

const (
	pageSize      = 0x1000
	pageReadWrite = 0x04
	maxName       = 256
)

type image struct {
	base   uintptr
	is64   bool
	size   uint32
	dirOff uintptr
}

func parse(mem Memory, base uintptr) (image, bool) {
	if mem.U16(base) != 0x5a4d {
		return image{}, false
	}
	nt := base + uintptr(mem.U32(base+0x3c))
	if mem.U32(nt) != 0x00004550 {
		return image{}, false
	}
	opt := nt + 24
	im := image{base: base, size: mem.U32(opt + 56)}
	switch mem.U16(opt) {
	case 0x20b:
		im.is64, im.dirOff = true, opt+112
	case 0x10b:
		im.dirOff = opt + 96
	default:
		return image{}, false
	}
	return im, true
}

func (im image) dir(mem Memory, i uintptr) (rva, size uint32) {
	return mem.U32(im.dirOff + 8*i), mem.U32(im.dirOff + 8*i + 4)
}

func lower(c uint8) uint8 {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

func strlen(mem Memory, p uintptr) uintptr {
	n := uintptr(0)
	for n < maxName && mem.U8(p+n) != 0 {
		n++
	}
	return n
}

// stem is the length of the name at p without a ".dll" suffix.
func stem(mem Memory, p uintptr) uintptr {
	n := strlen(mem, p)
	if n >= 4 && mem.U8(p+n-4) == '.' && lower(mem.U8(p+n-3)) == 'd' &&
		lower(mem.U8(p+n-2)) == 'l' && lower(mem.U8(p+n-1)) == 'l' {
		return n - 4
	}
	return n
}

// sameLibrary compares two DLL names ignoring case and a ".dll" suffix.
func sameLibrary(mem Memory, a, b uintptr) bool {
	na, nb := stem(mem, a), stem(mem, b)
	if na != nb {
		return false
	}
	for i := uintptr(0); i < na; i++ {
		if lower(mem.U8(a+i)) != lower(mem.U8(b+i)) {
			return false
		}
	}
	return true
}

// compare orders the NUL-terminated strings at a and b bytewise.
func compare(mem Memory, a, b uintptr) int {
	for i := uintptr(0); i < maxName; i++ {
		ca, cb := mem.U8(a+i), mem.U8(b+i)
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		case ca == 0:
			return 0
		}
	}
	return 0
}

// lookup finds the export named by the string at name.
func lookup(mem Memory, lib image, name uintptr) (uintptr, error) {
	expRVA, expSize := lib.dir(mem, 0)
	if expRVA == 0 {
		return 0, ErrUnresolved
	}
	exp := lib.base + uintptr(expRVA)
	var (
		count = mem.U32(exp + 24)
		funcs = lib.base + uintptr(mem.U32(exp+28))
		names = lib.base + uintptr(mem.U32(exp+32))
		ords  = lib.base + uintptr(mem.U32(exp+36))
	)
	lo, hi := uint32(0), count
	for lo < hi {
		mid := lo + (hi-lo)/2
		c := compare(mem, lib.base+uintptr(mem.U32(names+4*uintptr(mid))), name)
		switch {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			idx := uintptr(mem.U16(ords + 2*uintptr(mid)))
			rva := mem.U32(funcs + 4*idx)
			if rva >= expRVA && rva < expRVA+expSize {
				return 0, ErrForwarder
			}
			return lib.base + uintptr(rva), nil
		}
	}
	return 0, ErrUnresolved
}

// Link resolves every import of the image at base against the library
// at baseLib and writes the IAT. The image may import from no other
// library.
func Link(mem Memory, base, baseLib uintptr) error {
	im, ok := parse(mem, base)
	if !ok {
		return ErrBadImage
	}
	lib, ok := parse(mem, baseLib)
	if !ok {
		return ErrBadImage
	}
	libExp, _ := lib.dir(mem, 0)
	if libExp == 0 {
		return ErrUnresolved
	}
	libName := baseLib + uintptr(mem.U32(baseLib+uintptr(libExp)+12))

	impRVA, impSize := im.dir(mem, 1)
	if impRVA == 0 || impSize == 0 {
		return nil
	}
	ptr := uintptr(4)
	flag := uint64(1) << 31
	if im.is64 {
		ptr, flag = 8, 1<<63
	}

	for desc := base + uintptr(impRVA); mem.U32(desc) != 0; desc += 20 {
		if !sameLibrary(mem, base+uintptr(mem.U32(desc+12)), libName) {
			return ErrForeignImport
		}
		lookupAt := base + uintptr(mem.U32(desc))
		iatAt := base + uintptr(mem.U32(desc+16))

		var page, old uintptr
		var raised bool
		restore := func() bool {
			if !raised {
				return true
			}
			raised = false
			_, ok := mem.Protect(page, pageSize, uint32(old))
			return ok
		}
		for i := uintptr(0); ; i++ {
			var thunk uint64
			if im.is64 {
				thunk = mem.U64(lookupAt + i*ptr)
			} else {
				thunk = uint64(mem.U32(lookupAt + i*ptr))
			}
			if thunk == 0 {
				break
			}
			if thunk&flag != 0 {
				restore()
				return ErrOrdinal
			}
			addr, err := lookup(mem, lib, base+uintptr(thunk&0x7fffffff)+2)
			if err != nil {
				restore()
				return err
			}

			slot := iatAt + i*ptr
			if p := slot &^ (pageSize - 1); !raised || p != page {
				if !restore() {
					return ErrProtect
				}
				prev, ok := mem.Protect(p, pageSize, pageReadWrite)
				if !ok {
					return ErrProtect
				}
				page, old, raised = p, uintptr(prev), true
			}
			if im.is64 {
				mem.PutU64(slot, uint64(addr))
			} else {
				mem.PutU32(slot, uint32(addr))
			}
		}
		if !restore() {
			return ErrProtect
		}
	}
	return nil
}
