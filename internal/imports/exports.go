// Package imports links private modules: it walks import descriptors,
// maps API-set contracts to their hosts, finds and loads dependencies,
// follows export forwarders and patches the IAT.
package imports

import (
	"fmt"
	"strconv"
	"strings"

	"privload/internal/loaderr"
	"privload/internal/vm"
	"privload/internal/winnt"
)

// maxNameLen bounds symbol and DLL names read from images.
const maxNameLen = 512

// Symbol names an import or export, either by name or by ordinal. Hint
// is the import's guess at the name's index in the export name table.
type Symbol struct {
	Name      string
	Ordinal   uint16
	Hint      uint16
	ByOrdinal bool
}

func (s Symbol) String() string {
	if s.ByOrdinal {
		return "#" + strconv.Itoa(int(s.Ordinal))
	}
	return s.Name
}

// Exports is the export directory of a mapped image.
type Exports struct {
	space vm.Space
	base  uintptr
	dir   winnt.IMAGE_EXPORT_DIRECTORY
	// [start, end) is the directory's RVA range; function RVAs inside
	// it are forwarder strings.
	start, end uint32
}

// ReadExports decodes the export directory of the image at base. An
// image without exports yields nil.
func ReadExports(s vm.Space, base uintptr, h *winnt.Headers) (*Exports, error) {
	d := h.Directory(winnt.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if d.VirtualAddress == 0 || d.Size == 0 {
		return nil, nil
	}
	if uint64(d.VirtualAddress)+uint64(d.Size) > uint64(h.SizeOfImage) {
		return nil, fmt.Errorf("export directory outside image: %w", loaderr.ErrMalformed)
	}
	dir, err := winnt.ReadStruct[winnt.IMAGE_EXPORT_DIRECTORY](s, base+uintptr(d.VirtualAddress))
	if err != nil {
		return nil, fmt.Errorf("read export directory: %w", err)
	}
	return &Exports{
		space: s,
		base:  base,
		dir:   dir,
		start: d.VirtualAddress,
		end:   d.VirtualAddress + d.Size,
	}, nil
}

// Name is the DLL name recorded in the directory, or "".
func (e *Exports) Name() string {
	if e.dir.Name == 0 {
		return ""
	}
	name, err := vm.ReadCString(e.space, e.base+uintptr(e.dir.Name), maxNameLen)
	if err != nil {
		return ""
	}
	return name
}

// Export is a resolved export: either an address in the image or a
// forwarder string.
type Export struct {
	Addr    uintptr
	Forward string
}

// Lookup finds sym. It reports ok=false when the image does not export it.
func (e *Exports) Lookup(sym Symbol) (Export, bool, error) {
	var (
		index uint32
		ok    bool
		err   error
	)
	if sym.ByOrdinal {
		index, ok = e.ordinalIndex(sym.Ordinal)
	} else {
		index, ok, err = e.nameIndex(sym.Name, sym.Hint)
	}
	if err != nil || !ok {
		return Export{}, false, err
	}

	rva, err := vm.ReadU32(e.space, e.base+uintptr(e.dir.AddressOfFunctions)+4*uintptr(index))
	if err != nil {
		return Export{}, false, err
	}
	if rva == 0 {
		return Export{}, false, nil
	}
	if rva >= e.start && rva < e.end {
		fwd, err := vm.ReadCString(e.space, e.base+uintptr(rva), maxNameLen)
		if err != nil {
			return Export{}, false, err
		}
		return Export{Forward: fwd}, true, nil
	}
	return Export{Addr: e.base + uintptr(rva)}, true, nil
}

func (e *Exports) ordinalIndex(ordinal uint16) (uint32, bool) {
	if uint32(ordinal) < e.dir.Base {
		return 0, false
	}
	index := uint32(ordinal) - e.dir.Base
	return index, index < e.dir.NumberOfFunctions
}

func (e *Exports) nameAt(i uint32) (string, error) {
	rva, err := vm.ReadU32(e.space, e.base+uintptr(e.dir.AddressOfNames)+4*uintptr(i))
	if err != nil {
		return "", err
	}
	return vm.ReadCString(e.space, e.base+uintptr(rva), maxNameLen)
}

func (e *Exports) ordinalAt(i uint32) (uint32, error) {
	v, err := vm.ReadU16(e.space, e.base+uintptr(e.dir.AddressOfNameOrdinals)+2*uintptr(i))
	return uint32(v), err
}

// nameIndex tries the hint first, then binary-searches the sorted name
// table.
func (e *Exports) nameIndex(name string, hint uint16) (uint32, bool, error) {
	n := e.dir.NumberOfNames
	if uint32(hint) < n {
		got, err := e.nameAt(uint32(hint))
		if err != nil {
			return 0, false, err
		}
		if got == name {
			idx, err := e.ordinalAt(uint32(hint))
			return idx, err == nil, err
		}
	}
	lo, hi := uint32(0), n
	for lo < hi {
		mid := lo + (hi-lo)/2
		got, err := e.nameAt(mid)
		if err != nil {
			return 0, false, err
		}
		switch c := strings.Compare(got, name); {
		case c == 0:
			idx, err := e.ordinalAt(mid)
			return idx, err == nil, err
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false, nil
}

// ParseForwarder splits "Mod.Func" or "Mod.#N" into the target DLL
// name and symbol.
func ParseForwarder(fwd string) (string, Symbol, error) {
	i := strings.LastIndexByte(fwd, '.')
	if i <= 0 || i == len(fwd)-1 {
		return "", Symbol{}, fmt.Errorf("forwarder %q: %w", fwd, loaderr.ErrMalformed)
	}
	dll, fn := fwd[:i]+".dll", fwd[i+1:]
	if fn[0] == '#' {
		n, err := strconv.ParseUint(fn[1:], 10, 16)
		if err != nil {
			return "", Symbol{}, fmt.Errorf("forwarder %q: %w", fwd, loaderr.ErrMalformed)
		}
		return dll, Symbol{Ordinal: uint16(n), ByOrdinal: true}, nil
	}
	return dll, Symbol{Name: fn}, nil
}
