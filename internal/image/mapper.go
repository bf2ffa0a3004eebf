// Package image maps PE files into an address space the way the OS
// loader's image sections do, and relocates them.
package image

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"privload/internal/loaderr"
	"privload/internal/plog"
	"privload/internal/vm"
	"privload/internal/winnt"
)

type Flags uint32

const (
	// MapReachable places the image within rel32 reach of the engine.
	MapReachable Flags = 1 << iota
)

// Mapper maps images into Space for a host of the given Machine.
type Mapper struct {
	Space   vm.Space
	Machine uint16
	// Open opens the image file; nil means os.Open.
	Open func(path string) (*os.File, error)
}

// Mapping is a mapped, relocated image.
type Mapping struct {
	Base      uintptr
	Size      uintptr
	Name      string
	Headers   *winnt.Headers
	Relocated bool
}

// ProtectionFlags[executable][readable][writable]
var ProtectionFlags = [2][2][2]vm.Prot{
	{
		{vm.ProtNoAccess, vm.ProtWriteCopy},
		{vm.ProtReadOnly, vm.ProtReadWrite},
	},
	{
		{vm.ProtExecute, vm.ProtExecuteWriteCopy},
		{vm.ProtExecuteRead, vm.ProtExecuteReadWrite},
	},
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SectionProtection maps IMAGE_SCN_* characteristics to a page protection.
func SectionProtection(characteristics uint32) vm.Prot {
	p := ProtectionFlags[b2i(characteristics&winnt.IMAGE_SCN_MEM_EXECUTE != 0)][b2i(characteristics&winnt.IMAGE_SCN_MEM_READ != 0)][b2i(characteristics&winnt.IMAGE_SCN_MEM_WRITE != 0)]
	if characteristics&winnt.IMAGE_SCN_MEM_NOT_CACHED != 0 {
		p |= vm.ProtNoCache
	}
	return p
}

func (m *Mapper) open(path string) (*os.File, error) {
	if m.Open != nil {
		return m.Open(path)
	}
	return os.Open(path)
}

// MapAndRelocate maps the image at path. On any failure nothing stays
// mapped and the returned Mapping is nil.
func (m *Mapper) MapAndRelocate(path string, flags Flags) (*Mapping, error) {
	log := plog.Logger()

	f, err := m.open(path)
	if err != nil {
		return nil, loaderr.Load("map", path, loaderr.ErrNotFound, "%v", err)
	}
	view, err := mmap.Map(f, mmap.RDONLY, 0)
	f.Close()
	if err != nil {
		return nil, loaderr.Load("map", path, err, "view of image file")
	}
	defer view.Unmap()

	file, err := pe.NewFile(bytes.NewReader(view))
	if err != nil {
		return nil, loaderr.Load("map", path, loaderr.ErrMalformed, "%v", err)
	}

	mp, err := m.mapView(view, file, path, flags)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Mapping, error) {
		if ferr := m.Space.Free(mp.Base); ferr != nil {
			log.Warn("unmap after failed load", zap.String("path", path), zap.Error(ferr))
		}
		return nil, err
	}

	if file.FileHeader.Machine != m.Machine {
		log.Error("image bitness does not match host",
			zap.String("path", path),
			zap.String("image", winnt.MachineName(file.FileHeader.Machine)),
			zap.String("host", winnt.MachineName(m.Machine)))
		return fail(loaderr.Load("map", path, loaderr.ErrBitness, "image is %s, host is %s",
			winnt.MachineName(file.FileHeader.Machine), winnt.MachineName(m.Machine)))
	}

	if mp.Headers, err = winnt.ReadHeaders(m.Space, mp.Base); err != nil {
		return fail(loaderr.Load("map", path, loaderr.ErrMalformed, "%v", err))
	}
	h := mp.Headers

	if delta := uint64(mp.Base) - h.ImageBase; delta != 0 {
		if !h.Relocatable() {
			log.Error("image needs relocation but is not relocatable",
				zap.String("path", path), zap.Uintptr("preferred", uintptr(h.ImageBase)), zap.Uintptr("base", mp.Base))
			return fail(loaderr.Load("map", path, loaderr.ErrNotRelocatable, "mapped at %#x, preferred %#x", mp.Base, h.ImageBase))
		}
		if err := Relocate(m.Space, mp.Base, h, delta); err != nil {
			return fail(loaderr.Load("relocate", path, loaderr.ErrMalformed, "%v", err))
		}
		mp.Relocated = true
	}

	if err := initSecurityCookie(m.Space, mp.Base, h); err != nil {
		return fail(loaderr.Load("cookie", path, loaderr.ErrMalformed, "%v", err))
	}
	if err := m.protect(mp.Base, h); err != nil {
		return fail(loaderr.Load("protect", path, err, "section protections"))
	}

	mp.Name = exportName(m.Space, mp.Base, h)
	if mp.Name == "" {
		mp.Name = BaseName(path)
	}
	log.Debug("mapped image",
		zap.String("name", mp.Name),
		zap.Uintptr("base", mp.Base),
		zap.Uintptr("size", mp.Size),
		zap.Bool("relocated", mp.Relocated))
	return mp, nil
}

// mapView builds the image-structured view of the file: headers and each
// section's raw data at its RVA, the rest zero, all read-write.
func (m *Mapper) mapView(view []byte, file *pe.File, path string, flags Flags) (*Mapping, error) {
	var (
		preferred     uint64
		sizeOfImage   uint32
		sizeOfHeaders uint32
		dirs          []pe.DataDirectory
	)
	switch oh := file.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		preferred, sizeOfImage, sizeOfHeaders = oh.ImageBase, oh.SizeOfImage, oh.SizeOfHeaders
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader32:
		preferred, sizeOfImage, sizeOfHeaders = uint64(oh.ImageBase), oh.SizeOfImage, oh.SizeOfHeaders
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	default:
		return nil, loaderr.Load("map", path, loaderr.ErrMalformed, "no optional header")
	}
	if sizeOfImage == 0 || int(sizeOfHeaders) > len(view) {
		return nil, loaderr.Load("map", path, loaderr.ErrMalformed, "bad image or header size")
	}
	size := vm.AlignUp(uintptr(sizeOfImage), m.Space.PageSize())

	var (
		base uintptr
		err  error
	)
	if flags&MapReachable != 0 {
		stripped := file.FileHeader.Characteristics&winnt.IMAGE_FILE_RELOCS_STRIPPED != 0
		if stripped || len(dirs) <= winnt.IMAGE_DIRECTORY_ENTRY_BASERELOC || dirs[winnt.IMAGE_DIRECTORY_ENTRY_BASERELOC].Size == 0 {
			return nil, loaderr.Load("map", path, loaderr.ErrNotRelocatable, "reachable mapping requires relocations")
		}
		rs, ok := m.Space.(vm.ReachableSpace)
		if !ok {
			return nil, loaderr.Load("map", path, vm.ErrUnreachable, "address space has no reachable allocator")
		}
		base, err = rs.AllocReachable(size, vm.ProtReadWrite)
	} else {
		base, err = m.Space.Alloc(uintptr(preferred), size, vm.ProtReadWrite)
	}
	if err != nil {
		return nil, loaderr.Load("map", path, err, "reserve %#x bytes", size)
	}

	if err := m.copySections(base, size, view[:sizeOfHeaders], file); err != nil {
		m.Space.Free(base)
		return nil, loaderr.Load("map", path, loaderr.ErrMalformed, "%v", err)
	}
	return &Mapping{Base: base, Size: size}, nil
}

func (m *Mapper) copySections(base, size uintptr, headers []byte, file *pe.File) error {
	if err := m.Space.Write(base, headers); err != nil {
		return err
	}
	for _, s := range file.Sections {
		data, err := s.Data()
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		if s.VirtualSize != 0 && uint32(len(data)) > s.VirtualSize {
			data = data[:s.VirtualSize]
		}
		if uintptr(s.VirtualAddress)+uintptr(len(data)) > size {
			return fmt.Errorf("section %s outside image", s.Name)
		}
		if err := m.Space.Write(base+uintptr(s.VirtualAddress), data); err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
	}
	return nil
}

func (m *Mapper) protect(base uintptr, h *winnt.Headers) error {
	page := m.Space.PageSize()
	if _, err := m.Space.Protect(base, vm.AlignUp(uintptr(h.SizeOfHeaders), page), vm.ProtReadOnly); err != nil {
		return err
	}
	for i := range h.Sections {
		s := &h.Sections[i]
		size := s.VirtualSize
		if size == 0 {
			size = s.SizeOfRawData
		}
		if size == 0 {
			continue
		}
		if _, err := m.Space.Protect(base+uintptr(s.VirtualAddress), vm.AlignUp(uintptr(size), page), SectionProtection(s.Characteristics)); err != nil {
			return fmt.Errorf("section %s: %w", winnt.SectionName(s), err)
		}
	}
	return nil
}

// Unmap releases an image mapped by MapAndRelocate.
func (m *Mapper) Unmap(base uintptr) error {
	return m.Space.Free(base)
}

// exportName returns the DLL name recorded in the export directory.
func exportName(s vm.Space, base uintptr, h *winnt.Headers) string {
	d := h.Directory(winnt.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if d.VirtualAddress == 0 || d.Size == 0 {
		return ""
	}
	dir, err := winnt.ReadStruct[winnt.IMAGE_EXPORT_DIRECTORY](s, base+uintptr(d.VirtualAddress))
	if err != nil || dir.Name == 0 {
		return ""
	}
	name, err := vm.ReadCString(s, base+uintptr(dir.Name), 260)
	if err != nil {
		return ""
	}
	return name
}

// BaseName returns the last element of a Windows or slash path.
func BaseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
