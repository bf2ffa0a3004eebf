package winnt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"privload/internal/vm"
)

var ErrBadHeaders = errors.New("bad PE headers")

// Headers is the decoded DOS/NT header set of an image.
type Headers struct {
	Is64                bool
	FileHeader          IMAGE_FILE_HEADER
	ImageBase           uint64
	AddressOfEntryPoint uint32
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	DllCharacteristics  uint16
	NumberOfRvaAndSizes uint32
	DataDirectory       [IMAGE_NUMBEROF_DIRECTORY_ENTRIES]IMAGE_DATA_DIRECTORY
	Sections            []IMAGE_SECTION_HEADER
}

func (h *Headers) PtrSize() int {
	if h.Is64 {
		return 8
	}
	return 4
}

// Directory returns data directory i, or a zero entry if the image
// declares fewer directories.
func (h *Headers) Directory(i int) IMAGE_DATA_DIRECTORY {
	if i < 0 || uint32(i) >= h.NumberOfRvaAndSizes || i >= len(h.DataDirectory) {
		return IMAGE_DATA_DIRECTORY{}
	}
	return h.DataDirectory[i]
}

// Relocatable reports whether the image carries base relocations.
func (h *Headers) Relocatable() bool {
	if h.FileHeader.Characteristics&IMAGE_FILE_RELOCS_STRIPPED != 0 {
		return false
	}
	d := h.Directory(IMAGE_DIRECTORY_ENTRY_BASERELOC)
	return d.VirtualAddress != 0 && d.Size != 0
}

// OrdinalFlag is the thunk bit that marks an import by ordinal.
func (h *Headers) OrdinalFlag() uint64 {
	if h.Is64 {
		return IMAGE_ORDINAL_FLAG64
	}
	return IMAGE_ORDINAL_FLAG32
}

// ParseHeaders decodes the headers at the start of b, which may be a file
// or a mapped image.
func ParseHeaders(b []byte) (*Headers, error) {
	var dos IMAGE_DOS_HEADER
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &dos); err != nil {
		return nil, fmt.Errorf("%w: dos header: %v", ErrBadHeaders, err)
	}
	if dos.Magic != IMAGE_DOS_SIGNATURE {
		return nil, fmt.Errorf("%w: no DOS signature", ErrBadHeaders)
	}
	off := int(dos.Lfanew)
	if off <= 0 || off+4+binary.Size(IMAGE_FILE_HEADER{}) > len(b) {
		return nil, fmt.Errorf("%w: e_lfanew %#x out of range", ErrBadHeaders, dos.Lfanew)
	}
	if binary.LittleEndian.Uint32(b[off:]) != IMAGE_NT_SIGNATURE {
		return nil, fmt.Errorf("%w: no NT signature", ErrBadHeaders)
	}
	off += 4

	var h Headers
	if err := binary.Read(bytes.NewReader(b[off:]), binary.LittleEndian, &h.FileHeader); err != nil {
		return nil, fmt.Errorf("%w: file header: %v", ErrBadHeaders, err)
	}
	off += binary.Size(h.FileHeader)

	opt := b[off:]
	if len(opt) < int(h.FileHeader.SizeOfOptionalHeader) || len(opt) < 2 {
		return nil, fmt.Errorf("%w: truncated optional header", ErrBadHeaders)
	}
	opt = opt[:h.FileHeader.SizeOfOptionalHeader]
	le := binary.LittleEndian

	var dd []byte
	switch magic := le.Uint16(opt); magic {
	case IMAGE_NT_OPTIONAL_HDR64_MAGIC:
		if len(opt) < sizeofOptionalHeader64 {
			return nil, fmt.Errorf("%w: short PE32+ optional header", ErrBadHeaders)
		}
		h.Is64 = true
		h.ImageBase = le.Uint64(opt[24:])
		h.NumberOfRvaAndSizes = le.Uint32(opt[108:])
		dd = opt[sizeofOptionalHeader64:]
	case IMAGE_NT_OPTIONAL_HDR32_MAGIC:
		if len(opt) < sizeofOptionalHeader32 {
			return nil, fmt.Errorf("%w: short PE32 optional header", ErrBadHeaders)
		}
		h.ImageBase = uint64(le.Uint32(opt[28:]))
		h.NumberOfRvaAndSizes = le.Uint32(opt[92:])
		dd = opt[sizeofOptionalHeader32:]
	default:
		return nil, fmt.Errorf("%w: optional header magic %#x", ErrBadHeaders, magic)
	}
	h.AddressOfEntryPoint = le.Uint32(opt[16:])
	h.SectionAlignment = le.Uint32(opt[32:])
	h.FileAlignment = le.Uint32(opt[36:])
	h.SizeOfImage = le.Uint32(opt[56:])
	h.SizeOfHeaders = le.Uint32(opt[60:])
	h.DllCharacteristics = le.Uint16(opt[70:])

	for i := 0; i < len(h.DataDirectory) && uint32(i) < h.NumberOfRvaAndSizes && len(dd) >= 8; i++ {
		h.DataDirectory[i] = IMAGE_DATA_DIRECTORY{VirtualAddress: le.Uint32(dd), Size: le.Uint32(dd[4:])}
		dd = dd[8:]
	}
	off += int(h.FileHeader.SizeOfOptionalHeader)

	n := int(h.FileHeader.NumberOfSections)
	if off+n*binary.Size(IMAGE_SECTION_HEADER{}) > len(b) {
		return nil, fmt.Errorf("%w: section table out of range", ErrBadHeaders)
	}
	h.Sections = make([]IMAGE_SECTION_HEADER, n)
	if err := binary.Read(bytes.NewReader(b[off:]), binary.LittleEndian, h.Sections); err != nil {
		return nil, fmt.Errorf("%w: section table: %v", ErrBadHeaders, err)
	}
	if h.SectionAlignment == 0 || h.SizeOfImage == 0 {
		return nil, fmt.Errorf("%w: zero section alignment or image size", ErrBadHeaders)
	}
	return &h, nil
}

// ReadHeaders decodes the headers of the image mapped at base.
func ReadHeaders(s vm.Space, base uintptr) (*Headers, error) {
	b := make([]byte, s.PageSize())
	if err := s.Read(base, b); err != nil {
		return nil, err
	}
	h, err := ParseHeaders(b)
	if err != nil && errors.Is(err, ErrBadHeaders) {
		// headers may spill past the first page
		var dos IMAGE_DOS_HEADER
		if binary.Read(bytes.NewReader(b), binary.LittleEndian, &dos) == nil && dos.Magic == IMAGE_DOS_SIGNATURE {
			big := make([]byte, 4*len(b))
			if s.Read(base, big) == nil {
				return ParseHeaders(big)
			}
		}
	}
	return h, err
}

// ReadStruct decodes a fixed-size little-endian T at addr.
func ReadStruct[T any](s vm.Space, addr uintptr) (T, error) {
	var v T
	b := make([]byte, binary.Size(v))
	if err := s.Read(addr, b); err != nil {
		return v, err
	}
	err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v, err
}

// SectionName returns the NUL-trimmed short name of s.
func SectionName(s *IMAGE_SECTION_HEADER) string {
	n := bytes.IndexByte(s.Name[:], 0)
	if n < 0 {
		n = len(s.Name)
	}
	return string(s.Name[:n])
}
