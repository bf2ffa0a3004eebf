// Package imagetest builds small synthetic PE32+ DLLs for tests.
package imagetest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"privload/internal/winnt"
)

const (
	fileAlign     = 0x200
	sectionAlign  = 0x1000
	stubSize      = 16
	ntOffset      = 0x40
	optHeaderSize = 240
)

var le = binary.LittleEndian

// Export is one export table entry. A non-empty Forward ("Mod.Func")
// makes it a forwarder; an empty Name makes it ordinal-only.
type Export struct {
	Name    string
	Forward string
}

// Symbol is one import; an empty Name imports by Ordinal.
type Symbol struct {
	Name    string
	Ordinal uint16
}

type Import struct {
	DLL     string
	Symbols []Symbol
}

type TLS struct {
	Template  []byte
	ZeroFill  uint32
	Callbacks int
}

// Image describes the DLL to build.
type Image struct {
	Name      string
	Machine   uint16
	ImageBase uint64
	Exports   []Export
	Imports   []Import
	TLS       *TLS
	Entry     bool
	NoRelocs  bool
	Cookie    bool
	Bound     bool
	// Pointers is the number of absolute pointers to the start of .text
	// placed in .data.
	Pointers int
}

// Built is an image file plus the RVAs tests need to find things in it.
type Built struct {
	Bytes       []byte
	ImageBase   uint64
	SizeOfImage uint32

	TextRVA     uint32
	EntryRVA    uint32
	Exports     map[string]uint32
	ByOrdinal   map[uint16]uint32
	OrdinalBase uint32

	IAT map[string][]uint32

	TLSIndexRVA     uint32
	TLSTemplateRVA  uint32
	TLSCallbackRVAs []uint32

	CookieRVA   uint32
	PointerRVAs []uint32
}

// Write stores the image as dir/file and returns the path.
func (b *Built) Write(dir, file string) (string, error) {
	path := filepath.Join(dir, file)
	return path, os.WriteFile(path, b.Bytes, 0o644)
}

// section is a growable section body.
type section struct {
	name  string
	va    uint32
	flags uint32
	data  []byte
}

func (s *section) reserve(n, align int) int {
	for len(s.data)%align != 0 {
		s.data = append(s.data, 0)
	}
	off := len(s.data)
	s.data = append(s.data, make([]byte, n)...)
	return off
}

func (s *section) cstring(v string) int {
	off := s.reserve(len(v)+1, 1)
	copy(s.data[off:], v)
	return off
}

func (s *section) rva(off int) uint32 { return s.va + uint32(off) }

func (s *section) vsize() uint32 {
	if len(s.data) == 0 {
		return 1
	}
	return uint32(len(s.data))
}

func alignUp(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }

// Build lays out the image.
func (im *Image) Build() *Built {
	machine := im.Machine
	if machine == 0 {
		machine = winnt.IMAGE_FILE_MACHINE_AMD64
	}
	base := im.ImageBase
	if base == 0 {
		base = 0x180000000
	}
	out := &Built{
		ImageBase:   base,
		Exports:     map[string]uint32{},
		ByOrdinal:   map[uint16]uint32{},
		IAT:         map[string][]uint32{},
		OrdinalBase: 1,
	}
	var relocs []uint32

	// .text: one ret stub per entry point, export and TLS callback
	text := &section{name: ".text", va: sectionAlign, flags: 0x60000020}
	stub := func() uint32 {
		off := text.reserve(stubSize, stubSize)
		for i := 0; i < stubSize; i++ {
			text.data[off+i] = 0xc3
		}
		return text.rva(off)
	}
	out.TextRVA = stub()
	if im.Entry {
		out.EntryRVA = stub()
	}
	exportRVA := make([]uint32, len(im.Exports))
	for i, e := range im.Exports {
		if e.Forward == "" {
			exportRVA[i] = stub()
		}
	}
	var cbRVAs []uint32
	if im.TLS != nil {
		for i := 0; i < im.TLS.Callbacks; i++ {
			cbRVAs = append(cbRVAs, stub())
		}
	}
	out.TLSCallbackRVAs = cbRVAs

	// .data: TLS template and index, cookie, callback array, pointers
	data := &section{name: ".data", va: alignUp(text.va+text.vsize(), sectionAlign), flags: 0xc0000040}
	var tlsStart, tlsIndex, tlsCallbacks int
	if im.TLS != nil {
		tlsStart = data.reserve(len(im.TLS.Template), 8)
		copy(data.data[tlsStart:], im.TLS.Template)
		tlsIndex = data.reserve(4, 8)
		le.PutUint32(data.data[tlsIndex:], 0xffffffff)
		out.TLSTemplateRVA = data.rva(tlsStart)
		out.TLSIndexRVA = data.rva(tlsIndex)
		if len(cbRVAs) > 0 {
			tlsCallbacks = data.reserve(8*(len(cbRVAs)+1), 8)
			for i, rva := range cbRVAs {
				le.PutUint64(data.data[tlsCallbacks+8*i:], base+uint64(rva))
				relocs = append(relocs, data.rva(tlsCallbacks+8*i))
			}
		}
	}
	var cookie int
	if im.Cookie {
		cookie = data.reserve(8, 8)
		le.PutUint64(data.data[cookie:], winnt.DEFAULT_SECURITY_COOKIE64)
		out.CookieRVA = data.rva(cookie)
	}
	for i := 0; i < im.Pointers; i++ {
		off := data.reserve(8, 8)
		le.PutUint64(data.data[off:], base+uint64(out.TextRVA))
		out.PointerRVAs = append(out.PointerRVAs, data.rva(off))
		relocs = append(relocs, data.rva(off))
	}
	data.reserve(8, 8)

	// .rdata: export and import directories, TLS and load config
	rdata := &section{name: ".rdata", va: alignUp(data.va+data.vsize(), sectionAlign), flags: 0x40000040}
	var dirs [winnt.IMAGE_NUMBEROF_DIRECTORY_ENTRIES]winnt.IMAGE_DATA_DIRECTORY

	if len(im.Exports) > 0 || im.Name != "" {
		dir := rdata.reserve(40, 4)
		funcs := rdata.reserve(4*len(im.Exports), 4)
		type named struct {
			name string
			idx  int
		}
		var names []named
		for i, e := range im.Exports {
			if e.Name != "" {
				names = append(names, named{e.Name, i})
			}
		}
		sort.Slice(names, func(a, b int) bool { return names[a].name < names[b].name })
		nameArr := rdata.reserve(4*len(names), 4)
		ordArr := rdata.reserve(2*len(names), 2)
		dllName := rdata.cstring(im.Name)
		for i, n := range names {
			off := rdata.cstring(n.name)
			le.PutUint32(rdata.data[nameArr+4*i:], rdata.rva(off))
			le.PutUint16(rdata.data[ordArr+2*i:], uint16(n.idx))
		}
		for i, e := range im.Exports {
			rva := exportRVA[i]
			if e.Forward != "" {
				rva = rdata.rva(rdata.cstring(e.Forward))
			} else {
				if e.Name != "" {
					out.Exports[e.Name] = rva
				}
				out.ByOrdinal[uint16(out.OrdinalBase)+uint16(i)] = rva
			}
			le.PutUint32(rdata.data[funcs+4*i:], rva)
		}
		d := rdata.data[dir:]
		le.PutUint32(d[12:], rdata.rva(dllName))
		le.PutUint32(d[16:], out.OrdinalBase)
		le.PutUint32(d[20:], uint32(len(im.Exports)))
		le.PutUint32(d[24:], uint32(len(names)))
		le.PutUint32(d[28:], rdata.rva(funcs))
		le.PutUint32(d[32:], rdata.rva(nameArr))
		le.PutUint32(d[36:], rdata.rva(ordArr))
		dirs[winnt.IMAGE_DIRECTORY_ENTRY_EXPORT] = winnt.IMAGE_DATA_DIRECTORY{
			VirtualAddress: rdata.rva(dir),
			Size:           uint32(len(rdata.data) - dir),
		}
	}

	if len(im.Imports) > 0 {
		desc := rdata.reserve(20*(len(im.Imports)+1), 4)
		ilt := make([]int, len(im.Imports))
		iat := make([]int, len(im.Imports))
		for i, imp := range im.Imports {
			ilt[i] = rdata.reserve(8*(len(imp.Symbols)+1), 8)
		}
		iatStart := -1
		for i, imp := range im.Imports {
			iat[i] = rdata.reserve(8*(len(imp.Symbols)+1), 8)
			if iatStart < 0 {
				iatStart = iat[i]
			}
		}
		iatEnd := len(rdata.data)
		for i, imp := range im.Imports {
			for j, sym := range imp.Symbols {
				var v uint64
				if sym.Name == "" {
					v = winnt.IMAGE_ORDINAL_FLAG64 | uint64(sym.Ordinal)
				} else {
					hn := rdata.reserve(2+len(sym.Name)+1, 2)
					copy(rdata.data[hn+2:], sym.Name)
					v = uint64(rdata.rva(hn))
				}
				le.PutUint64(rdata.data[ilt[i]+8*j:], v)
				le.PutUint64(rdata.data[iat[i]+8*j:], v)
				out.IAT[imp.DLL] = append(out.IAT[imp.DLL], rdata.rva(iat[i]+8*j))
			}
			name := rdata.cstring(imp.DLL)
			d := rdata.data[desc+20*i:]
			le.PutUint32(d[0:], rdata.rva(ilt[i]))
			if im.Bound {
				le.PutUint32(d[4:], 0xffffffff)
			}
			le.PutUint32(d[12:], rdata.rva(name))
			le.PutUint32(d[16:], rdata.rva(iat[i]))
		}
		dirs[winnt.IMAGE_DIRECTORY_ENTRY_IMPORT] = winnt.IMAGE_DATA_DIRECTORY{
			VirtualAddress: rdata.rva(desc),
			Size:           uint32(20 * (len(im.Imports) + 1)),
		}
		dirs[winnt.IMAGE_DIRECTORY_ENTRY_IAT] = winnt.IMAGE_DATA_DIRECTORY{
			VirtualAddress: rdata.rva(iatStart),
			Size:           uint32(iatEnd - iatStart),
		}
	}

	if im.TLS != nil {
		dir := rdata.reserve(40, 8)
		d := rdata.data[dir:]
		start := base + uint64(data.rva(tlsStart))
		le.PutUint64(d[0:], start)
		le.PutUint64(d[8:], start+uint64(len(im.TLS.Template)))
		le.PutUint64(d[16:], base+uint64(data.rva(tlsIndex)))
		relocs = append(relocs, rdata.rva(dir), rdata.rva(dir+8), rdata.rva(dir+16))
		if len(cbRVAs) > 0 {
			le.PutUint64(d[24:], base+uint64(data.rva(tlsCallbacks)))
			relocs = append(relocs, rdata.rva(dir+24))
		}
		le.PutUint32(d[32:], im.TLS.ZeroFill)
		dirs[winnt.IMAGE_DIRECTORY_ENTRY_TLS] = winnt.IMAGE_DATA_DIRECTORY{VirtualAddress: rdata.rva(dir), Size: 40}
	}

	if im.Cookie {
		const size = 0x70
		dir := rdata.reserve(size, 8)
		le.PutUint32(rdata.data[dir:], size)
		le.PutUint64(rdata.data[dir+winnt.LoadConfigSecurityCookie64:], base+uint64(out.CookieRVA))
		relocs = append(relocs, rdata.rva(dir+winnt.LoadConfigSecurityCookie64))
		dirs[winnt.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG] = winnt.IMAGE_DATA_DIRECTORY{VirtualAddress: rdata.rva(dir), Size: size}
	}

	sections := []*section{text, data, rdata}

	// .reloc: DIR64 entries grouped by page
	characteristics := uint16(0x0002 | 0x0020 | winnt.IMAGE_FILE_DLL)
	if im.NoRelocs {
		characteristics |= winnt.IMAGE_FILE_RELOCS_STRIPPED
	} else {
		// An image without fixups still gets a directory holding one
		// empty block so that it stays relocatable.
		reloc := &section{name: ".reloc", va: alignUp(rdata.va+rdata.vsize(), sectionAlign), flags: 0x42000040}
		if len(relocs) == 0 {
			blk := reloc.reserve(8, 4)
			le.PutUint32(reloc.data[blk:], text.va)
			le.PutUint32(reloc.data[blk+4:], 8)
		}
		sort.Slice(relocs, func(a, b int) bool { return relocs[a] < relocs[b] })
		for i := 0; i < len(relocs); {
			page := relocs[i] &^ 0xfff
			j := i
			for j < len(relocs) && relocs[j]&^0xfff == page {
				j++
			}
			n := j - i
			if n%2 != 0 {
				n++
			}
			blk := reloc.reserve(8+2*n, 4)
			le.PutUint32(reloc.data[blk:], page)
			le.PutUint32(reloc.data[blk+4:], uint32(8+2*n))
			for k := i; k < j; k++ {
				le.PutUint16(reloc.data[blk+8+2*(k-i):], uint16(winnt.IMAGE_REL_BASED_DIR64<<12)|uint16(relocs[k]&0xfff))
			}
			i = j
		}
		dirs[winnt.IMAGE_DIRECTORY_ENTRY_BASERELOC] = winnt.IMAGE_DATA_DIRECTORY{
			VirtualAddress: reloc.va,
			Size:           uint32(len(reloc.data)),
		}
		sections = append(sections, reloc)
	}

	last := sections[len(sections)-1]
	out.SizeOfImage = alignUp(last.va+last.vsize(), sectionAlign)

	headerEnd := ntOffset + 4 + 20 + optHeaderSize + 40*len(sections)
	sizeOfHeaders := alignUp(uint32(headerEnd), fileAlign)

	file := make([]byte, sizeOfHeaders)
	raw := sizeOfHeaders
	rawOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		rawOffsets[i] = raw
		body := make([]byte, alignUp(uint32(len(s.data)), fileAlign))
		copy(body, s.data)
		file = append(file, body...)
		raw += uint32(len(body))
	}

	le.PutUint16(file[0:], winnt.IMAGE_DOS_SIGNATURE)
	le.PutUint32(file[0x3c:], ntOffset)
	le.PutUint32(file[ntOffset:], winnt.IMAGE_NT_SIGNATURE)

	fh := file[ntOffset+4:]
	le.PutUint16(fh[0:], machine)
	le.PutUint16(fh[2:], uint16(len(sections)))
	le.PutUint16(fh[16:], optHeaderSize)
	le.PutUint16(fh[18:], characteristics)

	opt := file[ntOffset+24:]
	le.PutUint16(opt[0:], winnt.IMAGE_NT_OPTIONAL_HDR64_MAGIC)
	le.PutUint32(opt[4:], uint32(len(text.data)))
	le.PutUint32(opt[16:], out.EntryRVA)
	le.PutUint32(opt[20:], text.va)
	le.PutUint64(opt[24:], base)
	le.PutUint32(opt[32:], sectionAlign)
	le.PutUint32(opt[36:], fileAlign)
	le.PutUint16(opt[40:], 6)
	le.PutUint16(opt[48:], 6)
	le.PutUint32(opt[56:], out.SizeOfImage)
	le.PutUint32(opt[60:], sizeOfHeaders)
	le.PutUint16(opt[68:], 2)
	le.PutUint16(opt[70:], 0x0160)
	le.PutUint64(opt[72:], 0x100000)
	le.PutUint64(opt[80:], 0x1000)
	le.PutUint64(opt[88:], 0x100000)
	le.PutUint64(opt[96:], 0x1000)
	le.PutUint32(opt[108:], winnt.IMAGE_NUMBEROF_DIRECTORY_ENTRIES)
	for i, d := range dirs {
		le.PutUint32(opt[112+8*i:], d.VirtualAddress)
		le.PutUint32(opt[116+8*i:], d.Size)
	}

	sh := file[ntOffset+24+optHeaderSize:]
	for i, s := range sections {
		h := sh[40*i:]
		copy(h[0:8], s.name)
		le.PutUint32(h[8:], s.vsize())
		le.PutUint32(h[12:], s.va)
		le.PutUint32(h[16:], alignUp(uint32(len(s.data)), fileAlign))
		le.PutUint32(h[20:], rawOffsets[i])
		le.PutUint32(h[36:], s.flags)
	}

	out.Bytes = file
	return out
}
