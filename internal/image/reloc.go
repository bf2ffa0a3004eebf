package image

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"privload/internal/vm"
	"privload/internal/winnt"
)

// Relocate applies the image's base relocations for a load delta. The
// image must still be writable.
func Relocate(s vm.Space, base uintptr, h *winnt.Headers, delta uint64) error {
	dir := h.Directory(winnt.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	at := base + uintptr(dir.VirtualAddress)
	end := at + uintptr(dir.Size)

	for at+8 <= end {
		blk, err := winnt.ReadStruct[winnt.IMAGE_BASE_RELOCATION](s, at)
		if err != nil {
			return err
		}
		if blk.SizeOfBlock < 8 {
			break
		}
		entries := make([]byte, blk.SizeOfBlock-8)
		if err := s.Read(at+8, entries); err != nil {
			return err
		}
		page := base + uintptr(blk.VirtualAddress)
		for i := 0; i+2 <= len(entries); i += 2 {
			e := binary.LittleEndian.Uint16(entries[i:])
			addr := page + uintptr(e&0xfff)
			switch typ := e >> 12; typ {
			case winnt.IMAGE_REL_BASED_ABSOLUTE:
			case winnt.IMAGE_REL_BASED_HIGHLOW:
				v, err := vm.ReadU32(s, addr)
				if err == nil {
					err = vm.WriteU32(s, addr, v+uint32(delta))
				}
				if err != nil {
					return err
				}
			case winnt.IMAGE_REL_BASED_DIR64:
				v, err := vm.ReadU64(s, addr)
				if err == nil {
					err = vm.WriteU64(s, addr, v+delta)
				}
				if err != nil {
					return err
				}
			case winnt.IMAGE_REL_BASED_HIGH:
				v, err := vm.ReadU16(s, addr)
				if err == nil {
					err = vm.WriteU16(s, addr, v+uint16(uint32(delta)>>16))
				}
				if err != nil {
					return err
				}
			case winnt.IMAGE_REL_BASED_LOW:
				v, err := vm.ReadU16(s, addr)
				if err == nil {
					err = vm.WriteU16(s, addr, v+uint16(delta))
				}
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("relocation type %d at %#x", typ, addr)
			}
		}
		at += uintptr(blk.SizeOfBlock)
	}
	return nil
}

// initSecurityCookie replaces a linker-default /GS cookie with a
// per-image value, as the OS loader does before running image code.
func initSecurityCookie(s vm.Space, base uintptr, h *winnt.Headers) error {
	dir := h.Directory(winnt.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG)
	if dir.VirtualAddress == 0 {
		return nil
	}
	ptr := h.PtrSize()
	off := uint32(winnt.LoadConfigSecurityCookie32)
	def := uint64(winnt.DEFAULT_SECURITY_COOKIE32)
	if h.Is64 {
		off, def = winnt.LoadConfigSecurityCookie64, winnt.DEFAULT_SECURITY_COOKIE64
	}
	if dir.Size < off+uint32(ptr) {
		return nil
	}
	cell, err := vm.ReadPtr(s, base+uintptr(dir.VirtualAddress+off), ptr)
	if err != nil {
		return err
	}
	if cell < base || cell+uintptr(ptr) > base+uintptr(h.SizeOfImage) {
		return nil
	}
	cur, err := vm.ReadPtr(s, cell, ptr)
	if err != nil || uint64(cur) != def {
		return err
	}

	v := uint64(time.Now().UnixNano()) ^ uint64(base) ^ uint64(os.Getpid())<<16
	if h.Is64 {
		v &= 0x0000ffffffffffff
	} else {
		v &= 0xffffffff
	}
	if v == def || v == 0 {
		v ^= 0x2f5e
	}
	return vm.WritePtr(s, cell, ptr, uintptr(v))
}
