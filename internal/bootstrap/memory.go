package bootstrap

import "unsafe"

// Memory is the address space Link works on. Every method moves a
// scalar so that no implementation needs to allocate.
type Memory interface {
	U8(addr uintptr) uint8
	U16(addr uintptr) uint16
	U32(addr uintptr) uint32
	U64(addr uintptr) uint64
	PutU32(addr uintptr, v uint32)
	PutU64(addr uintptr, v uint64)
	// Protect sets the protection of [addr, addr+size) and returns the
	// previous one.
	Protect(addr, size uintptr, prot uint32) (old uint32, ok bool)
}

// Flat is a Memory over a byte slice mapped at Base. Out-of-range reads
// return zero and out-of-range writes are dropped.
type Flat struct {
	Base  uintptr
	Bytes []byte
	// Prot is the protection Protect reports as previous.
	Prot     uint32
	Protects int
}

func (f *Flat) off(addr uintptr, n uintptr) (uintptr, bool) {
	if addr < f.Base || addr-f.Base+n > uintptr(len(f.Bytes)) {
		return 0, false
	}
	return addr - f.Base, true
}

func (f *Flat) U8(addr uintptr) uint8 {
	if o, ok := f.off(addr, 1); ok {
		return f.Bytes[o]
	}
	return 0
}

func (f *Flat) U16(addr uintptr) uint16 {
	if o, ok := f.off(addr, 2); ok {
		return uint16(f.Bytes[o]) | uint16(f.Bytes[o+1])<<8
	}
	return 0
}

func (f *Flat) U32(addr uintptr) uint32 {
	return uint32(f.U16(addr)) | uint32(f.U16(addr+2))<<16
}

func (f *Flat) U64(addr uintptr) uint64 {
	return uint64(f.U32(addr)) | uint64(f.U32(addr+4))<<32
}

func (f *Flat) PutU32(addr uintptr, v uint32) {
	if o, ok := f.off(addr, 4); ok {
		f.Bytes[o], f.Bytes[o+1], f.Bytes[o+2], f.Bytes[o+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
}

func (f *Flat) PutU64(addr uintptr, v uint64) {
	f.PutU32(addr, uint32(v))
	f.PutU32(addr+4, uint32(v>>32))
}

func (f *Flat) Protect(addr, size uintptr, prot uint32) (uint32, bool) {
	if _, ok := f.off(addr, size); !ok {
		return 0, false
	}
	f.Protects++
	old := f.Prot
	f.Prot = prot
	return old, true
}

// Raw is a Memory over the live process. ProtectFunc changes page
// protections; on Windows it wraps VirtualProtect.
type Raw struct {
	ProtectFunc func(addr, size uintptr, prot uint32) (uint32, bool)
}

func at[T any](addr uintptr) *T {
	return (*T)(unsafe.Pointer(addr))
}

func (Raw) U8(addr uintptr) uint8         { return *at[uint8](addr) }
func (Raw) U16(addr uintptr) uint16       { return *at[uint16](addr) }
func (Raw) U32(addr uintptr) uint32       { return *at[uint32](addr) }
func (Raw) U64(addr uintptr) uint64       { return *at[uint64](addr) }
func (Raw) PutU32(addr uintptr, v uint32) { *at[uint32](addr) = v }
func (Raw) PutU64(addr uintptr, v uint64) { *at[uint64](addr) = v }

func (r Raw) Protect(addr, size uintptr, prot uint32) (uint32, bool) {
	if r.ProtectFunc == nil {
		return prot, true
	}
	return r.ProtectFunc(addr, size, prot)
}
