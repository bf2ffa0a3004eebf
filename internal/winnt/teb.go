package winnt

import "fmt"

// Layout holds the fixed byte offsets of the TEB and PEB fields the
// loader reads and swaps.
type Layout struct {
	PtrSize int

	// TEB
	StackBase         uintptr
	StackLimit        uintptr
	ThreadLocalStore  uintptr
	ProcessEnvironBlk uintptr
	LastErrorValue    uintptr
	ReservedForNtRpc  uintptr
	NlsCache          uintptr
	FlsData           uintptr
	TEBSize           uintptr

	// PEB
	ProcessHeap uintptr
	FastPebLock uintptr
	FlsCallback uintptr
	FlsListHead uintptr
	PEBSize     uintptr

	// RTL_CRITICAL_SECTION
	CriticalSectionSize      uintptr
	CriticalSectionLockCount uintptr
}

var Layout64 = Layout{
	PtrSize:           8,
	StackBase:         0x08,
	StackLimit:        0x10,
	ThreadLocalStore:  0x58,
	ProcessEnvironBlk: 0x60,
	LastErrorValue:    0x68,
	ReservedForNtRpc:  0x1698,
	NlsCache:          0x17a0,
	FlsData:           0x17c8,
	TEBSize:           0x1838,

	ProcessHeap: 0x30,
	FastPebLock: 0x38,
	FlsCallback: 0x320,
	FlsListHead: 0x328,
	PEBSize:     0x7c8,

	CriticalSectionSize:      0x28,
	CriticalSectionLockCount: 0x08,
}

var Layout32 = Layout{
	PtrSize:           4,
	StackBase:         0x04,
	StackLimit:        0x08,
	ThreadLocalStore:  0x2c,
	ProcessEnvironBlk: 0x30,
	LastErrorValue:    0x34,
	ReservedForNtRpc:  0xf1c,
	NlsCache:          0xfa0,
	FlsData:           0xfb4,
	TEBSize:           0xfe4,

	ProcessHeap: 0x18,
	FastPebLock: 0x1c,
	FlsCallback: 0x20c,
	FlsListHead: 0x210,
	PEBSize:     0x480,

	CriticalSectionSize:      0x18,
	CriticalSectionLockCount: 0x04,
}

// LayoutFor returns the layout matching machine.
func LayoutFor(machine uint16) Layout {
	if machine == IMAGE_FILE_MACHINE_I386 {
		return Layout32
	}
	return Layout64
}

// Version is an OS version as reported by RtlGetVersion.
type Version struct {
	Major, Minor, Build uint32
}

var (
	Windows7  = Version{Major: 6, Minor: 1}
	Windows8  = Version{Major: 6, Minor: 2}
	Windows81 = Version{Major: 6, Minor: 3}
	Windows10 = Version{Major: 10}
)

func (v Version) AtLeast(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Build >= o.Build
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// MachineName returns a short name for an IMAGE_FILE_MACHINE_* value.
func MachineName(m uint16) string {
	switch m {
	case IMAGE_FILE_MACHINE_I386:
		return "i386"
	case IMAGE_FILE_MACHINE_AMD64:
		return "amd64"
	case IMAGE_FILE_MACHINE_ARM64:
		return "arm64"
	}
	return fmt.Sprintf("machine(%#x)", m)
}
