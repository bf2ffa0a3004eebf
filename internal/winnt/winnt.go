// winnt.h
package winnt

const (
	IMAGE_DOS_SIGNATURE = 0x5A4D
	IMAGE_NT_SIGNATURE  = 0x00004550

	IMAGE_NT_OPTIONAL_HDR32_MAGIC = 0x10b
	IMAGE_NT_OPTIONAL_HDR64_MAGIC = 0x20b

	IMAGE_FILE_MACHINE_I386  = 0x014c
	IMAGE_FILE_MACHINE_AMD64 = 0x8664
	IMAGE_FILE_MACHINE_ARM64 = 0xaa64

	IMAGE_FILE_RELOCS_STRIPPED = 0x0001
	IMAGE_FILE_DLL             = 0x2000

	IMAGE_SIZEOF_SHORT_NAME          = 8
	IMAGE_NUMBEROF_DIRECTORY_ENTRIES = 16
)

const (
	IMAGE_DIRECTORY_ENTRY_EXPORT      = 0
	IMAGE_DIRECTORY_ENTRY_IMPORT      = 1
	IMAGE_DIRECTORY_ENTRY_BASERELOC   = 5
	IMAGE_DIRECTORY_ENTRY_TLS         = 9
	IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG = 10
	IMAGE_DIRECTORY_ENTRY_IAT         = 12
)

const (
	IMAGE_SCN_CNT_CODE               = 0x00000020
	IMAGE_SCN_CNT_INITIALIZED_DATA   = 0x00000040
	IMAGE_SCN_CNT_UNINITIALIZED_DATA = 0x00000080
	IMAGE_SCN_MEM_DISCARDABLE        = 0x02000000
	IMAGE_SCN_MEM_NOT_CACHED         = 0x04000000
	IMAGE_SCN_MEM_EXECUTE            = 0x20000000
	IMAGE_SCN_MEM_READ               = 0x40000000
	IMAGE_SCN_MEM_WRITE              = 0x80000000
)

const (
	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGH     = 1
	IMAGE_REL_BASED_LOW      = 2
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_DIR64    = 10
)

const (
	IMAGE_ORDINAL_FLAG64 = 0x8000000000000000
	IMAGE_ORDINAL_FLAG32 = 0x80000000
)

// Entry point and TLS callback reasons.
const (
	DLL_PROCESS_DETACH = 0
	DLL_PROCESS_ATTACH = 1
	DLL_THREAD_ATTACH  = 2
	DLL_THREAD_DETACH  = 3
)

// Linker defaults for /GS cookies; an image still holding one needs a
// fresh value before any of its code runs.
const (
	DEFAULT_SECURITY_COOKIE64 = 0x00002B992DDFA232
	DEFAULT_SECURITY_COOKIE32 = 0xBB40E64E
)

// DOS .EXE header
type IMAGE_DOS_HEADER struct {
	Magic  uint16
	_      [29]uint16
	Lfanew int32
}

type IMAGE_FILE_HEADER struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type IMAGE_DATA_DIRECTORY struct {
	VirtualAddress uint32
	Size           uint32
}

type IMAGE_SECTION_HEADER struct {
	Name                 [IMAGE_SIZEOF_SHORT_NAME]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

type IMAGE_BASE_RELOCATION struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

type IMAGE_IMPORT_DESCRIPTOR struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

type IMAGE_EXPORT_DIRECTORY struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

type IMAGE_TLS_DIRECTORY64 struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

type IMAGE_TLS_DIRECTORY32 struct {
	StartAddressOfRawData uint32
	EndAddressOfRawData   uint32
	AddressOfIndex        uint32
	AddressOfCallBacks    uint32
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

// SecurityCookie offsets inside IMAGE_LOAD_CONFIG_DIRECTORY{64,32}.
const (
	LoadConfigSecurityCookie64 = 0x58
	LoadConfigSecurityCookie32 = 0x3c
)

// Sizes of the fixed part of the optional headers.
const (
	sizeofOptionalHeader64 = 112
	sizeofOptionalHeader32 = 96
)
