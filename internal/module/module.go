// Package module is the registry of private libraries.
package module

import "fmt"

// Extension is the per-module record filled in by the static-TLS
// manager. The registry owns it but never looks inside.
type Extension struct {
	TLSCallbacks []uintptr
	TLSSlot      int
	TLSInit      uintptr
	TLSInitSize  uintptr
	TLSDataSize  uintptr
	TLSIndexCell uintptr
}

// Module is one loaded private library.
type Module struct {
	Base uintptr
	Size uintptr
	Name string
	Path string

	RefCount int

	// ExternallyLoaded is set for images the OS loader mapped: the
	// host executable, ntdll and the engine itself.
	ExternallyLoaded bool
	// IsClient is set when the module imports, directly or not, from
	// the engine, making it tool code.
	IsClient bool

	Ext *Extension

	prev, next *Module
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@%#x", m.Name, m.Base)
}

// Contains reports whether addr lies inside the image.
func (m *Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}
