package privload

import (
	"os"

	"privload/internal/invoke"
	"privload/internal/vm"
	"privload/internal/winnt"
)

// Host is the process the loader runs in: its address space, its code
// and the OS facts the loader needs.
type Host interface {
	Space() vm.Space
	Invoker() invoke.Invoker
	Machine() uint16
	OSVersion() winnt.Version
	SystemRoot() (string, error)
	OpenImage(path string) (*os.File, error)
	CurrentThreadID() uint64
	ProcessEnvironment() uintptr
	InitCriticalSection(addr uintptr) error
}
