//go:build windows

package privload

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"privload/internal/invoke"
	"privload/internal/vm"
	"privload/internal/winnt"
)

var (
	ntdll                            = windows.NewLazySystemDLL("ntdll.dll")
	procRtlInitializeCriticalSection = ntdll.NewProc("RtlInitializeCriticalSection")
)

type nativeHost struct {
	space   *vm.Native
	machine uint16
	version winnt.Version
}

// NewNativeHost returns the current process as a Host. Reachable
// allocations are placed near the engine image at engineBase.
func NewNativeHost(engineBase uintptr) Host {
	machine := uint16(winnt.IMAGE_FILE_MACHINE_AMD64)
	if runtime.GOARCH == "386" {
		machine = winnt.IMAGE_FILE_MACHINE_I386
	}
	v := windows.RtlGetVersion()
	return &nativeHost{
		space:   vm.NewNative(engineBase),
		machine: machine,
		version: winnt.Version{Major: v.MajorVersion, Minor: v.MinorVersion, Build: v.BuildNumber},
	}
}

func (h *nativeHost) Space() vm.Space          { return h.space }
func (h *nativeHost) Invoker() invoke.Invoker  { return invoke.Native{} }
func (h *nativeHost) Machine() uint16          { return h.machine }
func (h *nativeHost) OSVersion() winnt.Version { return h.version }

func (h *nativeHost) SystemRoot() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows NT\CurrentVersion`, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("open CurrentVersion key: %w", err)
	}
	defer k.Close()
	root, _, err := k.GetStringValue("SystemRoot")
	if err != nil {
		return "", fmt.Errorf("read SystemRoot: %w", err)
	}
	return root, nil
}

// OpenImage opens path for mapping. Sharing delete lets the file be
// replaced while a private copy is loaded.
func (h *nativeHost) OpenImage(path string) (*os.File, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	fd, err := windows.CreateFile(p,
		windows.GENERIC_READ|windows.GENERIC_EXECUTE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

func (h *nativeHost) CurrentThreadID() uint64 {
	return uint64(windows.GetCurrentThreadId())
}

func (h *nativeHost) ProcessEnvironment() uintptr {
	return uintptr(unsafe.Pointer(windows.RtlGetCurrentPeb()))
}

func (h *nativeHost) InitCriticalSection(addr uintptr) error {
	if err := procRtlInitializeCriticalSection.Find(); err != nil {
		return err
	}
	status, _, _ := procRtlInitializeCriticalSection.Call(addr)
	if status != 0 {
		return windows.NTStatus(status)
	}
	return nil
}
