package privload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"privload/internal/imagetest"
	"privload/internal/vm"
)

func exports(names ...string) []imagetest.Export {
	out := make([]imagetest.Export, len(names))
	for i, n := range names {
		out[i] = imagetest.Export{Name: n}
	}
	return out
}

func symbols(names ...string) []imagetest.Symbol {
	out := make([]imagetest.Symbol, len(names))
	for i, n := range names {
		out[i] = imagetest.Symbol{Name: n}
	}
	return out
}

var (
	ntdllExports    = []string{"RtlAllocateHeap", "RtlFreeHeap", "RtlSizeHeap", "RtlReAllocateHeap", "RtlFreeUnicodeString", "NtClose"}
	kernel32Exports = []string{"LoadLibraryA", "GetProcAddress", "GetModuleHandleA", "FlsAlloc"}
)

type redirectEnv struct {
	*env
	l        *Loader
	ntdll    External
	kernel32 External
	app      ModuleInfo
}

func newRedirectEnv(t *testing.T) *redirectEnv {
	e := newEnv(t)
	r := &redirectEnv{env: e}
	r.ntdll = e.external(&imagetest.Image{Name: "ntdll.dll", Exports: exports(ntdllExports...)}, false)
	r.kernel32 = e.external(&imagetest.Image{Name: "kernel32.dll", Exports: exports(kernel32Exports...)}, false)
	e.add(e.dir, &imagetest.Image{Name: "b.dll", Exports: exports("f")})
	e.add(e.dir, &imagetest.Image{
		Name: "app.dll",
		Imports: []imagetest.Import{
			{DLL: "ntdll.dll", Symbols: symbols(ntdllExports...)},
			{DLL: "kernel32.dll", Symbols: symbols(kernel32Exports...)},
		},
	})
	r.l = e.start(r.ntdll, r.kernel32)
	_, err := r.l.LoadByName("app.dll")
	require.NoError(t, err)
	r.app = e.module(r.l, "app.dll")
	return r
}

// iat returns the address app.dll's i-th import from dll was bound to.
func (r *redirectEnv) iat(dll string, i int) uintptr {
	v, err := vm.ReadPtr(r.host.Space(), r.app.Base+uintptr(r.built["app.dll"].IAT[dll][i]), 8)
	require.NoError(r.t, err)
	return v
}

func (r *redirectEnv) exportAddr(ext External, name string) uintptr {
	return ext.Base + uintptr(r.built[ext.Name].Exports[name])
}

func (r *redirectEnv) call(fn uintptr, args ...uintptr) uintptr {
	ret, err := r.host.Code().Call(fn, args...)
	require.NoError(r.t, err)
	return ret
}

func (r *redirectEnv) cstring(s string) uintptr {
	p, err := r.host.Space().Alloc(0, 0x1000, vm.ProtReadWrite)
	require.NoError(r.t, err)
	require.NoError(r.t, r.host.Space().Write(p, append([]byte(s), 0)))
	return p
}

func Test_RedirectHeap(t *testing.T) {
	r := newRedirectEnv(t)
	alloc, free, size, realloc := r.iat("ntdll.dll", 0), r.iat("ntdll.dll", 1), r.iat("ntdll.dll", 2), r.iat("ntdll.dll", 3)
	require.NotEqual(t, r.exportAddr(r.ntdll, "RtlAllocateHeap"), alloc)
	require.Equal(t, r.exportAddr(r.ntdll, "NtClose"), r.iat("ntdll.dll", 5))

	heap := r.l.PrivateHeap()
	for _, handle := range []uintptr{heap.Handle(), r.host.AppHeap()} {
		p := r.call(alloc, handle, heapZeroMemory, 32)
		require.NotZero(t, p)
		require.True(t, heap.Contains(p))
		require.Equal(t, uintptr(32), r.call(size, handle, 0, p))

		q := r.call(realloc, handle, 0, p, 4096)
		require.True(t, heap.Contains(q))
		require.Equal(t, uintptr(4096), r.call(size, handle, 0, q))
		require.Equal(t, uintptr(1), r.call(free, handle, 0, q))
	}

	const foreign = 0x4242
	realAlloc := r.exportAddr(r.ntdll, "RtlAllocateHeap")
	require.Empty(t, r.host.Code().CallsTo(realAlloc))
	require.Equal(t, uintptr(1), r.call(alloc, foreign, 0, 16))
	calls := r.host.Code().CallsTo(realAlloc)
	require.Len(t, calls, 1)
	require.Equal(t, []uintptr{foreign, 0, 16}, calls[0].Args)
}

func Test_RedirectFreeString(t *testing.T) {
	r := newRedirectEnv(t)
	freeString := r.iat("ntdll.dll", 4)
	heap := r.l.PrivateHeap()

	buf, err := heap.Alloc(16, true)
	require.NoError(t, err)
	str := r.cstring("")
	require.NoError(t, vm.WriteU32(r.host.Space(), str, 0x00100008))
	require.NoError(t, vm.WritePtr(r.host.Space(), str+8, 8, buf))

	require.Zero(t, r.call(freeString, str))
	_, live := heap.Size(buf)
	require.False(t, live)
	lengths, err := vm.ReadU32(r.host.Space(), str)
	require.NoError(t, err)
	require.Zero(t, lengths)
	cleared, err := vm.ReadPtr(r.host.Space(), str+8, 8)
	require.NoError(t, err)
	require.Zero(t, cleared)

	// not ours: the real routine gets it
	r.call(freeString, str)
	require.Len(t, r.host.Code().CallsTo(r.exportAddr(r.ntdll, "RtlFreeUnicodeString")), 1)
}

func Test_RedirectLibraryCalls(t *testing.T) {
	r := newRedirectEnv(t)
	loadLibrary, getProc, getHandle := r.iat("kernel32.dll", 0), r.iat("kernel32.dll", 1), r.iat("kernel32.dll", 2)

	base := r.call(loadLibrary, r.cstring("b.dll"))
	b := r.module(r.l, "b.dll")
	require.Equal(t, b.Base, base)
	require.Equal(t, 1, b.RefCount)

	require.Equal(t, b.Base+uintptr(r.built["b.dll"].Exports["f"]), r.call(getProc, base, r.cstring("f")))
	require.Zero(t, r.call(getProc, base, r.cstring("missing")))
	require.Equal(t, b.Base, r.call(getHandle, r.cstring("b")))
	require.Equal(t, r.ntdll.Base, r.call(getHandle, r.cstring("NTDLL.DLL")))

	// an export of an external module goes through the redirect table too
	require.Equal(t, r.iat("ntdll.dll", 0), r.call(getProc, r.ntdll.Base, r.cstring("RtlAllocateHeap")))

	// not loadable privately: the real LoadLibraryA gets the name
	name := r.cstring("nothere.dll")
	require.Equal(t, uintptr(1), r.call(loadLibrary, name))
	calls := r.host.Code().CallsTo(r.exportAddr(r.kernel32, "LoadLibraryA"))
	require.Len(t, calls, 1)
	require.Equal(t, []uintptr{name}, calls[0].Args)

	require.Equal(t, uintptr(1), r.call(getHandle, r.cstring("nothere.dll")))
	require.Len(t, r.host.Code().CallsTo(r.exportAddr(r.kernel32, "GetModuleHandleA")), 1)
}

func Test_RedirectCallbacksShared(t *testing.T) {
	r := newRedirectEnv(t)
	r.add(r.dir, &imagetest.Image{
		Name:    "second.dll",
		Imports: []imagetest.Import{{DLL: "ntdll.dll", Symbols: symbols("RtlAllocateHeap")}},
	})
	_, err := r.l.LoadByName("second.dll")
	require.NoError(t, err)
	second := r.module(r.l, "second.dll")

	v, err := vm.ReadPtr(r.host.Space(), second.Base+uintptr(r.built["second.dll"].IAT["ntdll.dll"][0]), 8)
	require.NoError(t, err)
	require.Equal(t, r.iat("ntdll.dll", 0), v)
}

func Test_FlsCallbacks(t *testing.T) {
	r := newRedirectEnv(t)
	flsAlloc := r.iat("kernel32.dll", 3)
	cb := r.app.Base + uintptr(r.built["app.dll"].TextRVA)

	require.Equal(t, uintptr(1), r.call(flsAlloc, cb))
	require.Equal(t, uintptr(1), r.call(flsAlloc, 0x1234))
	require.True(t, r.l.IsPrivateFlsCallback(cb))
	require.False(t, r.l.IsPrivateFlsCallback(0x1234))
	require.Len(t, r.host.Code().CallsTo(r.exportAddr(r.kernel32, "FlsAlloc")), 2)

	require.NoError(t, r.l.RunFlsCallback(cb, 7))
	calls := r.host.Code().CallsTo(cb)
	require.Len(t, calls, 1)
	require.Equal(t, []uintptr{7}, calls[0].Args)
	require.Error(t, r.l.RunFlsCallback(0x1234, 7))

	require.NoError(t, r.l.Unload(r.app.Base))
	require.False(t, r.l.IsPrivateFlsCallback(cb))
}

func Test_RedirectHeapAfterExit(t *testing.T) {
	r := newRedirectEnv(t)
	alloc, free := r.iat("ntdll.dll", 0), r.iat("ntdll.dll", 1)
	handle := r.l.PrivateHeap().Handle()

	require.NoError(t, r.l.Exit())
	require.Nil(t, r.l.PrivateHeap())

	require.Equal(t, uintptr(1), r.call(alloc, handle, 0, 16))
	require.Equal(t, uintptr(1), r.call(free, handle, 0, 0x5000))
	require.Len(t, r.host.Code().CallsTo(r.exportAddr(r.ntdll, "RtlAllocateHeap")), 1)
	require.Len(t, r.host.Code().CallsTo(r.exportAddr(r.ntdll, "RtlFreeHeap")), 1)
}
