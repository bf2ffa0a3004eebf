package isolate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"privload/internal/sim"
	"privload/internal/vm"
	"privload/internal/winnt"
)

const privateHeap = 0x5a5a0000

type env struct {
	t    *testing.T
	host *sim.Host
	l    winnt.Layout
	proc *Process
	teb  uintptr
}

func newEnv(t *testing.T, configured bool) *env {
	host, err := sim.NewHost(sim.Options{})
	require.NoError(t, err)
	e := &env{
		t:    t,
		host: host,
		l:    winnt.Layout64,
		proc: NewProcess(host.Space(), winnt.Layout64, host.ProcessEnvironment(), configured),
	}
	e.teb, err = host.NewTEB(0x7000, 0x3000)
	require.NoError(t, err)
	e.put(e.l.FlsData, 0xf1500)
	e.put(e.l.ReservedForNtRpc, 0xa9c00)
	e.put(e.l.NlsCache, 0x41500)
	e.put(e.l.ThreadLocalStore, 0x71500)
	require.NoError(t, vm.WriteU32(host.Space(), e.teb+e.l.LastErrorValue, 2))
	return e
}

func (e *env) put(off, v uintptr) {
	require.NoError(e.t, vm.WritePtr(e.host.Space(), e.teb+off, 8, v))
}

func (e *env) get(off uintptr) uintptr {
	v, err := vm.ReadPtr(e.host.Space(), e.teb+off, 8)
	require.NoError(e.t, err)
	return v
}

func (e *env) lastError() uint32 {
	v, err := vm.ReadU32(e.host.Space(), e.teb+e.l.LastErrorValue)
	require.NoError(e.t, err)
	return v
}

func (e *env) enable() {
	require.NoError(e.t, e.proc.CreatePrivate(privateHeap, e.host.InitCriticalSection))
	e.proc.NoteClient("tool.dll")
	require.True(e.t, e.proc.Decide())
}

var privateView = View{
	StackLimit: 0x90000,
	StackBase:  0x98000,
	FlsData:    0xbf1500,
	RPC:        0xba9c00,
	NLS:        0xb41500,
	StaticTLS:  0xb71500,
	LastError:  0,
}

func (e *env) thread() *Thread {
	th, err := NewThread(e.host.Space(), e.l, e.teb, e.proc, privateView)
	require.NoError(e.t, err)
	return th
}

func (e *env) requireShows(v View, peb uintptr) {
	e.t.Helper()
	got := View{
		StackLimit: e.get(e.l.StackLimit),
		StackBase:  e.get(e.l.StackBase),
		FlsData:    e.get(e.l.FlsData),
		RPC:        e.get(e.l.ReservedForNtRpc),
		NLS:        e.get(e.l.NlsCache),
		StaticTLS:  e.get(e.l.ThreadLocalStore),
		LastError:  e.lastError(),
	}
	if diff := cmp.Diff(v, got); diff != "" {
		e.t.Fatalf("thread block mismatch (-want +got):\n%s", diff)
	}
	require.Equal(e.t, peb, e.get(e.l.ProcessEnvironBlk))
}

var appView = View{
	StackLimit: 0x3000,
	StackBase:  0x7000,
	FlsData:    0xf1500,
	RPC:        0xa9c00,
	NLS:        0x41500,
	StaticTLS:  0x71500,
	LastError:  2,
}

func Test_PrivatePEB(t *testing.T) {
	e := newEnv(t, true)
	s := e.host.Space()
	app := e.proc.AppPEB()
	require.NoError(t, vm.WriteU64(s, app+0x100, 0xfeedface))

	require.NoError(t, e.proc.CreatePrivate(privateHeap, e.host.InitCriticalSection))
	peb := e.proc.PrivatePEB()
	require.NotZero(t, peb)
	require.NotEqual(t, app, peb)
	require.True(t, e.proc.Owns(peb))
	require.False(t, e.proc.Owns(app))

	read := func(at uintptr) uint64 {
		v, err := vm.ReadU64(s, at)
		require.NoError(t, err)
		return v
	}
	require.Equal(t, uint64(0xfeedface), read(peb+0x100))
	require.Equal(t, uint64(privateHeap), read(peb+e.l.ProcessHeap))
	require.Equal(t, uint64(e.host.AppHeap()), read(app+e.l.ProcessHeap))
	require.Zero(t, read(peb+e.l.FlsCallback))
	head := peb + e.l.FlsListHead
	require.Equal(t, uint64(head), read(head))
	require.Equal(t, uint64(head), read(head+8))

	lock := uintptr(read(peb + e.l.FastPebLock))
	require.True(t, e.proc.Owns(lock))
	count, err := vm.ReadU32(s, lock+e.l.CriticalSectionLockCount)
	require.NoError(t, err)
	require.Equal(t, uint32(0xffffffff), count)

	before := e.host.Sim().Regions()
	require.NoError(t, e.proc.CreatePrivate(privateHeap, e.host.InitCriticalSection))
	require.Equal(t, before, e.host.Sim().Regions(), "second create is a no-op")

	require.NoError(t, e.proc.Destroy())
	require.Zero(t, e.proc.PrivatePEB())
	require.Equal(t, before-1, e.host.Sim().Regions())
}

func Test_Decide(t *testing.T) {
	for _, tc := range []struct {
		name       string
		configured bool
		create     bool
		system     bool
		client     bool
		want       bool
	}{
		{"nothing loaded", true, true, false, false, false},
		{"system library", true, true, true, false, true},
		{"client", true, true, false, true, true},
		{"disabled by config", false, true, true, true, false},
		{"no private copy", true, false, true, true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.configured)
			if tc.create {
				require.NoError(t, e.proc.CreatePrivate(privateHeap, e.host.InitCriticalSection))
			}
			if tc.system {
				e.proc.NoteSystemLib("kernel32.dll")
			}
			if tc.client {
				e.proc.NoteClient("tool.dll")
			}
			require.Equal(t, tc.want, e.proc.Decide())
			require.Equal(t, tc.want, e.proc.Enabled())
		})
	}
}

func Test_LateNoticeIgnored(t *testing.T) {
	e := newEnv(t, true)
	require.NoError(t, e.proc.CreatePrivate(privateHeap, e.host.InitCriticalSection))
	require.False(t, e.proc.Decide())

	e.proc.NoteSystemLib("user32.dll")
	e.proc.NoteClient("late.dll")
	require.False(t, e.proc.Decide())
	require.False(t, e.proc.Enabled())
}

func Test_SwapRoundTrip(t *testing.T) {
	e := newEnv(t, true)
	e.enable()
	th := e.thread()
	require.Equal(t, Application, th.Live())
	if diff := cmp.Diff(appView, th.View(Application)); diff != "" {
		t.Fatalf("captured application view (-want +got):\n%s", diff)
	}

	require.NoError(t, th.Swap(Private, All))
	require.Equal(t, Private, th.Live())
	e.requireShows(privateView, e.proc.PrivatePEB())

	require.NoError(t, th.Swap(Application, All))
	require.Equal(t, Application, th.Live())
	e.requireShows(appView, e.proc.AppPEB())
}

func Test_SwapIdempotent(t *testing.T) {
	e := newEnv(t, true)
	e.enable()
	th := e.thread()

	require.NoError(t, th.Swap(Private, All))
	teb1, err := e.host.Sim().Peek(e.teb, e.l.TEBSize)
	require.NoError(t, err)
	app1, priv1 := th.View(Application), th.View(Private)

	require.NoError(t, th.Swap(Private, All))
	teb2, err := e.host.Sim().Peek(e.teb, e.l.TEBSize)
	require.NoError(t, err)
	require.Equal(t, teb1, teb2)
	require.Empty(t, cmp.Diff(app1, th.View(Application)))
	require.Empty(t, cmp.Diff(priv1, th.View(Private)))

	require.NoError(t, th.Swap(Application, All))
	require.NoError(t, th.Swap(Application, All))
	e.requireShows(appView, e.proc.AppPEB())
	require.Empty(t, cmp.Diff(appView, th.View(Application)))
}

func Test_SwapPreservesApplicationChanges(t *testing.T) {
	e := newEnv(t, true)
	e.enable()
	th := e.thread()

	// the application changed its last error and FLS data before the
	// transition
	require.NoError(t, vm.WriteU32(e.host.Space(), e.teb+e.l.LastErrorValue, 183))
	e.put(e.l.FlsData, 0xf2000)

	require.NoError(t, th.Swap(Private, All))
	require.Equal(t, uint32(0), e.lastError())

	// private code sets its own error
	require.NoError(t, vm.WriteU32(e.host.Space(), e.teb+e.l.LastErrorValue, 5))
	require.NoError(t, th.Swap(Application, All))
	require.Equal(t, uint32(183), e.lastError())
	require.Equal(t, uintptr(0xf2000), e.get(e.l.FlsData))
	require.Equal(t, uint32(5), th.View(Private).LastError)
}

func Test_SwapMask(t *testing.T) {
	e := newEnv(t, true)
	e.enable()
	th := e.thread()

	require.NoError(t, th.Swap(Private, Stack|LastError))
	want := appView
	want.StackLimit, want.StackBase, want.LastError = privateView.StackLimit, privateView.StackBase, privateView.LastError
	e.requireShows(want, e.proc.AppPEB())

	require.NoError(t, th.Swap(Private, PEB))
	require.Equal(t, e.proc.PrivatePEB(), e.get(e.l.ProcessEnvironBlk))
}

func Test_StaticTLSTracksLastWrite(t *testing.T) {
	e := newEnv(t, true)
	e.enable()
	th := e.thread()

	require.NoError(t, th.Swap(Private, StaticTLS))
	require.Equal(t, privateView.StaticTLS, e.get(e.l.ThreadLocalStore))

	// the field is compared with what was last written, not with the TEB
	e.put(e.l.ThreadLocalStore, 0xdead0)
	require.NoError(t, th.Swap(Private, StaticTLS))
	require.Equal(t, uintptr(0xdead0), e.get(e.l.ThreadLocalStore))

	require.NoError(t, th.Swap(Application, StaticTLS))
	require.Equal(t, appView.StaticTLS, e.get(e.l.ThreadLocalStore))

	// the stray value was not captured into the private view
	require.Equal(t, privateView.StaticTLS, th.View(Private).StaticTLS)
	require.NoError(t, th.Swap(Private, StaticTLS))
	require.Equal(t, privateView.StaticTLS, e.get(e.l.ThreadLocalStore))
}

func Test_ResetPEB(t *testing.T) {
	e := newEnv(t, true)
	e.enable()
	th := e.thread()

	require.NoError(t, th.Swap(Private, PEB))
	require.Equal(t, e.proc.PrivatePEB(), e.get(e.l.ProcessEnvironBlk))

	require.NoError(t, th.ResetPEB())
	require.NoError(t, e.proc.Destroy())
	require.Equal(t, e.proc.AppPEB(), e.get(e.l.ProcessEnvironBlk))

	require.NoError(t, th.Swap(Application, All))
	require.NoError(t, th.Swap(Private, All))
	require.Equal(t, e.proc.AppPEB(), e.get(e.l.ProcessEnvironBlk))
}

func Test_DropStaticTLS(t *testing.T) {
	e := newEnv(t, true)
	th := e.thread()

	require.NoError(t, th.Swap(Private, StaticTLS))
	require.NoError(t, th.DropStaticTLS())
	require.Zero(t, th.View(Private).StaticTLS)
	require.Zero(t, e.get(e.l.ThreadLocalStore))

	require.NoError(t, th.Swap(Application, StaticTLS))
	require.Equal(t, appView.StaticTLS, e.get(e.l.ThreadLocalStore))

	// with the application view live the field is left alone
	other := e.thread()
	require.NoError(t, other.DropStaticTLS())
	require.Equal(t, appView.StaticTLS, e.get(e.l.ThreadLocalStore))
	require.NoError(t, other.Swap(Private, StaticTLS))
	require.Zero(t, e.get(e.l.ThreadLocalStore))
}

func Test_CheckEngineMemory(t *testing.T) {
	e := newEnv(t, true)
	e.enable()
	e.proc.SetEngineMemory(func(addr uintptr) bool { return addr >= 0xb00000 && addr < 0xc00000 })
	require.True(t, e.proc.EngineOwned(e.proc.PrivatePEB()))
	require.True(t, e.proc.EngineOwned(privateView.FlsData))
	require.False(t, e.proc.EngineOwned(appView.FlsData))
	require.False(t, e.proc.EngineOwned(0))

	th := e.thread()
	require.NoError(t, th.check(All))

	require.NoError(t, th.Swap(Private, All))
	require.NoError(t, th.check(All))
	require.NoError(t, th.Swap(Application, All))
	require.NoError(t, th.check(All))

	// a private value leaking into the application view
	e.put(e.l.FlsData, privateView.FlsData+0x10)
	require.ErrorContains(t, th.check(FLS), "engine memory")
	require.NoError(t, th.check(NLS))
	e.put(e.l.FlsData, appView.FlsData)

	e.put(e.l.ProcessEnvironBlk, e.proc.PrivatePEB())
	require.ErrorContains(t, th.check(PEB), "engine memory")
}

func Test_PEBSwapNeedsDecision(t *testing.T) {
	e := newEnv(t, true)
	require.NoError(t, e.proc.CreatePrivate(privateHeap, e.host.InitCriticalSection))
	require.False(t, e.proc.Decide())
	th := e.thread()

	require.NoError(t, th.Swap(Private, All))
	require.Equal(t, e.proc.AppPEB(), e.get(e.l.ProcessEnvironBlk))
	require.Equal(t, privateView.StackBase, e.get(e.l.StackBase))
}

func Test_RestoreForDetach(t *testing.T) {
	e := newEnv(t, true)
	e.enable()
	th := e.thread()

	require.NoError(t, th.Swap(Private, All))
	require.NoError(t, th.RestoreForDetach())
	require.True(t, th.Detached())
	require.Equal(t, Application, th.Live())
	e.requireShows(appView, e.proc.AppPEB())

	require.NoError(t, th.Swap(Private, All))
	e.requireShows(appView, e.proc.AppPEB())
}

func Test_CategoryString(t *testing.T) {
	require.Equal(t, "none", Category(0).String())
	require.Equal(t, "stack|last_error", (Stack | LastError).String())
	require.Equal(t, "peb|stack|fls|rpc|nls|static_tls|last_error", All.String())
	require.Equal(t, "private", Private.String())
}
