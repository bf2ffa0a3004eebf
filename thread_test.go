package privload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"privload/internal/imagetest"
	"privload/internal/isolate"
	"privload/internal/loaderr"
	"privload/internal/vm"
	"privload/internal/winnt"
)

func (e *env) newThread(l *Loader, c ThreadConfig) *Thread {
	teb, err := e.host.NewTEB(0x7000, 0x3000)
	require.NoError(e.t, err)
	c.TEB = teb
	th, err := l.ThreadInit(c)
	require.NoError(e.t, err)
	return th
}

func (e *env) tebPtr(th *Thread, off uintptr) uintptr {
	v, err := vm.ReadPtr(e.host.Space(), th.Shadow().TEB()+off, 8)
	require.NoError(e.t, err)
	return v
}

func Test_ThreadStaticTLS(t *testing.T) {
	e := newEnv(t)
	e.add(e.dir, &imagetest.Image{
		Name:  "t.dll",
		Entry: true,
		TLS:   &imagetest.TLS{Template: []byte("tls!"), ZeroFill: 4, Callbacks: 1},
	})
	l := e.start()

	_, err := l.LoadByName("t.dll")
	require.NoError(t, err)
	m := e.module(l, "t.dll")
	cb := m.Base + uintptr(e.built["t.dll"].TLSCallbackRVAs[0])
	require.Equal(t, []uintptr{1}, e.reasons(cb))

	th := e.newThread(l, ThreadConfig{})
	st := th.TLS()
	require.Equal(t, 1, st.Count)
	data, err := vm.ReadPtr(e.host.Space(), st.Array, 8)
	require.NoError(t, err)
	got, err := e.host.Sim().Peek(data, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("tls!\x00\x00\x00\x00"), got)
	// the first thread is covered by process init
	require.Equal(t, []uintptr{1}, e.reasons(cb))
	require.Equal(t, []uintptr{1}, e.reasons(e.entry(m)))

	errs := make(chan error, 2)
	go func() {
		teb, err := e.host.NewTEB(0x17000, 0x13000)
		if err != nil {
			errs <- err
			return
		}
		other, err := l.ThreadInit(ThreadConfig{TEB: teb})
		if err != nil {
			errs <- err
			return
		}
		errs <- l.ThreadExit(other)
	}()
	require.NoError(t, <-errs)
	require.Equal(t, []uintptr{1, 2, 3}, e.reasons(cb))
	require.Equal(t, []uintptr{1, 2, 3}, e.reasons(e.entry(m)))

	require.NoError(t, l.ThreadExit(th))
	require.Nil(t, th.TLS())
	require.NoError(t, l.ThreadExit(th))
	require.Equal(t, []uintptr{1, 2, 3, 3}, e.reasons(cb))
}

func Test_LateStaticTLSIsFatal(t *testing.T) {
	e := newEnv(t)
	e.add(e.dir, &imagetest.Image{Name: "late.dll", TLS: &imagetest.TLS{Template: []byte{1}}})
	l := e.start()
	e.newThread(l, ThreadConfig{})

	_, err := l.LoadByName("late.dll")
	require.ErrorIs(t, err, loaderr.ErrTLSFrozen)
	require.Len(t, e.fatals, 1)
	require.Empty(t, l.Modules())
}

func Test_SwapAndDetach(t *testing.T) {
	e := newEnv(t)
	l := e.start()
	th := e.newThread(l, ThreadConfig{StackBase: 0x20000, StackLimit: 0x10000, FlsData: 0x5550})
	lay := winnt.Layout64

	require.True(t, l.IsApplicationContext(th))
	require.NoError(t, l.SwapToPrivate(th, isolate.All))
	require.False(t, l.IsApplicationContext(th))
	require.Equal(t, uintptr(0x20000), e.tebPtr(th, lay.StackBase))
	require.Equal(t, uintptr(0x10000), e.tebPtr(th, lay.StackLimit))
	require.Equal(t, uintptr(0x5550), e.tebPtr(th, lay.FlsData))

	require.NoError(t, l.SwapToApplication(th, isolate.Stack))
	require.True(t, l.IsApplicationContext(th))
	require.Equal(t, uintptr(0x7000), e.tebPtr(th, lay.StackBase))
	require.Equal(t, uintptr(0x5550), e.tebPtr(th, lay.FlsData))

	require.NoError(t, l.Detach(th))
	require.Equal(t, uintptr(0), e.tebPtr(th, lay.FlsData))
	require.NoError(t, l.SwapToPrivate(th, isolate.All))
	require.True(t, l.IsApplicationContext(th))
	require.Equal(t, uintptr(0x7000), e.tebPtr(th, lay.StackBase))
}

func Test_SwapPEB(t *testing.T) {
	e := newEnv(t)
	engine := e.external(&imagetest.Image{Name: "engine.dll", Exports: []imagetest.Export{{Name: "register"}}}, true)
	e.cfg.Clients = []string{e.add(e.dir, &imagetest.Image{
		Name:    "client.dll",
		Imports: []imagetest.Import{{DLL: "engine.dll", Symbols: []imagetest.Symbol{{Name: "register"}}}},
	})}
	l := e.start(engine)
	require.True(t, l.PEBIsolated())

	th := e.newThread(l, ThreadConfig{})
	app := e.host.ProcessEnvironment()
	require.Equal(t, app, e.tebPtr(th, winnt.Layout64.ProcessEnvironBlk))

	require.NoError(t, l.SwapToPrivate(th, isolate.PEB))
	priv := e.tebPtr(th, winnt.Layout64.ProcessEnvironBlk)
	require.NotEqual(t, app, priv)
	require.NotZero(t, priv)
	heap, err := vm.ReadPtr(e.host.Space(), priv+winnt.Layout64.ProcessHeap, 8)
	require.NoError(t, err)
	require.Equal(t, l.PrivateHeap().Handle(), heap)

	require.NoError(t, l.SwapToApplication(th, isolate.PEB))
	require.Equal(t, app, e.tebPtr(th, winnt.Layout64.ProcessEnvironBlk))
}

func Test_ExitRestoresPEB(t *testing.T) {
	e := newEnv(t)
	engine := e.external(&imagetest.Image{Name: "engine.dll", Exports: []imagetest.Export{{Name: "register"}}}, true)
	e.cfg.Clients = []string{e.add(e.dir, &imagetest.Image{
		Name:    "client.dll",
		Imports: []imagetest.Import{{DLL: "engine.dll", Symbols: []imagetest.Symbol{{Name: "register"}}}},
	})}
	l := e.start(engine)
	require.True(t, l.PEBIsolated())

	th := e.newThread(l, ThreadConfig{})
	app := e.host.ProcessEnvironment()
	require.NoError(t, l.SwapToPrivate(th, isolate.PEB))
	require.NotEqual(t, app, e.tebPtr(th, winnt.Layout64.ProcessEnvironBlk))

	require.NoError(t, l.Exit())
	require.Equal(t, app, e.tebPtr(th, winnt.Layout64.ProcessEnvironBlk))
	require.NoError(t, l.SwapToApplication(th, isolate.PEB))
	require.True(t, l.IsApplicationContext(th))
	require.Equal(t, app, e.tebPtr(th, winnt.Layout64.ProcessEnvironBlk))
	require.NoError(t, l.SwapToPrivate(th, isolate.PEB))
	require.Equal(t, app, e.tebPtr(th, winnt.Layout64.ProcessEnvironBlk))
}

func Test_ThreadExitDropsStaticTLS(t *testing.T) {
	e := newEnv(t)
	e.add(e.dir, &imagetest.Image{Name: "t.dll", TLS: &imagetest.TLS{Template: []byte("tls!")}})
	l := e.start()
	_, err := l.LoadByName("t.dll")
	require.NoError(t, err)

	th := e.newThread(l, ThreadConfig{})
	app := th.Shadow().View(isolate.Application).StaticTLS
	arr := th.TLS().Array
	require.NotZero(t, arr)
	require.NoError(t, l.SwapToPrivate(th, isolate.StaticTLS))
	require.Equal(t, arr, e.tebPtr(th, winnt.Layout64.ThreadLocalStore))

	require.NoError(t, l.ThreadExit(th))
	require.Zero(t, th.Shadow().View(isolate.Private).StaticTLS)
	require.Zero(t, e.tebPtr(th, winnt.Layout64.ThreadLocalStore))

	require.NoError(t, l.SwapToApplication(th, isolate.StaticTLS))
	require.Equal(t, app, e.tebPtr(th, winnt.Layout64.ThreadLocalStore))
}
