package privload

import (
	"errors"
	"slices"

	"go.uber.org/zap"

	"privload/internal/isolate"
	"privload/internal/loaderr"
	"privload/internal/plog"
	"privload/internal/statictls"
)

// ThreadConfig describes a thread entering the engine. TEB is the
// thread block; the rest is the private libraries' view of it.
type ThreadConfig struct {
	TEB        uintptr
	StackBase  uintptr
	StackLimit uintptr
	FlsData    uintptr
	RPC        uintptr
	NLS        uintptr
}

// Thread is the loader's per-thread state.
type Thread struct {
	id     uint64
	shadow *isolate.Thread
	tls    *statictls.State
}

// TLS returns the thread's static-TLS state.
func (t *Thread) TLS() *statictls.State { return t.tls }

// Shadow returns the thread's isolation state.
func (t *Thread) Shadow() *isolate.Thread { return t.shadow }

// ThreadInit registers the calling thread. The first thread freezes
// static-TLS slot assignment and only receives slot data, since every
// module already ran its process-init notifications; later threads get
// thread-init notifications, dependencies first.
func (l *Loader) ThreadInit(c ThreadConfig) (*Thread, error) {
	l.reg.Lock()
	defer l.reg.Unlock()
	if !l.initialized {
		return nil, loaderr.Runtime("thread init", "", nil, "loader not initialized")
	}

	l.threadsMu.Lock()
	first := len(l.threads) == 0 && !l.tls.Frozen()
	l.threadsMu.Unlock()

	st, err := l.tls.ThreadInit()
	if err != nil {
		return nil, err
	}
	shadow, err := isolate.NewThread(l.host.Space(), l.layout, c.TEB, l.proc, isolate.View{
		StackBase:  c.StackBase,
		StackLimit: c.StackLimit,
		FlsData:    c.FlsData,
		RPC:        c.RPC,
		NLS:        c.NLS,
		StaticTLS:  st.Array,
	})
	if err != nil {
		l.tls.ThreadExit(st)
		return nil, loaderr.Runtime("thread init", "", err, "capture thread block")
	}
	t := &Thread{id: l.host.CurrentThreadID(), shadow: shadow, tls: st}

	l.threadsMu.Lock()
	l.threads[t.id] = t
	l.threadsMu.Unlock()

	mods := l.reg.Modules()
	slices.Reverse(mods)
	for _, m := range mods {
		if m.ExternallyLoaded {
			continue
		}
		if first {
			err = l.tls.Populate(m, st)
		} else {
			err = l.tls.Dispatch(m, st, statictls.ThreadInit)
			if err == nil {
				err = l.tls.CallEntry(m, statictls.ThreadInit)
			}
		}
		if err != nil {
			plog.Logger().Error("thread init notification failed", zap.String("module", m.Name), zap.Error(err))
		}
	}
	plog.Logger().Debug("thread initialized",
		zap.Uint64("thread", t.id), zap.Bool("first", first), zap.Int("tls_slots", st.Count))
	return t, nil
}

// ThreadExit delivers thread-exit notifications, dependents first, and
// frees the thread's static-TLS data. Calling it twice is harmless.
func (l *Loader) ThreadExit(t *Thread) error {
	if t == nil || t.tls == nil {
		return nil
	}
	l.reg.Lock()
	defer l.reg.Unlock()

	var errs []error
	for m := l.reg.First(); m != nil; m = l.reg.Next(m) {
		if m.ExternallyLoaded {
			continue
		}
		if err := l.tls.Dispatch(m, t.tls, statictls.ThreadExit); err != nil {
			errs = append(errs, err)
		}
		if err := l.tls.CallEntry(m, statictls.ThreadExit); err != nil {
			errs = append(errs, err)
		}
	}
	l.tls.ThreadExit(t.tls)
	t.tls = nil
	if err := t.shadow.DropStaticTLS(); err != nil {
		errs = append(errs, err)
	}

	l.threadsMu.Lock()
	if l.threads[t.id] == t {
		delete(l.threads, t.id)
	}
	l.threadsMu.Unlock()
	return errors.Join(errs...)
}

// currentTLS returns the calling thread's static-TLS state, or nil
// before the thread is registered.
func (l *Loader) currentTLS() *statictls.State {
	l.threadsMu.Lock()
	defer l.threadsMu.Unlock()
	if t := l.threads[l.host.CurrentThreadID()]; t != nil {
		return t.tls
	}
	return nil
}

// SwapToPrivate shows the private view of the fields in mask. It takes
// no locks.
func (l *Loader) SwapToPrivate(t *Thread, mask isolate.Category) error {
	return t.shadow.Swap(isolate.Private, mask)
}

// SwapToApplication shows the application view of the fields in mask.
func (l *Loader) SwapToApplication(t *Thread, mask isolate.Category) error {
	return t.shadow.Swap(isolate.Application, mask)
}

// Detach restores the application view for good. Later swaps on t do
// nothing.
func (l *Loader) Detach(t *Thread) error {
	return t.shadow.RestoreForDetach()
}

// IsApplicationContext reports whether t currently shows the
// application's view.
func (l *Loader) IsApplicationContext(t *Thread) bool {
	return t.shadow.Live() == isolate.Application
}
