package isolate

import (
	"fmt"
	"strings"

	"privload/internal/loaderr"
	"privload/internal/vm"
	"privload/internal/winnt"
)

// Category selects the fields a swap touches.
type Category uint32

const (
	PEB Category = 1 << iota
	Stack
	FLS
	RPC
	NLS
	StaticTLS
	LastError

	All = PEB | Stack | FLS | RPC | NLS | StaticTLS | LastError
)

var categoryNames = []string{"peb", "stack", "fls", "rpc", "nls", "static_tls", "last_error"}

func (c Category) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for i, name := range categoryNames {
		if c&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Side names one of the two views.
type Side int

const (
	Application Side = iota
	Private
)

func (s Side) String() string {
	if s == Private {
		return "private"
	}
	return "application"
}

// View is one side's copy of the swapped thread fields.
type View struct {
	StackLimit uintptr
	StackBase  uintptr
	FlsData    uintptr
	RPC        uintptr
	NLS        uintptr
	StaticTLS  uintptr
	LastError  uint32
}

// Thread is the shadow state of one thread. Swaps are not synchronized;
// only the owning thread may call them.
type Thread struct {
	space  vm.Space
	layout winnt.Layout
	teb    uintptr
	proc   *Process

	appPEB, privPEB uintptr

	views [2]View
	live  Side
	// tlsWritten is the last static-TLS pointer written to the TEB.
	tlsWritten uintptr
	detached   bool
}

// NewThread captures the thread block's current values as the
// application view. private is the private libraries' view.
func NewThread(s vm.Space, layout winnt.Layout, teb uintptr, proc *Process, private View) (*Thread, error) {
	t := &Thread{
		space:   s,
		layout:  layout,
		teb:     teb,
		proc:    proc,
		appPEB:  proc.AppPEB(),
		privPEB: proc.PrivatePEB(),
		live:    Application,
	}
	app := &t.views[Application]
	for _, f := range t.ptrFields(app) {
		v, err := vm.ReadPtr(s, teb+f.off, layout.PtrSize)
		if err != nil {
			return nil, fmt.Errorf("read thread block: %w", err)
		}
		*f.val = v
	}
	last, err := vm.ReadU32(s, teb+layout.LastErrorValue)
	if err != nil {
		return nil, fmt.Errorf("read thread block: %w", err)
	}
	app.LastError = last
	t.tlsWritten = app.StaticTLS
	t.views[Private] = private
	return t, nil
}

type ptrField struct {
	cat Category
	off uintptr
	val *uintptr
}

// ptrFields lists the pointer fields of v with their TEB offsets.
// StaticTLS is last and is swapped separately.
func (t *Thread) ptrFields(v *View) []ptrField {
	l := t.layout
	return []ptrField{
		{Stack, l.StackLimit, &v.StackLimit},
		{Stack, l.StackBase, &v.StackBase},
		{FLS, l.FlsData, &v.FlsData},
		{RPC, l.ReservedForNtRpc, &v.RPC},
		{NLS, l.NlsCache, &v.NLS},
		{StaticTLS, l.ThreadLocalStore, &v.StaticTLS},
	}
}

func (t *Thread) TEB() uintptr { return t.teb }

// Live reports which view the thread block currently shows.
func (t *Thread) Live() Side { return t.live }

// View returns a copy of one side's view.
func (t *Thread) View(s Side) View { return t.views[s] }

// SetView replaces one side's view, as when the engine moves a
// thread's private stack.
func (t *Thread) SetView(s Side, v View) { t.views[s] = v }

func (t *Thread) Detached() bool { return t.detached }

// Swap makes to the visible view for the categories in mask. A field
// already showing the target value is left alone, so swapping twice is
// harmless. After RestoreForDetach it does nothing.
func (t *Thread) Swap(to Side, mask Category) error {
	if t.detached {
		return nil
	}
	from := Application
	if to == Application {
		from = Private
	}
	src, dst := &t.views[from], &t.views[to]
	ptr := t.layout.PtrSize

	if mask&PEB != 0 && t.proc.Enabled() {
		want := t.appPEB
		if to == Private {
			want = t.privPEB
		}
		if err := t.swapWord(t.layout.ProcessEnvironBlk, want, nil); err != nil {
			return err
		}
	}

	srcFields, dstFields := t.ptrFields(src), t.ptrFields(dst)
	for i, f := range dstFields {
		if mask&f.cat == 0 {
			continue
		}
		if f.cat == StaticTLS {
			// computed from our own records; the TEB is never read back
			if *f.val != t.tlsWritten {
				if err := vm.WritePtr(t.space, t.teb+f.off, ptr, *f.val); err != nil {
					return err
				}
				t.tlsWritten = *f.val
			}
			continue
		}
		if err := t.swapWord(f.off, *f.val, srcFields[i].val); err != nil {
			return err
		}
	}

	if mask&LastError != 0 {
		at := t.teb + t.layout.LastErrorValue
		cur, err := vm.ReadU32(t.space, at)
		if err != nil {
			return err
		}
		if cur != dst.LastError {
			src.LastError = cur
			if err := vm.WriteU32(t.space, at, dst.LastError); err != nil {
				return err
			}
		}
	}

	if mask != 0 {
		t.live = to
	}
	if debugChecks {
		return t.check(mask)
	}
	return nil
}

// swapWord writes want at off unless it is already there, stashing the
// old value in save when save is non-nil.
func (t *Thread) swapWord(off, want uintptr, save *uintptr) error {
	ptr := t.layout.PtrSize
	cur, err := vm.ReadPtr(t.space, t.teb+off, ptr)
	if err != nil {
		return err
	}
	if cur == want {
		return nil
	}
	if save != nil {
		*save = cur
	}
	return vm.WritePtr(t.space, t.teb+off, ptr, want)
}

// ResetPEB points the thread block back at the application PEB and
// keeps it there. It runs before the private PEB is freed.
func (t *Thread) ResetPEB() error {
	if err := t.swapWord(t.layout.ProcessEnvironBlk, t.appPEB, nil); err != nil {
		return err
	}
	t.privPEB = t.appPEB
	return nil
}

// DropStaticTLS forgets the private slot array once it is freed. If the
// private view is live, the thread block field is cleared as well.
func (t *Thread) DropStaticTLS() error {
	t.views[Private].StaticTLS = 0
	if t.live != Private || t.detached || t.tlsWritten == 0 {
		return nil
	}
	if err := vm.WritePtr(t.space, t.teb+t.layout.ThreadLocalStore, t.layout.PtrSize, 0); err != nil {
		return err
	}
	t.tlsWritten = 0
	return nil
}

// RestoreForDetach shows the application view in every field for good.
func (t *Thread) RestoreForDetach() error {
	if err := t.Swap(Application, All); err != nil {
		return err
	}
	if err := t.swapWord(t.layout.ProcessEnvironBlk, t.appPEB, nil); err != nil {
		return err
	}
	t.live = Application
	t.detached = true
	return nil
}

// check verifies that no field in mask shows the other side's value,
// and that the application view never exposes engine memory.
func (t *Thread) check(mask Category) error {
	other := &t.views[Private]
	if t.live == Private {
		other = &t.views[Application]
	}
	live := &t.views[t.live]
	ptr := t.layout.PtrSize
	if mask&PEB != 0 && t.live == Application {
		cur, err := vm.ReadPtr(t.space, t.teb+t.layout.ProcessEnvironBlk, ptr)
		if err != nil {
			return err
		}
		if t.proc.EngineOwned(cur) {
			return loaderr.Invariant("swap", "peb field shows engine memory %#x while application is live", cur)
		}
	}
	for i, f := range t.ptrFields(live) {
		if mask&f.cat == 0 {
			continue
		}
		o := *t.ptrFields(other)[i].val
		cur, err := vm.ReadPtr(t.space, t.teb+f.off, ptr)
		if err != nil {
			return err
		}
		if o != 0 && o != *f.val && cur == o {
			return loaderr.Invariant("swap", "%s field at TEB+%#x shows the %s value %#x while %s is live",
				f.cat, f.off, t.live^1, cur, t.live)
		}
		if t.live == Application && t.proc.EngineOwned(cur) {
			return loaderr.Invariant("swap", "%s field at TEB+%#x shows engine memory %#x while application is live",
				f.cat, f.off, cur)
		}
	}
	return nil
}
