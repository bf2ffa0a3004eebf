package module

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func names(r *Registry) []string {
	var out []string
	for _, m := range r.Modules() {
		out = append(out, m.Name)
	}
	return out
}

func newTestRegistry() *Registry {
	return NewRegistry(func() uint64 { return 1 })
}

func Test_InsertOrder(t *testing.T) {
	r := newTestRegistry()
	r.Lock()
	defer r.Unlock()

	a := r.Insert(nil, 0x10000, 0x1000, "a.dll", `C:\a.dll`)
	b := r.Insert(a, 0x20000, 0x1000, "b.dll", `C:\b.dll`)
	r.Insert(b, 0x30000, 0x1000, "c.dll", `C:\c.dll`)
	r.Insert(a, 0x40000, 0x1000, "d.dll", `C:\d.dll`)
	r.Insert(nil, 0x50000, 0x1000, "e.dll", `C:\e.dll`)

	if diff := cmp.Diff([]string{"e.dll", "a.dll", "d.dll", "b.dll", "c.dll"}, names(r)); diff != "" {
		t.Fatalf("list order (-want +got):\n%s", diff)
	}
	require.Equal(t, 5, r.Len())
	require.Equal(t, 1, b.RefCount)
	require.Equal(t, -1, b.Ext.TLSSlot)
}

func Test_Lookup(t *testing.T) {
	r := newTestRegistry()
	r.Lock()
	defer r.Unlock()

	k := r.Insert(nil, 0x7ff800000000, 0x100000, "KERNEL32.dll", "")
	require.Equal(t, k, r.Lookup("kernel32.DLL"))
	require.Nil(t, r.Lookup("kernelbase.dll"))
	require.Equal(t, k, r.LookupByBase(0x7ff800000000))
	require.Nil(t, r.LookupByBase(0x7ff800001000))
}

func Test_Release(t *testing.T) {
	r := newTestRegistry()
	r.Lock()
	defer r.Unlock()

	a := r.Insert(nil, 0x10000, 0x2000, "a.dll", "")
	b := r.Insert(a, 0x20000, 0x2000, "b.dll", "")
	b.RefCount++

	require.False(t, r.Release(b))
	require.True(t, r.Contains(0x21000))
	require.True(t, r.Release(b))
	require.Nil(t, b.Ext)
	require.False(t, r.Contains(0x21000))
	require.Equal(t, []string{"a.dll"}, names(r))

	require.True(t, r.Release(a))
	require.Nil(t, r.First())
	require.Equal(t, 0, r.Len())
}

func Test_ModuleAt(t *testing.T) {
	r := newTestRegistry()
	r.Lock()
	a := r.Insert(nil, 0x10000, 0x2000, "a.dll", "")
	c := r.Insert(nil, 0x40000, 0x1000, "c.dll", "")
	r.Unlock()

	require.Equal(t, a, r.ModuleAt(0x10000))
	require.Equal(t, a, r.ModuleAt(0x11fff))
	require.Nil(t, r.ModuleAt(0x12000))
	require.Nil(t, r.ModuleAt(0x0ffff))
	require.Equal(t, c, r.ModuleAt(0x40800))
	require.Nil(t, r.ModuleAt(0x41000))
}

func Test_AssertLocked(t *testing.T) {
	r := newTestRegistry()
	require.PanicsWithValue(t, "module: registry lock not held", func() {
		r.Insert(nil, 0x10000, 0x1000, "a.dll", "")
	})
	require.Panics(t, func() { r.Lookup("a.dll") })
}

func Test_RecursiveLock(t *testing.T) {
	var l RecursiveLock
	l.Lock(7)
	l.Lock(7)
	require.True(t, l.OwnedBy(7))
	require.False(t, l.OwnedBy(8))

	var got atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Lock(8)
		got.Store(true)
		l.Unlock(8)
	}()

	l.Unlock(7)
	require.False(t, got.Load(), "other owner acquired a lock still held once")
	l.Unlock(7)
	wg.Wait()
	require.True(t, got.Load())
	require.Panics(t, func() { l.Unlock(7) })
}
