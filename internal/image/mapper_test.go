package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"privload/internal/imagetest"
	"privload/internal/loaderr"
	"privload/internal/sim"
	"privload/internal/vm"
	"privload/internal/winnt"
)

func build(t *testing.T, im *imagetest.Image, file string) (*imagetest.Built, string) {
	t.Helper()
	b := im.Build()
	path, err := b.Write(t.TempDir(), file)
	require.NoError(t, err)
	return b, path
}

func newMapper() (*Mapper, *sim.Space) {
	s := sim.NewSpace()
	return &Mapper{Space: s, Machine: winnt.IMAGE_FILE_MACHINE_AMD64}, s
}

func Test_MapPreferred(t *testing.T) {
	b, path := build(t, &imagetest.Image{
		Name:     "alpha.dll",
		Exports:  []imagetest.Export{{Name: "Run"}},
		Pointers: 1,
	}, "ALPHA.DLL")
	m, s := newMapper()

	mp, err := m.MapAndRelocate(path, 0)
	require.NoError(t, err)
	require.Equal(t, uintptr(b.ImageBase), mp.Base)
	require.False(t, mp.Relocated)
	require.Equal(t, "alpha.dll", mp.Name)
	require.Equal(t, uintptr(b.SizeOfImage), mp.Size)

	p, err := vm.ReadU64(s, mp.Base+uintptr(b.PointerRVAs[0]))
	require.NoError(t, err)
	require.Equal(t, b.ImageBase+uint64(b.TextRVA), p)

	prot, ok := s.ProtAt(mp.Base)
	require.True(t, ok)
	require.Equal(t, vm.ProtReadOnly, prot)
	prot, _ = s.ProtAt(mp.Base + uintptr(b.TextRVA))
	require.Equal(t, vm.ProtExecuteRead, prot)
	prot, _ = s.ProtAt(mp.Base + uintptr(b.PointerRVAs[0]))
	require.Equal(t, vm.ProtReadWrite, prot)

	code, err := s.Peek(mp.Base+uintptr(b.Exports["Run"]), 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0xc3}, code)

	require.NoError(t, m.Unmap(mp.Base))
	require.Equal(t, 0, s.Regions())
}

func Test_MapRelocated(t *testing.T) {
	b, path := build(t, &imagetest.Image{Pointers: 3}, "beta.dll")
	m, s := newMapper()

	_, err := s.Alloc(uintptr(b.ImageBase), 0x1000, vm.ProtReadWrite)
	require.NoError(t, err)

	mp, err := m.MapAndRelocate(path, 0)
	require.NoError(t, err)
	require.NotEqual(t, uintptr(b.ImageBase), mp.Base)
	require.True(t, mp.Relocated)
	require.Equal(t, "beta.dll", mp.Name)

	for _, rva := range b.PointerRVAs {
		p, err := vm.ReadU64(s, mp.Base+uintptr(rva))
		require.NoError(t, err)
		require.Equal(t, uint64(mp.Base)+uint64(b.TextRVA), p)
	}
}

func Test_MapNotRelocatable(t *testing.T) {
	b, path := build(t, &imagetest.Image{NoRelocs: true, Pointers: 1}, "gamma.dll")
	m, s := newMapper()

	_, err := s.Alloc(uintptr(b.ImageBase), 0x1000, vm.ProtReadWrite)
	require.NoError(t, err)
	before := s.Regions()

	mp, err := m.MapAndRelocate(path, 0)
	require.Nil(t, mp)
	require.ErrorIs(t, err, loaderr.ErrNotRelocatable)
	require.Equal(t, loaderr.KindLoad, loaderr.KindOf(err))
	require.Equal(t, before, s.Regions())
}

func Test_MapBitnessMismatch(t *testing.T) {
	_, path := build(t, &imagetest.Image{Machine: winnt.IMAGE_FILE_MACHINE_I386}, "x86.dll")
	m, s := newMapper()

	for i := 0; i < 2; i++ {
		mp, err := m.MapAndRelocate(path, 0)
		require.Nil(t, mp)
		require.ErrorIs(t, err, loaderr.ErrBitness)
		require.Equal(t, 0, s.Regions(), "no mapping may linger")
	}
}

func Test_MapReachable(t *testing.T) {
	_, path := build(t, &imagetest.Image{Pointers: 1}, "near.dll")
	m, s := newMapper()
	s.SetReachable(0x40000000, 0x48000000)

	mp, err := m.MapAndRelocate(path, MapReachable)
	require.NoError(t, err)
	require.GreaterOrEqual(t, mp.Base, uintptr(0x40000000))
	require.Less(t, mp.Base, uintptr(0x48000000))
	require.True(t, mp.Relocated)

	_, path = build(t, &imagetest.Image{NoRelocs: true}, "fixed.dll")
	before := s.Regions()
	_, err = m.MapAndRelocate(path, MapReachable)
	require.ErrorIs(t, err, loaderr.ErrNotRelocatable)
	require.Equal(t, before, s.Regions())
}

func Test_MapSecurityCookie(t *testing.T) {
	b, path := build(t, &imagetest.Image{Cookie: true}, "cookie.dll")
	m, s := newMapper()

	mp, err := m.MapAndRelocate(path, 0)
	require.NoError(t, err)

	v, err := vm.ReadU64(s, mp.Base+uintptr(b.CookieRVA))
	require.NoError(t, err)
	require.NotEqual(t, uint64(winnt.DEFAULT_SECURITY_COOKIE64), v)
	require.NotZero(t, v)
	require.Zero(t, v>>48)
}

func Test_MapErrors(t *testing.T) {
	m, s := newMapper()

	_, err := m.MapAndRelocate(filepath.Join(t.TempDir(), "missing.dll"), 0)
	require.ErrorIs(t, err, loaderr.ErrNotFound)

	junk := filepath.Join(t.TempDir(), "junk.dll")
	require.NoError(t, os.WriteFile(junk, []byte("MZ not really a PE image at all, just text"), 0o644))
	_, err = m.MapAndRelocate(junk, 0)
	require.ErrorIs(t, err, loaderr.ErrMalformed)
	require.Equal(t, 0, s.Regions())
}

func Test_SectionProtection(t *testing.T) {
	require.Equal(t, vm.ProtExecuteRead, SectionProtection(0x60000020))
	require.Equal(t, vm.ProtReadWrite, SectionProtection(0xc0000040))
	require.Equal(t, vm.ProtReadOnly, SectionProtection(0x40000040))
	require.Equal(t, vm.ProtExecuteReadWrite, SectionProtection(0xe0000020))
	require.Equal(t, vm.ProtNoAccess, SectionProtection(0))
	require.Equal(t, vm.ProtReadOnly|vm.ProtNoCache, SectionProtection(0x44000040))
}

func Test_BaseName(t *testing.T) {
	require.Equal(t, "kernel32.dll", BaseName(`C:\Windows\system32\kernel32.dll`))
	require.Equal(t, "a.dll", BaseName("/tmp/x/a.dll"))
	require.Equal(t, "a.dll", BaseName("a.dll"))
}

func Test_InspectRejectsJunk(t *testing.T) {
	junk := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(junk, make([]byte, 512), 0o644))
	_, err := Inspect(junk)
	require.Error(t, err)
}
