package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ovm/interp"
)

func buildAddOneProgram(t *testing.T) *Package {
	t.Helper()
	b := NewBuilder()
	fn := b.AddFunction("addOne", 1, 0, nil)
	fn.Block()
	fn.OpImm(interp.LdLocal, 0)
	fn.OpImm(interp.I32, 1)
	fn.Op(interp.ArithOpcode(interp.OpAdd, interp.WI32))
	fn.Op(interp.Ret)
	fn.Finish()
	return b.Build()
}

func TestBuilderRoundTripsThroughPackageFile(t *testing.T) {
	pkg := buildAddOneProgram(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "prog.ovmp")
	require.NoError(t, WritePackageFile(path, pkg))

	loaded, err := ReadPackageFile(path)
	require.NoError(t, err)

	fn, ok := loaded.Function(0)
	require.True(t, ok)
	require.Equal(t, "addOne", fn.Name)
	require.Equal(t, 1, fn.NumParams)
	require.Equal(t, pkg.functions[0].Instructions, fn.Instructions)
	require.Equal(t, pkg.functions[0].BlockOffsets, fn.BlockOffsets)
}

func TestReadPackageFileRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ovmp")
	require.NoError(t, os.WriteFile(path, []byte("NOPE1234"), 0o644))

	_, err := ReadPackageFile(path)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestSanityCheckMagicRejectsShortInput(t *testing.T) {
	require.Error(t, sanityCheckMagic([]byte("OV")))
	require.NoError(t, sanityCheckMagic([]byte(magic)))
}

func TestBuilderDedupesStrings(t *testing.T) {
	b := NewBuilder()
	i1 := b.AddString("hello")
	i2 := b.AddString("world")
	i3 := b.AddString("hello")
	require.Equal(t, i1, i3)
	require.NotEqual(t, i1, i2)
}

func TestVTableRoundTripsAcrossClasses(t *testing.T) {
	b := NewBuilder()
	_, base := b.AddClass("Base", nil, 0, nil)
	method := b.AddFunction("greet", 1, 0, nil)
	method.Block()
	method.Op(interp.Unit)
	method.Op(interp.Ret)
	base.VTable = []*interp.Function{method.Finish()}

	_, derived := b.AddClass("Derived", nil, 0, base)
	derived.VTable = base.VTable

	pkg := b.Build()
	dir := t.TempDir()
	path := filepath.Join(dir, "classes.ovmp")
	require.NoError(t, WritePackageFile(path, pkg))

	loaded, err := ReadPackageFile(path)
	require.NoError(t, err)

	derivedLoaded, ok := loaded.Class(1)
	require.True(t, ok)
	require.Len(t, derivedLoaded.VTable, 1)
	require.Equal(t, "greet", derivedLoaded.VTable[0].Name)

	baseLoaded, ok := loaded.Class(0)
	require.True(t, ok)
	require.Same(t, baseLoaded, derivedLoaded.Super)
}
