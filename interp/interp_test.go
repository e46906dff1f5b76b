package interp_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ovm/heap"
	"ovm/interp"
	"ovm/loader"
)

func newMachine(t *testing.T) (*interp.Interpreter, *bytes.Buffer) {
	t.Helper()
	h, err := heap.New(64)
	require.NoError(t, err)
	var stdout bytes.Buffer
	vm := interp.NewInterpreter(h, 4096, &stdout, strings.NewReader(""))
	return vm, &stdout
}

// Scenario 1: return a literal integer.
func TestReturnInteger(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block()
	fn.OpImm(interp.I32, 42)
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(42), result)
}

// Scenario 2: branch on condition.
func TestBranchOnCondition(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block() // block 0
	fn.Op(interp.True)
	fn.OpImm2(interp.BranchIf, 1, 2)
	fn.Block() // block 1
	fn.OpImm(interp.I32, 1)
	fn.Op(interp.Ret)
	fn.Block() // block 2
	fn.OpImm(interp.I32, 0)
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(1), result)
}

// Scenario 3: throw and catch.
func TestThrowCaughtByHandler(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block() // block 0
	fn.OpImm2(interp.PushTry, 1, 2)
	fn.Block() // block 1
	fn.OpImm(interp.AllocObj, int64(interp.ClassException))
	fn.Op(interp.Throw)
	fn.Block() // block 2
	fn.OpImm(interp.I32, 7)
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(7), result)
}

// An uncaught throw surfaces as *interp.UnhandledError rather than a
// fatal error, carrying the thrown exception's class name.
func TestUncaughtThrowSurfacesAsUnhandledError(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block()
	fn.OpImm(interp.AllocObj, int64(interp.ClassException))
	fn.Op(interp.Throw)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	_, err := vm.Call(pkgFn)
	require.Error(t, err)
	var unhandled *interp.UnhandledError
	require.ErrorAs(t, err, &unhandled)
	require.Equal(t, "Exception", unhandled.ClassName)
}

// Scenario 4: virtual dispatch through a class vtable.
func TestVirtualDispatch(t *testing.T) {
	b := loader.NewBuilder()

	method := b.AddFunction("m", 1, 0, nil)
	method.Block()
	method.OpImm(interp.I32, 3)
	method.Op(interp.Ret)
	methodFn := method.Finish()

	classIdx, class := b.AddClass("C", nil, 0, nil)
	class.VTable = []*interp.Function{methodFn}

	main := b.AddFunction("main", 0, 0, nil)
	main.Block()
	main.OpImm(interp.AllocObj, int64(classIdx))
	main.OpImm2(interp.CallV, 1, 0)
	main.Op(interp.Ret)
	pkgFn := main.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(3), result)
}

// Scenario 5: a field load through a null reference throws
// NullPointerException, recoverable by an installed handler.
func TestNullFieldLoadThrowsNullPointerException(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block() // block 0
	fn.OpImm2(interp.PushTry, 1, 2)
	fn.Block() // block 1
	fn.Op(interp.Nul)
	fn.OpImm(interp.LdP, 0)
	fn.Op(interp.Ret)
	fn.Block() // block 2
	fn.OpImm(interp.I32, -1)
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), result, "I32 -1 as a raw word is all-ones")
}

// Scenario 6: string concatenation built-in feeding PRINT_FUNCTION.
func TestStringConcatAndPrint(t *testing.T) {
	b := loader.NewBuilder()
	ab := b.AddString("ab")
	cd := b.AddString("cd")

	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block()
	fn.OpImm(interp.String, int64(ab))
	fn.OpImm(interp.String, int64(cd))
	fn.OpImm2(interp.CallG, 2, int64(interp.StringConcatOp))
	fn.OpImm2(interp.CallG, 1, int64(interp.PrintFunction))
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, stdout := newMachine(t)
	_, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, "abcd", stdout.String())
}

// DUP ; DROP is the identity on the operand stack.
func TestDupDropIsIdentity(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block()
	fn.OpImm(interp.I32, 5)
	fn.Op(interp.Dup)
	fn.Op(interp.Drop)
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(5), result)
}

// SWAP ; SWAP is the identity on the top two stack slots.
func TestSwapSwapIsIdentity(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block()
	fn.OpImm(interp.I32, 7)
	fn.OpImm(interp.I32, 9)
	fn.Op(interp.Swap)
	fn.Op(interp.Swap)
	fn.Op(interp.Drop) // drop the 9 back on top
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(7), result)
}

// Integer arithmetic wraps modulo 2^width instead of overflowing.
func TestIntegerArithmeticWrapsAtWidth(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block()
	fn.OpImm(interp.I8, 127)
	fn.OpImm(interp.I8, 1)
	fn.Op(interp.ArithOpcode(interp.OpAdd, interp.WI8))
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(0xFFFFFFFFFFFFFF80), result, "127+1 wraps to -128 in 8-bit two's complement")
}

// Division by zero is a fatal interpreter error, not a VM-level
// exception — it never goes through the handler stack.
func TestDivisionByZeroIsFatal(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block()
	fn.OpImm(interp.I32, 1)
	fn.OpImm(interp.I32, 0)
	fn.Op(interp.ArithOpcode(interp.OpDiv, interp.WI32))
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	_, err := vm.Call(pkgFn)
	require.Error(t, err)
	require.ErrorIs(t, err, interp.ErrDivisionByZero)
}

// PUSHTRY followed by POPTRY without an intervening throw leaves the
// operand stack as if neither instruction ran.
func TestPushTryPopTryLeavesStackUnchanged(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("main", 0, 0, nil)
	fn.Block() // block 0
	fn.OpImm(interp.I32, 11)
	fn.OpImm2(interp.PushTry, 1, 1)
	fn.Block() // block 1
	fn.OpImm(interp.PopTry, 2)
	fn.Block() // block 2
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()

	vm, _ := newMachine(t)
	result, err := vm.Call(pkgFn)
	require.NoError(t, err)
	require.Equal(t, uint64(11), result)
}

// The conservative, function-wide pointer map reports the same
// reference-slot set no matter which pc within the function it is
// queried at, since no per-pc dataflow pass narrows it further.
func TestPointerMapIsConsistentAcrossReachablePCs(t *testing.T) {
	b := loader.NewBuilder()
	fn := b.AddFunction("holder", 1, 8, []int{0, -1})
	fn.Block()
	fn.Op(interp.LdLocal)
	fn.Op(interp.Drop)
	fn.Op(interp.Ret)
	pkgFn := fn.Finish()
	interp.EnsurePointerMapForTesting(pkgFn)

	pm := pkgFn.PointerMap()
	require.NotNil(t, pm)

	for pc := 0; pc <= len(pkgFn.Instructions); pc++ {
		slots, ok := pm.ReferenceSlotsAt(pc)
		require.True(t, ok, "every pc falls back to the function-wide slot set")
		require.ElementsMatch(t, []int{0, -1}, slots)
	}
}
