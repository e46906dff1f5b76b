package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ovm/heap"
	"ovm/interp"
	"ovm/loader"
)

// fakeFrame/fakeWalker let tests drive Collect without building a real
// interpreter call stack: each frame supplies its own function, pc, and
// a map of slot index -> raw word, mirroring what Stack.WalkFrames
// would hand a real Heap.
type fakeFrame struct {
	fn   *interp.Function
	pc   int
	slot map[int]uint64
}

type fakeWalker struct{ frames []fakeFrame }

func (w fakeWalker) WalkFrames(yield func(fp int, fn *interp.Function, pc int, slot func(int) uint64) bool) {
	for i, f := range w.frames {
		if !yield(i, f.fn, f.pc, func(idx int) uint64 { return f.slot[idx] }) {
			return
		}
	}
}

func classWithOneRefField(t *testing.T) (*interp.Class, *interp.InstanceMeta) {
	t.Helper()
	c := &interp.Class{Name: "Node", FieldOffsets: map[string]int{"next": 0}, InstanceSize: 8}
	meta := &interp.InstanceMeta{Class: c, InstanceSize: 8, RefFieldOffsets: []int{0}}
	return c, meta
}

func funcWithRefSlot(t *testing.T, slot int) *interp.Function {
	t.Helper()
	b := loader.NewBuilder()
	fb := b.AddFunction("holder", 1, 0, []int{slot})
	fb.Block()
	fb.Op(interp.Ret)
	fn := fb.Finish()
	interp.EnsurePointerMapForTesting(fn)
	return fn
}

func TestTryAllocateRefusesPastCapacity(t *testing.T) {
	h, err := heap.New(1)
	require.NoError(t, err)

	_, meta := classWithOneRefField(t)
	_, ok := h.TryAllocate(meta)
	require.True(t, ok)

	_, ok = h.TryAllocate(meta)
	require.False(t, ok, "second allocation should refuse once capacity is exhausted")
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := heap.New(0)
	require.ErrorIs(t, err, heap.ErrCapacityExceeded)
}

func TestCollectReclaimsUnreachableObjects(t *testing.T) {
	h, err := heap.New(4)
	require.NoError(t, err)

	_, meta := classWithOneRefField(t)
	rootRef, ok := h.TryAllocate(meta)
	require.True(t, ok)
	garbageRef, ok := h.TryAllocate(meta)
	require.True(t, ok)
	require.NotEqual(t, rootRef, garbageRef)

	fn := funcWithRefSlot(t, 0)
	walker := fakeWalker{frames: []fakeFrame{
		{fn: fn, pc: 0, slot: map[int]uint64{0: uint64(rootRef)}},
	}}

	h.Collect(walker)

	// garbageRef was never reachable from the one root the walker
	// reported, so it should be gone; rootRef must still resolve.
	require.Equal(t, "Node", h.ClassOf(rootRef).Name)
	require.Nil(t, h.ClassOf(garbageRef))
}

func TestCollectFollowsReferenceChains(t *testing.T) {
	h, err := heap.New(8)
	require.NoError(t, err)

	_, meta := classWithOneRefField(t)
	tail, ok := h.TryAllocate(meta)
	require.True(t, ok)
	middle, ok := h.TryAllocate(meta)
	require.True(t, ok)
	h.StoreField(middle, 0, 8, uint64(tail))
	head, ok := h.TryAllocate(meta)
	require.True(t, ok)
	h.StoreField(head, 0, 8, uint64(middle))

	fn := funcWithRefSlot(t, 0)
	walker := fakeWalker{frames: []fakeFrame{
		{fn: fn, pc: 0, slot: map[int]uint64{0: uint64(head)}},
	}}

	h.Collect(walker)

	require.NotNil(t, h.ClassOf(head))
	require.NotNil(t, h.ClassOf(middle))
	require.NotNil(t, h.ClassOf(tail))
}

func TestStringRoundTrip(t *testing.T) {
	h, err := heap.New(2)
	require.NoError(t, err)

	ref, ok := h.NewString("hello")
	require.True(t, ok)
	require.Equal(t, "hello", h.StringValue(ref))
}

func TestArrayElementAccessRespectsWidth(t *testing.T) {
	h, err := heap.New(2)
	require.NoError(t, err)

	c := &interp.Class{Name: "I8Array", InstanceSize: 0}
	meta := &interp.InstanceMeta{Class: c, InstanceSize: 0}
	ref, ok := h.TryAllocateArray(meta, 4)
	require.True(t, ok)
	require.Equal(t, 4, h.ArrayLength(ref))

	h.StoreElement(ref, 1, 1, 0xFF)
	require.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), h.LoadElement(ref, 1, 1), "byte 0xFF sign-extends to all-ones")
}
