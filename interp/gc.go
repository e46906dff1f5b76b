package interp

// Heap is the external collaborator that owns object storage and
// collection; the interpreter only ever requests allocations, records
// writes, and triggers a collection, never touching raw memory itself.
type Heap interface {
	// TryAllocate returns a handle to a freshly zeroed instance of the
	// shape described by meta, or ok=false if the request should retry
	// after a Collect.
	TryAllocate(meta *InstanceMeta) (Ref, bool)

	// TryAllocateArray is TryAllocate's array-shaped counterpart; length
	// is the element count.
	TryAllocateArray(meta *InstanceMeta, length int) (Ref, bool)

	// RecordWrite is the write-barrier hook: called after every store of
	// a reference into a heap object's field, so a generational or
	// copying collector can track cross-generation/cross-space pointers
	// without re-scanning the whole heap.
	RecordWrite(addr Ref, fieldOffset int, value Ref)

	// Collect runs a full collection, using walker to discover roots
	// live on the interpreter's stack.
	Collect(walker StackWalker)

	// LoadField/StoreField read and write a sized field at a byte
	// offset within an instance; width is 1, 2, 4, or 8 bytes and the
	// stored/returned word is sign-extended on load, truncated on
	// store, exactly as the LD*/ST* opcode family requires.
	LoadField(ref Ref, offset, width int) word
	StoreField(ref Ref, offset, width int, v word)

	// LoadElement/StoreElement index into an array instance allocated
	// by TryAllocateArray; width follows the array's element size.
	LoadElement(ref Ref, index, width int) word
	StoreElement(ref Ref, index, width int, v word)
	ArrayLength(ref Ref) int

	// ClassOf resolves the runtime class of a live reference, used by
	// virtual dispatch and ROOT_CLASS_TYPEOF.
	ClassOf(ref Ref) *Class

	// NewString and StringValue bridge host Go strings into the heap's
	// String representation and back.
	NewString(s string) (Ref, bool)
	StringValue(ref Ref) string
}

// StackWalker lets a Heap discover GC roots without depending on the
// interpreter package's internals. yield receives each live frame's
// base pointer, owning function, current pc, and a slot accessor
// (innermost first); the Heap combines pc with a function's pointer
// map to find which parameter/local indices are references, then calls
// slot to read the actual word held there.
type StackWalker interface {
	WalkFrames(yield func(fp int, fn *Function, pc int, slot func(index int) word) bool)
}

// getMetaForClassID lazily builds and caches a Class's InstanceMeta,
// deriving it from the field layout the class was constructed with. The
// first instantiation of any class pays this cost; every later one
// reuses the cached value.
func getMetaForClassID(c *Class) *InstanceMeta {
	if c.meta != nil {
		return c.meta
	}
	var refOffsets []int
	for _, off := range c.FieldOffsets {
		refOffsets = append(refOffsets, off)
	}
	c.meta = &InstanceMeta{
		Class:           c,
		InstanceSize:    c.InstanceSize,
		RefFieldOffsets: refOffsets,
	}
	return c.meta
}

// ensurePointerMap lazily builds a Function's StackPointerMap by calling
// build the first time it is asked for one. Subsequent calls reuse the
// cached map. What goes into the map is up to build; this helper just
// owns the cache.
func ensurePointerMap(fn *Function, build func() *StackPointerMap) *StackPointerMap {
	if fn.pointerMap == nil {
		fn.pointerMap = build()
	}
	return fn.pointerMap
}

// ensurePointerMapFor builds fn's pointer map from its declared RefSlots
// the first time fn is entered, satisfying the rule that a function's
// map must exist before the first safepoint reached inside it.
func ensurePointerMapFor(fn *Function) {
	if fn.IsBuiltin() {
		return
	}
	ensurePointerMap(fn, func() *StackPointerMap {
		m := newStackPointerMap()
		m.recordSafepoint(anySafepoint, fn.RefSlots)
		return m
	})
}

// EnsurePointerMapForTesting forces fn's pointer map to be built from
// its declared RefSlots outside of a real Call/enterFrame. An external
// Heap implementation has no other way to exercise Collect against a
// hand-built StackWalker, since the map is otherwise only populated as
// a side effect of entering a frame.
func EnsurePointerMapForTesting(fn *Function) {
	ensurePointerMapFor(fn)
}
