package interp

import "math"

// word is the uniform representation of every operand-stack slot and
// local/parameter slot. Integers narrower than a word sign- or
// zero-extend into it on push and truncate on store; floats bit-
// reinterpret rather than numeric-cast; references are handles (see Ref).
type word = uint64

const wordSize = 8

// Ref is a handle: an indirection through the heap's handle table rather
// than a raw object address, so it survives a moving collector across a
// safepoint. Two reserved values are never valid handles.
type Ref word

const (
	// RefNull is the null reference.
	RefNull Ref = 0
	// RefUninitialized marks a reference field whose object has been
	// allocated but whose constructor has not yet run. Distinguishable
	// from RefNull so LDPC can tell "never assigned" apart from "assigned
	// null" and raise UninitializedException instead of NullPointerException.
	RefUninitialized Ref = 1
	// firstValidHandle is the smallest handle value the heap ever hands
	// back from a real allocation.
	firstValidHandle Ref = 2
)

func wordFromRef(r Ref) word { return word(r) }
func refFromWord(w word) Ref { return Ref(w) }

func wordFromFloat32(f float32) word { return word(math.Float32bits(f)) }
func float32FromWord(w word) float32 { return math.Float32frombits(uint32(w)) }
func wordFromFloat64(f float64) word { return math.Float64bits(f) }
func float64FromWord(w word) float64 { return math.Float64frombits(w) }

func wordFromBool(b bool) word {
	if b {
		return 1
	}
	return 0
}

// StackPointerMap identifies, for a given function, which parameter/local
// slot indices (in addressOfSlot terms) in a frame hold references at a
// safepoint. It is built lazily the first time the function is entered,
// and is keyed by pc so the same frame can report different live
// reference sets at different program points.
type StackPointerMap struct {
	// bySafepointPC maps an instruction offset that is a safepoint to the
	// set of slot indices (locals and parameters alike) that hold a
	// reference at that point.
	bySafepointPC map[int][]int
}

func newStackPointerMap() *StackPointerMap {
	return &StackPointerMap{bySafepointPC: make(map[int][]int)}
}

// anySafepoint is the key under which a function-wide, pc-independent
// reference-slot set is recorded: building a truly precise per-pc
// liveness map needs a dataflow pass over the bytecode that the
// reference loader does not perform, so it conservatively reports the
// same slot set at every safepoint instead. A pc-specific entry, if
// ever recorded, still takes precedence.
const anySafepoint = -1

// ReferenceSlotsAt returns the slot indices holding references at
// the given pc, or (nil, false) if neither that pc nor a function-wide
// fallback was recorded.
func (m *StackPointerMap) ReferenceSlotsAt(pc int) ([]int, bool) {
	if slots, ok := m.bySafepointPC[pc]; ok {
		return slots, true
	}
	slots, ok := m.bySafepointPC[anySafepoint]
	return slots, ok
}

func (m *StackPointerMap) recordSafepoint(pc int, refSlots []int) {
	m.bySafepointPC[pc] = refSlots
}

// Function is the immutable descriptor for a callable unit of bytecode:
// either user bytecode or a host intrinsic identified by BuiltinID.
type Function struct {
	Name string

	// Instructions is the decoded instruction byte stream for this
	// function; BlockOffsets[i] is the byte offset of basic block i
	// within it.
	Instructions []byte
	BlockOffsets []int

	// NumParams is the number of word-sized incoming parameter slots;
	// LocalsSize is the locals-area size in bytes (a multiple of wordSize).
	NumParams  int
	LocalsSize int

	// RefSlots lists the parameter/local indices (in addressOfSlot
	// terms: non-negative = parameter, negative = local) that this
	// function's compiler determined can hold a reference at some
	// point in its body. The loader supplies this from its own type
	// information; ensurePointerMap turns it into a StackPointerMap.
	RefSlots []int

	// Package is the owning package's constant pool (strings, classes,
	// other functions). Builtins still carry a Package so CLS/STRING
	// opcodes inside a builtin's "caller" frame resolve normally; the
	// builtin body itself never executes bytecode.
	Package Package

	// BuiltinID is >=0 when this function is a host intrinsic dispatched
	// through the builtin table instead of interpreted bytecode.
	BuiltinID int

	// pointerMap is lazily built by ensurePointerMap; nil until then.
	pointerMap *StackPointerMap
}

// IsBuiltin reports whether this function is a host intrinsic.
func (f *Function) IsBuiltin() bool { return f.BuiltinID >= 0 }

// PointerMap returns the function's lazily built StackPointerMap, or
// nil if ensurePointerMap has not yet been called for it. Exported so
// an external Heap implementation can consult it while walking frames.
func (f *Function) PointerMap() *StackPointerMap { return f.pointerMap }

// ParamsSize is the incoming-parameter area size in bytes.
func (f *Function) ParamsSize() int { return f.NumParams * wordSize }

// BlockOffset resolves a basic-block index to a byte offset.
func (f *Function) BlockOffset(block int) (int, bool) {
	if block < 0 || block >= len(f.BlockOffsets) {
		return 0, false
	}
	return f.BlockOffsets[block], true
}

// Class provides a field layout (name -> byte offset) and a virtual
// method table (index -> Function). BuiltinClassID is set for the small
// set of root classes (Object, Type, Exception, NullPointerException,
// UninitializedException, String) that the VM roots table resolves
// directly rather than through any package's class table.
type Class struct {
	Name string

	FieldOffsets map[string]int
	// InstanceSize is the fixed per-instance byte size (excluding array
	// element storage, which ALLOCARRI sizes separately).
	InstanceSize int

	VTable []*Function

	// Super is the superclass, or nil for a root class. Walked by
	// isSubtypeOf.
	Super *Class

	BuiltinClassID int // 0 if not a built-in class; real built-in ids are negative

	// meta is lazily built the first time this class is instantiated.
	meta *InstanceMeta
}

// InstanceMeta is the per-class metadata the heap consults to size and
// lay out a new instance; built lazily on first instantiation.
type InstanceMeta struct {
	Class        *Class
	InstanceSize int
	// RefFieldOffsets lists the byte offsets within an instance that hold
	// references, so the heap/collector can trace them without needing to
	// know the language's type system.
	RefFieldOffsets []int
}

// Package is the constant-pool contract the interpreter consumes to
// resolve STRING/CLS/CALLG operands. The real implementation lives in
// the loader package; it is an external collaborator here, described
// only by this interface.
type Package interface {
	String(k int) (string, bool)
	Class(k int) (*Class, bool)
	Function(k int) (*Function, bool)
	IsBuiltinID(k int) bool
}

// isBuiltinClassID reports whether a class id resolves via the VM's
// root-class table rather than a package's class table. Built-in class
// ids are negative; package-local ids are >= 0.
func isBuiltinClassID(id int) bool { return id < 0 }
