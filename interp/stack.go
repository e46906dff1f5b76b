package interp

import "encoding/binary"

// Stack is the downward-growing operand/frame region: a single byte slab
// addressed by fp (current frame base) and sp (top of operand stack).
//
// Layout in increasing address order: [ operand/spill area (low) |
// locals | saved fp | saved function | saved pc | parameters (high) ].
// Pushing moves sp toward lower addresses; sp starts at len(mem) with
// the whole slab free.
type Stack struct {
	mem []byte
	fp  int
	sp  int

	fn *Function // function owning the current frame; nil at the outer sentinel
}

// doneOffset is the sentinel saved-pc value that means "no caller": the
// outermost frame's saved pc, so RET from it ends Call instead of resuming
// a caller.
const doneOffset = -1

// controlWordsSize is the 3-word (saved fp, saved function, saved pc)
// region at the base of every frame.
const controlWordsSize = 3 * wordSize

func newStack(capacity int) *Stack {
	return &Stack{mem: make([]byte, capacity), fp: capacity, sp: capacity}
}

func (s *Stack) reset() {
	s.fp = len(s.mem)
	s.sp = len(s.mem)
	s.fn = nil
}

// FramePointerOffset/StackPointerOffset expose fp/sp as slab-relative
// byte offsets, the same values the exception machinery snapshots into
// a handler entry.
func (s *Stack) FramePointerOffset() int { return s.fp }
func (s *Stack) StackPointerOffset() int { return s.sp }

func (s *Stack) align() {
	if r := s.sp % wordSize; r != 0 {
		s.sp -= r
	}
}

func (s *Stack) push(v word) {
	s.sp -= wordSize
	binary.LittleEndian.PutUint64(s.mem[s.sp:], v)
}

func (s *Stack) pop() word {
	v := binary.LittleEndian.Uint64(s.mem[s.sp:])
	s.sp += wordSize
	return v
}

// peek returns the word `depth` slots below the top without moving sp;
// depth 0 is the current top of stack.
func (s *Stack) peek(depth int) word {
	off := s.sp + depth*wordSize
	return binary.LittleEndian.Uint64(s.mem[off:])
}

func (s *Stack) setPeek(depth int, v word) {
	off := s.sp + depth*wordSize
	binary.LittleEndian.PutUint64(s.mem[off:], v)
}

// addressOfSlot resolves a parameter/local index to a byte offset:
// non-negative indices are parameters (0 = first, immediately above
// the control words); negative indices are locals (-1 = first, growing
// toward lower addresses).
func (s *Stack) addressOfSlot(index int) int {
	if index >= 0 {
		return s.fp + controlWordsSize + index*wordSize
	}
	return s.fp + index*wordSize
}

func (s *Stack) loadSlot(index int) word {
	off := s.addressOfSlot(index)
	return binary.LittleEndian.Uint64(s.mem[off:])
}

func (s *Stack) storeSlot(index int, v word) {
	off := s.addressOfSlot(index)
	binary.LittleEndian.PutUint64(s.mem[off:], v)
}

// enterFrame pushes a new frame for callee. Parameters for the callee
// must already be pushed by the caller (on top of the operand stack)
// before this is called. savedPC is the caller's resume offset, or
// doneOffset if entering from the outer sentinel.
func (s *Stack) enterFrame(callee *Function, savedPC int) error {
	s.align()
	if s.sp-controlWordsSize-callee.LocalsSize < 0 {
		return ErrStackOverflow
	}

	s.push(word(int64(savedPC)))
	s.push(wordFromFunctionHandle(s.fn))
	s.push(word(int64(s.fp)))

	s.fp = s.sp
	s.sp -= callee.LocalsSize
	s.fn = callee
	return nil
}

// exitFrame pops the current frame, returning the saved pc and saved
// function of the frame being left. paramsSize is the callee's
// incoming-parameter area size, which is popped along with the frame.
func (s *Stack) exitFrame(paramsSize int) (savedPC int, savedFn *Function) {
	savedFp := int(int64(binary.LittleEndian.Uint64(s.mem[s.fp:])))
	savedFn = functionHandleFromWord(binary.LittleEndian.Uint64(s.mem[s.fp+wordSize:]))
	savedPC = int(int64(binary.LittleEndian.Uint64(s.mem[s.fp+2*wordSize:])))

	s.sp = s.fp + controlWordsSize + paramsSize
	s.fp = savedFp
	s.fn = savedFn
	return savedPC, savedFn
}

// slotAt reads the word at a parameter/local index relative to an
// arbitrary frame's fp, the same addressing addressOfSlot uses for the
// live frame — needed during a stack walk, where fp varies per frame
// instead of always being s.fp.
func (s *Stack) slotAt(fp, index int) word {
	var off int
	if index >= 0 {
		off = fp + controlWordsSize + index*wordSize
	} else {
		off = fp + index*wordSize
	}
	return binary.LittleEndian.Uint64(s.mem[off:])
}

// WalkFrames yields {fp, function, pc, slot} from the current frame
// outward to the outermost, stopping early if yield returns false.
// currentPC is the live pc of the innermost frame (the interpreter's
// own pc, not recoverable from the stack itself); every outer frame's
// pc comes from the saved-pc control word of the frame one level in
// from it. slot reads a parameter/local index's raw word out of that
// frame, letting a caller resolve the reference a pointer-map slot
// actually holds.
func (s *Stack) WalkFrames(currentPC int, yield func(fp int, fn *Function, pc int, slot func(index int) word) bool) {
	fp, fn, pc := s.fp, s.fn, currentPC
	for fn != nil {
		frameFP := fp
		if !yield(fp, fn, pc, func(index int) word { return s.slotAt(frameFP, index) }) {
			return
		}
		savedFp := int(int64(binary.LittleEndian.Uint64(s.mem[fp:])))
		savedFn := functionHandleFromWord(binary.LittleEndian.Uint64(s.mem[fp+wordSize:]))
		savedPC := int(int64(binary.LittleEndian.Uint64(s.mem[fp+2*wordSize:])))
		fp, fn, pc = savedFp, savedFn, savedPC
	}
}

// Function handles are kept in a side table rather than as raw pointers
// on the stack so that WalkFrames/enterFrame/exitFrame never need to
// special-case "is this slot a GC reference" for the control words: the
// GC's pointer maps only ever describe the parameter/local area.
var (
	functionHandles   []*Function
	functionHandleIdx = map[*Function]word{}
)

func wordFromFunctionHandle(fn *Function) word {
	if fn == nil {
		return 0
	}
	if idx, ok := functionHandleIdx[fn]; ok {
		return idx
	}
	functionHandles = append(functionHandles, fn)
	idx := word(len(functionHandles))
	functionHandleIdx[fn] = idx
	return idx
}

func functionHandleFromWord(w word) *Function {
	if w == 0 {
		return nil
	}
	return functionHandles[w-1]
}
