package interp

import (
	"bufio"
	"io"
)

// classRefTag marks a Ref as indexing into the interpreter's boxed-class
// table rather than a heap handle; CLS and ROOT_CLASS_TYPEOF produce
// these, never the heap.
const classRefTag Ref = 1 << 63

// Interpreter owns everything needed to run a call to completion: the
// stack, the handler stack, the heap collaborator, the boxed-class
// table, and the print/read I/O streams.
type Interpreter struct {
	stack    *Stack
	handlers handlerStack
	heap     Heap
	roots    *rootTable

	stdout io.Writer
	stdin  *bufio.Reader

	classRefs     []*Class
	classRefIndex map[*Class]Ref

	pc int
}

// NewInterpreter builds an interpreter with the given stack capacity
// (bytes) and I/O streams for PRINT_FUNCTION/READ_FUNCTION.
func NewInterpreter(heap Heap, stackCapacity int, stdout io.Writer, stdin io.Reader) *Interpreter {
	return &Interpreter{
		stack:         newStack(stackCapacity),
		heap:          heap,
		roots:         newRootTable(heap),
		stdout:        stdout,
		stdin:         bufio.NewReader(stdin),
		classRefIndex: make(map[*Class]Ref),
	}
}

// Call begins execution of fn with its arguments already pushed onto
// the operand stack by the caller, and runs to completion: either a
// normal return (the result word) or an unhandled exception.
func (vm *Interpreter) Call(fn *Function, args ...word) (word, error) {
	vm.stack.reset()
	vm.handlers.reset()

	for _, a := range args {
		vm.stack.push(a)
	}

	if fn.IsBuiltin() {
		// Built-ins never own a frame: they consume operands straight
		// off the stack the caller already pushed, the same as when
		// CALLG/CALLV dispatches into one mid-program.
		if err := vm.callBuiltin(fn.BuiltinID, fn.NumParams); err != nil {
			return 0, wrapFatal(err, fn, 0)
		}
		return vm.stack.pop(), nil
	}

	if err := vm.stack.enterFrame(fn, doneOffset); err != nil {
		return 0, err
	}
	ensurePointerMapFor(fn)
	vm.pc = 0

	return vm.run()
}

// run executes the dispatch loop until the outermost frame returns or
// an unhandled exception escapes it.
func (vm *Interpreter) run() (word, error) {
	for {
		fn := vm.stack.fn
		code := fn.Instructions

		op := Opcode(code[vm.pc])
		vm.pc++

		result, done, err := vm.dispatch(op, fn, code)
		if err != nil {
			if uErr, ok := err.(*unhandledSignal); ok {
				return 0, &UnhandledError{ClassName: uErr.className, Message: uErr.message}
			}
			return 0, wrapFatal(err, fn, vm.pc-1)
		}
		if done {
			return result, nil
		}
	}
}

// unhandledSignal is an internal-only error used to unwind the Go call
// stack out of dispatch and back to run when an exception reaches an
// empty handler stack; it is translated to *UnhandledError at the
// boundary and never otherwise observed.
type unhandledSignal struct {
	className string
	message   string
}

func (e *unhandledSignal) Error() string { return "unhandled exception" }

// dispatch executes one opcode. It returns (result, true, nil) when the
// outermost frame has just returned, (_, false, nil) to continue the
// loop, or a non-nil error for a fatal condition or an escaped
// exception.
func (vm *Interpreter) dispatch(op Opcode, fn *Function, code []byte) (word, bool, error) {
	s := vm.stack

	switch {
	case op == Nop:
		return 0, false, nil

	case op == Ret:
		v := s.pop()
		paramsSize := s.fn.ParamsSize()
		savedPC, savedFn := s.exitFrame(paramsSize)
		if savedFn == nil {
			return v, true, nil
		}
		s.push(v)
		vm.pc = savedPC
		return 0, false, nil

	case op == Branch:
		blk, n := decodeVBN(code, vm.pc)
		vm.pc += n
		off, ok := fn.BlockOffset(int(blk))
		if !ok {
			return 0, false, ErrUnknownOpcode
		}
		vm.pc = off
		return 0, false, nil

	case op == BranchIf:
		t, n := decodeVBN(code, vm.pc)
		vm.pc += n
		f, n := decodeVBN(code, vm.pc)
		vm.pc += n
		cond := s.pop() != 0
		blk := f
		if cond {
			blk = t
		}
		off, ok := fn.BlockOffset(int(blk))
		if !ok {
			return 0, false, ErrUnknownOpcode
		}
		vm.pc = off
		return 0, false, nil

	case op == PushTry:
		t, n := decodeVBN(code, vm.pc)
		vm.pc += n
		c, n := decodeVBN(code, vm.pc)
		vm.pc += n
		catchOff, ok := fn.BlockOffset(int(c))
		if !ok {
			return 0, false, ErrUnknownOpcode
		}
		vm.handlers.push(handlerEntry{
			fpOffset: s.fp,
			spOffset: s.sp,
			pcOffset: catchOff,
			fn:       s.fn,
		})
		tryOff, ok := fn.BlockOffset(int(t))
		if !ok {
			return 0, false, ErrUnknownOpcode
		}
		vm.pc = tryOff
		return 0, false, nil

	case op == PopTry:
		d, n := decodeVBN(code, vm.pc)
		vm.pc += n
		vm.handlers.pop()
		off, ok := fn.BlockOffset(int(d))
		if !ok {
			return 0, false, ErrUnknownOpcode
		}
		vm.pc = off
		return 0, false, nil

	case op == Throw:
		ref := refFromWord(s.pop())
		if err := vm.throw(ref); err != nil {
			return 0, false, err
		}
		return 0, false, nil

	case op == Drop:
		s.pop()
		return 0, false, nil
	case op == Dup:
		s.push(s.peek(0))
		return 0, false, nil
	case op == DupI:
		k, n := decodeVBN(code, vm.pc)
		vm.pc += n
		s.push(s.peek(int(k)))
		return 0, false, nil
	case op == Swap:
		a, b := s.peek(0), s.peek(1)
		s.setPeek(0, b)
		s.setPeek(1, a)
		return 0, false, nil
	case op == Swap2:
		a, b := s.peek(0), s.peek(2)
		s.setPeek(0, b)
		s.setPeek(2, a)
		return 0, false, nil

	case op == Unit || op == False || op == Nul:
		s.push(0)
		return 0, false, nil
	case op == True:
		s.push(1)
		return 0, false, nil
	case op == Uninitialized:
		s.push(wordFromRef(RefUninitialized))
		return 0, false, nil
	case op == I8 || op == I16 || op == I32 || op == I64:
		v, n := decodeVBN(code, vm.pc)
		vm.pc += n
		s.push(word(v))
		return 0, false, nil
	case op == F32:
		bits := leUint32(code[vm.pc:])
		vm.pc += 4
		s.push(word(bits))
		return 0, false, nil
	case op == F64:
		bits := leUint64(code[vm.pc:])
		vm.pc += 8
		s.push(bits)
		return 0, false, nil
	case op == String:
		k, n := decodeVBN(code, vm.pc)
		vm.pc += n
		str, ok := fn.Package.String(int(k))
		if !ok {
			return 0, false, ErrUnknownClass
		}
		ref, err := vm.allocateString(str)
		if err != nil {
			return 0, false, err
		}
		s.push(wordFromRef(ref))
		return 0, false, nil
	case op == Cls:
		k, n := decodeVBN(code, vm.pc)
		vm.pc += n
		var class *Class
		if isBuiltinClassID(int(k)) {
			class, _ = vm.roots.classByID(int(k))
		} else {
			class, _ = fn.Package.Class(int(k))
		}
		if class == nil {
			return 0, false, ErrUnknownClass
		}
		s.push(wordFromRef(vm.classRefForClass(class)))
		return 0, false, nil
	case op == Tycs || op == Tyvs:
		_, n := decodeVBN(code, vm.pc)
		vm.pc += n
		return 0, false, nil

	case op == LdLocal:
		i, n := decodeVBN(code, vm.pc)
		vm.pc += n
		s.push(s.loadSlot(int(i)))
		return 0, false, nil
	case op == StLocal:
		i, n := decodeVBN(code, vm.pc)
		vm.pc += n
		v := s.pop()
		s.storeSlot(int(i), v)
		return 0, false, nil

	case op == Ld8 || op == Ld16 || op == Ld32 || op == Ld64 || op == LdP || op == LdPC:
		return vm.dispatchLoadField(op, code)
	case op == St8 || op == St16 || op == St32 || op == St64 || op == StP:
		return vm.dispatchStoreField(op, code)

	case op == AllocObj:
		k, n := decodeVBN(code, vm.pc)
		vm.pc += n
		class, err := vm.resolveClass(fn, int(k))
		if err != nil {
			return 0, false, err
		}
		ref, err := vm.allocateAndRetry(getMetaForClassID(class))
		if err != nil {
			return 0, false, err
		}
		s.push(wordFromRef(ref))
		return 0, false, nil
	case op == AllocArrI:
		k, n := decodeVBN(code, vm.pc)
		vm.pc += n
		length, n := decodeVBN(code, vm.pc)
		vm.pc += n
		class, err := vm.resolveClass(fn, int(k))
		if err != nil {
			return 0, false, err
		}
		ref, ok := vm.heap.TryAllocateArray(getMetaForClassID(class), int(length))
		if !ok {
			vm.heap.Collect(vm.walker())
			ref, ok = vm.heap.TryAllocateArray(getMetaForClassID(class), int(length))
			if !ok {
				return 0, false, ErrAllocationFailed
			}
		}
		s.push(wordFromRef(ref))
		return 0, false, nil

	case op == CallG:
		return vm.dispatchCallG(fn, code)
	case op == CallV:
		return vm.dispatchCallV(fn, code)

	case op == TruncI8:
		v := int8(s.pop())
		s.push(word(int64(v)))
		return 0, false, nil
	case op == TruncI16:
		v := int16(s.pop())
		s.push(word(int64(v)))
		return 0, false, nil
	case op == TruncI32:
		v := int32(s.pop())
		s.push(word(int64(v)))
		return 0, false, nil
	case op == SextI8I16 || op == SextI8I32 || op == SextI8I64:
		v := int8(s.pop())
		s.push(word(int64(v)))
		return 0, false, nil
	case op == SextI16I32 || op == SextI16I64:
		v := int16(s.pop())
		s.push(word(int64(v)))
		return 0, false, nil
	case op == SextI32I64:
		v := int32(s.pop())
		s.push(word(int64(v)))
		return 0, false, nil
	case op == ZextI8 || op == ZextI16 || op == ZextI32:
		return 0, false, nil
	case op == FTruncF64F32:
		v := float64FromWord(s.pop())
		s.push(wordFromFloat32(float32(v)))
		return 0, false, nil
	case op == FExtF32F64:
		v := float32FromWord(s.pop())
		s.push(wordFromFloat64(float64(v)))
		return 0, false, nil
	case op == FcvtI32:
		v := float64FromWord(s.pop())
		s.push(word(int64(int32(v))))
		return 0, false, nil
	case op == FcvtI64:
		v := float64FromWord(s.pop())
		s.push(word(int64(v)))
		return 0, false, nil
	case op == IcvtF32:
		v := int64(s.pop())
		s.push(wordFromFloat32(float32(v)))
		return 0, false, nil
	case op == IcvtF64:
		v := int64(s.pop())
		s.push(wordFromFloat64(float64(v)))
		return 0, false, nil
	case op == FtoI32 || op == FtoI64 || op == ItoF32 || op == ItoF64:
		return 0, false, nil

	case op == Neg:
		v := s.pop()
		s.push(word(-int64(v)))
		return 0, false, nil
	case op == Inv:
		s.push(^s.pop())
		return 0, false, nil
	case op == NotB:
		v := s.pop()
		s.push(wordFromBool(v == 0))
		return 0, false, nil
	case op == EqP:
		b, a := s.pop(), s.pop()
		s.push(wordFromBool(a == b))
		return 0, false, nil
	case op == NeP:
		b, a := s.pop(), s.pop()
		s.push(wordFromBool(a != b))
		return 0, false, nil

	case op >= arithOpcodeBase:
		return vm.dispatchArith(op)

	default:
		return 0, false, ErrUnknownOpcode
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func (vm *Interpreter) resolveClass(fn *Function, k int) (*Class, error) {
	if isBuiltinClassID(k) {
		c, ok := vm.roots.classByID(k)
		if !ok {
			return nil, ErrUnknownClass
		}
		return c, nil
	}
	c, ok := fn.Package.Class(k)
	if !ok {
		return nil, ErrUnknownClass
	}
	return c, nil
}

// allocateAndRetry implements the GC-retry protocol shared by ALLOCOBJ
// and every built-in that allocates: try once, and if the heap refuses,
// run a collection and retry exactly once more.
func (vm *Interpreter) allocateAndRetry(meta *InstanceMeta) (Ref, error) {
	if ref, ok := vm.heap.TryAllocate(meta); ok {
		return ref, nil
	}
	vm.heap.Collect(vm.walker())
	if ref, ok := vm.heap.TryAllocate(meta); ok {
		return ref, nil
	}
	return RefNull, ErrAllocationFailed
}

func (vm *Interpreter) allocateString(s string) (Ref, error) {
	if ref, ok := vm.heap.NewString(s); ok {
		return ref, nil
	}
	vm.heap.Collect(vm.walker())
	if ref, ok := vm.heap.NewString(s); ok {
		return ref, nil
	}
	return RefNull, ErrAllocationFailed
}

func (vm *Interpreter) pushNewString(s string) error {
	ref, err := vm.allocateString(s)
	if err != nil {
		return err
	}
	vm.stack.push(wordFromRef(ref))
	return nil
}

func (vm *Interpreter) stringValue(ref Ref) string {
	return vm.heap.StringValue(ref)
}

func (vm *Interpreter) setField(ref Ref, offset int, v word) {
	vm.heap.StoreField(ref, offset, wordSize, v)
	vm.heap.RecordWrite(ref, offset, refFromWord(v))
}

func (vm *Interpreter) classOfRef(ref Ref) *Class {
	return vm.heap.ClassOf(ref)
}

// stackWalkerAt binds the interpreter's current pc to a Stack so the
// pair satisfies StackWalker: the stack alone doesn't know the
// innermost frame's live pc, since that value is tracked on the
// Interpreter, not pushed until a call occurs.
type stackWalkerAt struct {
	stack *Stack
	pc    int
}

func (w stackWalkerAt) WalkFrames(yield func(fp int, fn *Function, pc int, slot func(index int) word) bool) {
	w.stack.WalkFrames(w.pc, yield)
}

func (vm *Interpreter) walker() StackWalker {
	return stackWalkerAt{stack: vm.stack, pc: vm.pc}
}

func (vm *Interpreter) classRefForClass(c *Class) Ref {
	if idx, ok := vm.classRefIndex[c]; ok {
		return idx
	}
	vm.classRefs = append(vm.classRefs, c)
	idx := classRefTag | Ref(len(vm.classRefs))
	vm.classRefIndex[c] = idx
	return idx
}

func (vm *Interpreter) classForRef(ref Ref) (*Class, bool) {
	if ref&classRefTag == 0 {
		return nil, false
	}
	idx := int(ref &^ classRefTag)
	if idx < 1 || idx > len(vm.classRefs) {
		return nil, false
	}
	return vm.classRefs[idx-1], true
}

func (vm *Interpreter) isSubtypeOf(receiverType, otherType Ref) bool {
	receiverClass, ok := vm.classFromTypeInstance(receiverType)
	if !ok {
		return false
	}
	otherClass, ok := vm.classFromTypeInstance(otherType)
	if !ok {
		return false
	}
	for c := receiverClass; c != nil; c = c.Super {
		if c == otherClass {
			return true
		}
	}
	return false
}

func (vm *Interpreter) classFromTypeInstance(typeRef Ref) (*Class, bool) {
	classRef := refFromWord(vm.heap.LoadField(typeRef, 0, wordSize))
	return vm.classForRef(classRef)
}

