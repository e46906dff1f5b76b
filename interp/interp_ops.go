package interp

// throw implements the unwind procedure for THROW, null-checks, and
// uninitialized-checks alike: pop the top handler and jump to its
// snapshot, or — if the handler stack is empty — reset interpreter
// state and report the exception as unhandled.
func (vm *Interpreter) throw(ref Ref) error {
	h, ok := vm.handlers.pop()
	if !ok {
		className, message := vm.describeException(ref)
		vm.stack.reset()
		vm.handlers.reset()
		return &unhandledSignal{className: className, message: message}
	}

	// The handler snapshot already carries the function owning its
	// frame, so restoring it is a direct jump rather than a walk back
	// through each intervening frame.
	vm.stack.unwindOne(h)
	vm.pc = h.pcOffset
	vm.stack.push(wordFromRef(ref))
	return nil
}

func (vm *Interpreter) throwGenericException() error {
	return vm.throw(vm.roots.genericException)
}

func (vm *Interpreter) throwNullPointer() error {
	return vm.throw(vm.roots.nullPointerException)
}

func (vm *Interpreter) throwUninitialized() error {
	return vm.throw(vm.roots.uninitializedException)
}

func (vm *Interpreter) describeException(ref Ref) (className, message string) {
	className = "Exception"
	if class := vm.classOfRef(ref); class != nil {
		className = class.Name
	}
	if msgRef := refFromWord(vm.heap.LoadField(ref, 0, wordSize)); msgRef != RefNull {
		message = vm.stringValue(msgRef)
	}
	return className, message
}

var fieldWidths = map[Opcode]int{
	Ld8: 1, Ld16: 2, Ld32: 4, Ld64: 8, LdP: wordSize, LdPC: wordSize,
	St8: 1, St16: 2, St32: 4, St64: 8, StP: wordSize,
}

// dispatchLoadField implements LD8/LD16/LD32/LD64/LDP/LDPC: pop the
// receiver, check it against null, then load the sized field; LDPC
// additionally checks the loaded reference against the uninitialized
// sentinel.
func (vm *Interpreter) dispatchLoadField(op Opcode, code []byte) (word, bool, error) {
	k, n := decodeVBN(code, vm.pc)
	vm.pc += n

	ref := refFromWord(vm.stack.pop())
	if ref == RefNull {
		return 0, false, vm.throwNullPointer()
	}

	v := vm.heap.LoadField(ref, int(k), fieldWidths[op])
	if op == LdPC && refFromWord(v) == RefUninitialized {
		return 0, false, vm.throwUninitialized()
	}
	vm.stack.push(v)
	return 0, false, nil
}

// dispatchStoreField implements ST8/ST16/ST32/ST64/STP: pop the
// receiver, then the value, store it, and — for STP — notify the
// write barrier.
func (vm *Interpreter) dispatchStoreField(op Opcode, code []byte) (word, bool, error) {
	k, n := decodeVBN(code, vm.pc)
	vm.pc += n

	ref := refFromWord(vm.stack.pop())
	value := vm.stack.pop()
	if ref == RefNull {
		return 0, false, vm.throwNullPointer()
	}

	vm.heap.StoreField(ref, int(k), fieldWidths[op], value)
	if op == StP {
		vm.heap.RecordWrite(ref, int(k), refFromWord(value))
	}
	return 0, false, nil
}

// dispatchCallG implements CALLG: resolve a function by id (built-in or
// package-local), then either dispatch the built-in table or enter a
// new bytecode frame at offset 0.
func (vm *Interpreter) dispatchCallG(fn *Function, code []byte) (word, bool, error) {
	argcount, n := decodeVBN(code, vm.pc)
	vm.pc += n
	funcID, n := decodeVBN(code, vm.pc)
	vm.pc += n

	if IsBuiltinID(int(funcID)) {
		if err := vm.callBuiltin(int(funcID), int(argcount)); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	callee, ok := fn.Package.Function(int(funcID))
	if !ok {
		return 0, false, ErrUnknownFunction
	}
	return vm.enterOrBuiltin(callee, int(argcount))
}

// dispatchCallV implements CALLV: peek the receiver below the pushed
// arguments, resolve the method through its runtime class's vtable,
// then dispatch the same way as CALLG.
func (vm *Interpreter) dispatchCallV(fn *Function, code []byte) (word, bool, error) {
	argcount, n := decodeVBN(code, vm.pc)
	vm.pc += n
	methodIndex, n := decodeVBN(code, vm.pc)
	vm.pc += n

	receiver := refFromWord(vm.stack.peek(int(argcount) - 1))
	if receiver == RefNull {
		return 0, false, vm.throwNullPointer()
	}
	class := vm.classOfRef(receiver)
	if class == nil || int(methodIndex) >= len(class.VTable) {
		return 0, false, ErrUnknownFunction
	}
	callee := class.VTable[methodIndex]
	return vm.enterOrBuiltin(callee, int(argcount))
}

func (vm *Interpreter) enterOrBuiltin(callee *Function, argcount int) (word, bool, error) {
	if callee.IsBuiltin() {
		if err := vm.callBuiltin(callee.BuiltinID, argcount); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	savedPC := vm.pc
	if err := vm.stack.enterFrame(callee, savedPC); err != nil {
		return 0, false, err
	}
	ensurePointerMapFor(callee)
	vm.pc = 0
	return 0, false, nil
}

func boolToI64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func signedWidthBits(w width) int {
	switch w {
	case wI8:
		return 8
	case wI16:
		return 16
	case wI32:
		return 32
	default:
		return 64
	}
}

func widthMask(bits int) int64 {
	if bits >= 64 {
		return -1
	}
	return (int64(1) << uint(bits)) - 1
}

// truncSignExtend wraps v to the two's-complement range of w's bit
// width and sign-extends it back to 64 bits, matching every integer
// arithmetic opcode's "compute in the operand's native width" rule.
func truncSignExtend(v int64, w width) int64 {
	bits := signedWidthBits(w)
	if bits >= 64 {
		return v
	}
	mask := widthMask(bits)
	v &= mask
	signBit := int64(1) << uint(bits-1)
	if v&signBit != 0 {
		v |= ^mask
	}
	return v
}

// dispatchArith implements the generated <op><width> opcode family:
// every regular ADD/SUB/.../GE opcode for every integer and float
// width funnels through here.
func (vm *Interpreter) dispatchArith(op Opcode) (word, bool, error) {
	idx := int(op - arithOpcodeBase)
	opKind := arithOp(idx / 6)
	w := width(idx % 6)

	if w == wF32 || w == wF64 {
		return vm.dispatchFloatArith(opKind, w)
	}
	return vm.dispatchIntArith(opKind, w)
}

func (vm *Interpreter) dispatchIntArith(opKind arithOp, w width) (word, bool, error) {
	s := vm.stack
	right := int64(s.pop())
	left := int64(s.pop())
	bits := signedWidthBits(w)

	var result int64
	isBool := false
	switch opKind {
	case opAdd:
		result = left + right
	case opSub:
		result = left - right
	case opMul:
		result = left * right
	case opDiv:
		if right == 0 {
			return 0, false, ErrDivisionByZero
		}
		result = left / right
	case opMod:
		if right == 0 {
			return 0, false, ErrDivisionByZero
		}
		result = left % right
	case opLsl:
		shift := uint(right) % uint(bits)
		result = left << shift
	case opLsr:
		shift := uint(right) % uint(bits)
		result = int64(uint64(left&widthMask(bits)) >> shift)
	case opAsr:
		shift := uint(right) % uint(bits)
		result = left >> shift
	case opAnd:
		result = left & right
	case opOr:
		result = left | right
	case opXor:
		result = left ^ right
	case opEq:
		isBool, result = true, boolToI64(left == right)
	case opNe:
		isBool, result = true, boolToI64(left != right)
	case opLt:
		isBool, result = true, boolToI64(left < right)
	case opLe:
		isBool, result = true, boolToI64(left <= right)
	case opGt:
		isBool, result = true, boolToI64(left > right)
	case opGe:
		isBool, result = true, boolToI64(left >= right)
	default:
		return 0, false, ErrUnknownOpcode
	}

	if !isBool {
		result = truncSignExtend(result, w)
	}
	s.push(word(result))
	return 0, false, nil
}

func (vm *Interpreter) dispatchFloatArith(opKind arithOp, w width) (word, bool, error) {
	s := vm.stack
	if w == wF32 {
		right := float32FromWord(s.pop())
		left := float32FromWord(s.pop())
		switch opKind {
		case opAdd:
			s.push(wordFromFloat32(left + right))
		case opSub:
			s.push(wordFromFloat32(left - right))
		case opMul:
			s.push(wordFromFloat32(left * right))
		case opDiv:
			s.push(wordFromFloat32(left / right))
		case opEq:
			s.push(wordFromBool(left == right))
		case opNe:
			s.push(wordFromBool(left != right))
		case opLt:
			s.push(wordFromBool(left < right))
		case opLe:
			s.push(wordFromBool(left <= right))
		case opGt:
			s.push(wordFromBool(left > right))
		case opGe:
			s.push(wordFromBool(left >= right))
		default:
			return 0, false, ErrUnknownOpcode
		}
		return 0, false, nil
	}

	right := float64FromWord(s.pop())
	left := float64FromWord(s.pop())
	switch opKind {
	case opAdd:
		s.push(wordFromFloat64(left + right))
	case opSub:
		s.push(wordFromFloat64(left - right))
	case opMul:
		s.push(wordFromFloat64(left * right))
	case opDiv:
		s.push(wordFromFloat64(left / right))
	case opEq:
		s.push(wordFromBool(left == right))
	case opNe:
		s.push(wordFromBool(left != right))
	case opLt:
		s.push(wordFromBool(left < right))
	case opLe:
		s.push(wordFromBool(left <= right))
	case opGt:
		s.push(wordFromBool(left > right))
	case opGe:
		s.push(wordFromBool(left >= right))
	default:
		return 0, false, ErrUnknownOpcode
	}
	return 0, false, nil
}
