// Package loader builds interp.Package values: either incrementally, the
// way an assembler's symbol table grows pass by pass, or by memory-mapping
// a serialized package image produced by a prior Build.
package loader

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"ovm/interp"
)

// ErrTruncated is returned while decoding a package image that ends
// before a length-prefixed section finishes.
var ErrTruncated = errors.New("loader: truncated package image")

// ErrBadMagic is returned when a package file does not start with the
// expected magic header.
var ErrBadMagic = errors.New("loader: not a package image")

const magic = "OVMP"
const formatVersion = 1

// Package is the in-memory constant pool an interp.Interpreter resolves
// STRING/CLS/CALLG operands against. It satisfies interp.Package.
type Package struct {
	strs      []string
	classes   []*interp.Class
	functions []*interp.Function
}

func (p *Package) String(k int) (string, bool) {
	if k < 0 || k >= len(p.strs) {
		return "", false
	}
	return p.strs[k], true
}

func (p *Package) Class(k int) (*interp.Class, bool) {
	if k < 0 || k >= len(p.classes) {
		return nil, false
	}
	return p.classes[k], true
}

func (p *Package) Function(k int) (*interp.Function, bool) {
	if k < 0 || k >= len(p.functions) {
		return nil, false
	}
	return p.functions[k], true
}

func (p *Package) IsBuiltinID(k int) bool { return k < 0 }

// Builder assembles a Package incrementally, the in-memory analog of a
// two-pass assembler: classes and functions are added in whatever order
// the caller discovers them, and their final index is handed back
// immediately so forward references (a method whose class isn't fully
// populated yet) can be patched in later.
type Builder struct {
	pkg *Package
}

// NewBuilder starts an empty package under construction.
func NewBuilder() *Builder {
	return &Builder{pkg: &Package{}}
}

// AddString interns s, returning its constant-pool index. Repeated
// strings are deduplicated the way a real assembler's string table
// would, so STRING-heavy code doesn't bloat the image with one entry per
// occurrence.
func (b *Builder) AddString(s string) int {
	if i := slices.Index(b.pkg.strs, s); i >= 0 {
		return i
	}
	b.pkg.strs = append(b.pkg.strs, s)
	return len(b.pkg.strs) - 1
}

// AddClass registers a class and returns both its package-local index
// and the *interp.Class itself, so the caller can immediately populate
// VTable entries that reference methods added afterward.
func (b *Builder) AddClass(name string, fieldOffsets map[string]int, instanceSize int, super *interp.Class) (int, *interp.Class) {
	c := &interp.Class{
		Name:         name,
		FieldOffsets: fieldOffsets,
		InstanceSize: instanceSize,
		Super:        super,
	}
	b.pkg.classes = append(b.pkg.classes, c)
	return len(b.pkg.classes) - 1, c
}

// AddFunction starts assembling a new function and returns a
// FunctionBuilder to emit its instructions into. numParams/localsSize
// describe its frame shape; refSlots lists which parameter/local
// indices the function's source type information says can hold
// references, matching interp.Function.RefSlots.
func (b *Builder) AddFunction(name string, numParams int, localsSize int, refSlots []int) *FunctionBuilder {
	fn := &interp.Function{
		Name:       name,
		NumParams:  numParams,
		LocalsSize: localsSize,
		RefSlots:   refSlots,
		Package:    b.pkg,
		BuiltinID:  -1,
	}
	idx := len(b.pkg.functions)
	b.pkg.functions = append(b.pkg.functions, fn)
	return &FunctionBuilder{pkg: b.pkg, fn: fn, index: idx}
}

// AddBuiltinFunction registers a function descriptor that dispatches
// through the built-in table rather than owning bytecode, so CALLG/
// CALLV can resolve it by package-local id the same way a user function
// resolves — used for package-exposed wrappers around a host intrinsic.
func (b *Builder) AddBuiltinFunction(name string, numParams int, builtinID int) int {
	fn := &interp.Function{Name: name, NumParams: numParams, Package: b.pkg, BuiltinID: builtinID}
	b.pkg.functions = append(b.pkg.functions, fn)
	return len(b.pkg.functions) - 1
}

// Build finalizes and returns the assembled package.
func (b *Builder) Build() *Package { return b.pkg }

// FunctionBuilder assembles one function's instruction stream as a
// sequence of basic blocks, addressed by dense index the same way
// BRANCH/BRANCHIF/PUSHTRY/POPTRY name their targets.
type FunctionBuilder struct {
	pkg   *Package
	fn    *interp.Function
	index int

	blocks [][]byte
	cur    int
}

// Block starts a new basic block and makes it current, returning its
// index for later BRANCH/BRANCHIF/PUSHTRY/POPTRY immediates.
func (fb *FunctionBuilder) Block() int {
	fb.blocks = append(fb.blocks, nil)
	fb.cur = len(fb.blocks) - 1
	return fb.cur
}

// SetBlock switches the current block back to one started earlier,
// letting a caller interleave emission across blocks if needed.
func (fb *FunctionBuilder) SetBlock(i int) { fb.cur = i }

func (fb *FunctionBuilder) emitByte(b byte) {
	fb.blocks[fb.cur] = append(fb.blocks[fb.cur], b)
}

// Op emits a bare opcode with no immediate (DUP, DROP, RET, the unary
// family, and every generated arithmetic opcode).
func (fb *FunctionBuilder) Op(op interp.Opcode) {
	fb.emitByte(byte(op))
}

// OpImm emits an opcode followed by a single VBN-encoded immediate —
// the shape shared by LDLOCAL/STLOCAL, LD*/ST*, CLS, STRING, DUPI,
// TYCS/TYVS, and one half of CALLG/CALLV/ALLOCARRI's two immediates.
func (fb *FunctionBuilder) OpImm(op interp.Opcode, v int64) {
	fb.emitByte(byte(op))
	fb.blocks[fb.cur] = interp.EncodeVBN(fb.blocks[fb.cur], v)
}

// OpImm2 emits an opcode followed by two VBN-encoded immediates, the
// shape BRANCHIF/PUSHTRY/CALLG/CALLV/ALLOCARRI all share.
func (fb *FunctionBuilder) OpImm2(op interp.Opcode, a, b int64) {
	fb.emitByte(byte(op))
	fb.blocks[fb.cur] = interp.EncodeVBN(fb.blocks[fb.cur], a)
	fb.blocks[fb.cur] = interp.EncodeVBN(fb.blocks[fb.cur], b)
}

// OpF32/OpF64 emit F32/F64, whose immediate is a raw little-endian bit
// pattern rather than a VBN integer.
func (fb *FunctionBuilder) OpF32(bits uint32) {
	fb.emitByte(byte(interp.F32))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], bits)
	fb.blocks[fb.cur] = append(fb.blocks[fb.cur], buf[:]...)
}

func (fb *FunctionBuilder) OpF64(bits uint64) {
	fb.emitByte(byte(interp.F64))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], bits)
	fb.blocks[fb.cur] = append(fb.blocks[fb.cur], buf[:]...)
}

// Finish concatenates every block into the function's final
// instruction stream, recording each block's starting offset, and
// returns the completed *interp.Function.
func (fb *FunctionBuilder) Finish() *interp.Function {
	offsets := make([]int, len(fb.blocks))
	var code []byte
	for i, blk := range fb.blocks {
		offsets[i] = len(code)
		code = append(code, blk...)
	}
	fb.fn.Instructions = code
	fb.fn.BlockOffsets = offsets
	return fb.fn
}

// WritePackageFile serializes pkg to path in the image format
// ReadPackageFile understands: a magic/version header, then
// length-prefixed sections for strings, classes (flattened field
// layout only), functions (instructions + block table), and finally
// each class's VTable as function indices, resolved back into functions
// on read once every function exists.
//
// Field offsets are recorded in iteration order; Go map iteration order
// is randomized, so callers that round-trip a package through a file
// and need a stable field layout should build classes through the
// Builder fresh each run rather than relying on byte-identical images.
func WritePackageFile(path string, pkg *Package) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(formatVersion)); err != nil {
		return err
	}

	if err := writeStrings(w, pkg.strs); err != nil {
		return err
	}
	if err := writeClasses(w, pkg.classes); err != nil {
		return err
	}
	if err := writeFunctions(w, pkg.functions); err != nil {
		return err
	}
	if err := writeVTables(w, pkg); err != nil {
		return err
	}
	return w.Flush()
}

// writeVTables records each class's VTable as a list of function
// indices into pkg.functions, resolved back into *interp.Function
// pointers on read once every function exists.
func writeVTables(w *bufio.Writer, pkg *Package) error {
	for _, c := range pkg.classes {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(c.VTable))); err != nil {
			return err
		}
		for _, m := range c.VTable {
			idx := slices.IndexFunc(pkg.functions, func(f *interp.Function) bool { return f == m })
			if err := binary.Write(w, binary.LittleEndian, int32(idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeStrings(w *bufio.Writer, strs []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(strs))); err != nil {
		return err
	}
	for _, s := range strs {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
			return err
		}
		if _, err := w.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

func writeClasses(w *bufio.Writer, classes []*interp.Class) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(classes))); err != nil {
		return err
	}
	for _, c := range classes {
		if err := writeString(w, c.Name); err != nil {
			return err
		}
		super := int32(-1)
		if c.Super != nil {
			super = int32(slices.IndexFunc(classes, func(o *interp.Class) bool { return o == c.Super }))
		}
		if err := binary.Write(w, binary.LittleEndian, super); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(c.InstanceSize)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(c.FieldOffsets))); err != nil {
			return err
		}
		for name, off := range c.FieldOffsets {
			if err := writeString(w, name); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(off)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeFunctions(w *bufio.Writer, fns []*interp.Function) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(fns))); err != nil {
		return err
	}
	for _, fn := range fns {
		if err := writeString(w, fn.Name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(fn.BuiltinID)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(fn.NumParams)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(fn.LocalsSize)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(fn.RefSlots))); err != nil {
			return err
		}
		for _, s := range fn.RefSlots {
			if err := binary.Write(w, binary.LittleEndian, int32(s)); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(fn.BlockOffsets))); err != nil {
			return err
		}
		for _, off := range fn.BlockOffsets {
			if err := binary.Write(w, binary.LittleEndian, uint32(off)); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(fn.Instructions))); err != nil {
			return err
		}
		if _, err := w.Write(fn.Instructions); err != nil {
			return err
		}
	}
	return nil
}

func writeString(w *bufio.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

// ReadPackageFile memory-maps a package image and decodes it in place:
// the mapped bytes back every function's Instructions slice (strings
// are copied out), so
// loading a large compiled package costs a page fault per touch rather
// than a full upfront read.
func ReadPackageFile(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}

	r := &byteReader{data: data}
	if len(data) < len(magic) || string(data[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	r.pos = len(magic)

	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, errors.Errorf("loader: unsupported package format version %d", version)
	}

	pkg := &Package{}
	if pkg.strs, err = readStrings(r); err != nil {
		return nil, err
	}
	if pkg.classes, err = readClasses(r); err != nil {
		return nil, err
	}
	if pkg.functions, err = readFunctions(r, pkg); err != nil {
		return nil, err
	}
	if err := readVTables(r, pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

func readVTables(r *byteReader, pkg *Package) error {
	for _, c := range pkg.classes {
		n, err := r.u32()
		if err != nil {
			return err
		}
		vtable := make([]*interp.Function, n)
		for j := range vtable {
			idx, err := r.i32()
			if err != nil {
				return err
			}
			if idx < 0 || int(idx) >= len(pkg.functions) {
				return errors.Errorf("loader: vtable entry %d out of range", idx)
			}
			vtable[j] = pkg.functions[idx]
		}
		c.VTable = vtable
	}
	return nil
}

func readStrings(r *byteReader) ([]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func readClasses(r *byteReader) ([]*interp.Class, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]*interp.Class, n)
	supers := make([]int32, n)
	for i := range out {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		super, err := r.i32()
		if err != nil {
			return nil, err
		}
		supers[i] = super
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		numFields, err := r.u32()
		if err != nil {
			return nil, err
		}
		fields := make(map[string]int, numFields)
		for j := uint32(0); j < numFields; j++ {
			fname, err := r.str()
			if err != nil {
				return nil, err
			}
			off, err := r.u32()
			if err != nil {
				return nil, err
			}
			fields[fname] = int(off)
		}
		out[i] = &interp.Class{Name: name, InstanceSize: int(size), FieldOffsets: fields}
	}
	for i, super := range supers {
		if super >= 0 {
			out[i].Super = out[super]
		}
	}
	return out, nil
}

func readFunctions(r *byteReader, pkg *Package) ([]*interp.Function, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]*interp.Function, n)
	for i := range out {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		builtinID, err := r.i32()
		if err != nil {
			return nil, err
		}
		numParams, err := r.u32()
		if err != nil {
			return nil, err
		}
		localsSize, err := r.u32()
		if err != nil {
			return nil, err
		}
		numRefSlots, err := r.u32()
		if err != nil {
			return nil, err
		}
		refSlots := make([]int, numRefSlots)
		for j := range refSlots {
			s, err := r.i32()
			if err != nil {
				return nil, err
			}
			refSlots[j] = int(s)
		}
		numBlocks, err := r.u32()
		if err != nil {
			return nil, err
		}
		blockOffsets := make([]int, numBlocks)
		for j := range blockOffsets {
			off, err := r.u32()
			if err != nil {
				return nil, err
			}
			blockOffsets[j] = int(off)
		}
		codeLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		code, err := r.bytes(int(codeLen))
		if err != nil {
			return nil, err
		}
		out[i] = &interp.Function{
			Name:         name,
			BuiltinID:    int(builtinID),
			NumParams:    int(numParams),
			LocalsSize:   int(localsSize),
			RefSlots:     refSlots,
			BlockOffsets: blockOffsets,
			Instructions: code,
			Package:      pkg,
		}
	}
	return out, nil
}

// byteReader is a small cursor over mmap'd bytes; kept separate from
// bufio.Reader since the backing slice is already fully resident
// (mapped, not streamed) and sequential Read calls would just add
// copying overhead disassembly doesn't need.
type byteReader struct {
	data mmap.MMap
	pos  int
}

func (r *byteReader) require(n int) error {
	if r.pos+n > len(r.data) {
		return ErrTruncated
	}
	return nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sanityCheckMagic is used only by tests that want to assert a
// corrupted header is rejected without constructing a whole image.
func sanityCheckMagic(b []byte) error {
	if len(b) < len(magic) || string(b[:len(magic)]) != magic {
		return fmt.Errorf("%w: got %q", ErrBadMagic, b)
	}
	return nil
}
