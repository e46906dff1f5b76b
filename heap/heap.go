// Package heap is the reference garbage-collected object store that
// backs the interpreter's Heap contract: a bump-allocated object table
// that compacts itself on Collect by keeping only objects still
// reachable from the stack, the same end result a semispace copying
// collector reaches by literally copying survivors into a fresh space.
package heap

import (
	"github.com/pkg/errors"

	"ovm/interp"
)

// ErrCapacityExceeded is returned by New when capacity is non-positive;
// it is never returned at allocation time, since TryAllocate/
// TryAllocateArray report capacity exhaustion through their bool result
// instead, the way the interpreter's GC-retry protocol expects.
var ErrCapacityExceeded = errors.New("heap: capacity must be positive")

type object struct {
	class *interp.Class

	// refOffsets is copied from the allocating InstanceMeta so Collect
	// can trace an object's reference fields without re-deriving class
	// layout information the heap otherwise has no business knowing.
	refOffsets []int

	// fields holds fixed-layout instance fields, indexed by byte offset
	// / wordSize; arrays additionally use elems.
	fields []uint64
	elems  []uint64
	isArr  bool

	// str caches the Go string an instance represents, set only for
	// String instances (see NewString); fields/elems are unused for them.
	str   string
	isStr bool
}

// Heap is a single-threaded, stop-the-world object store. capacity
// bounds the number of live objects it will hold at once; exceeding it
// is what makes TryAllocate refuse and the interpreter's retry-after-
// Collect protocol meaningful to exercise.
type Heap struct {
	objects  map[interp.Ref]*object
	nextID   uint64
	capacity int

	// writesSinceCollect is purely observational: a real generational
	// collector would consult the write barrier to avoid rescanning the
	// whole heap, but Collect here always does a full trace, so this
	// only reports how often RecordWrite actually fired.
	writesSinceCollect int
}

const firstLiveHandle = interp.Ref(2) // 0 = null, 1 = uninitialized sentinel

// New builds a Heap that holds at most capacity live objects at once.
func New(capacity int) (*Heap, error) {
	if capacity <= 0 {
		return nil, ErrCapacityExceeded
	}
	return &Heap{
		objects:  make(map[interp.Ref]*object, capacity),
		nextID:   uint64(firstLiveHandle),
		capacity: capacity,
	}, nil
}

func (h *Heap) allocHandle() interp.Ref {
	id := interp.Ref(h.nextID)
	h.nextID++
	return id
}

// TryAllocate implements interp.Heap.
func (h *Heap) TryAllocate(meta *interp.InstanceMeta) (interp.Ref, bool) {
	if len(h.objects) >= h.capacity {
		return 0, false
	}
	ref := h.allocHandle()
	h.objects[ref] = &object{
		class:      meta.Class,
		refOffsets: meta.RefFieldOffsets,
		fields:     make([]uint64, meta.InstanceSize/8+1),
	}
	return ref, true
}

// TryAllocateArray implements interp.Heap.
func (h *Heap) TryAllocateArray(meta *interp.InstanceMeta, length int) (interp.Ref, bool) {
	if len(h.objects) >= h.capacity {
		return 0, false
	}
	ref := h.allocHandle()
	h.objects[ref] = &object{
		class: meta.Class,
		elems: make([]uint64, length),
		isArr: true,
	}
	return ref, true
}

// NewString implements interp.Heap: a String instance caches the Go
// string directly rather than encoding it byte-by-byte into elems,
// since nothing outside StringValue/builtin string ops ever addresses
// a String's bytes individually.
func (h *Heap) NewString(s string) (interp.Ref, bool) {
	if len(h.objects) >= h.capacity {
		return 0, false
	}
	ref := h.allocHandle()
	h.objects[ref] = &object{str: s, isStr: true}
	return ref, true
}

func (h *Heap) StringValue(ref interp.Ref) string {
	obj, ok := h.objects[ref]
	if !ok {
		return ""
	}
	return obj.str
}

// RecordWrite implements interp.Heap. This collector always performs a
// full trace on Collect, so the write barrier has nothing to maintain
// incrementally; it is kept as a counter so the hook is not a pure
// no-op and a future generational heap has somewhere to start.
func (h *Heap) RecordWrite(addr interp.Ref, fieldOffset int, value interp.Ref) {
	h.writesSinceCollect++
}

func (h *Heap) LoadField(ref interp.Ref, offset, width int) uint64 {
	obj, ok := h.objects[ref]
	if !ok {
		return 0
	}
	idx := offset / 8
	if idx < 0 || idx >= len(obj.fields) {
		return 0
	}
	return signExtend(obj.fields[idx], width)
}

func (h *Heap) StoreField(ref interp.Ref, offset, width int, v uint64) {
	obj, ok := h.objects[ref]
	if !ok {
		return
	}
	idx := offset / 8
	if idx < 0 || idx >= len(obj.fields) {
		return
	}
	obj.fields[idx] = truncate(v, width)
}

func (h *Heap) LoadElement(ref interp.Ref, index, width int) uint64 {
	obj, ok := h.objects[ref]
	if !ok || index < 0 || index >= len(obj.elems) {
		return 0
	}
	return signExtend(obj.elems[index], width)
}

func (h *Heap) StoreElement(ref interp.Ref, index, width int, v uint64) {
	obj, ok := h.objects[ref]
	if !ok || index < 0 || index >= len(obj.elems) {
		return
	}
	obj.elems[index] = truncate(v, width)
}

func (h *Heap) ArrayLength(ref interp.Ref) int {
	obj, ok := h.objects[ref]
	if !ok {
		return 0
	}
	return len(obj.elems)
}

func (h *Heap) ClassOf(ref interp.Ref) *interp.Class {
	obj, ok := h.objects[ref]
	if !ok {
		return nil
	}
	return obj.class
}

// Collect implements interp.Heap: trace every reference reachable from
// the stack through each live frame's pointer map, then keep only the
// objects that trace reached. Surviving objects are "copied" into a
// fresh object table the same way a semispace collector would copy
// them into to-space, just without the two-arena byte layout — the
// observable effect (garbage reclaimed, handles of survivors stable)
// is the same.
func (h *Heap) Collect(walker interp.StackWalker) {
	live := make(map[interp.Ref]bool)

	walker.WalkFrames(func(fp int, fn *interp.Function, pc int, slot func(index int) uint64) bool {
		pm := fn.PointerMap()
		if pm == nil {
			return true
		}
		slots, ok := pm.ReferenceSlotsAt(pc)
		if !ok {
			return true
		}
		for _, idx := range slots {
			ref := interp.Ref(slot(idx))
			if ref != 0 {
				live[ref] = true
			}
		}
		return true
	})

	h.traceReachable(live)

	survivors := make(map[interp.Ref]*object, len(live))
	for ref := range live {
		if obj, ok := h.objects[ref]; ok {
			survivors[ref] = obj
		}
	}
	h.objects = survivors
	h.writesSinceCollect = 0
}

// traceReachable expands the live set to a fixed point by following
// every reference-typed field of every object already marked live.
func (h *Heap) traceReachable(live map[interp.Ref]bool) {
	changed := true
	for changed {
		changed = false
		for ref := range live {
			obj, ok := h.objects[ref]
			if !ok {
				continue
			}
			for _, off := range obj.refOffsets {
				idx := off / 8
				if idx < 0 || idx >= len(obj.fields) {
					continue
				}
				child := interp.Ref(obj.fields[idx])
				if child == 0 || live[child] {
					continue
				}
				live[child] = true
				changed = true
			}
		}
	}
}

func signExtend(v uint64, width int) uint64 {
	switch width {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	default:
		return v
	}
}

func truncate(v uint64, width int) uint64 {
	switch width {
	case 1:
		return uint64(uint8(v))
	case 2:
		return uint64(uint16(v))
	case 4:
		return uint64(uint32(v))
	default:
		return v
	}
}
