package interp

// Built-in class ids. These are negative so isBuiltinClassID can tell
// them apart from package-local class ids (which are always >= 0).
const (
	ClassObject                 = -1
	ClassType                   = -2
	ClassException              = -3
	ClassNullPointerException   = -4
	ClassUninitializedException = -5
	ClassString                 = -6
)

// rootTable holds the VM-wide built-in classes and a small pool of
// pre-allocated exception instances, resolved the same way a package
// resolves its own class table but without needing a loader.
//
// Pre-allocating NullPointerException/UninitializedException/Exception
// singletons here, at construction time rather than inside the
// null-check/uninitialized-check opcodes, is the resolution to the
// open question of allocating at a site with no pointer map: by the
// time any frame exists to need a map, these instances already exist,
// so the check sites never allocate at all.
type rootTable struct {
	classes map[int]*Class

	nullPointerException   Ref
	uninitializedException Ref
	genericException       Ref
}

func newRootTable(heap Heap) *rootTable {
	exceptionClass := &Class{
		Name:           "Exception",
		FieldOffsets:   map[string]int{"message": 0},
		InstanceSize:   wordSize,
		BuiltinClassID: ClassException,
	}
	npeClass := &Class{
		Name:           "NullPointerException",
		FieldOffsets:   map[string]int{"message": 0},
		InstanceSize:   wordSize,
		BuiltinClassID: ClassNullPointerException,
	}
	uninitClass := &Class{
		Name:           "UninitializedException",
		FieldOffsets:   map[string]int{"message": 0},
		InstanceSize:   wordSize,
		BuiltinClassID: ClassUninitializedException,
	}
	objectClass := &Class{Name: "Object", InstanceSize: 0, BuiltinClassID: ClassObject}
	typeClass := &Class{
		Name:           "Type",
		FieldOffsets:   map[string]int{"class": 0},
		InstanceSize:   wordSize,
		BuiltinClassID: ClassType,
	}
	stringClass := &Class{Name: "String", InstanceSize: 0, BuiltinClassID: ClassString}

	rt := &rootTable{
		classes: map[int]*Class{
			ClassObject:                  objectClass,
			ClassType:                    typeClass,
			ClassException:               exceptionClass,
			ClassNullPointerException:    npeClass,
			ClassUninitializedException:  uninitClass,
			ClassString:                  stringClass,
		},
	}

	getMetaForClassID(exceptionClass)
	getMetaForClassID(npeClass)
	getMetaForClassID(uninitClass)

	if ref, ok := heap.TryAllocate(exceptionClass.meta); ok {
		rt.genericException = ref
	}
	if ref, ok := heap.TryAllocate(npeClass.meta); ok {
		rt.nullPointerException = ref
	}
	if ref, ok := heap.TryAllocate(uninitClass.meta); ok {
		rt.uninitializedException = ref
	}
	return rt
}

func (rt *rootTable) classByID(id int) (*Class, bool) {
	c, ok := rt.classes[id]
	return c, ok
}
