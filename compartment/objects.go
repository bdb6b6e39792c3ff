package compartment

import "sync"

// This file defines the seven object kinds a Compartment owns, grounded on
// the teacher's FunctionInstance/MemoryInstance/TableInstance/GlobalInstance/
// ModuleInstance shapes in internal/wasm, generalized from "belongs to one
// Store" to "belongs to one Compartment" and split so ID and compartment
// membership are tracked uniformly across kinds instead of being bespoke
// per type.

// Memory is a linear memory object. Its mutable fields (base pointer, byte
// length) are guarded by their own resize mutex per spec §5, not by the
// owning Compartment's lock.
type Memory struct {
	ID          int
	Compartment *Compartment

	resizeMu sync.RWMutex
	region   []byte // the full 8 GiB reservation, committed lazily in a growing prefix
	basePtr  uintptr
	numPages uint32
	maxPages uint32
}

// Table is an indirect-call/reference table object.
type Table struct {
	ID          int
	Compartment *Compartment

	resizeMu sync.RWMutex
	elements []TableElement
}

// TableElement is one slot of a Table: either a function reference or null.
type TableElement struct {
	Function *Function
}

// Global is a module-level global. MutableGlobalIndex is only meaningful
// when Mutable is true; it names the slot in the owning compartment's
// mutable-global bitset and every context's mutableGlobals array.
type Global struct {
	ID                 int
	Compartment        *Compartment
	Mutable            bool
	MutableGlobalIndex int
	InitialValue       uint64
}

// ExceptionType names one exception tag's signature.
type ExceptionType struct {
	ID          int
	Compartment *Compartment
	ParamTypes  []ValueType
}

// ValueType is a guest value type tag, used only by ExceptionType's
// signature; the actual load/store value types live in package memir.
type ValueType uint8

// Instance is one instantiated module. It is a compartment object like the
// others, but also records the compiled-module handle functions compiled
// from it carry, which is what makes component I's containment check work.
type Instance struct {
	ID             int
	Compartment    *Compartment
	CompiledModule *CompiledModule
	OwnedMemories  []int
	OwnedTables    []int
	OwnedGlobals   []int
	PassiveData    map[uint32][]byte
	Exports        map[string]Export
}

// Export names one export of an Instance by kind and target id.
type Export struct {
	Kind ExportKind
	ID   int
}

type ExportKind uint8

const (
	ExportMemory ExportKind = iota
	ExportTable
	ExportGlobal
	ExportFunction
)

// CompiledModule is the immutable, compartment-independent product of
// compiling a module once: it is never itself owned by any compartment,
// matching spec §9's "functions are not owned by a compartment; their
// identity lives in a compiled-module handle."
type CompiledModule struct {
	Name string
}

// FunctionSentinelInstanceID marks a Function that belongs to no particular
// Instance (e.g. a host function imported directly, not compiled from any
// guest module), and is therefore a member of every compartment (spec
// §4.I).
const FunctionSentinelInstanceID = -1

// Function is cross-compartment by construction: it carries the id of the
// Instance it was compiled from plus that instance's CompiledModule handle,
// and membership is tested structurally by isInCompartment rather than by
// a parent pointer, per spec §9's explicit design note.
type Function struct {
	InstanceID     int
	CompiledModule *CompiledModule
	Address        uintptr
}

// Foreign is a compartment-scoped opaque host object. Foreigns are never
// cloned (spec §4.H step 5); remapping a Foreign that only existed in the
// clone's source is therefore a guaranteed miss, an intentional limitation
// per spec §9, not a bug this package works around.
type Foreign struct {
	ID          int
	Compartment *Compartment
	Value       interface{}
}

// Context is one execution context: the per-thread/per-call mutable-global
// storage and reserved runtime-data region a compiled function actually
// reads and writes while running. Contexts are per-execution and are never
// cloned (spec §4.H step 5).
type Context struct {
	ID             int
	Compartment    *Compartment
	MutableGlobals [MaxMutableGlobals]uint64
}
