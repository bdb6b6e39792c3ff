// Package emitctx holds the architecture-neutral compile-time state shared
// by every memory-instruction lowering backend: where each memory's base
// pointer lives at runtime, which target the backend is generating for, and
// how to reach the runtime intrinsics. The architecture-specific backends in
// package jitcompiler embed a *Context and add their own register/operand
// bookkeeping on top, mirroring how the teacher's amd64Compiler and
// arm64Compiler each carry their own locationStack over a shared *wasm.FunctionInstance.
package emitctx

import "github.com/vavrusa/wavm/memir"

// Arch is the lowering backend's target instruction set.
type Arch uint8

const (
	ArchAMD64 Arch = iota
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// MemoryBaseSlot is a compile-time handle to the runtime location holding a
// memory's current base byte-address within the current execution context's
// runtime-data region. The concrete encoding (an offset into a per-context
// struct, typically) is owned by the module-instantiation driver, which is
// out of scope for this package; the slot is opaque here.
type MemoryBaseSlot struct {
	// RuntimeDataOffset is the byte offset, within the per-context runtime
	// data region reserved by the owning Compartment, at which the current
	// base pointer for this memory is stored.
	RuntimeDataOffset uint32
	MemoryIndex       uint32
}

// ModuleContext is the compile-time information about the module being
// compiled that every memory-instruction lowering needs: one
// MemoryBaseSlot per memory index, the target architecture, and the
// intrinsic call targets.
type ModuleContext struct {
	Arch       Arch
	MemorySlots []MemoryBaseSlot
	Intrinsics memir.IntrinsicEmitter
}

// Slot returns the base-pointer slot for the given memory index. It panics
// on an out-of-range index: an out-of-range memory index in already-decoded
// Wasm is a compile-time bug in the front end, not a guest-triggerable
// condition, so this is not a trap.
func (m *ModuleContext) Slot(memoryIndex uint32) MemoryBaseSlot {
	for _, s := range m.MemorySlots {
		if s.MemoryIndex == memoryIndex {
			return s
		}
	}
	panic("emitctx: no base-pointer slot registered for memory index")
}

// Reservation records, in Guaranteed, whether the module context's memories were
// compiled under the reservation guarantee required by spec §4.A (every
// memory's virtual region is reserved at ≥ 8 GiB so that any zext32+zext32
// sum lands inside it). Lowering MUST refuse to emit when this is false.
//
// This is tracked as an explicit bit instead of being implied by, say, a
// non-nil Intrinsics field, because a host is free to supply intrinsics
// without yet having committed the reservation (e.g. while fuzzing the
// lowering in isolation).
type Reservation struct {
	Guaranteed bool
}

// memBaseCache memoizes the last materialised base pointer so that two
// consecutive accesses to the same memory index within one lowering unit
// do not reload it. This mirrors WAVM's EmitMem.cpp base-pointer cache: a
// pure performance detail with no externally observable effect, since the
// cache is invalidated on any call (memory.grow, intrinsics) or whenever a
// different memory index is addressed. See SPEC_FULL.md §2.3.
type memBaseCache struct {
	valid       bool
	memoryIndex uint32
	value       interface{} // architecture-specific register/operand handle
}

// Invalidate drops the cached base pointer unconditionally. Call this
// before emitting anything that might change which memory's base is live
// in the cache's register, in particular any call to an intrinsic (which
// may grow memory) or the start of a function.
func (c *memBaseCache) Invalidate() {
	c.valid = false
	c.value = nil
}

// Lookup returns the cached base-pointer operand for memoryIndex, if any.
func (c *memBaseCache) Lookup(memoryIndex uint32) (interface{}, bool) {
	if c.valid && c.memoryIndex == memoryIndex {
		return c.value, true
	}
	return nil, false
}

// Store records value as the materialised base pointer for memoryIndex.
func (c *memBaseCache) Store(memoryIndex uint32, value interface{}) {
	c.valid = true
	c.memoryIndex = memoryIndex
	c.value = value
}

// MemBaseCache exposes memBaseCache to the architecture backends, which
// embed *Context and need direct access to the cache across calls to its
// own methods.
type MemBaseCache = memBaseCache

// Context is the shared, architecture-neutral half of a function's
// compile-time state. The architecture-specific compiler structs in
// package jitcompiler embed *Context and add their own instruction
// builder and operand-location stack, the same split the teacher
// maintains between wazeroir.CompilationResult (shared) and each
// amd64Compiler/arm64Compiler's own locationStack (arch-specific).
type Context struct {
	Module      *ModuleContext
	Reservation Reservation
	baseCache   MemBaseCache
}

// NewContext builds the shared emit context for one function compilation.
func NewContext(mod *ModuleContext, reservation Reservation) *Context {
	return &Context{Module: mod, Reservation: reservation}
}

// BaseCache returns the memory-base materialisation cache for this
// function compilation.
func (c *Context) BaseCache() *MemBaseCache { return &c.baseCache }
