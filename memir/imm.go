// Package memir holds the compile-time immediate operand shapes for Wasm
// memory, bulk-memory, SIMD and atomic instructions, plus the ABI the
// lowering backends in jitcompiler call through to reach runtime intrinsics.
//
// None of the types here carry behavior: they are the wire contract between
// whatever decodes a Wasm memory instruction (out of scope, an external
// collaborator) and the lowering backend that consumes it.
package memir

// LoadOrStoreImm is the immediate attached to a scalar or SIMD load/store
// operator. Offset is a compile-time constant folded into the effective
// address; AlignmentLog2 is a hint from the module author and MUST NOT be
// trusted to imply actual alignment (see jitcompiler's atomic lowering,
// which is the only place alignment is ever checked, and checks it at
// runtime against the real address).
type LoadOrStoreImm struct {
	Offset        uint32
	AlignmentLog2 uint8
	MemoryIndex   uint32
}

// MemoryImm names a single memory, used by memory.size and memory.grow.
type MemoryImm struct {
	MemoryIndex uint32
}

// MemoryCopyImm names the source and destination memories of memory.copy.
// SourceMemoryIndex == DestMemoryIndex for the common same-memory case.
type MemoryCopyImm struct {
	SourceMemoryIndex uint32
	DestMemoryIndex   uint32
}

// MemoryOrder is the memory ordering attached to an atomic.fence. Only
// SeqCst is accepted; any other value is a compile-time rejection.
type MemoryOrder uint8

const (
	SeqCst MemoryOrder = iota
)

// AtomicFenceImm is the immediate for atomic.fence.
type AtomicFenceImm struct {
	Order MemoryOrder
}

// DataSegmentAndMemImm names a passive data segment and the memory
// memory.init is populating.
type DataSegmentAndMemImm struct {
	DataSegmentIndex uint32
	MemoryIndex      uint32
}

// DataSegmentImm names a passive data segment, used by data.drop.
type DataSegmentImm struct {
	DataSegmentIndex uint32
}

// ValueType is the guest-visible Wasm value type a load produces or a store
// consumes, independent of the in-memory width (which LoadOrStoreImm plus
// the opcode itself determines).
type ValueType uint8

const (
	I32 ValueType = iota
	I64
	F32
	F64
	V128
)

// Width is the number of bytes a scalar memory access transfers, before any
// sign/zero-extension back to the guest value type.
type Width uint8

const (
	Width1 Width = 1
	Width2 Width = 2
	Width4 Width = 4
	Width8 Width = 8
)

// Conversion describes how a loaded value is widened to its guest
// ValueType, or how a guest value is narrowed before being stored.
type Conversion uint8

const (
	ConvIdentity Conversion = iota
	ConvZeroExtend
	ConvSignExtend
	ConvTruncate
	ConvSplat // vNxM.load_splat: broadcast the loaded scalar across all lanes.
)

// LaneWidth is the bit width of one lane in an interleaved SIMD load/store.
type LaneWidth uint8

const (
	Lanes8  LaneWidth = 8
	Lanes16 LaneWidth = 16
	Lanes32 LaneWidth = 32
	Lanes64 LaneWidth = 64
)

// VectorWidth is the fixed width of a single Wasm SIMD vector in bytes.
const VectorWidth = 16

// LaneCount returns how many lanes of the given width fit in one 16-byte
// vector.
func (l LaneWidth) LaneCount() int {
	return VectorWidth / (int(l) / 8)
}

// AtomicRMWOp enumerates the read-modify-write atomic operators, excluding
// load, store and cmpxchg which are lowered by their own dedicated paths.
type AtomicRMWOp uint8

const (
	RMWAdd AtomicRMWOp = iota
	RMWSub
	RMWAnd
	RMWOr
	RMWXor
	RMWXchg
)
