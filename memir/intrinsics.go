package memir

// IntrinsicEmitter is implemented by the module-compilation context to
// surface the compile-time call targets (addresses or table indices) for
// the runtime intrinsics named in the wire contract. The lowering backends
// never call these as Go functions: they ask the emitter for a call target
// and emit an architecture call instruction to it, exactly as
// amd64Compiler.callBuiltinFunctionFromConstIndex resolves a builtin index
// to an address in the teacher's jit engine.
//
// Implementations of this interface, and the bodies of the intrinsics
// themselves, are external collaborators: this package only fixes their
// signatures.
type IntrinsicEmitter interface {
	// MemoryGrow corresponds to the memory.grow intrinsic:
	// (deltaPages u32, memoryID uptr) -> previous page count (u32, or -1 signed on failure).
	MemoryGrow() CallTarget
	// MemorySize corresponds to the memory.size intrinsic:
	// (memoryID uptr) -> current page count (u32).
	MemorySize() CallTarget
	// MemoryInit corresponds to the memory.init intrinsic:
	// (dst, src, n u32, instanceID, memoryID, segIndex uptr) -> void.
	MemoryInit() CallTarget
	// DataDrop corresponds to the data.drop intrinsic:
	// (instanceID, segIndex uptr) -> void.
	DataDrop() CallTarget
	// AtomicNotify corresponds to atomic_notify:
	// (addr, count u32, memoryID uptr) -> woken count (u32). addr is unsandboxed.
	AtomicNotify() CallTarget
	// AtomicWait32 corresponds to atomic_wait_i32:
	// (addr, expected u32, timeout i64, memoryID uptr) -> status (u32).
	AtomicWait32() CallTarget
	// AtomicWait64 corresponds to atomic_wait_i64:
	// (addr u32, expected i64, timeout i64, memoryID uptr) -> status (u32).
	AtomicWait64() CallTarget
	// MisalignedAtomicTrap corresponds to misalignedAtomicTrap: (addr i64) -> never returns.
	MisalignedAtomicTrap() CallTarget
}

// CallTarget is an opaque compile-time call target: either a fixed address
// known at emit time, or an index into a per-module table of trampolines
// resolved at link time. The lowering backends treat it as a black box and
// only ever feed it to their architecture's call-emission helper.
type CallTarget struct {
	// Address is non-zero when the target is a fixed, already-resolved
	// native address (e.g. a Go function pointer obtained via reflection,
	// as the teacher's engine does for builtins).
	Address uintptr
	// TableIndex is used instead of Address when the target must be
	// resolved indirectly through a per-module trampoline table, mirroring
	// wasm/jit's builtinFunctionIndex constants.
	TableIndex int64
	// Indirect is true when TableIndex (not Address) should be used.
	Indirect bool
}
