// Package trap defines the runtime trap taxonomy raised by emitted sandboxed
// code and by the intrinsics it calls.
package trap

import "fmt"

// Kind identifies one of the runtime trap conditions a compiled function (or
// an intrinsic it calls) may raise. Kind values are never recovered by the
// emitter itself: they unwind to the nearest Call boundary.
type Kind struct {
	name string
}

func (k Kind) String() string { return k.name }

var (
	// MisalignedAtomic is raised when an atomic access's effective address is
	// not a multiple of its natural width.
	MisalignedAtomic = Kind{"misaligned atomic access"}
	// OutOfBoundsMemoryAccess is raised by intrinsics, never by inline code,
	// which relies on the per-memory virtual reservation instead.
	OutOfBoundsMemoryAccess = Kind{"out of bounds memory access"}
	OutOfBoundsDataSegment  = Kind{"out of bounds data segment access"}
	OutOfBoundsElemSegment  = Kind{"out of bounds element segment access"}
	OutOfBoundsTableAccess  = Kind{"out of bounds table access"}
	UninitializedTableElem  = Kind{"uninitialized table element"}
	StackOverflow           = Kind{"stack overflow"}
	IntegerDivideOrOverflow = Kind{"integer divide by zero or integer overflow"}
	InvalidFloatOperation   = Kind{"invalid float operation"}
	IndirectCallMismatch    = Kind{"indirect call signature mismatch"}
	ReachedUnreachable      = Kind{"unreachable executed"}
	// InvalidArgument covers both "element segment dropped" and "data segment
	// dropped" as well as the literal "invalid argument" case. The mapping is
	// preserved verbatim from the source system rather than split into
	// distinct kinds: see DESIGN.md's Open Question entry.
	InvalidArgument = Kind{"invalid argument"}
)

// Trap is the value panicked by emitted code (via an intrinsic call) and
// recovered at the engine's single Call boundary.
type Trap struct {
	Kind    Kind
	Address uint64
	MemoryID uint32
	Detail  string
}

func (t *Trap) Error() string {
	if t.Detail != "" {
		return fmt.Sprintf("%s: %s (addr=0x%x, memory=%d)", t.Kind, t.Detail, t.Address, t.MemoryID)
	}
	return fmt.Sprintf("%s (addr=0x%x, memory=%d)", t.Kind, t.Address, t.MemoryID)
}

// Misaligned constructs the trap raised by an atomic access whose effective
// address is not naturally aligned.
func Misaligned(addr uint64, memoryID uint32) *Trap {
	return &Trap{Kind: MisalignedAtomic, Address: addr, MemoryID: memoryID}
}

// New constructs a Trap of the given kind with no address context, used for
// compartment- and segment-level traps raised from intrinsics.
func New(kind Kind, detail string) *Trap {
	return &Trap{Kind: kind, Detail: detail}
}

// Raise panics with the given trap. Emitted code never calls this directly;
// it is what the intrinsic implementations behind the ABI in
// memir.IntrinsicEmitter are expected to do when a check fails.
func Raise(t *Trap) {
	panic(t)
}
