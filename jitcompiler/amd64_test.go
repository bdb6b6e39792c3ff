//go:build amd64
// +build amd64

package jitcompiler

import (
	"testing"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/stretchr/testify/require"

	"github.com/vavrusa/wavm/emitctx"
	"github.com/vavrusa/wavm/memir"
)

func newTestAMD64Compiler(t *testing.T) *amd64Compiler {
	mod := &emitctx.ModuleContext{
		Arch:        emitctx.ArchAMD64,
		MemorySlots: []emitctx.MemoryBaseSlot{{MemoryIndex: 0, RuntimeDataOffset: 8}},
		Intrinsics:  stubIntrinsics{},
	}
	ctx := emitctx.NewContext(mod, emitctx.Reservation{Guaranteed: true})
	c, err := newAMD64Compiler(ctx)
	require.NoError(t, err)
	return c
}

// pushFakeOperand pushes a pre-allocated register operand, as if a prior
// lowering step had already produced it, exactly the assumption every
// Emit* method in amd64.go makes about its operand stack.
func pushFakeOperand(c *amd64Compiler, t generalPurposeRegisterType, reg int16) {
	c.stack.markRegisterUsed(reg)
	c.stack.push(&operandLocation{regType: t, register: reg})
}

// progsFrom collects the opcode of first and every chained instruction
// starting at first, by following .Link, the same traversal the teacher's
// own jit_amd64.go performs when patching branch targets.
func progsFrom(first *obj.Prog) []obj.As {
	var out []obj.As
	for p := first; p != nil; p = p.Link {
		out = append(out, p.As)
	}
	return out
}

func TestEmitScalarLoadIntegerPath(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addrReg := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addrReg)

	first := c.newProg() // marker to anchor traversal
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitScalarLoad(memir.LoadOrStoreImm{Offset: 4, MemoryIndex: 0}, memir.Width4, memir.ConvZeroExtend, memir.I32)
	require.NoError(t, err)

	ops := progsFrom(first)
	require.Contains(t, ops, x86.AADDL)  // offset add (component A)
	require.Contains(t, ops, x86.AMOVQ)  // base materialization (component B)
	require.Contains(t, ops, x86.AMOVLQZX)

	require.Len(t, c.stack.stack, 1)
	loc := c.stack.stack[0]
	require.Equal(t, gpTypeInt, loc.regType)
}

func TestEmitScalarLoadFloatPathAllocatesFloatRegister(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addrReg := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addrReg)

	err := c.EmitScalarLoad(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.Width8, memir.ConvIdentity, memir.F64)
	require.NoError(t, err)

	require.Len(t, c.stack.stack, 1)
	loc := c.stack.stack[0]
	require.Equal(t, gpTypeFloat, loc.regType)
}

func TestEmitScalarLoadRefusesWithoutReservation(t *testing.T) {
	c := newTestAMD64Compiler(t)
	c.Reservation.Guaranteed = false
	addrReg := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addrReg)

	err := c.EmitScalarLoad(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.Width4, memir.ConvZeroExtend, memir.I32)
	require.Error(t, err)
}

func TestEmitScalarStorePopsValueThenAddress(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addrReg := c.allocateRegister(gpTypeInt)
	valReg := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addrReg)
	pushFakeOperand(c, gpTypeInt, valReg)

	err := c.EmitScalarStore(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.Width1)
	require.NoError(t, err)
	require.Empty(t, c.stack.stack)
}

func TestEmitMemoryFillEmitsCountedLoop(t *testing.T) {
	c := newTestAMD64Compiler(t)
	dst := c.allocateRegister(gpTypeInt)
	value := c.allocateRegister(gpTypeInt)
	n := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, dst)
	pushFakeOperand(c, gpTypeInt, value)
	pushFakeOperand(c, gpTypeInt, n)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitMemoryFill(memir.MemoryImm{MemoryIndex: 0})
	require.NoError(t, err)

	ops := progsFrom(first)
	require.Contains(t, ops, x86.ACMPL)
	require.Contains(t, ops, x86.AJEQ)
	require.Contains(t, ops, x86.AMOVB)
	require.Contains(t, ops, obj.AJMP)
	require.Empty(t, c.stack.stack)
}

func TestEmitMemoryCopyDispatchesBothDirections(t *testing.T) {
	c := newTestAMD64Compiler(t)
	dst := c.allocateRegister(gpTypeInt)
	src := c.allocateRegister(gpTypeInt)
	n := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, dst)
	pushFakeOperand(c, gpTypeInt, src)
	pushFakeOperand(c, gpTypeInt, n)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitMemoryCopy(memir.MemoryCopyImm{SourceMemoryIndex: 0, DestMemoryIndex: 0})
	require.NoError(t, err)

	ops := progsFrom(first)
	// The dynamic direction check (component D) compares src/dst, then an
	// unsigned conditional branch selects between two copy loop bodies.
	require.Contains(t, ops, x86.ACMPL)
	require.Contains(t, ops, x86.AJCS)
	// Both loop bodies emit their own exit compare/branch; there should be
	// at least three ACMPL (the direction check plus one loop top per body)
	// and at least two AMOVB pairs (load+store per loop body, times two
	// bodies minimum).
	cmplCount := 0
	movbCount := 0
	for _, op := range ops {
		if op == x86.ACMPL {
			cmplCount++
		}
		if op == x86.AMOVB {
			movbCount++
		}
	}
	require.GreaterOrEqual(t, cmplCount, 3)
	require.GreaterOrEqual(t, movbCount, 4)
}

func TestEmitAtomicRMWAddUsesLockPrefix(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	operand := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addr)
	pushFakeOperand(c, gpTypeInt, operand)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitAtomicRMW(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.RMWAdd, memir.Width4)
	require.NoError(t, err)

	ops := progsFrom(first)
	require.Contains(t, ops, x86.ALOCK)
	require.Contains(t, ops, x86.AXADDL)
}

func TestEmitAtomicRMWSubUsesCmpxchgLoop(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	operand := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addr)
	pushFakeOperand(c, gpTypeInt, operand)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitAtomicRMW(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.RMWSub, memir.Width8)
	require.NoError(t, err)

	ops := progsFrom(first)
	require.Contains(t, ops, x86.ALOCK)
	require.Contains(t, ops, x86.ACMPXCHGQ)
	require.Contains(t, ops, x86.ASUBQ)
	require.Contains(t, ops, x86.AJNE)
}

// TestEmitAtomicRMWSubWidth4UsesNarrowCmpxchg pins the CMPXCHG retry loop
// to the access width: i32.atomic.rmw.sub (Width4, the common case) must
// never touch the 64-bit opcode forms, which would read and write 8 bytes
// against a 4-byte-intended address.
func TestEmitAtomicRMWSubWidth4UsesNarrowCmpxchg(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	operand := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addr)
	pushFakeOperand(c, gpTypeInt, operand)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitAtomicRMW(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.RMWSub, memir.Width4)
	require.NoError(t, err)

	ops := progsFrom(first)
	require.Contains(t, ops, x86.ACMPXCHGL)
	require.Contains(t, ops, x86.ASUBL)
	require.NotContains(t, ops, x86.ACMPXCHGQ)
	require.NotContains(t, ops, x86.ASUBQ)
}

// TestEmitAtomicRMWAddNarrowWidthUsesByteVariant mirrors
// TestARM64EmitAtomicRMWNarrowWidthUsesByteVariant: rmwOpcode must not
// collapse Width1/Width2 into the 32-bit form.
func TestEmitAtomicRMWAddNarrowWidthUsesByteVariant(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	operand := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addr)
	pushFakeOperand(c, gpTypeInt, operand)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitAtomicRMW(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.RMWAdd, memir.Width1)
	require.NoError(t, err)

	ops := progsFrom(first)
	require.Contains(t, ops, x86.AXADDB)
	require.NotContains(t, ops, x86.AXADDL)
}

func TestEmitLoadSplatBroadcastsScalarAcrossLanes(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addr)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitLoadSplat(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.Width4)
	require.NoError(t, err)

	require.Len(t, c.stack.stack, 1)
	require.Equal(t, gpTypeFloat, c.stack.stack[0].regType)

	ops := progsFrom(first)
	require.Contains(t, ops, x86.AMOVLQZX)
	movlCount := 0
	for _, op := range ops {
		if op == x86.AMOVL {
			movlCount++
		}
	}
	require.Equal(t, 4, movlCount) // one store per lane, 16/4 lanes
	require.Contains(t, ops, x86.AMOVOU)
}

func TestEmitAtomicLoadChecksAlignmentBeforeLoad(t *testing.T) {
	c := newTestAMD64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	pushFakeOperand(c, gpTypeInt, addr)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitAtomicLoad(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.Width4, memir.I32)
	require.NoError(t, err)

	ops := progsFrom(first)
	require.Contains(t, ops, x86.ATESTL)
	require.Contains(t, ops, x86.AJEQ)
}

func TestEmitAtomicFenceEmitsNoInstructions(t *testing.T) {
	c := newTestAMD64Compiler(t)
	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	c.EmitAtomicFence(memir.AtomicFenceImm{Order: memir.SeqCst})

	ops := progsFrom(first)
	require.Equal(t, []obj.As{obj.ANOP}, ops)
}

// TestLoadInterleavedThenStoreInterleavedRoundTripsStackShape chains a
// load-interleaved-k directly into a matching store-interleaved-k, pushing
// the store's address operand before the load's so that, once the load
// consumes its own address and pushes its k results, the stack reads
// exactly [storeAddr, v_0, ..., v_{k-1}], the shape EmitStoreInterleaved
// requires.
func TestLoadInterleavedThenStoreInterleavedRoundTripsStackShape(t *testing.T) {
	for _, k := range []int{2, 3, 4} {
		c := newTestAMD64Compiler(t)

		storeAddr := c.allocateRegister(gpTypeInt)
		pushFakeOperand(c, gpTypeInt, storeAddr)

		loadAddr := c.allocateRegister(gpTypeInt)
		pushFakeOperand(c, gpTypeInt, loadAddr)

		err := c.EmitLoadInterleaved(memir.LoadOrStoreImm{MemoryIndex: 0}, k, memir.Lanes32)
		require.NoError(t, err, "k=%d", k)
		require.Len(t, c.stack.stack, k+1, "k=%d", k)
		for _, loc := range c.stack.stack[1:] {
			require.Equal(t, gpTypeFloat, loc.regType)
		}

		err = c.EmitStoreInterleaved(memir.LoadOrStoreImm{MemoryIndex: 0}, k, memir.Lanes32)
		require.NoError(t, err, "k=%d", k)
		require.Empty(t, c.stack.stack, "k=%d", k)
	}
}
