//go:build arm64
// +build arm64

package jitcompiler

import (
	"testing"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/stretchr/testify/require"

	"github.com/vavrusa/wavm/emitctx"
	"github.com/vavrusa/wavm/memir"
)

func newTestARM64Compiler(t *testing.T) *arm64Compiler {
	mod := &emitctx.ModuleContext{
		Arch:        emitctx.ArchARM64,
		MemorySlots: []emitctx.MemoryBaseSlot{{MemoryIndex: 0, RuntimeDataOffset: 8}},
		Intrinsics:  stubIntrinsics{},
	}
	ctx := emitctx.NewContext(mod, emitctx.Reservation{Guaranteed: true})
	c, err := newARM64Compiler(ctx)
	require.NoError(t, err)
	return c
}

func pushFakeOperandARM64(c *arm64Compiler, t generalPurposeRegisterType, reg int16) {
	c.stack.markRegisterUsed(reg)
	c.stack.push(&operandLocation{regType: t, register: reg})
}

func TestARM64EmitScalarLoadIntegerPath(t *testing.T) {
	c := newTestARM64Compiler(t)
	addrReg := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, addrReg)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitScalarLoad(memir.LoadOrStoreImm{Offset: 4, MemoryIndex: 0}, memir.Width4, memir.ConvZeroExtend, memir.I32)
	require.NoError(t, err)

	ops := progsFromARM64(first)
	require.Contains(t, ops, arm64.AADD)
	require.Contains(t, ops, arm64.AMOVD)  // base materialization
	require.Contains(t, ops, arm64.AMOVWU) // scalarLoadOpcodeARM64(width4, zeroext)
}

func TestARM64EmitScalarLoadRefusesWithoutReservation(t *testing.T) {
	c := newTestARM64Compiler(t)
	c.Reservation.Guaranteed = false
	addrReg := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, addrReg)

	err := c.EmitScalarLoad(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.Width4, memir.ConvZeroExtend, memir.I32)
	require.Error(t, err)
}

func TestARM64EmitMemoryFillUsesCompareAndBranch(t *testing.T) {
	c := newTestARM64Compiler(t)
	dst := c.allocateRegister(gpTypeInt)
	value := c.allocateRegister(gpTypeInt)
	n := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, dst)
	pushFakeOperandARM64(c, gpTypeInt, value)
	pushFakeOperandARM64(c, gpTypeInt, n)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitMemoryFill(memir.MemoryImm{MemoryIndex: 0})
	require.NoError(t, err)

	ops := progsFromARM64(first)
	require.Contains(t, ops, arm64.ACMPW)
	require.Contains(t, ops, arm64.ABEQ)
	require.Contains(t, ops, obj.AJMP)
}

func TestARM64EmitAtomicRMWUsesLoadExclusiveStoreExclusiveLoop(t *testing.T) {
	c := newTestARM64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	operand := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, addr)
	pushFakeOperandARM64(c, gpTypeInt, operand)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitAtomicRMW(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.RMWAdd, memir.Width4)
	require.NoError(t, err)

	ops := progsFromARM64(first)
	require.Contains(t, ops, arm64.ALDAXRW)
	require.Contains(t, ops, arm64.ASTLXRW)
	require.Contains(t, ops, arm64.ACBNZ)
}

func TestARM64EmitAtomicRMWNarrowWidthUsesByteVariant(t *testing.T) {
	c := newTestARM64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	operand := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, addr)
	pushFakeOperandARM64(c, gpTypeInt, operand)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitAtomicRMW(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.RMWXor, memir.Width1)
	require.NoError(t, err)

	ops := progsFromARM64(first)
	require.Contains(t, ops, arm64.ALDAXRB)
	require.Contains(t, ops, arm64.ASTLXRB)
	require.Contains(t, ops, arm64.AEOR)
}

func TestARM64EmitVectorLoadAndStoreUseAVLD1AVST1(t *testing.T) {
	c := newTestARM64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, addr)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	require.NoError(t, c.EmitVectorLoad(memir.LoadOrStoreImm{MemoryIndex: 0}))
	require.Len(t, c.stack.stack, 1)
	require.Equal(t, gpTypeFloat, c.stack.stack[0].regType)
	loaded := c.stack.pop()
	loadedReg := loaded.register
	c.stack.releaseRegister(loaded)

	addr2 := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, addr2)
	pushFakeOperandARM64(c, gpTypeFloat, loadedReg)
	require.NoError(t, c.EmitVectorStore(memir.LoadOrStoreImm{MemoryIndex: 0}))
	require.Empty(t, c.stack.stack)

	ops := progsFromARM64(first)
	require.Contains(t, ops, arm64.AVLD1)
	require.Contains(t, ops, arm64.AVST1)
}

// TestARM64LoadInterleavedThenStoreInterleavedRoundTripsStackShape mirrors
// amd64_test.go's test of the same name: chaining a load-interleaved-k
// directly into a matching store-interleaved-k should leave the stack
// empty, and the lane-shuffle step should move data through the scalar
// opcode laneMoveOpcodeARM64 picks for the given lane width.
func TestARM64LoadInterleavedThenStoreInterleavedRoundTripsStackShape(t *testing.T) {
	for _, k := range []int{2, 3, 4} {
		c := newTestARM64Compiler(t)

		storeAddr := c.allocateRegister(gpTypeInt)
		pushFakeOperandARM64(c, gpTypeInt, storeAddr)

		loadAddr := c.allocateRegister(gpTypeInt)
		pushFakeOperandARM64(c, gpTypeInt, loadAddr)

		first := c.newProg()
		first.As = obj.ANOP
		c.addInstruction(first)

		err := c.EmitLoadInterleaved(memir.LoadOrStoreImm{MemoryIndex: 0}, k, memir.Lanes32)
		require.NoError(t, err, "k=%d", k)
		require.Len(t, c.stack.stack, k+1, "k=%d", k)
		for _, loc := range c.stack.stack[1:] {
			require.Equal(t, gpTypeFloat, loc.regType)
		}

		err = c.EmitStoreInterleaved(memir.LoadOrStoreImm{MemoryIndex: 0}, k, memir.Lanes32)
		require.NoError(t, err, "k=%d", k)
		require.Empty(t, c.stack.stack, "k=%d", k)

		ops := progsFromARM64(first)
		require.Contains(t, ops, arm64.AVLD1)
		require.Contains(t, ops, arm64.AVST1)
		require.Contains(t, ops, arm64.AMOVW) // laneMoveOpcodeARM64(Lanes32)
	}
}

func TestARM64EmitAtomicRMWSubWidth4UsesNarrowOpcodes(t *testing.T) {
	c := newTestARM64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	operand := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, addr)
	pushFakeOperandARM64(c, gpTypeInt, operand)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitAtomicRMW(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.RMWSub, memir.Width4)
	require.NoError(t, err)

	ops := progsFromARM64(first)
	require.Contains(t, ops, arm64.ALDAXRW)
	require.Contains(t, ops, arm64.ASTLXRW)
}

func TestARM64EmitLoadSplatBroadcastsScalarAcrossLanes(t *testing.T) {
	c := newTestARM64Compiler(t)
	addr := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, addr)

	first := c.newProg()
	first.As = obj.ANOP
	c.addInstruction(first)

	err := c.EmitLoadSplat(memir.LoadOrStoreImm{MemoryIndex: 0}, memir.Width4)
	require.NoError(t, err)

	require.Len(t, c.stack.stack, 1)
	require.Equal(t, gpTypeFloat, c.stack.stack[0].regType)

	ops := progsFromARM64(first)
	require.Contains(t, ops, arm64.AMOVWU)
	movwCount := 0
	for _, op := range ops {
		if op == arm64.AMOVW {
			movwCount++
		}
	}
	require.Equal(t, 4, movwCount) // one store per lane, 16/4 lanes
	require.Contains(t, ops, arm64.AVLD1)
}

func TestARM64EmitMemorySizeAndGrowAreFullyImplemented(t *testing.T) {
	c := newTestARM64Compiler(t)
	c.EmitMemorySize(memir.MemoryImm{MemoryIndex: 0})
	require.Len(t, c.stack.stack, 1)

	delta := c.allocateRegister(gpTypeInt)
	pushFakeOperandARM64(c, gpTypeInt, delta)
	c.EmitMemoryGrow(memir.MemoryImm{MemoryIndex: 0})
	require.Len(t, c.stack.stack, 2)
}

func progsFromARM64(first *obj.Prog) []obj.As {
	var out []obj.As
	for p := first; p != nil; p = p.Link {
		out = append(out, p.As)
	}
	return out
}
