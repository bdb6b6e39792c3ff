//go:build amd64
// +build amd64

package jitcompiler

// This file lowers memir operations straight to amd64 machine code with
// golang-asm, the same way the teacher's jit_amd64.go lowers wazeroir
// operations: one method per opcode family on a compiler struct that holds
// an *asm.Builder and emits obj.Prog values directly, with no intervening
// SSA or IR optimization pass.

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/vavrusa/wavm/emitctx"
	"github.com/vavrusa/wavm/memir"
)

// reservedRegisterForRuntimeData holds a pointer to the current Context's
// runtime-data region, the same role reservedRegisterForEngine plays in the
// teacher's jit package. Every MemoryBaseSlot.RuntimeDataOffset is read
// relative to this register.
const reservedRegisterForRuntimeData = x86.REG_R14

var amd64Registers = registerPool{
	intRegisters: []int16{
		x86.REG_AX, x86.REG_CX, x86.REG_DX, x86.REG_BX,
		x86.REG_SI, x86.REG_DI, x86.REG_R8, x86.REG_R9,
		x86.REG_R10, x86.REG_R11, x86.REG_R12, x86.REG_R13,
	},
	floatRegisters: []int16{
		x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3,
		x86.REG_X4, x86.REG_X5, x86.REG_X6, x86.REG_X7,
		x86.REG_X8, x86.REG_X9, x86.REG_X10, x86.REG_X11,
	},
}

// amd64Compiler lowers one function's memory operations. It embeds the
// architecture-neutral *emitctx.Context and owns an amd64-specific operand
// stack, the same split the teacher keeps between wazeroir.CompilationResult
// and amd64Compiler.locationStack.
type amd64Compiler struct {
	*emitctx.Context
	builder *asm.Builder
	stack   *operandStack
	// scratchBytes bump-allocates the SP-relative scratch area used by
	// the §4.E lane-shuffle fallback; the function prologue (out of this
	// package's scope) must reserve at least this many bytes below SP.
	scratchBytes int64
}

func newAMD64Compiler(ctx *emitctx.Context) (*amd64Compiler, error) {
	b, err := asm.NewBuilder("amd64", 64)
	if err != nil {
		return nil, fmt.Errorf("jitcompiler: new amd64 builder: %w", err)
	}
	return &amd64Compiler{Context: ctx, builder: b, stack: newOperandStack()}, nil
}

func (c *amd64Compiler) newProg() *obj.Prog { return c.builder.NewProg() }

func (c *amd64Compiler) addInstruction(p *obj.Prog) { c.builder.AddInstruction(p) }

func (c *amd64Compiler) allocateRegister(t generalPurposeRegisterType) int16 {
	reg, ok := c.stack.takeFreeRegister(amd64Registers, t)
	if !ok {
		// Running out of registers inside a single memory-instruction
		// lowering would mean this package grew an opcode that needs more
		// operands live at once than any memory op actually does; there is
		// no spill path because none is needed.
		panic("jitcompiler: amd64 register file exhausted")
	}
	c.stack.markRegisterUsed(reg)
	return reg
}

// emitAddConst32 emits `ADDL reg, $c`, a 32-bit add that, on amd64, zero-
// extends its result into the full 64-bit register for free. This is the
// instruction spec §4.A relies on: reg must never be touched by a 64-bit or
// sign-extending add while accumulating a sandboxed address.
func (c *amd64Compiler) emitAddConst32(reg int16, v uint32) {
	p := c.newProg()
	p.As = x86.AADDL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(v)
	c.addInstruction(p)
}

// materializeBase loads memoryIndex's current base pointer into a fresh int
// register, consulting and refreshing the per-function base-pointer cache
// described in SPEC_FULL.md §2.3. Callers must not hold on to the returned
// register across anything that calls InvalidateBaseCache.
func (c *amd64Compiler) materializeBase(memoryIndex uint32) int16 {
	if v, ok := c.BaseCache().Lookup(memoryIndex); ok {
		return v.(int16)
	}
	slot := c.Module.Slot(memoryIndex)
	reg := c.allocateRegister(gpTypeInt)
	p := c.newProg()
	p.As = x86.AMOVQ
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = reservedRegisterForRuntimeData
	p.From.Offset = int64(slot.RuntimeDataOffset)
	c.addInstruction(p)
	c.BaseCache().Store(memoryIndex, reg)
	return reg
}

// InvalidateBaseCache must be called before emitting any intrinsic call
// (which may call memory.grow and move the base) and at the start of every
// memory-instruction lowering unit that doesn't itself guarantee the cache
// is still fresh.
func (c *amd64Compiler) InvalidateBaseCache() { c.BaseCache().Invalidate() }

// scalarLoadOpcode returns the load opcode for reading width bytes from
// memory into an integer register with conversion conv, mirroring the switch in the teacher's compileLoad/compileLoad8/16/32.
func scalarLoadOpcode(width memir.Width, conv memir.Conversion) obj.As {
	switch {
	case width == memir.Width1 && conv == memir.ConvZeroExtend:
		return x86.AMOVBQZX
	case width == memir.Width1 && conv == memir.ConvSignExtend:
		return x86.AMOVBQSX
	case width == memir.Width2 && conv == memir.ConvZeroExtend:
		return x86.AMOVWQZX
	case width == memir.Width2 && conv == memir.ConvSignExtend:
		return x86.AMOVWQSX
	case width == memir.Width4 && conv == memir.ConvZeroExtend:
		return x86.AMOVLQZX
	case width == memir.Width4 && conv == memir.ConvSignExtend:
		return x86.AMOVLQSX
	case width == memir.Width4:
		return x86.AMOVL
	case width == memir.Width8:
		return x86.AMOVQ
	default:
		panic("jitcompiler: unsupported scalar load width/conversion")
	}
}

func scalarStoreOpcode(width memir.Width) obj.As {
	switch width {
	case memir.Width1:
		return x86.AMOVB
	case memir.Width2:
		return x86.AMOVW
	case memir.Width4:
		return x86.AMOVL
	case memir.Width8:
		return x86.AMOVQ
	default:
		panic("jitcompiler: unsupported scalar store width")
	}
}

// EmitScalarLoad implements spec §4.C for the non-vector widths: pop the
// guest address off the operand stack, sandbox it (§4.A), materialize the
// owning memory's base pointer (§4.B), and move the value into a freshly
// allocated register of the right file. Never emits a dynamic bounds check;
// that is load-bearing on c.Reservation.Guaranteed, which this method (like
// every other memory-accessing Emit* method) checks before emitting.
func (c *amd64Compiler) EmitScalarLoad(imm memir.LoadOrStoreImm, width memir.Width, conv memir.Conversion, vt memir.ValueType) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit load without a guaranteed memory reservation")
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	isFloat := vt == memir.F32 || vt == memir.F64
	var dst int16
	opcode := scalarLoadOpcode(width, conv)
	if isFloat {
		dst = c.allocateRegister(gpTypeFloat)
		opcode = x86.AMOVSS
		if width == memir.Width8 {
			opcode = x86.AMOVSD
		}
	} else {
		dst = addr.register
	}

	p := c.newProg()
	p.As = opcode
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Index = addr.register
	p.From.Scale = 1
	c.addInstruction(p)

	if isFloat {
		c.stack.releaseRegister(addr)
		c.stack.pushOnRegister(gpTypeFloat, dst)
	} else {
		c.stack.pushOnRegister(gpTypeInt, dst)
	}
	return nil
}

// EmitScalarStore implements spec §4.C's store side: pop the value then the
// address, sandbox, materialize the base, and write width bytes. Wider
// source values are truncated by the narrower move, exactly as
// moveToMemory's AMOVB/AMOVW do in the teacher.
func (c *amd64Compiler) EmitScalarStore(imm memir.LoadOrStoreImm, width memir.Width) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit store without a guaranteed memory reservation")
	}
	val := c.stack.pop()
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	p := c.newProg()
	p.As = scalarStoreOpcode(width)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = val.register
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Index = addr.register
	p.To.Scale = 1
	c.addInstruction(p)

	c.stack.releaseRegister(val)
	c.stack.releaseRegister(addr)
	return nil
}

// EmitVectorLoad and EmitVectorStore implement the v128 case of §4.C with
// an unaligned 128-bit SSE move, matching how the teacher's float path uses
// AMOVL/AMOVQ on the X registers but widened to the full vector register.
func (c *amd64Compiler) EmitVectorLoad(imm memir.LoadOrStoreImm) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit load without a guaranteed memory reservation")
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)
	dst := c.allocateRegister(gpTypeFloat)

	p := c.newProg()
	p.As = x86.AMOVOU
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Index = addr.register
	p.From.Scale = 1
	c.addInstruction(p)

	c.stack.releaseRegister(addr)
	c.stack.pushOnRegister(gpTypeFloat, dst)
	return nil
}

func (c *amd64Compiler) EmitVectorStore(imm memir.LoadOrStoreImm) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit store without a guaranteed memory reservation")
	}
	val := c.stack.pop()
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	p := c.newProg()
	p.As = x86.AMOVOU
	p.From.Type = obj.TYPE_REG
	p.From.Reg = val.register
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Index = addr.register
	p.To.Scale = 1
	c.addInstruction(p)

	c.stack.releaseRegister(val)
	c.stack.releaseRegister(addr)
	return nil
}

// EmitLoadSplat implements vNxM.load_splat (memir.ConvSplat): load a single
// scalar of width bytes and broadcast it across every lane of a v128. There
// is no single SSE instruction for an arbitrary-width broadcast from memory,
// so the scalar is first replicated into an SP-relative scratch vector --
// one store per lane, the same byte-addressable-scratch trick
// EmitLoadInterleaved uses to get around SIMD registers not being
// byte-addressable -- and then that scratch is loaded as one AMOVOU, the
// same instruction EmitVectorLoad uses for a direct v128 load.
func (c *amd64Compiler) EmitLoadSplat(imm memir.LoadOrStoreImm, width memir.Width) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit load_splat without a guaranteed memory reservation")
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	scalar := c.allocateRegister(gpTypeInt)
	load := c.newProg()
	load.As = scalarLoadOpcode(width, memir.ConvZeroExtend)
	load.To.Type = obj.TYPE_REG
	load.To.Reg = scalar
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = base
	load.From.Index = addr.register
	load.From.Scale = 1
	c.addInstruction(load)
	c.stack.releaseRegister(addr)

	scratch := c.newStackScratch(memir.VectorWidth)
	lanes := memir.VectorWidth / int(width)
	for lane := 0; lane < lanes; lane++ {
		store := c.newProg()
		store.As = scalarStoreOpcode(width)
		store.From.Type = obj.TYPE_REG
		store.From.Reg = scalar
		store.To.Type = obj.TYPE_MEM
		store.To.Reg = x86.REG_SP
		store.To.Offset = scratch.offset + int64(lane*int(width))
		c.addInstruction(store)
	}
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: scalar})

	dst := c.allocateRegister(gpTypeFloat)
	c.emitVectorStackScratchToReg(scratch, 0, dst)
	c.stack.pushOnRegister(gpTypeFloat, dst)
	return nil
}

// emitCallTarget emits a call to an intrinsic, the amd64 analogue of the
// teacher's callBuiltinFunctionFromConstIndex. It invalidates the base
// cache unconditionally: every intrinsic this package calls can grow a
// memory.
func (c *amd64Compiler) emitCallTarget(target memir.CallTarget) {
	c.InvalidateBaseCache()
	scratch := c.allocateRegister(gpTypeInt)
	movAddr := c.newProg()
	movAddr.As = x86.AMOVQ
	movAddr.To.Type = obj.TYPE_REG
	movAddr.To.Reg = scratch
	if target.Indirect {
		movAddr.From.Type = obj.TYPE_CONST
		movAddr.From.Offset = target.TableIndex
	} else {
		movAddr.From.Type = obj.TYPE_CONST
		movAddr.From.Offset = int64(target.Address)
	}
	c.addInstruction(movAddr)

	call := c.newProg()
	call.As = obj.ACALL
	call.To.Type = obj.TYPE_REG
	call.To.Reg = scratch
	c.addInstruction(call)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: scratch})
}

// EmitMemorySize and EmitMemoryGrow implement the two intrinsic-backed
// non-load/store memory operations of component D. Both push x86.REG_AX
// directly, the register the System V AMD64 ABI returns a call's result
// in, the same way EmitAtomicCmpxchg pushes AX rather than moving it
// somewhere else first.
func (c *amd64Compiler) EmitMemorySize(imm memir.MemoryImm) {
	c.emitCallTarget(c.Module.Intrinsics.MemorySize())
	c.stack.pushOnRegister(gpTypeInt, x86.REG_AX)
}

func (c *amd64Compiler) EmitMemoryGrow(imm memir.MemoryImm) {
	c.stack.pop() // delta operand consumed by the intrinsic's calling convention
	c.emitCallTarget(c.Module.Intrinsics.MemoryGrow())
	c.stack.pushOnRegister(gpTypeInt, x86.REG_AX)
}

// emitJump emits a branch instruction of kind as and returns it so the
// caller can point it at a target Prog with To.SetTarget, without going
// through the builder's named-label map (these loops never leave the
// lowering unit that builds them, unlike the teacher's Wasm-level labels
// which can be the target of forward branches from anywhere in the
// function).
func (c *amd64Compiler) emitJump(as obj.As) *obj.Prog {
	p := c.newProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	c.addInstruction(p)
	return p
}

// EmitMemoryFill implements component D's fill as a counted byte loop:
//
//	top:   n == 0 ? done
//	       mem[base+dst] = value; dst++; n--; jmp top
//	done:
func (c *amd64Compiler) EmitMemoryFill(imm memir.MemoryImm) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit memory.fill without a guaranteed memory reservation")
	}
	n := c.stack.pop()
	value := c.stack.pop()
	dst := c.stack.pop()
	base := c.materializeBase(imm.MemoryIndex)

	top := c.newProg()
	top.As = x86.ACMPL
	top.From.Type = obj.TYPE_REG
	top.From.Reg = n.register
	top.To.Type = obj.TYPE_CONST
	top.To.Offset = 0
	c.addInstruction(top)

	exitJump := c.emitJump(x86.AJEQ)

	store := c.newProg()
	store.As = x86.AMOVB
	store.From.Type = obj.TYPE_REG
	store.From.Reg = value.register
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = base
	store.To.Index = dst.register
	store.To.Scale = 1
	c.addInstruction(store)

	c.emitAddConst32(dst.register, 1)
	decN := c.newProg()
	decN.As = x86.ASUBL
	decN.To.Type = obj.TYPE_REG
	decN.To.Reg = n.register
	decN.From.Type = obj.TYPE_CONST
	decN.From.Offset = 1
	c.addInstruction(decN)

	loopBack := c.emitJump(obj.AJMP)
	loopBack.To.SetTarget(top)

	exit := c.newProg()
	exit.As = obj.ANOP
	c.addInstruction(exit)
	exitJump.To.SetTarget(exit)

	c.stack.releaseRegister(n)
	c.stack.releaseRegister(value)
	c.stack.releaseRegister(dst)
	return nil
}

// EmitMemoryCopy implements component D's dynamic forward/reverse dispatch.
// Both memory indices resolve to the same owning buffer when sourceIdx ==
// destIdx, the only case where direction matters (spec §9); the source and
// destination indices are compared as unsigned 32-bit values (CMPL + JCS),
// which orders them the same way as their zero-extended 64-bit forms,
// matching jitcompiler.ChooseCopyDirection.
func (c *amd64Compiler) EmitMemoryCopy(imm memir.MemoryCopyImm) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit memory.copy without a guaranteed memory reservation")
	}
	n := c.stack.pop()
	src := c.stack.pop()
	dst := c.stack.pop()
	srcBase := c.materializeBase(imm.SourceMemoryIndex)
	dstBase := c.materializeBase(imm.DestMemoryIndex)

	cmp := c.newProg()
	cmp.As = x86.ACMPL
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = src.register
	cmp.To.Type = obj.TYPE_REG
	cmp.To.Reg = dst.register
	c.addInstruction(cmp)
	reverseJump := c.emitJump(x86.AJCS)

	forwardTop := c.newProg()
	forwardTop.As = obj.ANOP
	c.addInstruction(forwardTop)
	c.emitCopyLoopBody(dstBase, dst.register, srcBase, src.register, n.register, false)
	doneJump := c.emitJump(obj.AJMP)

	reverseTop := c.newProg()
	reverseTop.As = obj.ANOP
	c.addInstruction(reverseTop)
	reverseJump.To.SetTarget(reverseTop)
	c.emitCopyLoopBody(dstBase, dst.register, srcBase, src.register, n.register, true)

	done := c.newProg()
	done.As = obj.ANOP
	c.addInstruction(done)
	doneJump.To.SetTarget(done)

	c.stack.releaseRegister(n)
	c.stack.releaseRegister(src)
	c.stack.releaseRegister(dst)
	return nil
}

// emitAddRegToReg emits `ADDL src, dst` (dst += src), the register-operand
// counterpart of emitAddConst32, used to bias the reverse copy loop's
// address registers by the element count before entering the loop.
func (c *amd64Compiler) emitAddRegToReg(dst, src int16) {
	p := c.newProg()
	p.As = x86.AADDL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	c.addInstruction(p)
}

// emitCopyLoopBody emits a single counted byte-copy loop, running forward
// (index 0..n-1, addressed by the live srcReg/dstReg) or reverse. A
// golang-asm memory operand can't encode a base plus two live index
// registers (one for the element address, one for the remaining count), so
// the reverse loop instead biases srcReg/dstReg one element past the end
// before the loop starts, then pre-decrements them each iteration and
// indexes memory by the same biased registers the forward loop uses,
// never by the counter.
func (c *amd64Compiler) emitCopyLoopBody(dstBase, dstReg, srcBase, srcReg, nReg int16, reverse bool) {
	scratch := c.allocateRegister(gpTypeInt)

	if reverse {
		c.emitAddRegToReg(srcReg, nReg)
		c.emitAddRegToReg(dstReg, nReg)
	}

	top := c.newProg()
	top.As = x86.ACMPL
	top.From.Type = obj.TYPE_REG
	top.From.Reg = nReg
	top.To.Type = obj.TYPE_CONST
	top.To.Offset = 0
	c.addInstruction(top)
	exitJump := c.emitJump(x86.AJEQ)

	if reverse {
		c.emitAddConst32(srcReg, ^uint32(0)) // srcReg -= 1, wrapping like a 32-bit DECL
		c.emitAddConst32(dstReg, ^uint32(0)) // dstReg -= 1
	}

	load := c.newProg()
	load.As = x86.AMOVB
	load.To.Type = obj.TYPE_REG
	load.To.Reg = scratch
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = srcBase
	load.From.Index = srcReg
	load.From.Scale = 1
	c.addInstruction(load)

	store := c.newProg()
	store.As = x86.AMOVB
	store.From.Type = obj.TYPE_REG
	store.From.Reg = scratch
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = dstBase
	store.To.Index = dstReg
	store.To.Scale = 1
	c.addInstruction(store)

	if !reverse {
		c.emitAddConst32(srcReg, 1)
		c.emitAddConst32(dstReg, 1)
	}
	dec := c.newProg()
	dec.As = x86.ASUBL
	dec.To.Type = obj.TYPE_REG
	dec.To.Reg = nReg
	dec.From.Type = obj.TYPE_CONST
	dec.From.Offset = 1
	c.addInstruction(dec)

	loopBack := c.emitJump(obj.AJMP)
	loopBack.To.SetTarget(top)

	exit := c.newProg()
	exit.As = obj.ANOP
	c.addInstruction(exit)
	exitJump.To.SetTarget(exit)

	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: scratch})
}

// EmitMemoryInit and EmitDataDrop are pure intrinsic calls: the segment
// table lives in the Instance, not in anything this package's lowering can
// reach directly, so they are forwarded exactly as memory.grow is.
func (c *amd64Compiler) EmitMemoryInit(imm memir.DataSegmentAndMemImm) {
	c.emitCallTarget(c.Module.Intrinsics.MemoryInit())
	c.stack.pop() // n
	c.stack.pop() // src
	c.stack.pop() // dst
}

func (c *amd64Compiler) EmitDataDrop(imm memir.DataSegmentImm) {
	c.emitCallTarget(c.Module.Intrinsics.DataDrop())
}

// emitAlignmentTrap checks the effective address's (addr + staticOffset)
// low bits against the access width and calls the misaligned-atomic
// intrinsic if they're set, implementing spec §4.F's alignment
// precondition. addr here is the pre-sandbox 32-bit guest address; adding a
// page-aligned base never changes the low bits the mask tests, but the
// static offset is not guaranteed to be width-aligned, so it must be folded
// in before the test rather than checking addr alone.
func (c *amd64Compiler) emitAlignmentTrap(addrReg int16, offset uint32, width memir.Width) {
	mask := uint32(width) - 1
	if mask == 0 {
		return
	}
	effective := addrReg
	if offset != 0 {
		effective = c.allocateRegister(gpTypeInt)
		mov := c.newProg()
		mov.As = x86.AMOVL
		mov.To.Type = obj.TYPE_REG
		mov.To.Reg = effective
		mov.From.Type = obj.TYPE_REG
		mov.From.Reg = addrReg
		c.addInstruction(mov)
		c.emitAddConst32(effective, offset)
	}
	test := c.newProg()
	test.As = x86.ATESTL
	test.From.Type = obj.TYPE_CONST
	test.From.Offset = int64(mask)
	test.To.Type = obj.TYPE_REG
	test.To.Reg = effective
	c.addInstruction(test)
	okJump := c.emitJump(x86.AJEQ)
	c.emitCallTarget(c.Module.Intrinsics.MisalignedAtomicTrap())
	ok := c.newProg()
	ok.As = obj.ANOP
	c.addInstruction(ok)
	okJump.To.SetTarget(ok)
	if offset != 0 {
		c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: effective})
	}
}

// EmitAtomicLoad and EmitAtomicStore implement component F's plain
// sequentially-consistent load/store: on amd64 a naturally-aligned MOV is
// already sequentially consistent for loads, and a MOV to memory followed
// by the total store ordering amd64 already provides is sequentially
// consistent for stores, so no LOCK prefix is needed for either (only the
// RMW operations below require one).
func (c *amd64Compiler) EmitAtomicLoad(imm memir.LoadOrStoreImm, width memir.Width, vt memir.ValueType) error {
	addr := c.stack.stack[len(c.stack.stack)-1]
	c.emitAlignmentTrap(addr.register, imm.Offset, width)
	return c.EmitScalarLoad(imm, width, memir.ConvZeroExtend, vt)
}

func (c *amd64Compiler) EmitAtomicStore(imm memir.LoadOrStoreImm, width memir.Width) error {
	addr := c.stack.stack[len(c.stack.stack)-2]
	c.emitAlignmentTrap(addr.register, imm.Offset, width)
	return c.EmitScalarStore(imm, width)
}

func rmwOpcode(op memir.AtomicRMWOp, width memir.Width) obj.As {
	switch op {
	case memir.RMWAdd:
		switch width {
		case memir.Width1:
			return x86.AXADDB
		case memir.Width2:
			return x86.AXADDW
		case memir.Width8:
			return x86.AXADDQ
		default:
			return x86.AXADDL
		}
	case memir.RMWXchg:
		switch width {
		case memir.Width1:
			return x86.AXCHGB
		case memir.Width2:
			return x86.AXCHGW
		case memir.Width8:
			return x86.AXCHGQ
		default:
			return x86.AXCHGL
		}
	default:
		// Sub/And/Or/Xor have no single-instruction x86 RMW form with a
		// fetch-old-value result; they are lowered as an LOCK CMPXCHG
		// retry loop by EmitAtomicRMW instead of through this table.
		panic("jitcompiler: rmwOpcode called for a CMPXCHG-loop operation")
	}
}

// movOpcodeForWidth picks the plain register-to-register/memory MOV variant
// matching width, used by the CMPXCHG retry loop so its traffic never spans
// more bytes than the guest access it is lowering.
func movOpcodeForWidth(width memir.Width) obj.As {
	switch width {
	case memir.Width1:
		return x86.AMOVB
	case memir.Width2:
		return x86.AMOVW
	case memir.Width8:
		return x86.AMOVQ
	default:
		return x86.AMOVL
	}
}

// cmpxchgOpcodeForWidth picks the LOCK CMPXCHG variant matching width.
func cmpxchgOpcodeForWidth(width memir.Width) obj.As {
	switch width {
	case memir.Width1:
		return x86.ACMPXCHGB
	case memir.Width2:
		return x86.ACMPXCHGW
	case memir.Width8:
		return x86.ACMPXCHGQ
	default:
		return x86.ACMPXCHGL
	}
}

// rmwAluOpcode picks the width-specific ALU opcode for the CMPXCHG retry
// loop's sub/and/or/xor operations.
func rmwAluOpcode(op memir.AtomicRMWOp, width memir.Width) obj.As {
	switch op {
	case memir.RMWSub:
		switch width {
		case memir.Width1:
			return x86.ASUBB
		case memir.Width2:
			return x86.ASUBW
		case memir.Width8:
			return x86.ASUBQ
		default:
			return x86.ASUBL
		}
	case memir.RMWAnd:
		switch width {
		case memir.Width1:
			return x86.AANDB
		case memir.Width2:
			return x86.AANDW
		case memir.Width8:
			return x86.AANDQ
		default:
			return x86.AANDL
		}
	case memir.RMWOr:
		switch width {
		case memir.Width1:
			return x86.AORB
		case memir.Width2:
			return x86.AORW
		case memir.Width8:
			return x86.AORQ
		default:
			return x86.AORL
		}
	case memir.RMWXor:
		switch width {
		case memir.Width1:
			return x86.AXORB
		case memir.Width2:
			return x86.AXORW
		case memir.Width8:
			return x86.AXORQ
		default:
			return x86.AXORL
		}
	default:
		panic("jitcompiler: rmwAluOpcode called for a non-ALU RMW op")
	}
}

// EmitAtomicRMW implements component F's fetch-and-modify operations.
// add/xchg have direct LOCK-prefixed x86 instructions; the rest (sub, and,
// or, xor) are lowered as a LOCK CMPXCHG compare-and-swap retry loop, the
// standard amd64 idiom for RMW ops without a dedicated instruction.
func (c *amd64Compiler) EmitAtomicRMW(imm memir.LoadOrStoreImm, op memir.AtomicRMWOp, width memir.Width) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit atomic rmw without a guaranteed memory reservation")
	}
	operand := c.stack.pop()
	addr := c.stack.pop()
	c.emitAlignmentTrap(addr.register, imm.Offset, width)
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	switch op {
	case memir.RMWAdd, memir.RMWXchg:
		lock := c.newProg()
		lock.As = x86.ALOCK
		c.addInstruction(lock)
		p := c.newProg()
		p.As = rmwOpcode(op, width)
		p.From.Type = obj.TYPE_REG
		p.From.Reg = operand.register
		p.To.Type = obj.TYPE_MEM
		p.To.Reg = base
		p.To.Index = addr.register
		p.To.Scale = 1
		c.addInstruction(p)
		c.stack.releaseRegister(addr)
		c.stack.pushOnRegister(gpTypeInt, operand.register)
		return nil
	default:
		return c.emitCmpxchgRMWLoop(base, addr, operand, op, width)
	}
}

// emitCmpxchgRMWLoop implements sub/and/or/xor as:
//
//	retry: old := mem[addr]            ; MOV
//	       new := old OP operand        ; SUB/AND/OR/XOR
//	       cmpxchg mem[addr], new, old  ; LOCK CMPXCHG, expected in AX
//	       jnz retry
//	       push old
func (c *amd64Compiler) emitCmpxchgRMWLoop(base int16, addr, operand *operandLocation, op memir.AtomicRMWOp, width memir.Width) error {
	old := x86.REG_AX
	newVal := c.allocateRegister(gpTypeInt)

	retry := c.newProg()
	retry.As = scalarLoadOpcode(width, memir.ConvZeroExtend)
	retry.To.Type = obj.TYPE_REG
	retry.To.Reg = int16(old)
	retry.From.Type = obj.TYPE_MEM
	retry.From.Reg = base
	retry.From.Index = addr.register
	retry.From.Scale = 1
	c.addInstruction(retry)

	mov := c.newProg()
	mov.As = movOpcodeForWidth(width)
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = newVal
	mov.From.Type = obj.TYPE_REG
	mov.From.Reg = int16(old)
	c.addInstruction(mov)

	aluProg := c.newProg()
	aluProg.As = rmwAluOpcode(op, width)
	aluProg.To.Type = obj.TYPE_REG
	aluProg.To.Reg = newVal
	aluProg.From.Type = obj.TYPE_REG
	aluProg.From.Reg = operand.register
	c.addInstruction(aluProg)

	lock := c.newProg()
	lock.As = x86.ALOCK
	c.addInstruction(lock)
	cmpxchg := c.newProg()
	cmpxchg.As = cmpxchgOpcodeForWidth(width)
	cmpxchg.From.Type = obj.TYPE_REG
	cmpxchg.From.Reg = newVal
	cmpxchg.To.Type = obj.TYPE_MEM
	cmpxchg.To.Reg = base
	cmpxchg.To.Index = addr.register
	cmpxchg.To.Scale = 1
	c.addInstruction(cmpxchg)

	retryJump := c.emitJump(x86.AJNE)
	retryJump.To.SetTarget(retry)

	c.stack.releaseRegister(addr)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: newVal})
	c.stack.pushOnRegister(gpTypeInt, int16(old))
	return nil
}

// EmitAtomicCmpxchg implements atomic.rmw.cmpxchg directly with a single
// LOCK CMPXCHG, with the expected value pre-loaded into AX per the x86
// calling convention for that instruction.
func (c *amd64Compiler) EmitAtomicCmpxchg(imm memir.LoadOrStoreImm, width memir.Width) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit atomic cmpxchg without a guaranteed memory reservation")
	}
	replacement := c.stack.pop()
	expected := c.stack.pop()
	addr := c.stack.pop()
	c.emitAlignmentTrap(addr.register, imm.Offset, width)
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	movExpected := c.newProg()
	movExpected.As = x86.AMOVQ
	movExpected.To.Type = obj.TYPE_REG
	movExpected.To.Reg = x86.REG_AX
	movExpected.From.Type = obj.TYPE_REG
	movExpected.From.Reg = expected.register
	c.addInstruction(movExpected)

	lock := c.newProg()
	lock.As = x86.ALOCK
	c.addInstruction(lock)
	cmpxchg := c.newProg()
	cmpxchg.As = cmpxchgOpcodeForWidth(width)
	cmpxchg.From.Type = obj.TYPE_REG
	cmpxchg.From.Reg = replacement.register
	cmpxchg.To.Type = obj.TYPE_MEM
	cmpxchg.To.Reg = base
	cmpxchg.To.Index = addr.register
	cmpxchg.To.Scale = 1
	c.addInstruction(cmpxchg)

	c.stack.releaseRegister(expected)
	c.stack.releaseRegister(replacement)
	c.stack.releaseRegister(addr)
	c.stack.pushOnRegister(gpTypeInt, x86.REG_AX)
	return nil
}

// EmitAtomicFence implements atomic.fence. On amd64 it needs no
// instruction at all when the requested order is SeqCst, since every
// other atomic this package emits (LOCK-prefixed RMWs, and ordinary loads
// and stores, which are already totally ordered on x86-TSO) already
// provides the ordering a fence would add; this mirrors the teacher's
// general pattern of only emitting instructions that have an observable
// effect. Any other order is rejected by panicking before anything is
// emitted.
func (c *amd64Compiler) EmitAtomicFence(imm memir.AtomicFenceImm) {
	if imm.Order != memir.SeqCst {
		panic("jitcompiler: amd64: atomic.fence with a non-seq-cst memory order")
	}
}

// EmitAtomicWait32/64 and EmitAtomicNotify forward straight to the runtime
// intrinsics; the wait queue itself belongs to the compartment runtime,
// not to codegen.
func (c *amd64Compiler) EmitAtomicWait32() {
	c.emitCallTarget(c.Module.Intrinsics.AtomicWait32())
	c.stack.pop()
	c.stack.pop()
	c.stack.pop()
	c.stack.pushOnRegister(gpTypeInt, x86.REG_AX)
}

func (c *amd64Compiler) EmitAtomicWait64() {
	c.emitCallTarget(c.Module.Intrinsics.AtomicWait64())
	c.stack.pop()
	c.stack.pop()
	c.stack.pop()
	c.stack.pushOnRegister(gpTypeInt, x86.REG_AX)
}

func (c *amd64Compiler) EmitAtomicNotify() {
	c.emitCallTarget(c.Module.Intrinsics.AtomicNotify())
	c.stack.pop()
	c.stack.pop()
	c.stack.pushOnRegister(gpTypeInt, x86.REG_AX)
}

// EmitLoadInterleaved and EmitStoreInterleaved implement §4.E's scalar
// fallback: rather than materializing any shuffle, every lane is moved one
// at a time through a scratch general-purpose register between the K
// source vectors (resident in float registers, spilled to a scratch stack
// slot so they're byte-addressable) and the K destination vectors. This is
// the "elsewhere" branch of §4.E, used unconditionally on both amd64 and
// arm64 since neither golang-asm target exposes the native multi-register
// interleaved-load/store shapes (PSHUFB-based lane shuffles on amd64, the
// ld2/ld3/ld4 family on arm64) to lower to.
//
// k is the vector count K (2, 3, or 4); laneWidth is the element width.
func (c *amd64Compiler) EmitLoadInterleaved(imm memir.LoadOrStoreImm, k int, laneWidth memir.LaneWidth) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit interleaved load without a guaranteed memory reservation")
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	srcScratch := c.newStackScratch(k * memir.VectorWidth)
	for v := 0; v < k; v++ {
		c.emitVectorMemToStackScratch(base, addr.register, v*memir.VectorWidth, srcScratch, v*memir.VectorWidth)
	}
	c.stack.releaseRegister(addr)

	dstScratch := c.newStackScratch(k * memir.VectorWidth)
	c.emitLaneShuffle(srcScratch, dstScratch, k, laneWidth, deinterleaveIndexing)

	outs := make([]int16, k)
	for o := 0; o < k; o++ {
		reg := c.allocateRegister(gpTypeFloat)
		c.emitVectorStackScratchToReg(dstScratch, o*memir.VectorWidth, reg)
		outs[o] = reg
	}
	for o := 0; o < k; o++ {
		c.stack.pushOnRegister(gpTypeFloat, outs[o])
	}
	return nil
}

func (c *amd64Compiler) EmitStoreInterleaved(imm memir.LoadOrStoreImm, k int, laneWidth memir.LaneWidth) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: amd64: cannot emit interleaved store without a guaranteed memory reservation")
	}
	// Popped in LIFO order, which is the reverse of the push (logical k)
	// order; reindex before driving the shared lane-shuffle helper so its
	// formula sees inputs[k] in logical order, as jitcompiler.InterleaveStore
	// requires.
	popped := make([]int16, k)
	for i := 0; i < k; i++ {
		popped[i] = c.stack.pop().register
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	srcScratch := c.newStackScratch(k * memir.VectorWidth)
	for i := 0; i < k; i++ {
		logicalK := k - 1 - i
		c.emitVectorRegToStackScratch(popped[i], srcScratch, logicalK*memir.VectorWidth)
	}

	dstScratch := c.newStackScratch(k * memir.VectorWidth)
	c.emitLaneShuffle(srcScratch, dstScratch, k, laneWidth, interleaveIndexing)

	for o := 0; o < k; o++ {
		c.emitStackScratchToVectorMem(dstScratch, o*memir.VectorWidth, base, addr.register, o*memir.VectorWidth)
	}

	for _, r := range popped {
		c.stack.releaseRegister(&operandLocation{regType: gpTypeFloat, register: r})
	}
	c.stack.releaseRegister(addr)
	return nil
}

// stackScratch is an SP-relative scratch region big enough to hold k
// vectors, byte-addressable the way no SIMD register is without a real
// shuffle instruction.
type stackScratch struct {
	offset int64
}

func (c *amd64Compiler) newStackScratch(size int) stackScratch {
	s := stackScratch{offset: c.scratchBytes}
	c.scratchBytes += int64(size)
	return s
}

func (c *amd64Compiler) emitVectorMemToStackScratch(base, indexReg int16, srcOffset int, scratch stackScratch, dstOffset int) {
	tmp := c.allocateRegister(gpTypeFloat)
	load := c.newProg()
	load.As = x86.AMOVOU
	load.To.Type = obj.TYPE_REG
	load.To.Reg = tmp
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = base
	load.From.Index = indexReg
	load.From.Scale = 1
	load.From.Offset = int64(srcOffset)
	c.addInstruction(load)

	store := c.newProg()
	store.As = x86.AMOVOU
	store.From.Type = obj.TYPE_REG
	store.From.Reg = tmp
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = x86.REG_SP
	store.To.Offset = scratch.offset + int64(dstOffset)
	c.addInstruction(store)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeFloat, register: tmp})
}

func (c *amd64Compiler) emitVectorRegToStackScratch(reg int16, scratch stackScratch, offset int) {
	store := c.newProg()
	store.As = x86.AMOVOU
	store.From.Type = obj.TYPE_REG
	store.From.Reg = reg
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = x86.REG_SP
	store.To.Offset = scratch.offset + int64(offset)
	c.addInstruction(store)
}

func (c *amd64Compiler) emitVectorStackScratchToReg(scratch stackScratch, offset int, dst int16) {
	load := c.newProg()
	load.As = x86.AMOVOU
	load.To.Type = obj.TYPE_REG
	load.To.Reg = dst
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = x86.REG_SP
	load.From.Offset = scratch.offset + int64(offset)
	c.addInstruction(load)
}

func (c *amd64Compiler) emitStackScratchToVectorMem(scratch stackScratch, srcOffset int, base, indexReg int16, dstOffset int) {
	tmp := c.allocateRegister(gpTypeFloat)
	load := c.newProg()
	load.As = x86.AMOVOU
	load.To.Type = obj.TYPE_REG
	load.To.Reg = tmp
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = x86.REG_SP
	load.From.Offset = scratch.offset + int64(srcOffset)
	c.addInstruction(load)

	store := c.newProg()
	store.As = x86.AMOVOU
	store.From.Type = obj.TYPE_REG
	store.From.Reg = tmp
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = base
	store.To.Index = indexReg
	store.To.Scale = 1
	store.To.Offset = int64(dstOffset)
	c.addInstruction(store)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeFloat, register: tmp})
}

// shuffleIndexing selects which of §4.E's two index formulas
// emitLaneShuffle applies.
type shuffleIndexing int

const (
	deinterleaveIndexing shuffleIndexing = iota
	interleaveIndexing
)

func laneMoveOpcode(l memir.LaneWidth) obj.As {
	switch l {
	case memir.Lanes8:
		return x86.AMOVB
	case memir.Lanes16:
		return x86.AMOVW
	case memir.Lanes32:
		return x86.AMOVL
	case memir.Lanes64:
		return x86.AMOVQ
	default:
		panic("jitcompiler: unsupported lane width")
	}
}

// emitLaneShuffle moves every lane between two scratch regions one at a
// time, applying the same index arithmetic as jitcompiler.DeinterleaveLoad
// and jitcompiler.InterleaveStore, but as compile-time-unrolled MOVs
// instead of a runtime loop: k and lanes are always known at compile time
// (k ≤ 4, lanes ≤ 16), so there is no need for a counted loop here the way
// EmitMemoryCopy needs one for its runtime-determined length.
func (c *amd64Compiler) emitLaneShuffle(src, dst stackScratch, k int, laneWidth memir.LaneWidth, mode shuffleIndexing) {
	laneBytes := int(laneWidth) / 8
	lanes := laneWidth.LaneCount()
	op := laneMoveOpcode(laneWidth)
	scratch := c.allocateRegister(gpTypeInt)

	for outIdx := 0; outIdx < k; outIdx++ {
		for j := 0; j < lanes; j++ {
			var srcVec, srcLane int
			switch mode {
			case deinterleaveIndexing:
				linear := j*k + outIdx
				srcVec, srcLane = linear/lanes, linear%lanes
			case interleaveIndexing:
				linear := outIdx*lanes + j
				srcVec, srcLane = linear%k, linear/k
			}
			srcByteOff := srcVec*memir.VectorWidth + srcLane*laneBytes
			dstByteOff := outIdx*memir.VectorWidth + j*laneBytes

			load := c.newProg()
			load.As = op
			load.To.Type = obj.TYPE_REG
			load.To.Reg = scratch
			load.From.Type = obj.TYPE_MEM
			load.From.Reg = x86.REG_SP
			load.From.Offset = src.offset + int64(srcByteOff)
			c.addInstruction(load)

			store := c.newProg()
			store.As = op
			store.From.Type = obj.TYPE_REG
			store.From.Reg = scratch
			store.To.Type = obj.TYPE_MEM
			store.To.Reg = x86.REG_SP
			store.To.Offset = dst.offset + int64(dstByteOff)
			c.addInstruction(store)
		}
	}
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: scratch})
}
