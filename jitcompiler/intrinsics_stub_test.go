package jitcompiler

import "github.com/vavrusa/wavm/memir"

// stubIntrinsics gives both the amd64 and arm64 backend tests a fixed,
// architecture-neutral set of call targets so the tests never depend on a
// real module-instantiation driver.
type stubIntrinsics struct{}

func (stubIntrinsics) MemoryGrow() memir.CallTarget           { return memir.CallTarget{Address: 0x1000} }
func (stubIntrinsics) MemorySize() memir.CallTarget           { return memir.CallTarget{Address: 0x1010} }
func (stubIntrinsics) MemoryInit() memir.CallTarget           { return memir.CallTarget{Address: 0x1020} }
func (stubIntrinsics) DataDrop() memir.CallTarget             { return memir.CallTarget{Address: 0x1030} }
func (stubIntrinsics) AtomicNotify() memir.CallTarget         { return memir.CallTarget{Address: 0x1040} }
func (stubIntrinsics) AtomicWait32() memir.CallTarget         { return memir.CallTarget{Address: 0x1050} }
func (stubIntrinsics) AtomicWait64() memir.CallTarget         { return memir.CallTarget{Address: 0x1060} }
func (stubIntrinsics) MisalignedAtomicTrap() memir.CallTarget { return memir.CallTarget{Address: 0x1070} }
