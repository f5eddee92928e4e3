package amd64

import (
	"github.com/tetratelabs/nativepatch/codeseg"
	"github.com/tetratelabs/nativepatch/internal/buildoptions"
)

const (
	returnInstructionCode  = 0xc3
	returnXInstructionCode = 0xc2

	// ReturnSize is the size of `ret`.
	ReturnSize = 1
	// ReturnXSize is the size of `ret imm16`, the opcode included.
	ReturnXSize = 3
)

// Safepoint polls are `test [reg], eax`: opcode 85 with ModRM.reg selecting rax.
const (
	testRegMemInstructionCode = 0x85
	testRegMemModRMMask       = 0x38
	testRegMemModRMReg        = 0x00
)

var illegalInstructionBytes = [2]byte{0x0f, 0x0b}

const (
	// IllegalInstructionSize is the size of ud2.
	IllegalInstructionSize = len(illegalInstructionBytes)

	deoptInstructionPrefix = 0x0f
	deoptInstructionCode   = 0xff
	// deoptInstructionModRM is a placeholder. 0F FF raises #UD whatever ModRM follows.
	deoptInstructionModRM = 0x00

	// DeoptInstructionSize is the size of the deoptimization trap.
	DeoptInstructionSize = 3
)

// Return is a view of `ret`.
type Return struct {
	Instruction
}

// ReturnAt returns the Return at addr. The bytes are verified only in checked builds.
func ReturnAt(seg *codeseg.Segment, addr uintptr) Return {
	r := Return{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(r.Verify())
	}
	return r
}

// TryReturnAt returns the Return at addr, or an error wrapping ErrShapeMismatch.
func TryReturnAt(seg *codeseg.Segment, addr uintptr) (Return, error) {
	r := Return{InstructionAt(seg, addr)}
	if err := r.Verify(); err != nil {
		return Return{}, err
	}
	return r, nil
}

// Verify returns an error wrapping ErrShapeMismatch unless the byte is `ret`.
func (r Return) Verify() error {
	if !r.bytesEqual(0, returnInstructionCode) {
		return shapeMismatch(r.addr, "not a ret")
	}
	return nil
}

// Size returns ReturnSize.
func (Return) Size() int {
	return ReturnSize
}

// ReturnX is a view of `ret imm16`, which also pops the given number of bytes of arguments.
type ReturnX struct {
	Instruction
}

// ReturnXAt returns the ReturnX at addr. The bytes are verified only in checked builds.
func ReturnXAt(seg *codeseg.Segment, addr uintptr) ReturnX {
	r := ReturnX{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(r.Verify())
	}
	return r
}

// TryReturnXAt returns the ReturnX at addr, or an error wrapping ErrShapeMismatch.
func TryReturnXAt(seg *codeseg.Segment, addr uintptr) (ReturnX, error) {
	r := ReturnX{InstructionAt(seg, addr)}
	if err := r.Verify(); err != nil {
		return ReturnX{}, err
	}
	return r, nil
}

// Verify returns an error wrapping ErrShapeMismatch unless the bytes are `ret imm16`.
func (r ReturnX) Verify() error {
	if !r.bytesEqual(0, returnXInstructionCode) || !r.available(ReturnXSize) {
		return shapeMismatch(r.addr, "not a ret imm16")
	}
	return nil
}

// Size returns ReturnXSize.
func (ReturnX) Size() int {
	return ReturnXSize
}

// PopCount returns the number of bytes popped after the return address.
func (r ReturnX) PopCount() uint16 {
	return r.seg.Uint16(r.addrAt(1))
}

// IllegalInstruction is a view of ud2.
type IllegalInstruction struct {
	Instruction
}

// IllegalInstructionAt returns the IllegalInstruction at addr. The bytes are verified only in checked builds.
func IllegalInstructionAt(seg *codeseg.Segment, addr uintptr) IllegalInstruction {
	i := IllegalInstruction{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(i.Verify())
	}
	return i
}

// TryIllegalInstructionAt returns the IllegalInstruction at addr, or an error wrapping ErrShapeMismatch.
func TryIllegalInstructionAt(seg *codeseg.Segment, addr uintptr) (IllegalInstruction, error) {
	i := IllegalInstruction{InstructionAt(seg, addr)}
	if err := i.Verify(); err != nil {
		return IllegalInstruction{}, err
	}
	return i, nil
}

// Verify returns an error wrapping ErrShapeMismatch unless the bytes are ud2.
func (i IllegalInstruction) Verify() error {
	if !i.IsIllegal() {
		return shapeMismatch(i.addr, "not a ud2")
	}
	return nil
}

// NextInstructionAddress returns the address following the trap.
func (i IllegalInstruction) NextInstructionAddress() uintptr {
	return i.addrAt(IllegalInstructionSize)
}

// InsertIllegal overwrites the first bytes at addr with ud2 while other threads may be executing them.
func InsertIllegal(seg *codeseg.Segment, addr uintptr) {
	ReplaceMTSafe(seg, addr, illegalInstructionBytes[:])
}

// DeoptInstruction is a view of the deoptimization trap, `0F FF /r`.
type DeoptInstruction struct {
	Instruction
}

// DeoptInstructionAt returns the DeoptInstruction at addr. The bytes are verified only in checked builds.
func DeoptInstructionAt(seg *codeseg.Segment, addr uintptr) DeoptInstruction {
	d := DeoptInstruction{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(d.Verify())
	}
	return d
}

// TryDeoptInstructionAt returns the DeoptInstruction at addr, or an error wrapping ErrShapeMismatch.
func TryDeoptInstructionAt(seg *codeseg.Segment, addr uintptr) (DeoptInstruction, error) {
	d := DeoptInstruction{InstructionAt(seg, addr)}
	if err := d.Verify(); err != nil {
		return DeoptInstruction{}, err
	}
	return d, nil
}

// IsDeoptAt returns true if the deoptimization trap starts at addr.
func IsDeoptAt(seg *codeseg.Segment, addr uintptr) bool {
	return InstructionAt(seg, addr).IsDeopt()
}

// Verify returns an error wrapping ErrShapeMismatch unless the bytes are the deoptimization trap.
func (d DeoptInstruction) Verify() error {
	if !d.IsDeopt() || !d.available(DeoptInstructionSize) {
		return shapeMismatch(d.addr, "not a deoptimization instruction")
	}
	return nil
}

// InstructionAddress returns the address of the trap.
func (d DeoptInstruction) InstructionAddress() uintptr {
	return d.addr
}

// NextInstructionAddress returns the address following the trap.
func (d DeoptInstruction) NextInstructionAddress() uintptr {
	return d.addrAt(DeoptInstructionSize)
}

// InsertDeopt overwrites the first bytes at addr with the deoptimization trap while other threads may be
// executing them.
func InsertDeopt(seg *codeseg.Segment, addr uintptr) {
	ReplaceMTSafe(seg, addr, []byte{deoptInstructionPrefix, deoptInstructionCode, deoptInstructionModRM})
}
