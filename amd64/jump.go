package amd64

import (
	"encoding/binary"

	"github.com/tetratelabs/nativepatch/codeseg"
	"github.com/tetratelabs/nativepatch/internal/buildoptions"
)

const (
	jumpInstructionCode      = 0xe9
	shortJumpInstructionCode = 0xeb
	jumpDataOffset           = 1
	jumpSelfDisplacement     = -JumpSize

	// JumpSize is the size of `jmp rel32`.
	JumpSize = 5
)

// UnresolvedDestination is the destination of a jump to itself, which is how jumps whose target is not known
// yet are emitted.
const UnresolvedDestination = ^uintptr(0)

// Jump is a view of `jmp rel32`, or of the `mov r64, imm64; jmp r64` pair used for far jumps.
type Jump struct {
	Instruction
}

// JumpAt returns the Jump at addr. The bytes are verified only in checked builds.
func JumpAt(seg *codeseg.Segment, addr uintptr) Jump {
	j := Jump{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(j.Verify())
	}
	return j
}

// TryJumpAt returns the Jump at addr, or an error wrapping ErrShapeMismatch.
func TryJumpAt(seg *codeseg.Segment, addr uintptr) (Jump, error) {
	j := Jump{InstructionAt(seg, addr)}
	if err := j.Verify(); err != nil {
		return Jump{}, err
	}
	return j, nil
}

// Verify returns an error wrapping ErrShapeMismatch unless the bytes are `jmp rel32`, or a far jump.
func (j Jump) Verify() error {
	if j.bytesEqual(0, jumpInstructionCode) {
		if !j.available(JumpSize) {
			return shapeMismatch(j.addr, "truncated jump")
		}
		return nil
	}
	mov := MovConstReg{j.Instruction}
	if mov.Verify() != nil || !InstructionAt(j.seg, mov.NextInstructionAddress()).IsJumpReg() {
		return shapeMismatch(j.addr, "not a jump instruction")
	}
	return nil
}

// IsFar returns whether this is the `mov r64, imm64; jmp r64` form. Its destination is the literal of the
// MovConstReg at the same address; the accessors below apply to `jmp rel32` only.
func (j Jump) IsFar() bool {
	return !j.bytesEqual(0, jumpInstructionCode)
}

// InstructionAddress returns the address of the opcode.
func (j Jump) InstructionAddress() uintptr {
	return j.addr
}

// NextInstructionAddress returns the address following the displacement.
func (j Jump) NextInstructionAddress() uintptr {
	return j.addrAt(JumpSize)
}

// Destination returns the jump target, or UnresolvedDestination for a jump to itself.
func (j Jump) Destination() uintptr {
	dest := offsetBy(j.NextInstructionAddress(), int64(j.int32At(jumpDataOffset)))
	if dest == j.addr {
		return UnresolvedDestination
	}
	return dest
}

// displacementTo returns the rel32 for dest. UnresolvedDestination encodes as a jump to itself.
func (j Jump) displacementTo(dest uintptr) int32 {
	if dest == UnresolvedDestination {
		return jumpSelfDisplacement
	}
	disp, ok := rel32(j.NextInstructionAddress(), dest)
	if !ok {
		fatal(ErrDisplacementRange, "jump at %#x cannot reach %#x", j.addr, dest)
	}
	return disp
}

// SetDestination stores the displacement to dest with a plain store. This panics with ErrDisplacementRange
// if dest is not reachable.
func (j Jump) SetDestination(dest uintptr) {
	j.setInt32At(jumpDataOffset, j.displacementTo(dest))
}

// SetDestinationMTSafe is SetDestination for a jump other threads may be executing. This panics with
// ErrMisaligned unless the displacement lies in one aligned word.
func (j Jump) SetDestinationMTSafe(dest uintptr) {
	if buildoptions.Checked {
		checkView(j.Verify())
	}
	dispAddr := j.addrAt(jumpDataOffset)
	if !codeseg.WithinWord(dispAddr, 4) {
		fatal(ErrMisaligned, "displacement of jump at %#x is not atomically writable", j.addr)
	}
	var disp [4]byte
	binary.LittleEndian.PutUint32(disp[:], uint32(j.displacementTo(dest)))
	j.seg.AtomicWrite(dispAddr, disp[:])
}

// InsertJump writes `jmp entry` at addr. It must not be used on code other threads may be executing.
func InsertJump(seg *codeseg.Segment, addr, entry uintptr) {
	code := encodeRel32(jumpInstructionCode, addr, entry)
	seg.Write(addr, code[:])
}

// GeneralJump is a view of any relative jump: `jmp rel32`, `jmp rel8`, `jcc rel32` or `jcc rel8`.
type GeneralJump struct {
	Instruction
}

// GeneralJumpAt returns the GeneralJump at addr. The bytes are verified only in checked builds.
func GeneralJumpAt(seg *codeseg.Segment, addr uintptr) GeneralJump {
	j := GeneralJump{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(j.Verify())
	}
	return j
}

// TryGeneralJumpAt returns the GeneralJump at addr, or an error wrapping ErrShapeMismatch.
func TryGeneralJumpAt(seg *codeseg.Segment, addr uintptr) (GeneralJump, error) {
	j := GeneralJump{InstructionAt(seg, addr)}
	if err := j.Verify(); err != nil {
		return GeneralJump{}, err
	}
	return j, nil
}

// Verify returns an error wrapping ErrShapeMismatch unless the bytes are a relative jump.
func (j GeneralJump) Verify() error {
	if !j.IsJump() && !j.IsCondJump() {
		return shapeMismatch(j.addr, "not a general jump instruction")
	}
	if !j.available(j.Size()) {
		return shapeMismatch(j.addr, "truncated jump")
	}
	return nil
}

// layout returns the offset of the displacement and whether it is 32 bits wide.
func (j GeneralJump) layout() (off int, long bool) {
	switch j.ubyteAt(0) {
	case jumpInstructionCode:
		return 1, true
	case escapeTwoByte:
		return 2, true
	}
	return 1, false
}

// Size returns the size of the jump, 2 to 6 bytes depending on its form.
func (j GeneralJump) Size() int {
	off, long := j.layout()
	if long {
		return off + 4
	}
	return off + 1
}

// InstructionAddress returns the address of the opcode.
func (j GeneralJump) InstructionAddress() uintptr {
	return j.addr
}

// Destination returns the jump target.
func (j GeneralJump) Destination() uintptr {
	off, long := j.layout()
	next := j.addrAt(j.Size())
	if long {
		return offsetBy(next, int64(j.int32At(off)))
	}
	return offsetBy(next, int64(j.sbyteAt(off)))
}

// InsertUnconditionalJump writes `jmp entry` at addr. It must not be used on code other threads may be
// executing.
func InsertUnconditionalJump(seg *codeseg.Segment, addr, entry uintptr) {
	InsertJump(seg, addr, entry)
}

// ReplaceJumpMTSafe replaces the jump at addr with the `jmp rel32` in code while other threads may be
// executing it. See ReplaceMTSafe.
func ReplaceJumpMTSafe(seg *codeseg.Segment, addr uintptr, code []byte) {
	checkView(GeneralJump{InstructionAt(seg, addr)}.Verify())
	if len(code) != JumpSize || code[0] != jumpInstructionCode {
		fatal(ErrShapeMismatch, "replacement of jump at %#x is not a jump: % x", addr, code)
	}
	ReplaceMTSafe(seg, addr, code)
}
