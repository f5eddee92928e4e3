package amd64

import (
	"fmt"

	"github.com/tetratelabs/nativepatch/codeseg"
)

// Kind is the shape Classify recognized at an address.
type Kind byte

const (
	KindUnknown Kind = iota
	KindNop
	KindCall
	KindCallReg
	KindJump
	KindCondJump
	KindJumpReg
	KindReturn
	KindIllegal
	KindSafepointPoll
	KindMovLiteral64
	KindPostCallNop
	KindDeopt
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindNop:
		return "nop"
	case KindCall:
		return "call"
	case KindCallReg:
		return "call_reg"
	case KindJump:
		return "jump"
	case KindCondJump:
		return "cond_jump"
	case KindJumpReg:
		return "jump_reg"
	case KindReturn:
		return "return"
	case KindIllegal:
		return "illegal"
	case KindSafepointPoll:
		return "safepoint_poll"
	case KindMovLiteral64:
		return "mov_literal64"
	case KindPostCallNop:
		return "post_call_nop"
	case KindDeopt:
		return "deopt"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Classify returns the kind of the instruction at addr.
//
// IsCallReg only looks at the opcode byte, which FF /4 jumps share, so jumps through a register are tested
// first.
func Classify(seg *codeseg.Segment, addr uintptr) Kind {
	i := InstructionAt(seg, addr)
	switch {
	case i.IsIllegal():
		return KindIllegal
	case i.IsDeopt():
		return KindDeopt
	case i.IsPostCallNop():
		return KindPostCallNop
	case i.IsNop():
		return KindNop
	case i.IsCall():
		return KindCall
	case i.IsJump():
		return KindJump
	case i.IsCondJump():
		return KindCondJump
	case i.IsReturn():
		return KindReturn
	case i.IsJumpReg():
		return KindJumpReg
	case i.IsCallReg():
		return KindCallReg
	case i.IsSafepointPoll():
		return KindSafepointPoll
	case i.IsMovLiteral64():
		return KindMovLiteral64
	}
	return KindUnknown
}

// IsNop returns true for the one-byte nop.
func (i Instruction) IsNop() bool {
	return i.bytesEqual(0, nopInstructionCode)
}

// IsCall returns true for a direct call with a 32-bit displacement.
func (i Instruction) IsCall() bool {
	return i.bytesEqual(0, callInstructionCode)
}

// IsCallReg returns true for a call through a register, with or without a REX or REX2 prefix.
func (i Instruction) IsCallReg() bool {
	switch {
	case i.bytesEqual(0, callRegInstructionCode):
		return true
	case i.bytesEqual(0, prefixREX, callRegInstructionCode), i.bytesEqual(0, prefixREXB, callRegInstructionCode):
		return true
	case i.HasREX2Prefix():
		return i.bytesEqual(2, callRegInstructionCode)
	}
	return false
}

// IsReturn returns true for both returns, with and without a pop count.
func (i Instruction) IsReturn() bool {
	return i.bytesEqual(0, returnInstructionCode) || i.bytesEqual(0, returnXInstructionCode)
}

// IsJump returns true for unconditional relative jumps, long or short.
func (i Instruction) IsJump() bool {
	return i.bytesEqual(0, jumpInstructionCode) || i.bytesEqual(0, shortJumpInstructionCode)
}

// IsJumpReg returns true for a jump through a register (FF /4 with mod == 11), with an optional REX.B.
func (i Instruction) IsJumpReg() bool {
	pos := 0
	if i.bytesEqual(0, prefixREXB) {
		pos = 1
	}
	modrm, ok := i.peek(pos + 1)
	return ok && i.bytesEqual(pos, callRegInstructionCode) && modrm&0xf0 == 0xe0
}

// IsCondJump returns true for a conditional jump, long (0F 8x rel32) or short (7x rel8).
func (i Instruction) IsCondJump() bool {
	b0, ok := i.peek(0)
	if !ok {
		return false
	}
	if b0 == escapeTwoByte {
		b1, ok := i.peek(1)
		return ok && b1&0xf0 == 0x80
	}
	return b0&0xf0 == 0x70
}

// IsSafepointPoll returns true for `test [reg], eax`, the shape of a safepoint poll, with an optional REX.B or
// REX2 prefix.
func (i Instruction) IsSafepointPoll() bool {
	b0, ok := i.peek(0)
	if !ok {
		return false
	}
	off := safepointPollTestOffset(b0)
	modrm, ok := i.peek(off + 1)
	return ok && i.bytesEqual(off, testRegMemInstructionCode) && modrm&testRegMemModRMMask == testRegMemModRMReg
}

// IsMovLiteral64 returns true for `mov r64, imm64` under a REX.W[B] or REX2.W[B|B4] prefix.
func (i Instruction) IsMovLiteral64() bool {
	b0, ok := i.peek(0)
	if !ok {
		return false
	}
	var opcodeOff int
	switch {
	case b0 == prefixREXW || b0 == prefixREXWB:
		opcodeOff = 1
	case b0 == prefixREX2:
		payload, ok := i.peek(1)
		if !ok || (payload != rex2BitW && payload != rex2BitWB && payload != rex2BitWB4) {
			return false
		}
		opcodeOff = 2
	default:
		return false
	}
	opcode, ok := i.peek(opcodeOff)
	return ok && opcode&^movConstRegRegisterMask == movConstRegInstructionCode
}

// IsIllegal returns true for the two-byte illegal instruction.
func (i Instruction) IsIllegal() bool {
	return i.bytesEqual(0, illegalInstructionBytes[:]...)
}

// IsDeopt returns true for the deoptimization trap.
func (i Instruction) IsDeopt() bool {
	return i.bytesEqual(0, deoptInstructionPrefix, deoptInstructionCode)
}

// IsPostCallNop returns true for the eight-byte nop that carries post-call metadata.
func (i Instruction) IsPostCallNop() bool {
	return i.available(PostCallNopSize) && i.bytesEqual(0, postCallNopCheck[:]...)
}
