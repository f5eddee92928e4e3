package amd64

import (
	"github.com/tetratelabs/nativepatch/codeseg"
	"github.com/tetratelabs/nativepatch/internal/buildoptions"
)

// callRegInstructionCode is FF, the call is FF /2 with the target register in ModRM.rm.
const callRegInstructionCode = 0xff

// CallReg is a view of a call through a general purpose register.
type CallReg struct {
	Instruction
}

// CallRegAt returns the CallReg at addr. The bytes are verified only in checked builds.
func CallRegAt(seg *codeseg.Segment, addr uintptr) CallReg {
	c := CallReg{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(c.Verify())
	}
	return c
}

// TryCallRegAt returns the CallReg at addr, or an error wrapping ErrShapeMismatch.
func TryCallRegAt(seg *codeseg.Segment, addr uintptr) (CallReg, error) {
	c := CallReg{InstructionAt(seg, addr)}
	if err := c.Verify(); err != nil {
		return CallReg{}, err
	}
	return c, nil
}

// Verify returns an error wrapping ErrShapeMismatch unless the bytes are a call through a register.
func (c CallReg) Verify() error {
	if !c.IsCallReg() {
		return shapeMismatch(c.addr, "not a call through a register")
	}
	return nil
}

// NextInstructionOffset returns the size of the call: 2 bytes, plus the REX or REX2 prefix if any.
func (c CallReg) NextInstructionOffset() int {
	return callRegNextInstructionOffset[c.prefixClass()]
}

// NextInstructionAddress returns the address the call returns to.
func (c CallReg) NextInstructionAddress() uintptr {
	return c.addrAt(c.NextInstructionOffset())
}
