package amd64

import (
	"encoding/binary"

	"github.com/tetratelabs/nativepatch/codeseg"
	"github.com/tetratelabs/nativepatch/internal/buildoptions"
)

const (
	callInstructionCode     = 0xe8
	callDisplacementOffset  = 1
	callReturnAddressOffset = 5

	// CallSize is the size of `call rel32`.
	CallSize = 5
)

// Call is a view of `call rel32`, the call shape inline caches and runtime calls are patched through.
type Call struct {
	Instruction
}

// CallAt returns the Call at addr. The bytes are verified only in checked builds.
func CallAt(seg *codeseg.Segment, addr uintptr) Call {
	c := Call{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(c.Verify())
	}
	return c
}

// TryCallAt returns the Call at addr, or an error wrapping ErrShapeMismatch.
func TryCallAt(seg *codeseg.Segment, addr uintptr) (Call, error) {
	c := Call{InstructionAt(seg, addr)}
	if err := c.Verify(); err != nil {
		return Call{}, err
	}
	return c, nil
}

// CallBefore returns the Call whose return address is returnAddress.
func CallBefore(seg *codeseg.Segment, returnAddress uintptr) Call {
	return CallAt(seg, returnAddress-callReturnAddressOffset)
}

// IsCallAt returns true if a `call rel32` starts at addr.
func IsCallAt(seg *codeseg.Segment, addr uintptr) bool {
	return InstructionAt(seg, addr).IsCall()
}

// IsCallBefore returns true if a `call rel32` returns to returnAddress.
func IsCallBefore(seg *codeseg.Segment, returnAddress uintptr) bool {
	return IsCallAt(seg, returnAddress-callReturnAddressOffset)
}

// IsCallTo returns true if a `call rel32` starts at addr and calls target.
func IsCallTo(seg *codeseg.Segment, addr, target uintptr) bool {
	c := Call{InstructionAt(seg, addr)}
	return c.Verify() == nil && c.Destination() == target
}

// Verify returns an error wrapping ErrShapeMismatch unless the bytes are a `call rel32`.
func (c Call) Verify() error {
	if !c.available(CallSize) {
		return shapeMismatch(c.addr, "truncated call")
	}
	if op := c.ubyteAt(0); op != callInstructionCode {
		return shapeMismatch(c.addr, "not a call disp32: %#x", op)
	}
	return nil
}

// InstructionAddress returns the address of the opcode.
func (c Call) InstructionAddress() uintptr {
	return c.addr
}

// DisplacementAddress returns the address of the 32-bit displacement.
func (c Call) DisplacementAddress() uintptr {
	return c.addrAt(callDisplacementOffset)
}

// ReturnAddress returns the address execution resumes at after the callee returns.
func (c Call) ReturnAddress() uintptr {
	return c.addrAt(callReturnAddressOffset)
}

// NextInstructionAddress is the same as ReturnAddress.
func (c Call) NextInstructionAddress() uintptr {
	return c.ReturnAddress()
}

// Displacement returns the displacement relative to ReturnAddress.
func (c Call) Displacement() int32 {
	return c.int32At(callDisplacementOffset)
}

// Destination returns the address being called.
func (c Call) Destination() uintptr {
	return offsetBy(c.ReturnAddress(), int64(c.Displacement()))
}

// SetDestination stores the displacement to dest with a plain store.
//
// This panics with ErrDisplacementRange if dest is not reachable from the call.
func (c Call) SetDestination(dest uintptr) {
	c.setInt32At(callDisplacementOffset, c.displacementTo(dest))
}

func (c Call) displacementTo(dest uintptr) int32 {
	disp, ok := rel32(c.ReturnAddress(), dest)
	if !ok {
		fatal(ErrDisplacementRange, "call at %#x cannot reach %#x", c.addr, dest)
	}
	return disp
}

// IsDisplacementAligned returns true if the displacement is 4-byte aligned, in which case it can be
// replaced with one atomic store.
func (c Call) IsDisplacementAligned() bool {
	return c.DisplacementAddress()%4 == 0
}

// SetDestinationMTSafe stores the displacement to dest while other threads may be executing the call.
//
// This panics with ErrMisaligned unless IsDisplacementAligned, and with ErrDisplacementRange if dest is
// not reachable from the call.
func (c Call) SetDestinationMTSafe(dest uintptr) {
	if buildoptions.Checked {
		checkView(c.Verify())
	}
	if !c.IsDisplacementAligned() {
		fatal(ErrMisaligned, "displacement of call at %#x is not aligned", c.addr)
	}
	var disp [4]byte
	binary.LittleEndian.PutUint32(disp[:], uint32(c.displacementTo(dest)))
	c.seg.AtomicWrite(c.DisplacementAddress(), disp[:])
}

// encodeRel32 returns `op rel32` placed at addr and branching to entry.
func encodeRel32(op byte, addr, entry uintptr) [5]byte {
	disp, ok := rel32(addr+5, entry)
	if !ok {
		fatal(ErrDisplacementRange, "%#x cannot reach %#x", addr, entry)
	}
	ret := [5]byte{op}
	binary.LittleEndian.PutUint32(ret[1:], uint32(disp))
	return ret
}

// InsertCall writes `call entry` at addr. It must not be used on code other threads may be executing.
func InsertCall(seg *codeseg.Segment, addr, entry uintptr) {
	code := encodeRel32(callInstructionCode, addr, entry)
	seg.Write(addr, code[:])
}

// ReplaceCallMTSafe replaces the call at addr with the call in code while other threads may be executing it.
// See ReplaceMTSafe.
func ReplaceCallMTSafe(seg *codeseg.Segment, addr uintptr, code []byte) {
	checkView(Call{InstructionAt(seg, addr)}.Verify())
	if len(code) != CallSize || code[0] != callInstructionCode {
		fatal(ErrShapeMismatch, "replacement of call at %#x is not a call: % x", addr, code)
	}
	ReplaceMTSafe(seg, addr, code)
}
