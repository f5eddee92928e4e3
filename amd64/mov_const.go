package amd64

import (
	"encoding/binary"

	"github.com/tetratelabs/nativepatch/codeseg"
	"github.com/tetratelabs/nativepatch/internal/buildoptions"
)

const (
	movConstRegInstructionCode = 0xb8
	movConstRegRegisterMask    = 0x07

	// MovConstRegSize is the size of `mov r64, imm64` under a REX prefix.
	MovConstRegSize = 1 + 1 + 8
	// MovConstRegREX2Size is the size of `mov r64, imm64` under a REX2 prefix.
	MovConstRegREX2Size = 1 + 2 + 8
)

// MovConstReg is a view of `mov r64, imm64`, used to embed pointers and other full-width constants in code.
type MovConstReg struct {
	Instruction
}

// MovConstRegAt returns the MovConstReg at addr. The bytes are verified only in checked builds.
func MovConstRegAt(seg *codeseg.Segment, addr uintptr) MovConstReg {
	m := MovConstReg{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(m.Verify())
	}
	return m
}

// TryMovConstRegAt returns the MovConstReg at addr, or an error wrapping ErrShapeMismatch.
func TryMovConstRegAt(seg *codeseg.Segment, addr uintptr) (MovConstReg, error) {
	m := MovConstReg{InstructionAt(seg, addr)}
	if err := m.Verify(); err != nil {
		return MovConstReg{}, err
	}
	return m, nil
}

// MovConstRegBefore returns the MovConstReg that ends right before addr.
//
// The REX form is checked first: the byte where a REX prefix would sit is the payload of a REX2 prefix
// otherwise, and no valid payload of a REX2 mov looks like REX.W.
func MovConstRegBefore(seg *codeseg.Segment, addr uintptr) MovConstReg {
	if rex := InstructionAt(seg, addr-MovConstRegSize); rex.IsMovLiteral64() && !rex.HasREX2Prefix() {
		return MovConstRegAt(seg, rex.addr)
	}
	return MovConstRegAt(seg, addr-MovConstRegREX2Size)
}

// Verify returns an error wrapping ErrShapeMismatch unless the bytes are a REX.W[B] or REX2 `mov r64, imm64`.
func (m MovConstReg) Verify() error {
	if !m.IsMovLiteral64() {
		return shapeMismatch(m.addr, "not a REX.W[B] mov reg64, imm64")
	}
	if !m.available(m.InstructionSize()) {
		return shapeMismatch(m.addr, "truncated mov reg64, imm64")
	}
	return nil
}

func (m MovConstReg) layout() movConstRegLayout {
	return movConstRegLayouts[m.prefixClass()]
}

// InstructionAddress returns the address of the first prefix byte.
func (m MovConstReg) InstructionAddress() uintptr {
	return m.addr
}

// InstructionSize returns the size of the instruction, which depends on the prefix.
func (m MovConstReg) InstructionSize() int {
	return m.layout().size
}

// DataOffset returns the offset of the immediate, which depends on the prefix.
func (m MovConstReg) DataOffset() int {
	return m.layout().dataOffset
}

// NextInstructionAddress returns the address following the immediate.
func (m MovConstReg) NextInstructionAddress() uintptr {
	return m.addrAt(m.InstructionSize())
}

// Data returns the immediate.
func (m MovConstReg) Data() uint64 {
	return m.uint64At(m.DataOffset())
}

// SetData stores the immediate with a plain store.
func (m MovConstReg) SetData(v uint64) {
	m.setUint64At(m.DataOffset(), v)
}

// SetDataMTSafe stores the immediate while other threads may be executing the instruction. This panics with
// ErrMisaligned unless the immediate is 8-byte aligned.
func (m MovConstReg) SetDataMTSafe(v uint64) {
	if buildoptions.Checked {
		checkView(m.Verify())
	}
	dataAddr := m.addrAt(m.DataOffset())
	if !codeseg.WithinWord(dataAddr, 8) {
		fatal(ErrMisaligned, "immediate of mov at %#x is not aligned", m.addr)
	}
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], v)
	m.seg.AtomicWrite(dataAddr, data[:])
}

// Register returns the destination register number, 0 (rax) to 31 (r31).
//
// The low 3 bits come from the opcode, bit 3 from REX.B or REX2.B3, bit 4 from REX2.B4.
func (m MovConstReg) Register() int {
	c := m.prefixClass()
	reg := int(m.ubyteAt(c.size()) & movConstRegRegisterMask)
	prefix := m.ubyteAt(0)
	if c == prefixClassREX2 {
		prefix = m.ubyteAt(1)
		reg |= int(prefix & rex2BitB4)
	}
	reg |= int(prefix&rex2BitB) << 3
	return reg
}
