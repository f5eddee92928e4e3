package amd64

import (
	"github.com/tetratelabs/nativepatch/codeseg"
	"github.com/tetratelabs/nativepatch/internal/buildoptions"
)

// Opcodes of the moves MovRegMem patches the displacement of.
const (
	movRegMemReg2MemB    = 0x88
	movRegMemReg2Mem     = 0x89
	movRegMemMem2RegB    = 0x8a
	movRegMemMem2Reg     = 0x8b
	movRegMemMovslq      = 0x63
	movRegMemMovzxb      = 0xb6
	movRegMemMovzxw      = 0xb7
	movRegMemMovsxb      = 0xbe
	movRegMemMovsxw      = 0xbf
	movRegMemFloatS      = 0xd9
	movRegMemFloatD      = 0xdd
	movRegMemXMMLoad     = 0x10
	movRegMemXMMStore    = 0x11
	movRegMemXMMLpd      = 0x12
	movRegMemLea         = 0x8d
	movRegMemXorCode     = 0x33
	movRegMemModRMRMMask = 0x07
	movRegMemModRMSIB    = 0x04

	movRegMemDataOffset             = 2
	movRegMemNextInstructionOffset  = 4
	movRegMemNextInstructionREX2    = 5
	loadAddressMov64InstructionCode = movConstRegInstructionCode
)

var movRegMemOpcodes = [256]bool{
	movRegMemReg2MemB: true, movRegMemReg2Mem: true, movRegMemMem2RegB: true, movRegMemMem2Reg: true,
	movRegMemMovslq: true, movRegMemMovzxb: true, movRegMemMovzxw: true, movRegMemMovsxb: true, movRegMemMovsxw: true,
	movRegMemFloatS: true, movRegMemFloatD: true, movRegMemXMMLoad: true, movRegMemXMMStore: true, movRegMemXMMLpd: true,
	movRegMemLea: true,
}

// MovRegMem is a view of a move between a register and [reg+disp32], whose displacement is patched when
// field offsets are resolved.
//
// The view may start at a `xor r, r` the assembler emits ahead of narrow loads to zero-extend the
// destination. That xor, and the prefixes of the move itself, are skipped to find the opcode.
type MovRegMem struct {
	Instruction
}

// MovRegMemAt returns the MovRegMem at addr. The bytes are verified only in checked builds.
func MovRegMemAt(seg *codeseg.Segment, addr uintptr) MovRegMem {
	m := MovRegMem{InstructionAt(seg, addr)}
	if buildoptions.Checked {
		checkView(m.Verify())
	}
	return m
}

// TryMovRegMemAt returns the MovRegMem at addr, or an error wrapping ErrShapeMismatch.
func TryMovRegMemAt(seg *codeseg.Segment, addr uintptr) (MovRegMem, error) {
	m := MovRegMem{InstructionAt(seg, addr)}
	if err := m.Verify(); err != nil {
		return MovRegMem{}, err
	}
	return m, nil
}

// byteOr0 reads like ubyteAt but returns zero past the end of the segment, which matches no prefix.
func (m MovRegMem) byteOr0(off int) byte {
	b, _ := m.peek(off)
	return b
}

// InstructionStart returns the offset of the opcode, past a leading xor and any prefixes.
func (m MovRegMem) InstructionStart() int {
	off, _ := m.prefixes()
	return off
}

// prefixes walks past a leading xor and any prefixes, returning the offset of the opcode and whether a
// REX2 prefix was among them.
func (m MovRegMem) prefixes() (off int, rex2 bool) {
	b := m.byteOr0(off)

	// The vector prefixes fold every other prefix and the opcode map into themselves.
	switch b {
	case prefixVEX2Bytes:
		return 2, false
	case prefixVEX3Bytes:
		return 3, false
	case prefixEVEX:
		return 4, false
	}

	if b&0xf0 == prefixREX {
		off++
		b = m.byteOr0(off)
	}
	if b == movRegMemXorCode {
		off += 2
		b = m.byteOr0(off)
	}

	if b == prefixOperandSize {
		off++
		b = m.byteOr0(off)
	}
	if b == prefixXMMSS || b == prefixXMMSD {
		off++
		b = m.byteOr0(off)
	}
	if b == prefixREX2 {
		rex2 = true
		off += 2
		b = m.byteOr0(off)
	}
	if b&0xf0 == prefixREX {
		off++
		b = m.byteOr0(off)
	}
	if b == escapeTwoByte {
		off++
	}
	return off, rex2
}

// InstructionAddress returns the address of the opcode.
func (m MovRegMem) InstructionAddress() uintptr {
	return m.addrAt(m.InstructionStart())
}

// patchOffset returns the offset of the displacement. rsp and r12 based operands need a SIB byte, which
// moves the displacement by one.
func (m MovRegMem) patchOffset() int {
	start := m.InstructionStart()
	off := movRegMemDataOffset + start
	if m.byteOr0(start+1)&movRegMemModRMRMMask == movRegMemModRMSIB {
		off++
	}
	return off
}

// NumBytesToEndOfPatch returns the offset of the first byte after the displacement.
func (m MovRegMem) NumBytesToEndOfPatch() int {
	return m.patchOffset() + 4
}

// NextInstructionOffset returns the offset past a move without SIB or xor, one byte longer when a REX2
// prefix precedes the opcode.
func (m MovRegMem) NextInstructionOffset() int {
	if _, rex2 := m.prefixes(); rex2 {
		return movRegMemNextInstructionREX2
	}
	return movRegMemNextInstructionOffset
}

// Offset returns the displacement.
func (m MovRegMem) Offset() int32 {
	return m.int32At(m.patchOffset())
}

// SetOffset stores the displacement with a plain store.
func (m MovRegMem) SetOffset(v int32) {
	m.setInt32At(m.patchOffset(), v)
}

// AddOffsetInBytes adds delta to the displacement, wrapping on overflow.
func (m MovRegMem) AddOffsetInBytes(delta int32) {
	off := m.patchOffset()
	m.setInt32At(off, m.int32At(off)+delta)
}

// Verify returns an error wrapping ErrShapeMismatch unless the opcode is one of the moves to or from memory.
func (m MovRegMem) Verify() error {
	start := m.InstructionStart()
	op, ok := m.peek(start)
	if !ok {
		return shapeMismatch(m.addr, "truncated mov [reg+offs], reg")
	}
	if !movRegMemOpcodes[op] {
		return shapeMismatch(m.addr, "not a mov [reg+offs], reg instruction: %#x at +%d", op, start)
	}
	if !m.available(m.NumBytesToEndOfPatch()) {
		return shapeMismatch(m.addr, "truncated mov [reg+offs], reg")
	}
	return nil
}

// LoadAddress is a view of `lea reg, [reg+disp32]`. It shares the layout of MovRegMem.
type LoadAddress struct {
	MovRegMem
}

// LoadAddressAt returns the LoadAddress at addr. The bytes are verified only in checked builds.
func LoadAddressAt(seg *codeseg.Segment, addr uintptr) LoadAddress {
	l := LoadAddress{MovRegMem{InstructionAt(seg, addr)}}
	if buildoptions.Checked {
		checkView(l.Verify())
	}
	return l
}

// TryLoadAddressAt returns the LoadAddress at addr, or an error wrapping ErrShapeMismatch.
func TryLoadAddressAt(seg *codeseg.Segment, addr uintptr) (LoadAddress, error) {
	l := LoadAddress{MovRegMem{InstructionAt(seg, addr)}}
	if err := l.Verify(); err != nil {
		return LoadAddress{}, err
	}
	return l, nil
}

// Verify returns an error wrapping ErrShapeMismatch unless the opcode is lea, or the `mov r64, imm64` that
// materializes far addresses.
func (l LoadAddress) Verify() error {
	start := l.InstructionStart()
	op := l.byteOr0(start)
	if op == prefixREXW || op == prefixREXWB {
		op = l.byteOr0(start + 1)
	}
	if op != movRegMemLea && op != loadAddressMov64InstructionCode {
		return shapeMismatch(l.addr, "not a lea reg, [reg+offs] instruction: %#x", op)
	}
	return nil
}
