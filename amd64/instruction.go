// Package amd64 decodes, classifies and patches the amd64 instruction shapes a JIT rewrites while the code
// may be running on other cores.
//
// Every type in this package is a view: a segment and an address, never a copy of the bytes. Views are
// built on demand, used for one query or one patch, and dropped.
//
// See https://www.felixcloutier.com/x86/index.html if unfamiliar with the encodings used here.
package amd64

import (
	"github.com/tetratelabs/nativepatch/codeseg"
)

// Instruction is a view of whatever instruction starts at an address. It answers classification queries and
// gives variants their raw accessors; it validates nothing itself.
type Instruction struct {
	seg  *codeseg.Segment
	addr uintptr
}

// InstructionAt returns the Instruction view at addr.
func InstructionAt(seg *codeseg.Segment, addr uintptr) Instruction {
	return Instruction{seg: seg, addr: addr}
}

// Addr returns the address of the first byte of the instruction.
func (i Instruction) Addr() uintptr {
	return i.addr
}

// Segment returns the segment the instruction lives in.
func (i Instruction) Segment() *codeseg.Segment {
	return i.seg
}

func (i Instruction) addrAt(off int) uintptr {
	return i.addr + uintptr(off)
}

func (i Instruction) ubyteAt(off int) byte {
	return i.seg.Uint8(i.addrAt(off))
}

func (i Instruction) sbyteAt(off int) int8 {
	return int8(i.seg.Uint8(i.addrAt(off)))
}

func (i Instruction) int32At(off int) int32 {
	return int32(i.seg.Uint32(i.addrAt(off)))
}

func (i Instruction) uint64At(off int) uint64 {
	return i.seg.Uint64(i.addrAt(off))
}

func (i Instruction) setByteAt(off int, b byte) {
	i.seg.PutUint8(i.addrAt(off), b)
}

func (i Instruction) setInt32At(off int, v int32) {
	i.seg.PutUint32(i.addrAt(off), uint32(v))
}

func (i Instruction) setUint64At(off int, v uint64) {
	i.seg.PutUint64(i.addrAt(off), v)
}

// peek returns the byte at off, or false past either end of the segment.
func (i Instruction) peek(off int) (byte, bool) {
	return i.seg.Peek(i.addrAt(off))
}

// available returns true if n bytes can be read from the start of the instruction.
func (i Instruction) available(n int) bool {
	return i.seg.Contains(i.addr, n)
}

// bytesEqual returns true if the instruction starts with exactly the given bytes.
func (i Instruction) bytesEqual(off int, b ...byte) bool {
	for j, exp := range b {
		if got, ok := i.peek(off + j); !ok || got != exp {
			return false
		}
	}
	return true
}

// HasREX2Prefix returns true if the instruction begins with the two-byte REX2 prefix.
func (i Instruction) HasREX2Prefix() bool {
	return i.bytesEqual(0, prefixREX2)
}

func (i Instruction) prefixClass() prefixClass {
	b, _ := i.peek(0)
	return prefixClassOf(b)
}
