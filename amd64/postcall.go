package amd64

import (
	"encoding/binary"

	"github.com/tetratelabs/nativepatch/codeseg"
)

const (
	postCallNopPayloadOffset = 4

	postCallNopCBOffsetMask = 0xffffff
	postCallNopSlotShift    = 24
	postCallNopSlotMask     = 0xff

	// PostCallNopSize is the size of `nop dword [rax+rax*1+disp32]`, whose displacement is the payload.
	PostCallNopSize = 8
)

var postCallNopCheck = [4]byte{0x0f, 0x1f, 0x84, 0x00}

// PostCallNop is a view of the eight-byte nop emitted after calls, whose displacement carries the oopmap slot
// and code blob offset of the call site.
type PostCallNop struct {
	Instruction
}

// PostCallInfo is the metadata a PostCallNop encodes.
type PostCallInfo struct {
	// OopmapSlot is the index of the oopmap describing the frame at the call, 0 to 255.
	OopmapSlot uint8
	// CBOffset is the offset of the call from the start of its code blob, 0 to 0xffffff.
	CBOffset uint32
}

// PostCallNopAt returns the PostCallNop at addr, or false if there is none.
func PostCallNopAt(seg *codeseg.Segment, addr uintptr) (PostCallNop, bool) {
	n := PostCallNop{InstructionAt(seg, addr)}
	if !n.Check() {
		return PostCallNop{}, false
	}
	return n, true
}

// PostCallNopUnsafeAt returns the PostCallNop at addr, trusting the caller that there is one.
func PostCallNopUnsafeAt(seg *codeseg.Segment, addr uintptr) PostCallNop {
	return PostCallNop{InstructionAt(seg, addr)}
}

// Check returns true if the bytes are a post-call nop.
func (n PostCallNop) Check() bool {
	return n.IsPostCallNop()
}

func (n PostCallNop) payloadAddress() uintptr {
	return n.addrAt(postCallNopPayloadOffset)
}

// Decode returns the encoded metadata, or false if none was encoded.
func (n PostCallNop) Decode() (PostCallInfo, bool) {
	var payload [4]byte
	n.seg.Fetch(n.payloadAddress(), payload[:])
	data := binary.LittleEndian.Uint32(payload[:])
	if data == 0 {
		return PostCallInfo{}, false
	}
	return PostCallInfo{
		OopmapSlot: uint8(data >> postCallNopSlotShift & postCallNopSlotMask),
		CBOffset:   data & postCallNopCBOffsetMask,
	}, true
}

// Patch encodes slot and cbOffset. It returns false and leaves the nop unchanged if they do not fit, or if
// both are zero, which reads back as no metadata.
//
// The payload is stored atomically, so it must not straddle an 8-byte word: that panics with an error
// wrapping ErrMisaligned and leaves the nop unchanged.
func (n PostCallNop) Patch(slot int, cbOffset int) bool {
	if slot&postCallNopSlotMask != slot || cbOffset&postCallNopCBOffsetMask != cbOffset {
		return false
	}
	data := uint32(slot)<<postCallNopSlotShift | uint32(cbOffset)
	if data == 0 {
		return false
	}
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], data)
	addr := n.payloadAddress()
	if !codeseg.WithinWord(addr, len(payload)) {
		fatal(ErrMisaligned, "post-call nop payload at %#x straddles a word boundary", addr)
	}
	n.seg.AtomicWrite(addr, payload[:])
	return true
}

// MakeDeopt turns the nop into the deoptimization trap, so that returning into the call site traps.
func (n PostCallNop) MakeDeopt() {
	InsertDeopt(n.seg, n.addr)
}
