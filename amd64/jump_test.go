package amd64

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/nativepatch/codeseg"
)

func TestInsertJump(t *testing.T) {
	seg := codeseg.New(64, nil)
	base := seg.Addr()

	InsertJump(seg, base+4, base+48)
	j, err := TryJumpAt(seg, base+4)
	require.NoError(t, err)
	require.Equal(t, base+4, j.InstructionAddress())
	require.Equal(t, base+9, j.NextInstructionAddress())
	require.Equal(t, base+48, j.Destination())

	InsertUnconditionalJump(seg, base+16, base)
	g, err := TryGeneralJumpAt(seg, base+16)
	require.NoError(t, err)
	require.Equal(t, base, g.Destination())
	require.Equal(t, JumpSize, g.Size())

	requirePanicIs(t, ErrDisplacementRange, func() { InsertJump(seg, base, base+5+math.MaxInt32+1) })
	requirePanicIs(t, ErrDisplacementRange, func() { InsertUnconditionalJump(seg, base, base+1<<40) })
}

func TestJump_unresolved(t *testing.T) {
	seg := codeseg.New(32, nil)
	base := seg.Addr()
	InsertJump(seg, base+8, base+24)
	j := JumpAt(seg, base+8)

	j.SetDestination(UnresolvedDestination)
	require.Equal(t, int32(-5), j.int32At(jumpDataOffset))
	require.Equal(t, UnresolvedDestination, j.Destination())

	// A jump to itself is unresolved however it was written.
	j.SetDestination(base + 24)
	require.Equal(t, base+24, j.Destination())
	j.SetDestination(base + 8)
	require.Equal(t, UnresolvedDestination, j.Destination())

	for _, dest := range []uintptr{base, base + 7, base + 9, base + 13, base + 31} {
		j.SetDestination(dest)
		require.Equal(t, dest, j.Destination(), "%#x", dest)
	}

	j.SetDestinationMTSafe(UnresolvedDestination)
	require.Equal(t, UnresolvedDestination, j.Destination())
	require.True(t, InstructionAt(seg, base+8).IsJump())
}

func TestJump_SetDestination(t *testing.T) {
	seg := codeseg.New(32, nil)
	base := seg.Addr()
	InsertJump(seg, base, base)
	j := JumpAt(seg, base)
	next := j.NextInstructionAddress()

	for _, dest := range []uintptr{next + math.MaxInt32, next - math.MaxInt32 - 1} {
		j.SetDestination(dest)
		require.Equal(t, dest, j.Destination(), "%#x", dest)
	}

	j.SetDestination(base + 16)
	requirePanicIs(t, ErrDisplacementRange, func() { j.SetDestination(next + math.MaxInt32 + 1) })
	requirePanicIs(t, ErrDisplacementRange, func() { j.SetDestinationMTSafe(next - math.MaxInt32 - 2) })
	require.Equal(t, base+16, j.Destination())
}

func TestJump_SetDestinationMTSafe(t *testing.T) {
	seg, ic := newRecordingSegment(32)
	base := seg.Addr()

	InsertJump(seg, base+3, base+3)
	ic.calls = nil
	j := JumpAt(seg, base+3)
	j.SetDestinationMTSafe(base + 28)
	require.Equal(t, base+28, j.Destination())
	require.Equal(t, []invalidation{{addr: base + 4, bytes: []byte{20, 0, 0, 0}}}, ic.calls)

	// The displacement of a jump at 13 spans two words.
	InsertJump(seg, base+13, base)
	misaligned := JumpAt(seg, base+13)
	requirePanicIs(t, ErrMisaligned, func() { misaligned.SetDestinationMTSafe(base + 28) })
	require.Equal(t, base, misaligned.Destination())
}

func TestJump_Verify(t *testing.T) {
	farJump := append(append([]byte{0x49, 0xbb}, imm64Bytes(0x1122334455667788)...), 0x41, 0xff, 0xe3)
	farCall := append(append([]byte{0x49, 0xbb}, imm64Bytes(0x1122334455667788)...), 0x41, 0xff, 0xd3)
	for _, tc := range []struct {
		name string
		code []byte
		ok   bool
	}{
		{name: "jmp rel32", code: []byte{0xe9, 0, 0, 0, 0}, ok: true},
		{name: "far jump", code: farJump, ok: true},
		{name: "far call", code: farCall},
		{name: "jmp rel8", code: []byte{0xeb, 0}},
		{name: "call", code: []byte{0xe8, 0, 0, 0, 0}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			seg, addr := segmentWith(0, tc.code...)
			j, err := TryJumpAt(seg, addr)
			if tc.ok {
				require.NoError(t, err)
				require.Equal(t, tc.code[0] != 0xe9, j.IsFar())
			} else {
				requireErrorIs(t, err, ErrShapeMismatch)
			}
		})
	}

	seg, addr := segmentWith(5, 0xe9, 0, 0)
	_, err := TryJumpAt(seg, addr)
	requireErrorIs(t, err, ErrShapeMismatch)
}

func TestGeneralJump(t *testing.T) {
	rel32 := func(v int32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		return b
	}
	for _, tc := range []struct {
		name    string
		code    []byte
		expSize int
		// expDestination is relative to the jump.
		expDestination int
	}{
		{name: "jmp rel32", code: append([]byte{0xe9}, rel32(0x100)...), expSize: 5, expDestination: 0x105},
		{name: "jmp rel32 backwards", code: append([]byte{0xe9}, rel32(-0x100)...), expSize: 5, expDestination: -0xfb},
		{name: "jmp rel8", code: []byte{0xeb, 0x10}, expSize: 2, expDestination: 0x12},
		{name: "jmp rel8 to self", code: []byte{0xeb, 0xfe}, expSize: 2, expDestination: 0},
		{name: "je rel32", code: append([]byte{0x0f, 0x84}, rel32(-6)...), expSize: 6, expDestination: 0},
		{name: "jl rel8", code: []byte{0x7c, 0x80}, expSize: 2, expDestination: -0x7e},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			seg, addr := segmentWith(2, tc.code...)
			j, err := TryGeneralJumpAt(seg, addr)
			require.NoError(t, err)
			require.Equal(t, addr, j.InstructionAddress())
			require.Equal(t, tc.expSize, j.Size())
			require.Equal(t, offsetBy(addr, int64(tc.expDestination)), j.Destination())
			require.Equal(t, j, GeneralJumpAt(seg, addr))
		})
	}

	for _, code := range [][]byte{{0xc3}, {0xff, 0xe0}, {0x0f, 0x0b}} {
		seg, addr := segmentWith(0, code...)
		_, err := TryGeneralJumpAt(seg, addr)
		requireErrorIs(t, err, ErrShapeMismatch)
	}
}

func TestReplaceJumpMTSafe(t *testing.T) {
	seg := codeseg.New(32, nil)
	base := seg.Addr()
	seg.Write(base+4, []byte{0x0f, 0x85, 0, 0, 0, 0})

	code := append([]byte{0xe9}, make([]byte, 4)...)
	binary.LittleEndian.PutUint32(code[1:], uint32(base+24-(base+9)))
	ReplaceJumpMTSafe(seg, base+4, code)

	require.Equal(t, base+24, GeneralJumpAt(seg, base+4).Destination())
	require.Equal(t, base+24, JumpAt(seg, base+4).Destination())

	requirePanicIs(t, ErrShapeMismatch, func() { ReplaceJumpMTSafe(seg, base+4, []byte{0xe8, 0, 0, 0, 0}) })
	requirePanicIs(t, ErrShapeMismatch, func() { ReplaceJumpMTSafe(seg, base+5, code) })
}
