package amd64

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/nativepatch/codeseg"
)

func TestInsertCall(t *testing.T) {
	seg := codeseg.New(64, nil)
	base := seg.Addr()

	InsertCall(seg, base+8, base+40)

	c, err := TryCallAt(seg, base+8)
	require.NoError(t, err)
	require.Equal(t, base+8, c.InstructionAddress())
	require.Equal(t, base+9, c.DisplacementAddress())
	require.Equal(t, base+13, c.ReturnAddress())
	require.Equal(t, base+13, c.NextInstructionAddress())
	require.Equal(t, int32(27), c.Displacement())
	require.Equal(t, base+40, c.Destination())

	require.True(t, IsCallAt(seg, base+8))
	require.True(t, IsCallBefore(seg, base+13))
	require.True(t, IsCallTo(seg, base+8, base+40))
	require.False(t, IsCallTo(seg, base+8, base+41))
	require.False(t, IsCallTo(seg, base+9, base+40))
	require.Equal(t, base+8, CallBefore(seg, base+13).Addr())

	requirePanicIs(t, ErrDisplacementRange, func() { InsertCall(seg, base, base+5+math.MaxInt32+1) })
}

func TestCall_Verify(t *testing.T) {
	seg, addr := segmentWith(0, 0xe9, 0, 0, 0, 0)
	_, err := TryCallAt(seg, addr)
	requireErrorIs(t, err, ErrShapeMismatch)

	// A call opcode ending the segment.
	seg, addr = segmentWith(6, 0xe8, 0)
	_, err = TryCallAt(seg, addr)
	requireErrorIs(t, err, ErrShapeMismatch)
	require.True(t, IsCallAt(seg, addr))
	require.False(t, IsCallTo(seg, addr, 0))
}

func TestCall_SetDestination(t *testing.T) {
	seg := codeseg.New(32, nil)
	base := seg.Addr()
	InsertCall(seg, base, base)
	c := CallAt(seg, base)
	ret := c.ReturnAddress()

	for _, dest := range []uintptr{
		base,
		ret,
		base + 31,
		ret + math.MaxInt32,
		ret - math.MaxInt32 - 1,
		ret - 0x1000,
	} {
		c.SetDestination(dest)
		require.Equal(t, dest, c.Destination(), "%#x", dest)
	}

	c.SetDestination(base + 16)
	for _, dest := range []uintptr{ret + math.MaxInt32 + 1, ret - math.MaxInt32 - 2, ret + 1<<40} {
		requirePanicIs(t, ErrDisplacementRange, func() { c.SetDestination(dest) })
		require.Equal(t, base+16, c.Destination(), "%#x must not be stored", dest)
	}
}

func TestCall_SetDestinationMTSafe(t *testing.T) {
	seg, ic := newRecordingSegment(32)
	base := seg.Addr()

	t.Run("aligned", func(t *testing.T) {
		InsertCall(seg, base+3, base+3)
		ic.calls = nil

		c := CallAt(seg, base+3)
		require.True(t, c.IsDisplacementAligned())
		c.SetDestinationMTSafe(base + 24)
		require.Equal(t, base+24, c.Destination())
		require.Equal(t, []invalidation{{addr: base + 4, bytes: []byte{16, 0, 0, 0}}}, ic.calls)
	})

	t.Run("misaligned", func(t *testing.T) {
		InsertCall(seg, base+16, base)
		c := CallAt(seg, base+16)
		require.False(t, c.IsDisplacementAligned())
		requirePanicIs(t, ErrMisaligned, func() { c.SetDestinationMTSafe(base + 24) })
		require.Equal(t, base, c.Destination())
	})

	t.Run("range", func(t *testing.T) {
		c := CallAt(seg, base+3)
		requirePanicIs(t, ErrDisplacementRange, func() { c.SetDestinationMTSafe(base + 1<<40) })
		require.Equal(t, base+24, c.Destination())
	})
}

func TestReplaceCallMTSafe(t *testing.T) {
	seg := codeseg.New(32, nil)
	base := seg.Addr()
	InsertCall(seg, base+5, base+20)

	scratch := codeseg.New(8, nil)
	InsertCall(scratch, scratch.Addr(), scratch.Addr()+(base+28-(base+5)))
	code := scratch.Snapshot(scratch.Addr(), CallSize)

	ReplaceCallMTSafe(seg, base+5, code)
	require.Equal(t, base+28, CallAt(seg, base+5).Destination())

	requirePanicIs(t, ErrShapeMismatch, func() {
		ReplaceCallMTSafe(seg, base+5, []byte{0xe9, 0, 0, 0, 0})
	})
	requirePanicIs(t, ErrShapeMismatch, func() {
		ReplaceCallMTSafe(seg, base+5, code[:4])
	})
	requirePanicIs(t, ErrShapeMismatch, func() {
		ReplaceCallMTSafe(seg, base+6, code)
	})
}

func TestCallReg(t *testing.T) {
	for _, tc := range []struct {
		name string
		code []byte
		exp  int
	}{
		{name: "call rax", code: []byte{0xff, 0xd0}, exp: 2},
		{name: "rex call rax", code: []byte{0x40, 0xff, 0xd0}, exp: 3},
		{name: "call r11", code: []byte{0x41, 0xff, 0xd3}, exp: 3},
		{name: "call r25", code: []byte{0xd5, 0x11, 0xff, 0xd1}, exp: 4},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			seg, addr := segmentWith(2, tc.code...)
			c, err := TryCallRegAt(seg, addr)
			require.NoError(t, err)
			require.Equal(t, tc.exp, c.NextInstructionOffset())
			require.Equal(t, addr+uintptr(tc.exp), c.NextInstructionAddress())
			require.Equal(t, c, CallRegAt(seg, addr))
		})
	}

	seg, addr := segmentWith(0, 0xe8, 0, 0, 0, 0)
	_, err := TryCallRegAt(seg, addr)
	requireErrorIs(t, err, ErrShapeMismatch)
}
