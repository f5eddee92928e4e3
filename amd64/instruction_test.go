package amd64

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/nativepatch/codeseg"
)

// recordingICache records the bytes visible at each invalidation.
type recordingICache struct {
	seg   *codeseg.Segment
	calls []invalidation
}

type invalidation struct {
	addr  uintptr
	bytes []byte
}

func (r *recordingICache) Invalidate(addr uintptr, size int) {
	r.calls = append(r.calls, invalidation{addr: addr, bytes: r.seg.Snapshot(addr, size)})
}

func newRecordingSegment(size int) (*codeseg.Segment, *recordingICache) {
	ic := &recordingICache{}
	seg := codeseg.New(size, ic)
	ic.seg = seg
	return seg, ic
}

// segmentWith returns a segment holding code at offset off of its first word, and the address of code.
// The segment ends with the word following code.
func segmentWith(off int, code ...byte) (*codeseg.Segment, uintptr) {
	seg := codeseg.New(off+len(code), nil)
	addr := seg.Addr() + uintptr(off)
	seg.Write(addr, code)
	return seg, addr
}

func requirePanicIs(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.Is(err, target), "unexpected error: %v", err)
	}()
	fn()
}

func requireErrorIs(t *testing.T, err, target error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, target), "unexpected error: %v", err)
}

func TestInstruction_accessors(t *testing.T) {
	seg, ic := newRecordingSegment(16)
	base := seg.Addr()
	i := InstructionAt(seg, base)
	require.Equal(t, base, i.Addr())
	require.Equal(t, seg, i.Segment())

	i.setByteAt(0, 0xf0)
	i.setInt32At(1, -2)
	i.setUint64At(5, 0x0102030405060708)
	require.Equal(t, byte(0xf0), i.ubyteAt(0))
	require.Equal(t, int8(-16), i.sbyteAt(0))
	require.Equal(t, int32(-2), i.int32At(1))
	require.Equal(t, uint64(0x0102030405060708), i.uint64At(5))

	require.Equal(t, []invalidation{
		{addr: base, bytes: []byte{0xf0}},
		{addr: base + 1, bytes: []byte{0xfe, 0xff, 0xff, 0xff}},
		{addr: base + 5, bytes: []byte{8, 7, 6, 5, 4, 3, 2, 1}},
	}, ic.calls)

	_, ok := i.peek(16)
	require.False(t, ok)
	require.True(t, i.available(16))
	require.False(t, i.available(17))
	requirePanicIs(t, codeseg.ErrOutOfRange, func() { i.ubyteAt(16) })
}

func TestInstruction_HasREX2Prefix(t *testing.T) {
	for _, tc := range []struct {
		code []byte
		exp  bool
	}{
		{code: []byte{0xd5, 0x08}, exp: true},
		{code: []byte{0x48, 0xd5}, exp: false},
		{code: []byte{0xc5, 0xf8}, exp: false},
	} {
		seg, addr := segmentWith(0, tc.code...)
		require.Equal(t, tc.exp, InstructionAt(seg, addr).HasREX2Prefix(), "% x", tc.code)
	}
}

func TestPrefixClassOf(t *testing.T) {
	for _, tc := range []struct {
		b    byte
		exp  prefixClass
		size int
	}{
		{b: 0x40, exp: prefixClassREX, size: 1},
		{b: 0x41, exp: prefixClassREX, size: 1},
		{b: 0x4f, exp: prefixClassREX, size: 1},
		{b: 0xd5, exp: prefixClassREX2, size: 2},
		{b: 0xff, exp: prefixClassNone, size: 0},
		{b: 0x3f, exp: prefixClassNone, size: 0},
		{b: 0x50, exp: prefixClassNone, size: 0},
		{b: 0xc4, exp: prefixClassNone, size: 0},
	} {
		c := prefixClassOf(tc.b)
		require.Equal(t, tc.exp, c, "%#x", tc.b)
		require.Equal(t, tc.size, c.size(), "%#x", tc.b)
	}
	require.Equal(t, "none", prefixClassNone.String())
	require.Equal(t, "rex", prefixClassREX.String())
	require.Equal(t, "rex2", prefixClassREX2.String())
}
