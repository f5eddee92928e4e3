// Package codeseg provides Segment, the capability through which code memory is read and patched.
//
// Everything that mutates machine code goes through a Segment so that the two requirements of live
// patching live in one place: stores that must appear atomic to concurrently fetching threads are single
// aligned word stores, and the instruction cache is notified after every store.
package codeseg

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/tetratelabs/nativepatch/api"
	"github.com/tetratelabs/nativepatch/internal/platform"
)

// WordSize is the size in bytes of the widest store that is observed atomically.
const WordSize = 8

var (
	// ErrOutOfRange marks accesses outside the segment.
	ErrOutOfRange = errors.New("address outside of code segment")
	// ErrMisaligned marks atomic writes to a range that spans more than one aligned word.
	ErrMisaligned = errors.New("range is not atomically writable")
)

// Segment is a contiguous region of code memory starting at a WordSize aligned address.
//
// Plain accessors (Uint8, PutUint32, Write ...) are meant for the patching goroutine or for code no other
// thread executes yet. Threads reading code that may be patched concurrently must use Fetch, which pairs
// with AtomicWrite, or amd64.FetchInstruction for instructions spanning words.
//
// Byte order within words follows the host, which is little-endian on every supported architecture.
type Segment struct {
	code   []byte
	mapped bool
	icache api.ICache
}

// New returns a Segment backed by ordinary heap memory. Such a segment cannot be executed, but behaves
// exactly like a mapped one otherwise, which makes it the staging area of choice for code that is not live
// yet. The size is rounded up to a multiple of WordSize.
//
// A nil icache defaults to FenceICache.
func New(size int, icache api.ICache) *Segment {
	words := make([]uint64, (size+WordSize-1)/WordSize)
	seg := &Segment{icache: orFence(icache)}
	if len(words) > 0 {
		seg.code = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*WordSize)
	}
	return seg
}

// Map returns a Segment backed by a new read-write-execute memory mapping of at least the given size.
//
// Segments returned by Map hold memory which is NOT managed by the garbage collector and must be released
// by calling Unmap.
func Map(size int, icache api.ICache) (*Segment, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid code segment size %d", size)
	}
	size = (size + WordSize - 1) &^ (WordSize - 1)
	code, err := platform.MmapCodeSegment(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map code segment of %d bytes", size)
	}
	return &Segment{code: code, mapped: true, icache: orFence(icache)}, nil
}

// Unmap releases the memory mapping of the segment, if any. The segment is empty afterwards.
func (s *Segment) Unmap() error {
	if s.mapped && len(s.code) > 0 {
		if err := platform.MunmapCodeSegment(s.code); err != nil {
			return errors.Wrap(err, "failed to unmap code segment")
		}
	}
	s.code = nil
	s.mapped = false
	return nil
}

// Addr returns the address of the first byte of the segment.
func (s *Segment) Addr() uintptr {
	if len(s.code) > 0 {
		return uintptr(unsafe.Pointer(&s.code[0]))
	}
	return 0
}

// Len returns the size of the segment in bytes.
func (s *Segment) Len() int {
	return len(s.code)
}

// Mapped returns true if the segment is backed by executable memory.
func (s *Segment) Mapped() bool {
	return s.mapped
}

// Contains returns true if the n bytes starting at addr all lie inside the segment.
func (s *Segment) Contains(addr uintptr, n int) bool {
	base := s.Addr()
	if n < 0 || addr < base {
		return false
	}
	off := addr - base
	return off <= uintptr(len(s.code)) && uintptr(n) <= uintptr(len(s.code))-off
}

func (s *Segment) offset(addr uintptr, n int) int {
	if !s.Contains(addr, n) {
		panic(errors.Mark(errors.AssertionFailedf("%d bytes at %#x outside of code segment [%#x, %#x)",
			n, addr, s.Addr(), s.Addr()+uintptr(len(s.code))), ErrOutOfRange))
	}
	return int(addr - s.Addr())
}

// Peek returns the byte at addr, or false if addr is outside the segment.
func (s *Segment) Peek(addr uintptr) (byte, bool) {
	if !s.Contains(addr, 1) {
		return 0, false
	}
	return s.code[addr-s.Addr()], true
}

// Uint8 returns the byte at addr.
func (s *Segment) Uint8(addr uintptr) byte {
	return s.code[s.offset(addr, 1)]
}

// Uint16 returns the little-endian 16-bit value at addr.
func (s *Segment) Uint16(addr uintptr) uint16 {
	off := s.offset(addr, 2)
	return binary.LittleEndian.Uint16(s.code[off:])
}

// Uint32 returns the little-endian 32-bit value at addr.
func (s *Segment) Uint32(addr uintptr) uint32 {
	off := s.offset(addr, 4)
	return binary.LittleEndian.Uint32(s.code[off:])
}

// Uint64 returns the little-endian 64-bit value at addr.
func (s *Segment) Uint64(addr uintptr) uint64 {
	off := s.offset(addr, 8)
	return binary.LittleEndian.Uint64(s.code[off:])
}

// PutUint8 stores b at addr and invalidates it.
func (s *Segment) PutUint8(addr uintptr, b byte) {
	s.code[s.offset(addr, 1)] = b
	s.icache.Invalidate(addr, 1)
}

// PutUint16 stores v at addr and invalidates it.
func (s *Segment) PutUint16(addr uintptr, v uint16) {
	off := s.offset(addr, 2)
	binary.LittleEndian.PutUint16(s.code[off:], v)
	s.icache.Invalidate(addr, 2)
}

// PutUint32 stores v at addr and invalidates it.
func (s *Segment) PutUint32(addr uintptr, v uint32) {
	off := s.offset(addr, 4)
	binary.LittleEndian.PutUint32(s.code[off:], v)
	s.icache.Invalidate(addr, 4)
}

// PutUint64 stores v at addr and invalidates it.
func (s *Segment) PutUint64(addr uintptr, v uint64) {
	off := s.offset(addr, 8)
	binary.LittleEndian.PutUint64(s.code[off:], v)
	s.icache.Invalidate(addr, 8)
}

// Write copies b to addr and invalidates the range. The copy has no atomicity guarantee.
func (s *Segment) Write(addr uintptr, b []byte) {
	off := s.offset(addr, len(b))
	copy(s.code[off:], b)
	s.icache.Invalidate(addr, len(b))
}

// Read copies len(dst) bytes starting at addr into dst.
func (s *Segment) Read(addr uintptr, dst []byte) {
	off := s.offset(addr, len(dst))
	copy(dst, s.code[off:])
}

// WithinWord returns true if the n bytes starting at addr lie inside one WordSize aligned word.
func WithinWord(addr uintptr, n int) bool {
	return n > 0 && n <= WordSize && addr/WordSize == (addr+uintptr(n)-1)/WordSize
}

// AtomicWrite stores b at addr with a single atomic word store, then invalidates the range.
//
// Bytes of the word outside [addr, addr+len(b)) are preserved even if other sites in the same word are
// patched concurrently. This panics with ErrMisaligned unless WithinWord(addr, len(b)).
func (s *Segment) AtomicWrite(addr uintptr, b []byte) {
	if !WithinWord(addr, len(b)) {
		panic(errors.Mark(errors.AssertionFailedf("%d bytes at %#x span more than one %d-byte word",
			len(b), addr, WordSize), ErrMisaligned))
	}
	wordAddr := addr &^ (WordSize - 1)
	p := (*uint64)(unsafe.Pointer(&s.code[s.offset(wordAddr, WordSize)]))

	shift := uint(addr-wordAddr) * 8
	var mask, val uint64
	for i, c := range b {
		mask |= 0xff << (shift + 8*uint(i))
		val |= uint64(c) << (shift + 8*uint(i))
	}
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, old&^mask|val) {
			break
		}
	}
	s.icache.Invalidate(addr, len(b))
}

// Fetch copies len(dst) bytes starting at addr into dst, loading every word it touches atomically.
//
// A range within one word is therefore observed either entirely before or entirely after any AtomicWrite
// to it. Words are loaded independently, so a range spanning words can mix them from different stores of
// one replacement. amd64.FetchInstruction reads such instructions consistently.
func (s *Segment) Fetch(addr uintptr, dst []byte) {
	if len(dst) == 0 {
		return
	}
	s.offset(addr, len(dst))
	end := addr + uintptr(len(dst))
	for wordAddr := addr &^ (WordSize - 1); wordAddr < end; wordAddr += WordSize {
		w := atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.code[wordAddr-s.Addr()])))
		for i := uintptr(0); i < WordSize; i++ {
			if a := wordAddr + i; a >= addr && a < end {
				dst[a-addr] = byte(w >> (8 * i))
			}
		}
	}
}

// Snapshot returns a copy of the n bytes starting at addr, fetched the same way as Fetch.
func (s *Segment) Snapshot(addr uintptr, n int) []byte {
	ret := make([]byte, n)
	s.Fetch(addr, ret)
	return ret
}
