package nativepatch

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/tetratelabs/nativepatch/amd64"
	"github.com/tetratelabs/nativepatch/api"
	"github.com/tetratelabs/nativepatch/codeseg"
)

const (
	// codeAlignment is the alignment of every piece of code emitted into a CodeCache.
	codeAlignment = 16
	// int3 pads the gaps between emitted code, so that a stray jump into them traps.
	int3 = 0xcc
)

var (
	// ErrCodeCacheFull is returned by Emit when the code does not fit in the remaining capacity.
	ErrCodeCacheFull = errors.New("code cache is full")
	// ErrClosed is returned by operations on a closed CodeCache.
	ErrClosed = errors.New("code cache is closed")
)

// CodeCache holds machine code emitted by a compiler and patches it while other threads may execute it.
//
// All methods are safe for concurrent use: patches are serialized by the cache, which is what the MT-safe
// patch protocol requires of its callers. Threads executing or reading the code do not take the lock; those
// that read an instruction should use amd64.FetchInstruction on Segment().
type CodeCache struct {
	mu     sync.Mutex
	seg    *codeseg.Segment
	size   int
	config *patcherConfig
}

// NewCodeCache returns a CodeCache able to hold capacity bytes of code. A nil config is the same as
// NewPatcherConfig().
//
// Caches backed by executable memory hold memory which is NOT managed by the garbage collector and must be
// released with Close.
func NewCodeCache(capacity int, config PatcherConfig) (*CodeCache, error) {
	if capacity <= 0 {
		return nil, errors.Newf("invalid code cache capacity %d", capacity)
	}
	if config == nil {
		config = NewPatcherConfig()
	}
	c := config.(*patcherConfig).clone()

	var seg *codeseg.Segment
	if c.mapsCode() {
		var err error
		if seg, err = codeseg.Map(capacity, c.icache); err != nil {
			return nil, errors.Wrap(err, "failed to create code cache")
		}
	} else {
		seg = codeseg.New(capacity, c.icache)
	}
	return &CodeCache{seg: seg, config: c}, nil
}

// Segment returns the segment holding the code, or nil once closed.
func (c *CodeCache) Segment() *codeseg.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seg
}

// Executable returns true if the code can be executed.
func (c *CodeCache) Executable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seg != nil && c.seg.Mapped()
}

// Size returns the number of bytes emitted so far, padding included.
func (c *CodeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Emit copies code into the cache at the next codeAlignment boundary and returns its address.
func (c *CodeCache) Emit(code []byte) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return 0, ErrClosed
	}
	return c.emitAt(alignUp(c.size, codeAlignment), code)
}

// EmitPatchable is Emit for code holding a field of fieldSize bytes at fieldOffset that will be patched
// atomically, such as the displacement of a call or the literal of a mov. The code is placed at the first
// address at or after the next codeAlignment boundary where the field is naturally aligned, so that it lies
// in one word.
func (c *CodeCache) EmitPatchable(code []byte, fieldOffset, fieldSize int) (uintptr, error) {
	if fieldOffset < 0 || fieldSize <= 0 || fieldSize > codeseg.WordSize || fieldOffset+fieldSize > len(code) {
		return 0, errors.Newf("invalid patchable field of %d bytes at offset %d in %d bytes of code",
			fieldSize, fieldOffset, len(code))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return 0, ErrClosed
	}

	align := 1
	for align < fieldSize {
		align <<= 1
	}
	start := alignUp(c.size, codeAlignment)
	base := c.seg.Addr()
	for (base+uintptr(start+fieldOffset))%uintptr(align) != 0 {
		start++
	}
	return c.emitAt(start, code)
}

func (c *CodeCache) emitAt(start int, code []byte) (uintptr, error) {
	if start+len(code) > c.seg.Len() {
		return 0, errors.Wrapf(ErrCodeCacheFull, "%d bytes at offset %d exceed capacity %d",
			len(code), start, c.seg.Len())
	}
	base := c.seg.Addr()
	for off := c.size; off < start; off++ {
		c.seg.PutUint8(base+uintptr(off), int3)
	}
	addr := base + uintptr(start)
	if len(code) > 0 {
		c.seg.Write(addr, code)
	}
	c.size = start + len(code)
	return addr, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Kind classifies the instruction at addr.
func (c *CodeCache) Kind(addr uintptr) amd64.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return amd64.KindUnknown
	}
	return amd64.Classify(c.seg, addr)
}

// IsSafepointPoll returns true if the instruction at addr is a safepoint poll.
func (c *CodeCache) IsSafepointPoll(addr uintptr) bool {
	return c.Kind(addr) == amd64.KindSafepointPoll
}

// CallDestination returns the target of the `call rel32` at addr.
func (c *CodeCache) CallDestination(addr uintptr) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return 0, ErrClosed
	}
	call := amd64.Call{Instruction: amd64.InstructionAt(c.seg, addr)}
	if err := c.verify(call); err != nil {
		return 0, err
	}
	return call.Destination(), nil
}

// SetCallDestination retargets the `call rel32` at addr to dest while other threads may execute it.
func (c *CodeCache) SetCallDestination(addr, dest uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return ErrClosed
	}
	call := amd64.Call{Instruction: amd64.InstructionAt(c.seg, addr)}
	if err := c.verify(call); err != nil {
		return err
	}
	return c.patch(api.PatchOpSetCallDestination, addr, amd64.CallSize, func() {
		call.SetDestinationMTSafe(dest)
	})
}

// JumpDestination returns the target of the jump at addr, which is either `jmp rel32` or a far jump. A
// `jmp rel32` to itself returns amd64.UnresolvedDestination.
func (c *CodeCache) JumpDestination(addr uintptr) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return 0, ErrClosed
	}
	j := amd64.Jump{Instruction: amd64.InstructionAt(c.seg, addr)}
	if err := c.verify(j); err != nil {
		return 0, err
	}
	if j.IsFar() {
		return uintptr(amd64.MovConstRegAt(c.seg, addr).Data()), nil
	}
	return j.Destination(), nil
}

// SetJumpDestination retargets the jump at addr to dest while other threads may execute it. Far jumps
// reach any dest, `jmp rel32` only dest within rel32 range.
func (c *CodeCache) SetJumpDestination(addr, dest uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return ErrClosed
	}
	j := amd64.Jump{Instruction: amd64.InstructionAt(c.seg, addr)}
	if err := c.verify(j); err != nil {
		return err
	}
	if j.IsFar() {
		mov := amd64.MovConstRegAt(c.seg, addr)
		return c.patch(api.PatchOpSetJumpDestination, addr, mov.InstructionSize(), func() {
			mov.SetDataMTSafe(uint64(dest))
		})
	}
	return c.patch(api.PatchOpSetJumpDestination, addr, amd64.JumpSize, func() {
		j.SetDestinationMTSafe(dest)
	})
}

// ReplaceMTSafe replaces the instruction at addr with code, which must be a single instruction of the
// same size, while other threads may execute it.
func (c *CodeCache) ReplaceMTSafe(addr uintptr, code []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return ErrClosed
	}
	return c.patch(api.PatchOpReplace, addr, len(code), func() {
		amd64.ReplaceMTSafe(c.seg, addr, code)
	})
}

// Literal returns the immediate of the `mov r64, imm64` at addr.
func (c *CodeCache) Literal(addr uintptr) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return 0, ErrClosed
	}
	mov := amd64.MovConstReg{Instruction: amd64.InstructionAt(c.seg, addr)}
	if err := c.verify(mov); err != nil {
		return 0, err
	}
	return mov.Data(), nil
}

// SetLiteral sets the immediate of the `mov r64, imm64` at addr while other threads may execute it.
func (c *CodeCache) SetLiteral(addr uintptr, v uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return ErrClosed
	}
	mov := amd64.MovConstReg{Instruction: amd64.InstructionAt(c.seg, addr)}
	if err := c.verify(mov); err != nil {
		return err
	}
	return c.patch(api.PatchOpSetLiteral, addr, mov.InstructionSize(), func() {
		mov.SetDataMTSafe(v)
	})
}

// AddMemoryOffset adds delta to the disp32 of the memory operand at addr. The store is atomic when the
// displacement lies in one aligned word; otherwise the instruction must not be executing.
func (c *CodeCache) AddMemoryOffset(addr uintptr, delta int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return ErrClosed
	}
	m := amd64.MovRegMem{Instruction: amd64.InstructionAt(c.seg, addr)}
	if err := c.verify(m); err != nil {
		return err
	}
	end := m.NumBytesToEndOfPatch()
	return c.patch(api.PatchOpAddMemoryOffset, addr, end, func() {
		dispAddr := addr + uintptr(end-4)
		if !codeseg.WithinWord(dispAddr, 4) {
			m.AddOffsetInBytes(delta)
			return
		}
		var disp [4]byte
		binary.LittleEndian.PutUint32(disp[:], uint32(m.Offset()+delta))
		c.seg.AtomicWrite(dispAddr, disp[:])
	})
}

// PostCallInfo decodes the post-call nop at addr. It returns false if the nop carries no metadata.
func (c *CodeCache) PostCallInfo(addr uintptr) (amd64.PostCallInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return amd64.PostCallInfo{}, false, ErrClosed
	}
	n, err := c.postCallNop(addr)
	if err != nil {
		return amd64.PostCallInfo{}, false, err
	}
	info, ok := n.Decode()
	return info, ok, nil
}

// SetPostCallInfo encodes slot and cbOffset into the post-call nop at addr. It returns false if they cannot
// be encoded, in which case the nop is unchanged.
func (c *CodeCache) SetPostCallInfo(addr uintptr, slot, cbOffset int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return false, ErrClosed
	}
	n, err := c.postCallNop(addr)
	if err != nil {
		return false, err
	}
	var ok bool
	err = c.patch(api.PatchOpSetPostCallInfo, addr, amd64.PostCallNopSize, func() {
		ok = n.Patch(slot, cbOffset)
	})
	return ok, err
}

// Deoptimize turns the post-call nop at addr into the deoptimization trap, so that returning into the call
// site traps.
func (c *CodeCache) Deoptimize(addr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return ErrClosed
	}
	n, err := c.postCallNop(addr)
	if err != nil {
		return err
	}
	return c.patch(api.PatchOpDeoptimize, addr, amd64.DeoptInstructionSize, n.MakeDeopt)
}

func (c *CodeCache) postCallNop(addr uintptr) (amd64.PostCallNop, error) {
	if !c.config.verify {
		return amd64.PostCallNopUnsafeAt(c.seg, addr), nil
	}
	n, ok := amd64.PostCallNopAt(c.seg, addr)
	if !ok {
		return amd64.PostCallNop{}, errors.Wrapf(amd64.ErrShapeMismatch, "no post-call nop at %#x", addr)
	}
	return n, nil
}

// InsertIllegal overwrites the start of the instruction at addr with `ud2` while other threads may
// execute it.
func (c *CodeCache) InsertIllegal(addr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return ErrClosed
	}
	return c.patch(api.PatchOpInsertIllegal, addr, amd64.IllegalInstructionSize, func() {
		amd64.InsertIllegal(c.seg, addr)
	})
}

// Close releases the memory of the cache. Addresses previously returned by Emit must not be used
// afterwards.
func (c *CodeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return nil
	}
	err := c.seg.Unmap()
	c.seg = nil
	return err
}

func (c *CodeCache) verify(v interface{ Verify() error }) error {
	if !c.config.verify {
		return nil
	}
	return v.Verify()
}

// patch applies the n bytes long patch at addr, then notifies the listeners if any byte changed.
// Displacement range and alignment failures are returned, in which case nothing was written.
func (c *CodeCache) patch(op api.PatchOp, addr uintptr, n int, apply func()) error {
	if !c.seg.Contains(addr, n) {
		return errors.Wrapf(codeseg.ErrOutOfRange, "%s of %d bytes at %#x", op, n, addr)
	}
	old := c.seg.Snapshot(addr, n)
	if err := recoverPatch(apply); err != nil {
		return err
	}
	if len(c.config.listeners) == 0 {
		return nil
	}
	ev := api.PatchEvent{Op: op, Addr: addr, Old: old, New: c.seg.Snapshot(addr, n)}
	if bytes.Equal(ev.Old, ev.New) {
		return nil
	}
	for _, l := range c.config.listeners {
		l.OnPatch(ev)
	}
	return nil
}

// recoverPatch calls fn, converting the panics which reject a patch before anything is stored into errors.
func recoverPatch(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok && (errors.Is(e, amd64.ErrDisplacementRange) ||
			errors.Is(e, amd64.ErrMisaligned) || errors.Is(e, codeseg.ErrOutOfRange)) {
			err = e
			return
		}
		panic(r)
	}()
	fn()
	return nil
}
