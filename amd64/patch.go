package amd64

import (
	"bytes"
	"runtime"

	"github.com/tetratelabs/nativepatch/codeseg"
)

// guardInstruction is `jmp $`, which parks a thread reaching a site until the site is complete.
var guardInstruction = [2]byte{shortJumpInstructionCode, 0xfe}

// IsGuard returns true if b starts with the jump to itself ReplaceMTSafe installs while a site is being
// rewritten. A thread fetching a guard spins and fetches again.
func IsGuard(b []byte) bool {
	return len(b) >= len(guardInstruction) && b[0] == guardInstruction[0] && b[1] == guardInstruction[1]
}

// patchStep is a single atomic store of ReplaceMTSafe.
type patchStep struct {
	addr uintptr
	code []byte
}

// replaceSteps returns the atomic stores replacing the len(code) bytes at addr with code, such that after
// each store the bytes at addr are the old instruction, the guard, or the new instruction.
func replaceSteps(addr uintptr, code []byte) []patchStep {
	if len(code) == 0 {
		return nil
	}
	if codeseg.WithinWord(addr, len(code)) {
		return []patchStep{{addr: addr, code: code}}
	}
	if !codeseg.WithinWord(addr, len(guardInstruction)) {
		fatal(ErrMisaligned, "first two bytes at %#x span two words", addr)
	}

	steps := []patchStep{{addr: addr, code: guardInstruction[:]}}
	end := addr + uintptr(len(code))
	for p := addr + uintptr(len(guardInstruction)); p < end; {
		n := codeseg.WordSize - p%codeseg.WordSize
		if rest := end - p; rest < n {
			n = rest
		}
		steps = append(steps, patchStep{addr: p, code: code[p-addr : p-addr+n]})
		p += n
	}
	return append(steps, patchStep{addr: addr, code: code[:len(guardInstruction)]})
}

// ReplaceMTSafe replaces the len(code) bytes at addr with code while other threads may be executing them.
//
// An instruction inside one aligned word is replaced with one atomic store. Otherwise the first two bytes
// are replaced by a guard, the rest of the instruction is stored word by word, and the first two bytes of
// code are stored last. Every store is followed by an instruction cache invalidation.
//
// This panics with ErrMisaligned if the instruction spans two words and so do its first two bytes, and
// with codeseg.ErrOutOfRange if it does not fit in the segment.
func ReplaceMTSafe(seg *codeseg.Segment, addr uintptr, code []byte) {
	if !seg.Contains(addr, len(code)) {
		fatal(codeseg.ErrOutOfRange, "%d bytes at %#x", len(code), addr)
	}
	for _, s := range replaceSteps(addr, code) {
		seg.AtomicWrite(s.addr, s.code)
	}
}

// FetchInstruction copies the len(dst) bytes of the instruction at addr into dst while ReplaceMTSafe may be
// rewriting it. Unlike codeseg.Segment.Fetch, which loads each word on its own, the copy is never a mix of
// words stored before and after a replacement, and never holds the guard: dst ends up with the complete
// instruction as it was either before or after.
//
// The site must not be replaced twice while one fetch is in progress.
func FetchInstruction(seg *codeseg.Segment, addr uintptr, dst []byte) {
	stableFetch(addr, dst, seg.Fetch)
}

// stableFetch loads dst word by word in address order until two consecutive loads agree and do not start
// with the guard. The head word of the second load follows the tail words of the first, so either both
// loads precede the guard or the second one follows the last store.
func stableFetch(addr uintptr, dst []byte, fetch func(uintptr, []byte)) {
	fetchWords(addr, dst, fetch)
	if codeseg.WithinWord(addr, len(dst)) && !IsGuard(dst) {
		return
	}
	prev := make([]byte, len(dst))
	for {
		copy(prev, dst)
		fetchWords(addr, dst, fetch)
		if !IsGuard(dst) && bytes.Equal(prev, dst) {
			return
		}
		runtime.Gosched()
	}
}

// fetchWords calls fetch once for each word touched by dst, in address order.
func fetchWords(addr uintptr, dst []byte, fetch func(uintptr, []byte)) {
	end := addr + uintptr(len(dst))
	for p := addr; p < end; {
		n := codeseg.WordSize - p%codeseg.WordSize
		if rest := end - p; rest < n {
			n = rest
		}
		fetch(p, dst[p-addr:p-addr+n])
		p += n
	}
}
