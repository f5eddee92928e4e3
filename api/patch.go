// Package api includes constants and interfaces used by both runtime services and the patching layer.
package api

import "fmt"

// ICache is the instruction-cache coherency collaborator.
//
// Invalidate is called after every write to code memory, with the absolute address and size of the bytes
// written. Implementations must not return before every core is guaranteed to observe the new bytes on its
// next instruction fetch from that range.
type ICache interface {
	Invalidate(addr uintptr, size int)
}

// PatchOp identifies the kind of mutation described by a PatchEvent.
type PatchOp byte

const (
	PatchOpSetCallDestination PatchOp = iota + 1
	PatchOpSetJumpDestination
	PatchOpReplace
	PatchOpSetLiteral
	PatchOpAddMemoryOffset
	PatchOpSetPostCallInfo
	PatchOpDeoptimize
	PatchOpInsertIllegal
)

// String implements fmt.Stringer.
func (o PatchOp) String() string {
	switch o {
	case PatchOpSetCallDestination:
		return "set_call_destination"
	case PatchOpSetJumpDestination:
		return "set_jump_destination"
	case PatchOpReplace:
		return "replace"
	case PatchOpSetLiteral:
		return "set_literal"
	case PatchOpAddMemoryOffset:
		return "add_memory_offset"
	case PatchOpSetPostCallInfo:
		return "set_post_call_info"
	case PatchOpDeoptimize:
		return "deoptimize"
	case PatchOpInsertIllegal:
		return "insert_illegal"
	}
	return fmt.Sprintf("patch_op(%d)", byte(o))
}

// PatchEvent describes one completed mutation of code memory.
//
// Old and New hold the bytes of the affected range before and after the patch. They are copies and may be
// retained by the listener.
type PatchEvent struct {
	Op   PatchOp
	Addr uintptr
	Old  []byte
	New  []byte
}

// PatchListener is notified after a patch has been written and the ICache invalidated.
//
// Listeners are called synchronously on the patching goroutine, so they must not block or patch code
// themselves.
type PatchListener interface {
	OnPatch(PatchEvent)
}
