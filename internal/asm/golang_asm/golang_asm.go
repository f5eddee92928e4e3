// Package golang_asm is the encoder used to produce real amd64 instruction sequences in tests. It wraps
// golang-asm, which is the Go toolchain assembler extracted as a library.
package golang_asm

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Register aliases of golang-asm registers commonly used in tests.
const (
	RegAX  = x86.REG_AX
	RegCX  = x86.REG_CX
	RegDX  = x86.REG_DX
	RegSP  = x86.REG_SP
	RegR10 = x86.REG_R10
	RegR11 = x86.REG_R11
	RegR12 = x86.REG_R12
)

// Node is an instruction added to an Encoder.
type Node struct {
	prog *obj.Prog
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return n.prog.String()
}

// OffsetInBinary returns the offset of the instruction in the output of Encoder.Assemble. It is only valid
// after Assemble.
func (n *Node) OffsetInBinary() int {
	return int(n.prog.Pc)
}

// AssignJumpTarget sets the branch target of a jump Node.
func (n *Node) AssignJumpTarget(target *Node) {
	n.prog.To.SetTarget(target.prog)
}

// Encoder assembles amd64 code with golang-asm.
type Encoder struct {
	b *goasm.Builder
	// setBranchTargetOnNext holds jumps whose target is the next added instruction.
	setBranchTargetOnNext []*Node
}

// NewEncoder returns an Encoder for amd64.
func NewEncoder() (*Encoder, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &Encoder{b: b}, nil
}

// Assemble returns the machine code of the instructions added so far.
func (e *Encoder) Assemble() []byte {
	return e.b.Assemble()
}

// SetJumpTargetOnNext makes the next added instruction the target of nodes.
func (e *Encoder) SetJumpTargetOnNext(nodes ...*Node) {
	e.setBranchTargetOnNext = append(e.setBranchTargetOnNext, nodes...)
}

func (e *Encoder) add(p *obj.Prog) *Node {
	e.b.AddInstruction(p)
	for _, n := range e.setBranchTargetOnNext {
		n.prog.To.SetTarget(p)
	}
	e.setBranchTargetOnNext = nil
	return &Node{prog: p}
}

// CompileStandAlone adds an instruction without operands, such as obj.ARET or x86.AUD2.
func (e *Encoder) CompileStandAlone(as obj.As) *Node {
	p := e.b.NewProg()
	p.As = as
	return e.add(p)
}

// CompileJump adds a relative jump, conditional or not, whose target is assigned later.
func (e *Encoder) CompileJump(as obj.As) *Node {
	p := e.b.NewProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	return e.add(p)
}

// CompileJumpToRegister adds a jump or call through reg.
func (e *Encoder) CompileJumpToRegister(as obj.As, reg int16) *Node {
	p := e.b.NewProg()
	p.As = as
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	return e.add(p)
}

// CompileConstToRegister adds `as $value, dst`.
func (e *Encoder) CompileConstToRegister(as obj.As, value int64, dst int16) *Node {
	p := e.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

// CompileMemoryToRegister adds `as offset(base), dst`.
func (e *Encoder) CompileMemoryToRegister(as obj.As, base int16, offset int64, dst int16) *Node {
	p := e.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = offset
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

// CompileRegisterToMemory adds `as src, offset(base)`.
func (e *Encoder) CompileRegisterToMemory(as obj.As, src, base int16, offset int64) *Node {
	p := e.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = offset
	return e.add(p)
}

// CompileRegisterToRegister adds `as src, dst`.
func (e *Encoder) CompileRegisterToRegister(as obj.As, src, dst int16) *Node {
	p := e.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}
