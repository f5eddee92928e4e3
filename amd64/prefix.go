package amd64

// prefixClass is the kind of REX prefix an instruction starts with. Optional prefixes shift every field that
// follows them, so variants first decode the class and then look their layout up in a table indexed by it.
type prefixClass byte

const (
	prefixClassNone prefixClass = iota
	prefixClassREX
	prefixClassREX2
)

func prefixClassOf(b byte) prefixClass {
	switch {
	case b == prefixREX2:
		return prefixClassREX2
	case b&0xf0 == prefixREX:
		return prefixClassREX
	default:
		return prefixClassNone
	}
}

// String implements fmt.Stringer.
func (c prefixClass) String() string {
	switch c {
	case prefixClassREX:
		return "rex"
	case prefixClassREX2:
		return "rex2"
	}
	return "none"
}

// size is the number of bytes a prefix of this class occupies.
func (c prefixClass) size() int {
	return [...]int{prefixClassNone: 0, prefixClassREX: 1, prefixClassREX2: 2}[c]
}

// callRegNextInstructionOffset is indexed by the prefix class of an FF /2 call.
var callRegNextInstructionOffset = [...]int{
	prefixClassNone: 2,
	prefixClassREX:  3,
	prefixClassREX2: 4,
}

// movConstRegLayout describes REX.W B8+r imm64 and its REX2 form. The instruction always carries a prefix,
// so prefixClassNone shares the REX layout.
type movConstRegLayout struct {
	size, dataOffset int
}

var movConstRegLayouts = [...]movConstRegLayout{
	prefixClassNone: {size: 1 + 1 + 8, dataOffset: 1 + 1},
	prefixClassREX:  {size: 1 + 1 + 8, dataOffset: 1 + 1},
	prefixClassREX2: {size: 1 + 2 + 8, dataOffset: 1 + 2},
}

// safepointPollTestOffset returns the offset of the test opcode of a poll starting with b. Only REX.B is
// skipped among the REX prefixes: the polling page register is either rax-r7 or r8-r15 with no other bits.
func safepointPollTestOffset(b byte) int {
	switch {
	case b == prefixREX2:
		return 2
	case b == prefixREXB:
		return 1
	}
	return 0
}
