package amd64

// Prefix bytes.
// See https://www.intel.com/content/www/us/en/developer/articles/technical/intel-sdm.html (Vol. 2A, 2.2.1)
// and the Intel APX architecture extensions for REX2.
const (
	prefixREX     = 0x40
	prefixREXB    = 0x41
	prefixREXW    = 0x48
	prefixREXWB   = 0x49
	prefixREXWRXB = 0x4f

	// prefixREX2 is followed by one payload byte: M0 R4 X4 B4 W R3 X3 B3, from the high bit down.
	prefixREX2 = 0xd5

	rex2BitB   = 0x01
	rex2BitW   = 0x08
	rex2BitB4  = 0x10
	rex2BitWB  = rex2BitW | rex2BitB
	rex2BitWB4 = rex2BitW | rex2BitB4

	prefixVEX2Bytes = 0xc5
	prefixVEX3Bytes = 0xc4
	prefixEVEX      = 0x62

	prefixOperandSize = 0x66
	prefixXMMSS       = 0xf3
	prefixXMMSD       = 0xf2

	// escapeTwoByte selects the two-byte (MAP1) opcode map.
	escapeTwoByte = 0x0f
)

const (
	nopInstructionCode = 0x90
	nopInstructionSize = 1
)
