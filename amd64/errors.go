package amd64

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/tetratelabs/nativepatch/codeseg"
)

var (
	// ErrShapeMismatch marks bytes that do not match the instruction a view expects.
	ErrShapeMismatch = errors.New("instruction shape mismatch")
	// ErrDisplacementRange marks a branch target which is not reachable with a signed 32-bit displacement.
	ErrDisplacementRange = errors.New("displacement does not fit in 32 bits")
	// ErrMisaligned marks a multithread-safe patch of a field that cannot be stored atomically.
	ErrMisaligned = codeseg.ErrMisaligned
)

func shapeMismatch(addr uintptr, format string, args ...interface{}) error {
	return errors.Wrapf(ErrShapeMismatch, "%#x: %s", addr, fmt.Sprintf(format, args...))
}

// fatal panics with an assertion failure marked with sentinel. Range and alignment violations mean the caller
// picked a wrong patch site, there is nothing to retry.
func fatal(sentinel error, format string, args ...interface{}) {
	panic(errors.Mark(errors.AssertionFailedf(format, args...), sentinel))
}

// checkView panics with err in checked builds. Unchecked constructors call it with their Verify result.
func checkView(err error) {
	if err != nil {
		panic(err)
	}
}

// rel32 returns the displacement from `from` to `to`, and whether it fits in a signed 32-bit field.
func rel32(from, to uintptr) (int32, bool) {
	d := int64(int(to - from))
	return int32(d), d == int64(int32(d))
}

// offsetBy returns addr displaced by the signed value d.
func offsetBy(addr uintptr, d int64) uintptr {
	return addr + uintptr(int(d))
}
