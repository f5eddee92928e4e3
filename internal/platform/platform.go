// Package platform includes OS-specific code needed to hold live-patchable machine code.
package platform

import (
	"runtime"

	"github.com/cockroachdb/errors"
)

// CodeMemorySupported returns whether this platform can map memory that is
// at once readable, writable and executable. Live patching needs all three:
// the patcher stores into pages other threads are executing.
func CodeMemorySupported() bool {
	return runtime.GOARCH == "amd64" && codeMemorySupported
}

// MmapCodeSegment maps an anonymous read-write-execute region of the given size.
//
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic(errors.AssertionFailedf("BUG: MmapCodeSegment with zero length"))
	}
	return mmapCodeSegment(size)
}

// MunmapCodeSegment unmaps the given memory region.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.AssertionFailedf("BUG: MunmapCodeSegment with zero length"))
	}
	return munmapCodeSegment(code)
}
