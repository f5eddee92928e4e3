//go:build !unix

package platform

import (
	"runtime"

	"github.com/cockroachdb/errors"
)

const codeMemorySupported = false

var errUnsupported = errors.Newf("mmap unsupported on GOOS=%s", runtime.GOOS)

func mmapCodeSegment(int) ([]byte, error) {
	return nil, errUnsupported
}

func munmapCodeSegment([]byte) error {
	return errUnsupported
}
