package codeseg

import (
	"sync/atomic"

	"github.com/tetratelabs/nativepatch/api"
)

var fence uint32

// FenceICache is the default api.ICache for amd64.
//
// amd64 keeps instruction caches coherent with data stores, so invalidation only has to order the store
// before anything the patching thread does next. A locked read-modify-write is a full fence on amd64.
type FenceICache struct{}

// Invalidate implements api.ICache.
func (FenceICache) Invalidate(uintptr, int) {
	atomic.AddUint32(&fence, 1)
}

func orFence(icache api.ICache) api.ICache {
	if icache == nil {
		return FenceICache{}
	}
	return icache
}
