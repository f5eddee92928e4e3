package nativepatch

import (
	"github.com/tetratelabs/nativepatch/api"
	"github.com/tetratelabs/nativepatch/codeseg"
	"github.com/tetratelabs/nativepatch/internal/platform"
)

// PatcherConfig controls how a CodeCache holds and patches code. This is an interface for future
// compatibility: there are no exported implementations.
//
// PatcherConfig is immutable. Each WithXXX function returns a new instance including the corresponding
// change, so a base config can be shared:
//
//	base := nativepatch.NewPatcherConfig().WithICache(ic)
//	logged := base.WithPatchListener(logging.NewLoggingListener(os.Stderr))
type PatcherConfig interface {
	// WithICache sets the instruction-cache collaborator notified after every write. Defaults to
	// codeseg.FenceICache, which is correct on amd64 where instruction caches are coherent with stores.
	WithICache(api.ICache) PatcherConfig

	// WithPatchListener adds a listener notified after every patch, in the order added.
	//
	// Listeners run while the CodeCache is locked, so they must not call back into it.
	WithPatchListener(api.PatchListener) PatcherConfig

	// WithVerify sets whether the CodeCache verifies the instruction shape at a site before reading or
	// patching it, returning an error wrapping amd64.ErrShapeMismatch on failure. Defaults to true.
	//
	// When false, call sites are trusted and their bytes are used as they are.
	WithVerify(bool) PatcherConfig

	// WithExecutableMemory sets whether the CodeCache maps read-write-execute memory. Defaults to true.
	//
	// When false, or when platform.CodeMemorySupported is false, the cache is backed by heap memory: code
	// can be emitted and patched, but not executed.
	WithExecutableMemory(bool) PatcherConfig
}

// NewPatcherConfig returns a PatcherConfig with the defaults documented on each WithXXX function.
func NewPatcherConfig() PatcherConfig {
	ret := defaultConfig.clone()
	return ret
}

type patcherConfig struct {
	icache           api.ICache
	listeners        []api.PatchListener
	verify           bool
	executableMemory bool
}

var defaultConfig = &patcherConfig{
	icache:           codeseg.FenceICache{},
	verify:           true,
	executableMemory: true,
}

// clone makes a deep copy of this patcher config.
func (c *patcherConfig) clone() *patcherConfig {
	ret := *c // copy except slice
	ret.listeners = append([]api.PatchListener(nil), c.listeners...)
	return &ret
}

// WithICache implements PatcherConfig.WithICache
func (c *patcherConfig) WithICache(icache api.ICache) PatcherConfig {
	ret := c.clone()
	if icache == nil {
		icache = codeseg.FenceICache{}
	}
	ret.icache = icache
	return ret
}

// WithPatchListener implements PatcherConfig.WithPatchListener
func (c *patcherConfig) WithPatchListener(l api.PatchListener) PatcherConfig {
	ret := c.clone()
	if l != nil {
		ret.listeners = append(ret.listeners, l)
	}
	return ret
}

// WithVerify implements PatcherConfig.WithVerify
func (c *patcherConfig) WithVerify(verify bool) PatcherConfig {
	ret := c.clone()
	ret.verify = verify
	return ret
}

// WithExecutableMemory implements PatcherConfig.WithExecutableMemory
func (c *patcherConfig) WithExecutableMemory(executable bool) PatcherConfig {
	ret := c.clone()
	ret.executableMemory = executable
	return ret
}

// mapsCode returns whether a cache built from this config maps executable memory.
func (c *patcherConfig) mapsCode() bool {
	return c.executableMemory && platform.CodeMemorySupported()
}
