package randomx

import (
	"sync"
	"sync/atomic"

	"github.com/VanDung-dev/RandomX-Engine/bridge"
)

// Cache is native memory derived from a seed key. It is used directly by
// light-mode VMs and as the source of a Dataset.
//
// A Cache may be shared by any number of VMs and Datasets. Close drops the
// caller's reference only; the memory is freed once every VM and Dataset
// using it has been closed as well.
type Cache struct {
	state  *cacheState
	closed atomic.Bool
}

type cacheState struct {
	lib   *library
	flags Flags
	refs  refCount

	// mu excludes Reinit from readers of the cache memory: dataset
	// expansion, VM creation and light-mode hashing.
	mu  sync.RWMutex
	ptr bridge.Handle

	// epoch counts re-keys; a Dataset remembers the epoch it was
	// expanded from.
	epoch atomic.Uint64
}

// NewCache allocates a cache and initializes it with seed.
//
// Meaningful flags are FlagLargePages, FlagJIT and the Argon2 bits; the
// others are ignored by the native library. Identical (seed, flags) always
// produce identical cache contents.
func NewCache(flags Flags, seed []byte) (*Cache, error) {
	const op = "new cache"

	l := current()
	if !l.Available() {
		return nil, newError(op, ErrUnavailable, "")
	}
	if err := checkFlags(op, flags); err != nil {
		return nil, err
	}
	if len(seed) == 0 {
		return nil, newError(op, ErrParameter, "seed is empty")
	}

	ptr := l.AllocCache(uint32(flags))
	if ptr == nil {
		return nil, newError(op, ErrAllocation, "could not allocate cache with flags %s", flags)
	}

	s := &cacheState{lib: l, flags: flags, ptr: ptr}
	s.refs.init(s.free)
	l.InitCache(ptr, seed)

	return &Cache{state: s}, nil
}

// Reinit re-derives the cache contents in place from a new seed.
//
// Reinit waits for in-flight light-mode hashes and dataset expansions that
// read this cache. Datasets expanded before the call report Stale until they
// are expanded again.
func (c *Cache) Reinit(seed []byte) error {
	const op = "reinit cache"

	if c.closed.Load() {
		return newError(op, ErrClosed, "")
	}
	if len(seed) == 0 {
		return newError(op, ErrParameter, "seed is empty")
	}

	s := c.state
	s.mu.Lock()
	s.lib.InitCache(s.ptr, seed)
	s.epoch.Add(1)
	s.mu.Unlock()
	return nil
}

// Flags returns the flags the cache was allocated with.
func (c *Cache) Flags() Flags {
	return c.state.flags
}

// Close releases the caller's reference. It is safe to call more than once.
func (c *Cache) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.state.refs.release()
	}
	return nil
}

// retain takes a reference for a VM or Dataset.
func (c *Cache) retain(op string) (*cacheState, error) {
	if c.closed.Load() || !c.state.refs.acquire() {
		return nil, newError(op, ErrClosed, "cache is closed")
	}
	return c.state, nil
}

func (s *cacheState) free() {
	s.lib.ReleaseCache(s.ptr)
	s.ptr = nil
}
