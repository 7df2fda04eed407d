package randomx

import (
	"github.com/VanDung-dev/RandomX-Engine/bridge"
)

// VM computes RandomX hashes against a Cache (light mode) or a Dataset
// (FlagFullMem).
//
// A VM owns its scratch memory and holds references to its backing stores,
// so closing the Cache or Dataset handle while the VM is alive is safe.
//
// A VM must not be used from more than one goroutine at a time. Use one VM
// per goroutine; VMs can share the same Cache or Dataset.
type VM struct {
	lib     *library
	ptr     bridge.Handle
	flags   Flags
	cache   *cacheState
	dataset *datasetState
	closed  bool
}

// NewVM creates a VM.
//
// With FlagFullMem a dataset is required and cache is optional. Without it a
// cache is required and dataset must be nil. Light-mode JIT requires a cache
// allocated with FlagJIT. Invalid combinations fail with ErrConfig before any
// native memory is allocated.
func NewVM(flags Flags, cache *Cache, dataset *Dataset) (*VM, error) {
	const op = "new vm"

	if err := checkFlags(op, flags); err != nil {
		return nil, err
	}

	full := flags.Has(FlagFullMem)
	switch {
	case cache == nil && dataset == nil:
		return nil, newError(op, ErrConfig, "neither cache nor dataset supplied")
	case full && dataset == nil:
		return nil, newError(op, ErrConfig, "FlagFullMem requires a dataset")
	case !full && cache == nil:
		return nil, newError(op, ErrConfig, "light mode requires a cache")
	case !full && dataset != nil:
		return nil, newError(op, ErrConfig, "dataset supplied without FlagFullMem")
	case !full && flags.Has(FlagJIT) && !cache.Flags().Has(FlagJIT):
		return nil, newError(op, ErrConfig, "light-mode JIT requires a cache allocated with FlagJIT")
	}

	var l *library
	if dataset != nil {
		l = dataset.state.lib
	} else {
		l = cache.state.lib
	}
	if !l.Available() {
		return nil, newError(op, ErrUnavailable, "")
	}

	v := &VM{lib: l, flags: flags}
	if cache != nil {
		cs, err := cache.retain(op)
		if err != nil {
			return nil, err
		}
		v.cache = cs
	}
	if dataset != nil {
		ds, err := dataset.acquire(op)
		if err != nil {
			v.releaseBacking()
			return nil, err
		}
		v.dataset = ds
	}

	var cachePtr, datasetPtr bridge.Handle
	if v.cache != nil {
		v.cache.mu.RLock()
		cachePtr = v.cache.ptr
	}
	if v.dataset != nil {
		datasetPtr = v.dataset.ptr
	}
	v.ptr = l.CreateVM(uint32(flags), cachePtr, datasetPtr)
	if v.cache != nil {
		v.cache.mu.RUnlock()
	}

	if v.ptr == nil {
		v.releaseBacking()
		return nil, newError(op, ErrAllocation, "could not create vm with flags %s", flags)
	}
	return v, nil
}

// Flags returns the flags the VM was created with.
func (v *VM) Flags() Flags {
	return v.flags
}

// SetCache rebinds a light-mode VM to another cache without reallocating its
// scratch memory. The previous cache reference is dropped.
func (v *VM) SetCache(cache *Cache) error {
	const op = "set cache"

	if v.closed {
		return newError(op, ErrClosed, "vm is closed")
	}
	if cache == nil {
		return newError(op, ErrParameter, "cache is nil")
	}
	if v.flags.Has(FlagFullMem) {
		return newError(op, ErrConfig, "cannot bind a cache to a FlagFullMem vm")
	}
	if v.flags.Has(FlagJIT) && !cache.Flags().Has(FlagJIT) {
		return newError(op, ErrConfig, "light-mode JIT requires a cache allocated with FlagJIT")
	}

	cs, err := cache.retain(op)
	if err != nil {
		return err
	}
	cs.mu.RLock()
	v.lib.VMSetCache(v.ptr, cs.ptr)
	cs.mu.RUnlock()

	if old := v.cache; old != nil {
		old.refs.release()
	}
	v.cache = cs
	return nil
}

// SetDataset rebinds a full-memory VM to another dataset. The previous
// dataset reference is dropped.
func (v *VM) SetDataset(dataset *Dataset) error {
	const op = "set dataset"

	if v.closed {
		return newError(op, ErrClosed, "vm is closed")
	}
	if dataset == nil {
		return newError(op, ErrParameter, "dataset is nil")
	}
	if !v.flags.Has(FlagFullMem) {
		return newError(op, ErrConfig, "cannot bind a dataset to a light-mode vm")
	}

	ds, err := dataset.acquire(op)
	if err != nil {
		return err
	}
	v.lib.VMSetDataset(v.ptr, ds.ptr)

	if old := v.dataset; old != nil {
		old.refs.release()
	}
	v.dataset = ds
	return nil
}

// Hash computes the RandomX hash of msg.
func (v *VM) Hash(msg []byte) (Hash, error) {
	const op = "hash"

	var out Hash
	if v.closed {
		return out, newError(op, ErrClosed, "vm is closed")
	}

	unlock := v.lockBacking()
	v.lib.CalculateHash(v.ptr, msg, (*[HashSize]byte)(&out))
	unlock()

	if out.IsZero() {
		return out, newError(op, ErrNative, "hash output is all zero")
	}
	return out, nil
}

// HashBatch hashes msgs in order, pipelining the native calls so that one
// program runs while the next input is prepared. The result equals calling
// Hash on each message.
func (v *VM) HashBatch(msgs [][]byte) ([]Hash, error) {
	const op = "hash batch"

	switch len(msgs) {
	case 0:
		return []Hash{}, nil
	case 1:
		h, err := v.Hash(msgs[0])
		if err != nil {
			return nil, err
		}
		return []Hash{h}, nil
	}

	if v.closed {
		return nil, newError(op, ErrClosed, "vm is closed")
	}

	out := make([]Hash, len(msgs))
	unlock := v.lockBacking()
	v.lib.CalculateHashFirst(v.ptr, msgs[0])
	for i := 1; i < len(msgs); i++ {
		v.lib.CalculateHashNext(v.ptr, msgs[i], (*[HashSize]byte)(&out[i-1]))
	}
	v.lib.CalculateHashLast(v.ptr, (*[HashSize]byte)(&out[len(out)-1]))
	unlock()

	for i := range out {
		if out[i].IsZero() {
			return nil, newError(op, ErrNative, "hash output %d is all zero", i)
		}
	}
	return out, nil
}

// Close destroys the VM scratch memory and drops its backing references.
// It is safe to call more than once.
func (v *VM) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.lib.DestroyVM(v.ptr)
	v.ptr = nil
	v.releaseBacking()
	return nil
}

// lockBacking holds off Cache.Reinit while a light-mode VM reads the cache.
func (v *VM) lockBacking() (unlock func()) {
	if v.flags.Has(FlagFullMem) || v.cache == nil {
		return func() {}
	}
	v.cache.mu.RLock()
	return v.cache.mu.RUnlock
}

func (v *VM) releaseBacking() {
	if v.dataset != nil {
		v.dataset.refs.release()
		v.dataset = nil
	}
	if v.cache != nil {
		v.cache.refs.release()
		v.cache = nil
	}
}
