package randomx

import "sync/atomic"

// refCount frees a native object when the last reference is dropped.
type refCount struct {
	n    atomic.Int64
	free func()
}

func (r *refCount) init(free func()) {
	r.free = free
	r.n.Store(1)
}

// acquire takes a reference unless the object has already been freed.
func (r *refCount) acquire() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *refCount) release() {
	switch n := r.n.Add(-1); {
	case n == 0:
		r.free()
	case n < 0:
		panic("randomx: reference released more times than acquired")
	}
}
