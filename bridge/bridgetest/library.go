// Package bridgetest provides a deterministic pure-Go stand-in for the
// RandomX native library.
//
// The stand-in keeps the structure of RandomX (a keyed cache, a dataset
// expanded from it item by item, VMs that read one item per message) but
// uses BLAKE2b for every step, so hashes are cheap, deterministic and equal
// between light and full-memory mode. It also counts live native objects
// and records every use of a released handle, which lets tests check
// ownership and teardown ordering.
package bridgetest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/RandomX-Engine/bridge"
)

// Flag bits interpreted by the stand-in. Values match randomx.h.
const (
	flagLargePages = 1
	flagFullMem    = 4
	flagJIT        = 8
)

// DefaultItemCount is the dataset size used when Options.ItemCount is zero.
const DefaultItemCount = 4096

// Kind names one class of native object.
type Kind int

const (
	KindCache Kind = iota
	KindDataset
	KindVM
)

func (k Kind) String() string {
	switch k {
	case KindCache:
		return "cache"
	case KindDataset:
		return "dataset"
	case KindVM:
		return "vm"
	default:
		return "unknown"
	}
}

// Options configures a Library.
type Options struct {
	// ItemCount is the number of dataset items.
	ItemCount uint64
	// Flags is returned by GetFlags.
	Flags uint32
	// LargePages makes large-page allocations succeed.
	LargePages bool
	// BeforeInitDataset, if set, runs at the start of every InitDataset
	// call. Tests use it to pause or cancel an expansion partway.
	BeforeInitDataset func(startItem, itemCount uint64)
	// BeforeHash, if set, runs while a VM is busy hashing one input.
	BeforeHash func()
}

// Counts is a snapshot of live native objects.
type Counts struct {
	Caches   int
	Datasets int
	VMs      int
}

// Library implements bridge.Library.
type Library struct {
	opts Options

	mu         sync.Mutex
	caches     map[*cache]struct{}
	datasets   map[*dataset]struct{}
	vms        map[*vm]struct{}
	allocs     [3]int
	failNext   [3]int
	violations []string

	initCalls atomic.Int64
}

type cache struct {
	flags    uint32
	mu       sync.RWMutex
	mem      [blake2b.Size]byte
	released atomic.Bool
}

type dataset struct {
	items    []byte
	released atomic.Bool
}

type vm struct {
	flags    uint32
	cache    *cache
	dataset  *dataset
	pending  []byte
	busy     atomic.Bool
	released atomic.Bool
}

var _ bridge.Library = (*Library)(nil)

// New creates a Library with the given options.
func New(opts Options) *Library {
	if opts.ItemCount == 0 {
		opts.ItemCount = DefaultItemCount
	}
	return &Library{
		opts:     opts,
		caches:   make(map[*cache]struct{}),
		datasets: make(map[*dataset]struct{}),
		vms:      make(map[*vm]struct{}),
	}
}

// FailNext makes the next n allocations of kind k return the nil sentinel.
func (l *Library) FailNext(k Kind, n int) {
	l.mu.Lock()
	l.failNext[k] += n
	l.mu.Unlock()
}

// Live returns the number of allocated and not yet released objects.
func (l *Library) Live() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Counts{Caches: len(l.caches), Datasets: len(l.datasets), VMs: len(l.vms)}
}

// Allocs returns the total number of successful allocations of kind k.
func (l *Library) Allocs(k Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocs[k]
}

// InitDatasetCalls returns how many times InitDataset has been called.
func (l *Library) InitDatasetCalls() int64 {
	return l.initCalls.Load()
}

// Violations returns every misuse recorded so far, such as a call through a
// released handle or a double release.
func (l *Library) Violations() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.violations...)
}

func (l *Library) violate(format string, args ...any) {
	l.mu.Lock()
	l.violations = append(l.violations, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

// takeFailure consumes one injected failure for kind k. Called with l.mu held.
func (l *Library) takeFailure(k Kind) bool {
	if l.failNext[k] > 0 {
		l.failNext[k]--
		return true
	}
	return false
}

func (l *Library) Available() bool { return true }

func (l *Library) GetFlags() uint32 { return l.opts.Flags }

func (l *Library) AllocCache(flags uint32) bridge.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.takeFailure(KindCache) || (flags&flagLargePages != 0 && !l.opts.LargePages) {
		return nil
	}
	c := &cache{flags: flags}
	l.caches[c] = struct{}{}
	l.allocs[KindCache]++
	return unsafe.Pointer(c)
}

func (l *Library) InitCache(h bridge.Handle, key []byte) {
	c := l.liveCache("randomx_init_cache", h)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.mem = blake2b.Sum512(key)
	c.mu.Unlock()
}

func (l *Library) ReleaseCache(h bridge.Handle) {
	c := (*cache)(h)
	if c == nil || !c.released.CompareAndSwap(false, true) {
		l.violate("randomx_release_cache: double release")
		return
	}
	l.mu.Lock()
	delete(l.caches, c)
	l.mu.Unlock()
}

func (l *Library) AllocDataset(flags uint32) bridge.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.takeFailure(KindDataset) || (flags&flagLargePages != 0 && !l.opts.LargePages) {
		return nil
	}
	d := &dataset{items: make([]byte, l.opts.ItemCount*bridge.DatasetItemSize)}
	l.datasets[d] = struct{}{}
	l.allocs[KindDataset]++
	return unsafe.Pointer(d)
}

func (l *Library) DatasetItemCount() uint64 { return l.opts.ItemCount }

func (l *Library) InitDataset(dh, ch bridge.Handle, startItem, itemCount uint64) {
	l.initCalls.Add(1)
	if l.opts.BeforeInitDataset != nil {
		l.opts.BeforeInitDataset(startItem, itemCount)
	}
	d := l.liveDataset("randomx_init_dataset", dh)
	c := l.liveCache("randomx_init_dataset", ch)
	if d == nil || c == nil {
		return
	}
	for i := startItem; i < startItem+itemCount; i++ {
		item := c.item(i)
		copy(d.items[i*bridge.DatasetItemSize:], item[:])
	}
}

func (l *Library) DatasetMemory(h bridge.Handle) bridge.Handle {
	d := l.liveDataset("randomx_get_dataset_memory", h)
	if d == nil || len(d.items) == 0 {
		return nil
	}
	return unsafe.Pointer(&d.items[0])
}

func (l *Library) ReleaseDataset(h bridge.Handle) {
	d := (*dataset)(h)
	if d == nil || !d.released.CompareAndSwap(false, true) {
		l.violate("randomx_release_dataset: double release")
		return
	}
	l.mu.Lock()
	delete(l.datasets, d)
	l.mu.Unlock()
}

func (l *Library) CreateVM(flags uint32, ch, dh bridge.Handle) bridge.Handle {
	l.mu.Lock()
	fail := l.takeFailure(KindVM) || (flags&flagLargePages != 0 && !l.opts.LargePages)
	l.mu.Unlock()
	if fail {
		return nil
	}

	v := &vm{flags: flags}
	if flags&flagFullMem != 0 {
		if v.dataset = l.liveDataset("randomx_create_vm", dh); v.dataset == nil {
			return nil
		}
	} else {
		if v.cache = l.liveCache("randomx_create_vm", ch); v.cache == nil {
			return nil
		}
		if flags&flagJIT != 0 && v.cache.flags&flagJIT == 0 {
			return nil
		}
	}

	l.mu.Lock()
	l.vms[v] = struct{}{}
	l.allocs[KindVM]++
	l.mu.Unlock()
	return unsafe.Pointer(v)
}

func (l *Library) VMSetCache(vh, ch bridge.Handle) {
	v := l.liveVM("randomx_vm_set_cache", vh)
	c := l.liveCache("randomx_vm_set_cache", ch)
	if v == nil || c == nil || !l.enter("randomx_vm_set_cache", v) {
		return
	}
	defer v.busy.Store(false)
	if v.flags&flagFullMem == 0 {
		v.cache = c
	}
}

func (l *Library) VMSetDataset(vh, dh bridge.Handle) {
	v := l.liveVM("randomx_vm_set_dataset", vh)
	d := l.liveDataset("randomx_vm_set_dataset", dh)
	if v == nil || d == nil || !l.enter("randomx_vm_set_dataset", v) {
		return
	}
	defer v.busy.Store(false)
	if v.flags&flagFullMem != 0 {
		v.dataset = d
	}
}

func (l *Library) DestroyVM(h bridge.Handle) {
	v := (*vm)(h)
	if v == nil || !v.released.CompareAndSwap(false, true) {
		l.violate("randomx_destroy_vm: double release")
		return
	}
	l.mu.Lock()
	delete(l.vms, v)
	l.mu.Unlock()
}

func (l *Library) CalculateHash(h bridge.Handle, input []byte, output *[bridge.HashSize]byte) {
	v := l.liveVM("randomx_calculate_hash", h)
	if v == nil {
		return
	}
	l.run(v, input, output)
}

func (l *Library) CalculateHashFirst(h bridge.Handle, input []byte) {
	v := l.liveVM("randomx_calculate_hash_first", h)
	if v == nil {
		return
	}
	v.pending = append(v.pending[:0], input...)
}

func (l *Library) CalculateHashNext(h bridge.Handle, input []byte, output *[bridge.HashSize]byte) {
	v := l.liveVM("randomx_calculate_hash_next", h)
	if v == nil {
		return
	}
	l.run(v, v.pending, output)
	v.pending = append(v.pending[:0], input...)
}

func (l *Library) CalculateHashLast(h bridge.Handle, output *[bridge.HashSize]byte) {
	v := l.liveVM("randomx_calculate_hash_last", h)
	if v == nil {
		return
	}
	l.run(v, v.pending, output)
	v.pending = v.pending[:0]
}

// run hashes input by mixing it with one dataset item selected by the input.
// Light mode derives the item from the cache; full mode reads it from the
// dataset, so both modes agree when the dataset is fully expanded.
func (l *Library) run(v *vm, input []byte, output *[bridge.HashSize]byte) {
	if !l.enter("hash", v) {
		return
	}
	defer v.busy.Store(false)
	if l.opts.BeforeHash != nil {
		l.opts.BeforeHash()
	}

	sel := blake2b.Sum256(input)
	index := binary.LittleEndian.Uint64(sel[:8]) % l.opts.ItemCount

	var item [bridge.DatasetItemSize]byte
	if v.flags&flagFullMem != 0 {
		if v.dataset.released.Load() {
			l.violate("hash: dataset used after release")
			return
		}
		copy(item[:], v.dataset.items[index*bridge.DatasetItemSize:])
	} else {
		if v.cache.released.Load() {
			l.violate("hash: cache used after release")
			return
		}
		item = v.cache.item(index)
	}

	h, _ := blake2b.New256(nil)
	h.Write(item[:])
	h.Write(input)
	h.Sum(output[:0])
}

// enter marks v busy. A VM is single-threaded in RandomX; overlapping
// calls on one VM are recorded as violations.
func (l *Library) enter(op string, v *vm) bool {
	if !v.busy.CompareAndSwap(false, true) {
		l.violate("%s: vm used concurrently", op)
		return false
	}
	return true
}

func (c *cache) item(index uint64) [bridge.DatasetItemSize]byte {
	var buf [blake2b.Size + 8]byte
	c.mu.RLock()
	copy(buf[:], c.mem[:])
	c.mu.RUnlock()
	binary.LittleEndian.PutUint64(buf[blake2b.Size:], index)
	return blake2b.Sum512(buf[:])
}

func (l *Library) liveCache(op string, h bridge.Handle) *cache {
	c := (*cache)(h)
	if c == nil {
		l.violate("%s: nil cache", op)
		return nil
	}
	if c.released.Load() {
		l.violate("%s: cache used after release", op)
		return nil
	}
	return c
}

func (l *Library) liveDataset(op string, h bridge.Handle) *dataset {
	d := (*dataset)(h)
	if d == nil {
		l.violate("%s: nil dataset", op)
		return nil
	}
	if d.released.Load() {
		l.violate("%s: dataset used after release", op)
		return nil
	}
	return d
}

func (l *Library) liveVM(op string, h bridge.Handle) *vm {
	v := (*vm)(h)
	if v == nil {
		l.violate("%s: nil vm", op)
		return nil
	}
	if v.released.Load() {
		l.violate("%s: vm used after release", op)
		return nil
	}
	return v
}
