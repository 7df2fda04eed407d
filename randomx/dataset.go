package randomx

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/RandomX-Engine/bridge"
)

// DatasetItemSize is the size in bytes of one dataset item.
const DatasetItemSize = bridge.DatasetItemSize

// ItemRange is the half-open item interval [Start, Start+Count).
type ItemRange struct {
	Start uint64
	Count uint64
}

// End returns the first item after the range.
func (r ItemRange) End() uint64 { return r.Start + r.Count }

func (r ItemRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End())
}

// Dataset is the large read-only memory used by full-memory VMs. It is
// expanded from a Cache and keeps that Cache alive until it is closed.
type Dataset struct {
	state  *datasetState
	closed atomic.Bool
}

type datasetState struct {
	lib   *library
	flags Flags
	items uint64
	ptr   bridge.Handle
	cache *cacheState
	refs  refCount

	// expanded is set once every item holds content derived from the
	// cache at epoch. Ranges expanded at older epochs never count.
	expanded atomic.Bool
	epoch    atomic.Uint64

	mu      sync.Mutex
	covered coverage
}

// coverage is the set of items expanded at one cache epoch, kept as
// sorted, merged spans.
type coverage struct {
	epoch uint64
	spans []ItemRange
}

func (c *coverage) add(r ItemRange) {
	i := sort.Search(len(c.spans), func(i int) bool { return c.spans[i].End() >= r.Start })
	j := i
	start, end := r.Start, r.End()
	for ; j < len(c.spans) && c.spans[j].Start <= end; j++ {
		start = min(start, c.spans[j].Start)
		end = max(end, c.spans[j].End())
	}
	c.spans = slices.Replace(c.spans, i, j, ItemRange{Start: start, Count: end - start})
}

func (c *coverage) complete(items uint64) bool {
	return len(c.spans) == 1 && c.spans[0].Start == 0 && c.spans[0].Count == items
}

// DatasetItemCount returns the number of items in a dataset. The value is
// probed from the native library once per process.
func DatasetItemCount() (uint64, error) {
	const op = "dataset item count"

	l := current()
	if !l.Available() {
		return 0, newError(op, ErrUnavailable, "")
	}
	l.probe()
	if l.itemCount == 0 {
		return 0, newError(op, ErrNative, "native item count is zero")
	}
	return l.itemCount, nil
}

// NewDataset allocates a dataset bound to cache. The dataset is not
// expanded; call Init, InitRanges or Build before hashing with it.
//
// Only FlagLargePages is meaningful here.
func NewDataset(flags Flags, cache *Cache) (*Dataset, error) {
	const op = "new dataset"

	if cache == nil {
		return nil, newError(op, ErrParameter, "cache is nil")
	}
	l := cache.state.lib
	if !l.Available() {
		return nil, newError(op, ErrUnavailable, "")
	}
	if err := checkFlags(op, flags); err != nil {
		return nil, err
	}
	l.probe()
	if l.itemCount == 0 {
		return nil, newError(op, ErrNative, "native item count is zero")
	}

	cs, err := cache.retain(op)
	if err != nil {
		return nil, err
	}

	ptr := l.AllocDataset(uint32(flags))
	if ptr == nil {
		cs.refs.release()
		return nil, newError(op, ErrAllocation, "could not allocate dataset with flags %s", flags)
	}

	s := &datasetState{lib: l, flags: flags, items: l.itemCount, ptr: ptr, cache: cs}
	s.refs.init(s.free)
	return &Dataset{state: s}, nil
}

// ItemCount returns the number of items in the dataset.
func (d *Dataset) ItemCount() uint64 {
	return d.state.items
}

// Flags returns the flags the dataset was allocated with.
func (d *Dataset) Flags() Flags {
	return d.state.flags
}

// Init expands items [start, start+count) from the bound cache. The
// dataset stops being Stale once every item has been expanded from the
// current cache contents, whether by one call or several.
//
// Init may be called concurrently from several goroutines as long as their
// ranges do not overlap; calls are never serialized against each other.
// Overlapping concurrent calls are a caller error that silently corrupts
// the dataset. Use InitRanges to have disjointness checked.
func (d *Dataset) Init(start, count uint64) error {
	const op = "init dataset"

	s, err := d.acquire(op)
	if err != nil {
		return err
	}
	defer s.refs.release()

	r := ItemRange{Start: start, Count: count}
	if err := s.checkRange(r); err != nil {
		return newError(op, ErrParameter, "%v", err)
	}
	if count > 0 {
		s.expand(r)
	}
	return nil
}

// InitRanges checks that ranges are in bounds and pairwise disjoint, then
// expands them concurrently, one goroutine per range.
//
// ctx is checked before each range starts. A range whose native expansion
// has started always runs to completion. A cancelled call leaves the
// dataset Stale unless earlier calls had already covered the skipped
// ranges at the current cache epoch.
func (d *Dataset) InitRanges(ctx context.Context, ranges []ItemRange) error {
	const op = "init dataset ranges"

	s, err := d.acquire(op)
	if err != nil {
		return err
	}
	defer s.refs.release()

	if err := s.checkDisjoint(ranges); err != nil {
		return newError(op, ErrParameter, "%v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range ranges {
		if r.Count == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.expand(r)
			return nil
		})
	}
	return g.Wait()
}

// Build expands the whole dataset using the given number of goroutines.
// workers <= 0 uses runtime.NumCPU().
func (d *Dataset) Build(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return d.InitRanges(ctx, PartitionItems(d.state.items, workers))
}

// Items returns a copy of the raw bytes of items [start, start+count).
func (d *Dataset) Items(start, count uint64) ([]byte, error) {
	const op = "dataset items"

	s, err := d.acquire(op)
	if err != nil {
		return nil, err
	}
	defer s.refs.release()

	if err := s.checkRange(ItemRange{Start: start, Count: count}); err != nil {
		return nil, newError(op, ErrParameter, "%v", err)
	}

	mem := s.lib.DatasetMemory(s.ptr)
	if mem == nil {
		return nil, newError(op, ErrNative, "dataset memory is nil")
	}

	out := make([]byte, count*DatasetItemSize)
	if count > 0 {
		src := unsafe.Slice((*byte)(unsafe.Add(mem, start*DatasetItemSize)), len(out))
		copy(out, src)
	}
	return out, nil
}

// Stale reports whether the dataset does not reflect the current contents
// of its cache: some item was never expanded, or the cache was re-keyed
// after the items were expanded. Items expanded on both sides of a Reinit
// never count as a complete expansion.
func (d *Dataset) Stale() bool {
	s := d.state
	return !s.expanded.Load() || s.epoch.Load() != s.cache.epoch.Load()
}

// Close releases the caller's reference. It is safe to call more than once.
func (d *Dataset) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		d.state.refs.release()
	}
	return nil
}

func (d *Dataset) acquire(op string) (*datasetState, error) {
	if d.closed.Load() || !d.state.refs.acquire() {
		return nil, newError(op, ErrClosed, "dataset is closed")
	}
	return d.state, nil
}

// expand fills r and records it under the cache epoch it was derived
// from. The cache read lock keeps Reinit out until the range is recorded.
func (s *datasetState) expand(r ItemRange) {
	s.cache.mu.RLock()
	defer s.cache.mu.RUnlock()

	epoch := s.cache.epoch.Load()
	s.lib.InitDataset(s.ptr, s.cache.ptr, r.Start, r.Count)
	s.record(r, epoch)
}

func (s *datasetState) record(r ItemRange, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case epoch < s.covered.epoch:
		return
	case epoch > s.covered.epoch:
		s.covered = coverage{epoch: epoch}
		s.expanded.Store(false)
	}
	s.covered.add(r)
	if s.covered.complete(s.items) {
		s.epoch.Store(epoch)
		s.expanded.Store(true)
	}
}

func (s *datasetState) checkRange(r ItemRange) error {
	if r.Start > s.items || r.Count > s.items-r.Start {
		return fmt.Errorf("range %v outside dataset of %d items", r, s.items)
	}
	return nil
}

func (s *datasetState) checkDisjoint(ranges []ItemRange) error {
	sorted := make([]ItemRange, 0, len(ranges))
	for _, r := range ranges {
		if err := s.checkRange(r); err != nil {
			return err
		}
		if r.Count > 0 {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End() {
			return fmt.Errorf("ranges %v and %v overlap", sorted[i-1], sorted[i])
		}
	}
	return nil
}

func (s *datasetState) free() {
	s.lib.ReleaseDataset(s.ptr)
	s.ptr = nil
	s.cache.refs.release()
}

// PartitionItems splits [0, total) into at most parts contiguous, disjoint
// ranges whose sizes differ by at most one.
func PartitionItems(total uint64, parts int) []ItemRange {
	if parts < 1 {
		parts = 1
	}
	if uint64(parts) > total {
		parts = int(total)
	}
	if parts == 0 {
		return nil
	}

	n := uint64(parts)
	per, rem := total/n, total%n
	ranges := make([]ItemRange, 0, parts)
	var start uint64
	for i := uint64(0); i < n; i++ {
		count := per
		if i < rem {
			count++
		}
		ranges = append(ranges, ItemRange{Start: start, Count: count})
		start += count
	}
	return ranges
}
