// Package engine provides the RandomX hashing service used by the network
// front ends.
//
// This package implements:
//   - Pool: one worker goroutine per VM, with queued and batched hashing
//   - Hasher: a seed-bound cache, optional dataset and pool, with re-keying
package engine

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/RandomX-Engine/internal/logging"
	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// Common errors for hasher operations
var (
	ErrHasherClosed = errors.New("hasher is closed")
	ErrStaleDataset = errors.New("dataset does not match the current seed")
)

// Config configures a Hasher.
type Config struct {
	// Flags are the VM flags. FlagFullMem is controlled by FullMemory.
	Flags randomx.Flags
	// FullMemory builds a dataset and hashes in fast mode.
	FullMemory bool
	// Workers is the number of VMs. <= 0 uses runtime.NumCPU().
	Workers int
	// InitThreads is the number of goroutines expanding the dataset.
	// <= 0 uses runtime.NumCPU().
	InitThreads int
}

// DefaultConfig returns a light-mode config using the recommended flags.
func DefaultConfig() Config {
	return Config{
		Flags:       randomx.RecommendedFlags(),
		Workers:     runtime.NumCPU(),
		InitThreads: runtime.NumCPU(),
	}
}

// Recorder receives hashing metrics. *api.Metrics implements it.
type Recorder interface {
	RecordHash(success bool, duration time.Duration)
	RecordBatch(size int, duration time.Duration)
	RecordRekey(datasetBuild time.Duration)
	RecordDatasetBuild(duration time.Duration)
	UpdateWorkerPool(active, pending int)
}

type noopRecorder struct{}

func (noopRecorder) RecordHash(bool, time.Duration)   {}
func (noopRecorder) RecordBatch(int, time.Duration)   {}
func (noopRecorder) RecordRekey(time.Duration)        {}
func (noopRecorder) RecordDatasetBuild(time.Duration) {}
func (noopRecorder) UpdateWorkerPool(int, int)        {}

// Option configures optional Hasher collaborators.
type Option func(*Hasher)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hasher) { h.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(h *Hasher) { h.metrics = r }
}

// HasherStats contains hasher statistics.
type HasherStats struct {
	SeedID     string    `json:"seed_id"`
	Flags      string    `json:"flags"`
	FullMemory bool      `json:"full_memory"`
	Rekeys     int64     `json:"rekeys"`
	Pool       PoolStats `json:"pool"`
}

// Hasher hashes messages under one seed at a time. It is safe for
// concurrent use; Rekey waits for in-flight hashes and blocks new ones
// until the new seed is in place.
type Hasher struct {
	cfg     Config
	log     *logging.Logger
	metrics Recorder

	mu      sync.RWMutex
	seed    []byte
	seedID  string
	cache   *randomx.Cache
	dataset *randomx.Dataset
	pool    *Pool
	closed  bool

	taskSeq atomic.Uint64
	rekeys  atomic.Int64
}

// NewHasher builds the cache, the dataset when cfg.FullMemory is set, and
// one VM per worker. ctx bounds the dataset build.
func NewHasher(ctx context.Context, seed []byte, cfg Config, opts ...Option) (*Hasher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.InitThreads <= 0 {
		cfg.InitThreads = runtime.NumCPU()
	}
	cfg.Flags = cfg.Flags.Without(randomx.FlagFullMem)

	h := &Hasher{cfg: cfg, log: logging.Noop(), metrics: noopRecorder{}}
	for _, opt := range opts {
		opt(h)
	}

	cache, err := randomx.NewCache(cfg.Flags, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	var dataset *randomx.Dataset
	if cfg.FullMemory {
		dataset, err = h.buildDataset(ctx, cache)
		if err != nil {
			cache.Close()
			return nil, err
		}
	}

	vms := make([]*randomx.VM, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		vm, err := randomx.NewVM(h.vmFlags(), cache, dataset)
		if err != nil {
			for _, v := range vms {
				v.Close()
			}
			if dataset != nil {
				dataset.Close()
			}
			cache.Close()
			return nil, fmt.Errorf("failed to create vm %d: %w", i, err)
		}
		vms = append(vms, vm)
	}

	pool, err := NewPool("randomx", vms)
	if err != nil {
		return nil, err
	}

	h.seed = bytes.Clone(seed)
	h.seedID = SeedID(seed)
	h.cache = cache
	h.dataset = dataset
	h.pool = pool

	h.log.InfoContext(ctx, "hasher ready",
		"seed", h.seedID,
		"flags", h.vmFlags().String(),
		"workers", cfg.Workers,
	)
	return h, nil
}

func (h *Hasher) vmFlags() randomx.Flags {
	if h.cfg.FullMemory {
		return h.cfg.Flags.Union(randomx.FlagFullMem)
	}
	return h.cfg.Flags
}

func (h *Hasher) buildDataset(ctx context.Context, cache *randomx.Cache) (*randomx.Dataset, error) {
	dataset, err := randomx.NewDataset(h.cfg.Flags.Intersect(randomx.FlagLargePages), cache)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate dataset: %w", err)
	}
	if _, err := h.expand(ctx, dataset); err != nil {
		dataset.Close()
		return nil, err
	}
	return dataset, nil
}

func (h *Hasher) expand(ctx context.Context, dataset *randomx.Dataset) (time.Duration, error) {
	start := time.Now()
	err := dataset.Build(ctx, h.cfg.InitThreads)
	d := time.Since(start)
	h.log.LogDatasetBuild(ctx, dataset.ItemCount(), h.cfg.InitThreads, d, err)
	if err != nil {
		return d, fmt.Errorf("failed to build dataset: %w", err)
	}
	h.metrics.RecordDatasetBuild(d)
	return d, nil
}

// Hash returns the hash of input under the current seed.
func (h *Hasher) Hash(ctx context.Context, input []byte) (randomx.Hash, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := h.usable(); err != nil {
		return randomx.Hash{}, err
	}

	start := time.Now()
	res, err := h.pool.SubmitAndWait(ctx, NewTask(h.nextTaskID(), input))
	if err == nil && !res.Success {
		err = res.Error
	}
	d := time.Since(start)

	h.metrics.RecordHash(err == nil, d)
	h.log.LogHash(ctx, len(input), d, err)
	h.updatePoolGauges()
	if err != nil {
		return randomx.Hash{}, err
	}
	return res.Hashes[0], nil
}

// HashBatch hashes inputs across all workers. The result is in input order.
func (h *Hasher) HashBatch(ctx context.Context, inputs [][]byte) ([]randomx.Hash, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := h.usable(); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := h.pool.HashAll(ctx, h.nextTaskID(), inputs)
	d := time.Since(start)

	h.metrics.RecordBatch(len(inputs), d)
	failed := 0
	if err != nil {
		failed = len(inputs)
	}
	h.log.LogBatch(ctx, len(inputs), failed, d)
	h.updatePoolGauges()
	return out, err
}

// Verify reports whether input hashes to expected under the current seed.
func (h *Hasher) Verify(ctx context.Context, input []byte, expected randomx.Hash) (bool, error) {
	got, err := h.Hash(ctx, input)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got[:], expected[:]) == 1, nil
}

// Rekey switches to seed. Light-mode hashers build a new cache and rebind
// every VM to it; full-memory hashers re-initialize the cache and rebuild
// the dataset in place. Rekeying to the current seed is a no-op.
//
// If a full-memory rebuild fails the hasher refuses to hash with
// ErrStaleDataset until a later Rekey succeeds.
func (h *Hasher) Rekey(ctx context.Context, seed []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHasherClosed
	}
	// Hash and HashBatch are held off by h.mu, but a caller that gave up on
	// ctx may have left its task running on a VM.
	h.pool.Drain()

	if bytes.Equal(seed, h.seed) && (h.dataset == nil || !h.dataset.Stale()) {
		return nil
	}

	from, to := h.seedID, SeedID(seed)
	start := time.Now()
	build, err := h.rekey(ctx, seed)
	h.log.LogRekey(ctx, from, to, time.Since(start), err)
	if err != nil {
		return err
	}

	h.rekeys.Add(1)
	h.metrics.RecordRekey(build)
	return nil
}

func (h *Hasher) rekey(ctx context.Context, seed []byte) (time.Duration, error) {
	if h.dataset != nil {
		if err := h.cache.Reinit(seed); err != nil {
			return 0, fmt.Errorf("failed to reinit cache: %w", err)
		}
		h.seed = bytes.Clone(seed)
		h.seedID = SeedID(seed)
		return h.expand(ctx, h.dataset)
	}

	cache, err := randomx.NewCache(h.cfg.Flags, seed)
	if err != nil {
		return 0, fmt.Errorf("failed to create cache: %w", err)
	}
	if err := h.pool.eachVM(func(vm *randomx.VM) error { return vm.SetCache(cache) }); err != nil {
		_ = h.pool.eachVM(func(vm *randomx.VM) error { return vm.SetCache(h.cache) })
		cache.Close()
		return 0, fmt.Errorf("failed to rebind vm: %w", err)
	}
	h.cache.Close()
	h.cache = cache
	h.seed = bytes.Clone(seed)
	h.seedID = SeedID(seed)
	return 0, nil
}

// SeedID returns the fingerprint of the current seed.
func (h *Hasher) SeedID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seedID
}

// Stats returns current hasher statistics.
func (h *Hasher) Stats() HasherStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HasherStats{
		SeedID:     h.seedID,
		Flags:      h.vmFlags().String(),
		FullMemory: h.cfg.FullMemory,
		Rekeys:     h.rekeys.Load(),
		Pool:       h.pool.GetStats(),
	}
}

// Close shuts down the pool and releases the native state. It is safe to
// call more than once.
func (h *Hasher) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.pool.Shutdown()
	if h.dataset != nil {
		h.dataset.Close()
	}
	return h.cache.Close()
}

func (h *Hasher) usable() error {
	if h.closed {
		return ErrHasherClosed
	}
	if h.dataset != nil && h.dataset.Stale() {
		return ErrStaleDataset
	}
	return nil
}

func (h *Hasher) nextTaskID() string {
	return fmt.Sprintf("%s-%d", h.seedID, h.taskSeq.Add(1))
}

func (h *Hasher) updatePoolGauges() {
	s := h.pool.GetStats()
	h.metrics.UpdateWorkerPool(int(s.Active), s.Pending)
}

// SeedID returns a short hex fingerprint of seed for logs and responses.
func SeedID(seed []byte) string {
	sum := blake2b.Sum256(seed)
	return hex.EncodeToString(sum[:8])
}
