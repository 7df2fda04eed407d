package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/RandomX-Engine/api"
	"github.com/VanDung-dev/RandomX-Engine/bridge/bridgetest"
	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

func useFake(t *testing.T) *bridgetest.Library {
	t.Helper()
	return useFakeWith(t, bridgetest.Options{ItemCount: 256})
}

// useFakeWith installs a fake library with test hooks. Cleanup fails the
// test if any VM was used concurrently or after release.
func useFakeWith(t *testing.T, opts bridgetest.Options) *bridgetest.Library {
	t.Helper()
	lib := bridgetest.New(opts)
	restore := randomx.UseLibrary(lib)
	t.Cleanup(func() {
		restore()
		require.Empty(t, lib.Violations())
	})
	return lib
}

func testConfig(full bool) Config {
	return Config{Flags: randomx.FlagDefault, FullMemory: full, Workers: 3, InitThreads: 2}
}

func newTestHasher(t *testing.T, seed string, cfg Config, opts ...Option) *Hasher {
	t.Helper()
	h, err := NewHasher(t.Context(), []byte(seed), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// directHash hashes with a standalone light-mode VM for comparison.
func directHash(t *testing.T, seed string, input []byte) randomx.Hash {
	t.Helper()
	c, err := randomx.NewCache(randomx.FlagDefault, []byte(seed))
	require.NoError(t, err)
	defer c.Close()
	vm, err := randomx.NewVM(randomx.FlagDefault, c, nil)
	require.NoError(t, err)
	defer vm.Close()
	h, err := vm.Hash(input)
	require.NoError(t, err)
	return h
}

func TestHasherModesAgree(t *testing.T) {
	useFake(t)

	light := newTestHasher(t, "seed", testConfig(false))
	full := newTestHasher(t, "seed", testConfig(true))

	for _, in := range []string{"a", "block header", ""} {
		lh, err := light.Hash(t.Context(), []byte(in))
		require.NoError(t, err)
		fh, err := full.Hash(t.Context(), []byte(in))
		require.NoError(t, err)
		assert.Equal(t, lh, fh)
		assert.Equal(t, directHash(t, "seed", []byte(in)), lh)
	}
}

func TestHasherHashBatch(t *testing.T) {
	useFake(t)
	h := newTestHasher(t, "seed", testConfig(false))

	inputs := make([][]byte, 10)
	for i := range inputs {
		inputs[i] = []byte(fmt.Sprintf("msg %d", i))
	}
	out, err := h.HashBatch(t.Context(), inputs)
	require.NoError(t, err)
	require.Len(t, out, len(inputs))
	for i, in := range inputs {
		assert.Equal(t, directHash(t, "seed", in), out[i], "input %d", i)
	}
}

func TestHasherVerify(t *testing.T) {
	useFake(t)
	h := newTestHasher(t, "seed", testConfig(false))

	want := directHash(t, "seed", []byte("nonce"))
	ok, err := h.Verify(t.Context(), []byte("nonce"), want)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(t.Context(), []byte("other nonce"), want)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasherRekeyLight(t *testing.T) {
	lib := useFake(t)
	h := newTestHasher(t, "first", testConfig(false))
	firstID := h.SeedID()

	require.NoError(t, h.Rekey(t.Context(), []byte("second")))
	assert.NotEqual(t, firstID, h.SeedID())
	assert.Equal(t, SeedID([]byte("second")), h.SeedID())
	assert.Equal(t, 1, lib.Live().Caches, "old cache released after rekey")

	got, err := h.Hash(t.Context(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, directHash(t, "second", []byte("x")), got)

	require.NoError(t, h.Rekey(t.Context(), []byte("second")))
	assert.Equal(t, int64(1), h.Stats().Rekeys, "same seed is a no-op")
}

func TestHasherRekeyFull(t *testing.T) {
	lib := useFake(t)
	h := newTestHasher(t, "first", testConfig(true))
	calls := lib.InitDatasetCalls()

	require.NoError(t, h.Rekey(t.Context(), []byte("second")))
	assert.Greater(t, lib.InitDatasetCalls(), calls)
	assert.Equal(t, 1, lib.Live().Datasets, "dataset rebuilt in place")

	got, err := h.Hash(t.Context(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, directHash(t, "second", []byte("x")), got)
}

func TestHasherRekeyCancelledLeavesStaleDataset(t *testing.T) {
	useFake(t)
	h := newTestHasher(t, "first", testConfig(true))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.Error(t, h.Rekey(ctx, []byte("second")))

	_, err := h.Hash(t.Context(), []byte("x"))
	assert.ErrorIs(t, err, ErrStaleDataset)

	require.NoError(t, h.Rekey(t.Context(), []byte("second")))
	got, err := h.Hash(t.Context(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, directHash(t, "second", []byte("x")), got)
}

func TestHasherRekeyCancelledPartway(t *testing.T) {
	var (
		mu     sync.Mutex
		cancel context.CancelFunc
	)
	lib := useFakeWith(t, bridgetest.Options{
		ItemCount: 256,
		BeforeInitDataset: func(uint64, uint64) {
			mu.Lock()
			if cancel != nil {
				cancel()
			}
			mu.Unlock()
		},
	})
	cfg := testConfig(true)
	cfg.InitThreads = 64
	h := newTestHasher(t, "seed-0", cfg)

	interrupted := 0
	for i := 1; i <= 10; i++ {
		ctx, stop := context.WithCancel(t.Context())
		mu.Lock()
		cancel = stop
		mu.Unlock()

		calls := lib.InitDatasetCalls()
		err := h.Rekey(ctx, []byte(fmt.Sprintf("seed-%d", i)))
		stop()
		if err == nil {
			continue
		}
		interrupted++
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, lib.InitDatasetCalls()-calls, int64(64))

		_, err = h.Hash(t.Context(), []byte("x"))
		assert.ErrorIs(t, err, ErrStaleDataset)
	}
	require.Positive(t, interrupted, "cancellation never interrupted a rebuild")

	mu.Lock()
	cancel = nil
	mu.Unlock()
	require.NoError(t, h.Rekey(t.Context(), []byte("final")))
	got, err := h.Hash(t.Context(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, directHash(t, "final", []byte("x")), got)
}

func TestHasherRekeyWaitsForAbandonedBatch(t *testing.T) {
	for _, full := range []bool{false, true} {
		t.Run(fmt.Sprintf("full=%v", full), func(t *testing.T) {
			var once sync.Once
			started := make(chan struct{})
			gate := make(chan struct{})
			useFakeWith(t, bridgetest.Options{
				ItemCount: 256,
				BeforeHash: func() {
					once.Do(func() {
						close(started)
						<-gate
					})
				},
			})
			cfg := testConfig(full)
			cfg.Workers = 1
			h := newTestHasher(t, "seed-a", cfg)

			ctx, cancel := context.WithCancel(t.Context())
			batch := make(chan error, 1)
			go func() {
				_, err := h.HashBatch(ctx, [][]byte{[]byte("a"), []byte("b")})
				batch <- err
			}()
			<-started
			cancel()
			require.ErrorIs(t, <-batch, context.Canceled)

			rekeyed := make(chan error, 1)
			go func() { rekeyed <- h.Rekey(t.Context(), []byte("seed-b")) }()
			select {
			case err := <-rekeyed:
				t.Fatalf("Rekey returned while a VM was still hashing: %v", err)
			case <-time.After(50 * time.Millisecond):
			}

			close(gate)
			require.NoError(t, <-rekeyed)

			got, err := h.Hash(t.Context(), []byte("x"))
			require.NoError(t, err)
			assert.Equal(t, directHash(t, "seed-b", []byte("x")), got)
		})
	}
}

func TestHasherRekeyDuringHashing(t *testing.T) {
	useFake(t)
	h := newTestHasher(t, "seed-0", testConfig(false))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := h.Hash(context.Background(), []byte("x"))
				assert.NoError(t, err)
			}
		}()
	}
	for i := 1; i <= 10; i++ {
		require.NoError(t, h.Rekey(t.Context(), []byte(fmt.Sprintf("seed-%d", i))))
	}
	wg.Wait()
}

func TestHasherMetrics(t *testing.T) {
	useFake(t)
	reg := prometheus.NewRegistry()
	m := api.NewMetrics("test", reg)
	h := newTestHasher(t, "seed", testConfig(true), WithMetrics(m))

	_, err := h.Hash(t.Context(), []byte("x"))
	require.NoError(t, err)
	_, err = h.HashBatch(t.Context(), [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.NoError(t, h.Rekey(t.Context(), []byte("other")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HashesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RekeysTotal))
}

func TestHasherClose(t *testing.T) {
	lib := useFake(t)
	h, err := NewHasher(t.Context(), []byte("seed"), testConfig(true))
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.Hash(t.Context(), []byte("x"))
	assert.ErrorIs(t, err, ErrHasherClosed)
	assert.ErrorIs(t, h.Rekey(t.Context(), []byte("next")), ErrHasherClosed)
	assert.Equal(t, bridgetest.Counts{}, lib.Live())
}

func TestNewHasherCleansUpOnFailure(t *testing.T) {
	lib := useFake(t)
	lib.FailNext(bridgetest.KindVM, 1)

	cfg := testConfig(true)
	_, err := NewHasher(t.Context(), []byte("seed"), cfg)
	require.ErrorIs(t, err, randomx.ErrAllocation)
	assert.Equal(t, bridgetest.Counts{}, lib.Live())

	_, err = NewHasher(t.Context(), nil, cfg)
	assert.ErrorIs(t, err, randomx.ErrParameter)
}

func TestSeedID(t *testing.T) {
	assert.Len(t, SeedID([]byte("seed")), 16)
	assert.Equal(t, SeedID([]byte("seed")), SeedID([]byte("seed")))
	assert.NotEqual(t, SeedID([]byte("seed")), SeedID([]byte("seeds")))
}
