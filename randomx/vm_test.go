package randomx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/RandomX-Engine/bridge/bridgetest"
)

func TestNewVMRejectsIncompatibleBacking(t *testing.T) {
	lib := useFake(t, bridgetest.Options{ItemCount: 32})

	c := newTestCache(t, FlagDefault, "Key")
	defer c.Close()
	d, err := NewDataset(FlagDefault, c)
	require.NoError(t, err)
	defer d.Close()

	jitless := newTestCache(t, FlagDefault, "Key")
	defer jitless.Close()

	tests := []struct {
		name    string
		flags   Flags
		cache   *Cache
		dataset *Dataset
	}{
		{"no backing", FlagDefault, nil, nil},
		{"full mem without dataset", FlagFullMem, c, nil},
		{"light without cache", FlagDefault, nil, d},
		{"light with dataset", FlagDefault, c, d},
		{"jit over jitless cache", FlagJIT, jitless, nil},
		{"undefined bits", Flags(1 << 15), c, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, err := NewVM(tt.flags, tt.cache, tt.dataset)
			assert.Nil(t, vm)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}

	assert.Zero(t, lib.Allocs(bridgetest.KindVM), "rejected construction must not allocate")
	assert.Equal(t, 0, lib.Live().VMs)
}

func TestNewVMClosedBacking(t *testing.T) {
	lib := useFake(t, bridgetest.Options{})

	c := newTestCache(t, FlagDefault, "Key")
	require.NoError(t, c.Close())

	_, err := NewVM(FlagDefault, c, nil)
	assert.ErrorIs(t, err, ErrClosed)
	requireNoLeaks(t, lib)
}

func TestNewVMAllocationFailureReleasesBacking(t *testing.T) {
	lib := useFake(t, bridgetest.Options{})

	c := newTestCache(t, FlagDefault, "Key")
	lib.FailNext(bridgetest.KindVM, 1)

	_, err := NewVM(FlagDefault, c, nil)
	assert.ErrorIs(t, err, ErrAllocation)

	require.NoError(t, c.Close())
	requireNoLeaks(t, lib)
}

func TestVMHashIsDeterministic(t *testing.T) {
	lib := useFake(t, bridgetest.Options{})

	c := newTestCache(t, FlagDefault, "Key")
	defer c.Close()

	vm1, err := NewVM(FlagDefault, c, nil)
	require.NoError(t, err)
	defer vm1.Close()
	vm2, err := NewVM(FlagDefault, c, nil)
	require.NoError(t, err)
	defer vm2.Close()

	h1, err := vm1.Hash([]byte("Input"))
	require.NoError(t, err)
	h1again, err := vm1.Hash([]byte("Input"))
	require.NoError(t, err)
	h2, err := vm2.Hash([]byte("Input"))
	require.NoError(t, err)

	assert.False(t, h1.IsZero())
	assert.Equal(t, h1, h1again)
	assert.Equal(t, h1, h2)

	other, err := vm1.Hash([]byte("Other input"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, other)

	_, err = vm1.Hash(nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, lib.Live().VMs)
}

func TestFullMemoryMatchesLightMode(t *testing.T) {
	useFake(t, bridgetest.Options{ItemCount: 256})

	c := newTestCache(t, FlagDefault, "Key")
	defer c.Close()
	d := newBuiltDataset(t, c)
	defer d.Close()

	light, err := NewVM(FlagDefault, c, nil)
	require.NoError(t, err)
	defer light.Close()
	fast, err := NewVM(FlagFullMem, nil, d)
	require.NoError(t, err)
	defer fast.Close()

	for _, msg := range []string{"This is a test", "Lorem ipsum dolor sit amet", ""} {
		lh, err := light.Hash([]byte(msg))
		require.NoError(t, err)
		fh, err := fast.Hash([]byte(msg))
		require.NoError(t, err)
		assert.Equal(t, lh, fh, msg)
	}
}

func TestHashBatchMatchesHash(t *testing.T) {
	useFake(t, bridgetest.Options{})

	c := newTestCache(t, FlagDefault, "Key")
	defer c.Close()
	vm, err := NewVM(FlagDefault, c, nil)
	require.NoError(t, err)
	defer vm.Close()

	msgs := [][]byte{[]byte("m1"), []byte("m2"), []byte("m3"), []byte("m4")}
	batch, err := vm.HashBatch(msgs)
	require.NoError(t, err)
	require.Len(t, batch, len(msgs))

	for i, m := range msgs {
		h, err := vm.Hash(m)
		require.NoError(t, err)
		assert.Equal(t, h, batch[i], "message %d", i)
	}

	single, err := vm.HashBatch(msgs[:1])
	require.NoError(t, err)
	assert.Equal(t, batch[:1], single)

	empty, err := vm.HashBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestVMOutlivesCallerHandles(t *testing.T) {
	lib := useFake(t, bridgetest.Options{ItemCount: 64})

	c := newTestCache(t, FlagDefault, "Key")
	vm, err := NewVM(FlagDefault, c, nil)
	require.NoError(t, err)

	before, err := vm.Hash([]byte("Input"))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, lib.Live().Caches, "cache must stay allocated while the vm uses it")

	after, err := vm.Hash([]byte("Input"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, vm.Close())
	requireNoLeaks(t, lib)
}

func TestFullMemoryVMOutlivesDatasetAndCache(t *testing.T) {
	lib := useFake(t, bridgetest.Options{ItemCount: 64})

	c := newTestCache(t, FlagDefault, "Key")
	d := newBuiltDataset(t, c)
	vm, err := NewVM(FlagFullMem, c, d)
	require.NoError(t, err)

	before, err := vm.Hash([]byte("Input"))
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, c.Close())

	after, err := vm.Hash([]byte("Input"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, vm.Close())
	requireNoLeaks(t, lib)
}

func TestVMSetCache(t *testing.T) {
	lib := useFake(t, bridgetest.Options{})

	a := newTestCache(t, FlagDefault, "Key A")
	b := newTestCache(t, FlagDefault, "Key B")

	vmA, err := NewVM(FlagDefault, a, nil)
	require.NoError(t, err)
	defer vmA.Close()
	vmB, err := NewVM(FlagDefault, b, nil)
	require.NoError(t, err)
	defer vmB.Close()

	wantB, err := vmB.Hash([]byte("Input"))
	require.NoError(t, err)

	require.NoError(t, vmA.SetCache(b))
	require.NoError(t, a.Close())
	assert.Equal(t, 1, lib.Live().Caches, "old cache freed once nothing references it")

	got, err := vmA.Hash([]byte("Input"))
	require.NoError(t, err)
	assert.Equal(t, wantB, got)

	assert.ErrorIs(t, vmA.SetCache(nil), ErrParameter)
	assert.ErrorIs(t, vmA.SetCache(a), ErrClosed)
	assert.Equal(t, 2, lib.Allocs(bridgetest.KindVM), "rebinding must not allocate a new vm")
	require.NoError(t, b.Close())
}

func TestVMSetDataset(t *testing.T) {
	useFake(t, bridgetest.Options{ItemCount: 64})

	a := newTestCache(t, FlagDefault, "Key A")
	defer a.Close()
	b := newTestCache(t, FlagDefault, "Key B")
	defer b.Close()
	da := newBuiltDataset(t, a)
	defer da.Close()
	db := newBuiltDataset(t, b)
	defer db.Close()

	fast, err := NewVM(FlagFullMem, nil, da)
	require.NoError(t, err)
	defer fast.Close()
	light, err := NewVM(FlagDefault, b, nil)
	require.NoError(t, err)
	defer light.Close()

	require.NoError(t, fast.SetDataset(db))
	got, err := fast.Hash([]byte("Input"))
	require.NoError(t, err)
	want, err := light.Hash([]byte("Input"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.ErrorIs(t, light.SetDataset(db), ErrConfig)
	assert.ErrorIs(t, fast.SetCache(a), ErrConfig)
}

func TestVMClose(t *testing.T) {
	lib := useFake(t, bridgetest.Options{})

	c := newTestCache(t, FlagDefault, "Key")
	defer c.Close()
	vm, err := NewVM(FlagDefault, c, nil)
	require.NoError(t, err)

	require.NoError(t, vm.Close())
	require.NoError(t, vm.Close())

	_, err = vm.Hash([]byte("Input"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = vm.HashBatch([][]byte{[]byte("a"), []byte("b")})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, vm.SetCache(c), ErrClosed)
	assert.Equal(t, 0, lib.Live().VMs)
	assert.Equal(t, 1, lib.Live().Caches, "closing a vm must not free its cache")
}

func TestDistinctVMsHashConcurrently(t *testing.T) {
	useFake(t, bridgetest.Options{ItemCount: 128})

	c := newTestCache(t, FlagDefault, "ThreadTestKey")
	defer c.Close()
	d := newBuiltDataset(t, c)
	defer d.Close()

	ref, err := NewVM(FlagFullMem, nil, d)
	require.NoError(t, err)
	want, err := ref.Hash([]byte("ThreadTestInput"))
	require.NoError(t, err)
	require.NoError(t, ref.Close())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vm, err := NewVM(FlagFullMem, nil, d)
			if !assert.NoError(t, err) {
				return
			}
			defer vm.Close()
			for j := 0; j < 50; j++ {
				got, err := vm.Hash([]byte("ThreadTestInput"))
				assert.NoError(t, err)
				assert.Equal(t, want, got)
			}
		}()
	}
	wg.Wait()
}

func TestReinitWaitsForLightHashes(t *testing.T) {
	useFake(t, bridgetest.Options{})

	c := newTestCache(t, FlagDefault, "Key")
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vm, err := NewVM(FlagDefault, c, nil)
			if !assert.NoError(t, err) {
				return
			}
			defer vm.Close()
			for j := 0; j < 100; j++ {
				_, err := vm.Hash([]byte("Input"))
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Reinit([]byte{byte(i + 1)}))
	}
	wg.Wait()
}

func TestHashText(t *testing.T) {
	h, err := ParseHash("639183aae1bf4c9a35884cb46b09cad9175f04efd7684e7262a0ac1c2f0b4e3f")
	require.NoError(t, err)
	assert.Equal(t, "639183aae1bf4c9a35884cb46b09cad9175f04efd7684e7262a0ac1c2f0b4e3f", h.String())

	var back Hash
	text, _ := h.MarshalText()
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, h, back)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
	_, err = ParseHash("zz9183aae1bf4c9a35884cb46b09cad9175f04efd7684e7262a0ac1c2f0b4e3f")
	assert.Error(t, err)
}
