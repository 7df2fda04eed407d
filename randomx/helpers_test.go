package randomx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/RandomX-Engine/bridge/bridgetest"
)

// useFake installs a bridgetest library for the duration of the test and
// checks on cleanup that nothing was leaked or used after release.
func useFake(t *testing.T, opts bridgetest.Options) *bridgetest.Library {
	t.Helper()
	lib := bridgetest.New(opts)
	restore := UseLibrary(lib)
	t.Cleanup(func() {
		restore()
		require.Empty(t, lib.Violations(), "native misuse")
	})
	return lib
}

func requireNoLeaks(t *testing.T, lib *bridgetest.Library) {
	t.Helper()
	require.Equal(t, bridgetest.Counts{}, lib.Live(), "native objects still allocated")
}

func newTestCache(t *testing.T, flags Flags, seed string) *Cache {
	t.Helper()
	c, err := NewCache(flags, []byte(seed))
	require.NoError(t, err)
	return c
}

func newBuiltDataset(t *testing.T, c *Cache) *Dataset {
	t.Helper()
	d, err := NewDataset(FlagDefault, c)
	require.NoError(t, err)
	require.NoError(t, d.Build(t.Context(), 4))
	return d
}
