package randomx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagValuesMatchNative(t *testing.T) {
	assert.Equal(t, Flags(0), FlagDefault)
	assert.Equal(t, Flags(1), FlagLargePages)
	assert.Equal(t, Flags(2), FlagHardAES)
	assert.Equal(t, Flags(4), FlagFullMem)
	assert.Equal(t, Flags(8), FlagJIT)
	assert.Equal(t, Flags(16), FlagSecure)
	assert.Equal(t, Flags(32), FlagArgon2SSSE3)
	assert.Equal(t, Flags(64), FlagArgon2AVX2)
	assert.Equal(t, Flags(96), FlagArgon2)
}

func TestFlagsSetOperations(t *testing.T) {
	f := FlagJIT.Union(FlagHardAES)

	assert.True(t, f.Has(FlagJIT))
	assert.True(t, f.Has(FlagJIT|FlagHardAES))
	assert.False(t, f.Has(FlagJIT|FlagFullMem))
	assert.True(t, f.Has(FlagDefault))
	assert.Equal(t, FlagJIT, f.Intersect(FlagJIT|FlagSecure))
	assert.Equal(t, FlagHardAES, f.Without(FlagJIT))
}

func TestFlagsFromNames(t *testing.T) {
	f, err := FlagsFromNames(map[string]bool{
		"jit":         true,
		"hard_aes":    true,
		"large_pages": false,
	})
	require.NoError(t, err)
	assert.Equal(t, FlagJIT|FlagHardAES, f)

	_, err = FlagsFromNames(map[string]bool{"turbo": true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		in   string
		want Flags
	}{
		{"", FlagDefault},
		{"default", FlagDefault},
		{"jit", FlagJIT},
		{"jit,hard_aes", FlagJIT | FlagHardAES},
		{"FLAG_JIT|FLAG_FULL_MEM", FlagJIT | FlagFullMem},
		{" secure  large_pages ", FlagSecure | FlagLargePages},
		{"argon2", FlagArgon2},
	}
	for _, tt := range tests {
		got, err := ParseFlags(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFlags("jit,warp_drive")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestFlagsValidateRejectsUndefinedBits(t *testing.T) {
	assert.NoError(t, (FlagJIT | FlagArgon2 | FlagSecure).Validate())

	err := Flags(1 << 9).Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "0x200")
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "default", FlagDefault.String())
	assert.Equal(t, "hard_aes|jit", (FlagJIT | FlagHardAES).String())
	assert.Equal(t, "jit|0x100", (FlagJIT | Flags(0x100)).String())

	round, err := ParseFlags((FlagLargePages | FlagFullMem | FlagArgon2AVX2).String())
	require.NoError(t, err)
	assert.Equal(t, FlagLargePages|FlagFullMem|FlagArgon2AVX2, round)
}

func TestFlagNamesSorted(t *testing.T) {
	names := FlagNames()
	assert.IsIncreasing(t, names)
	assert.Contains(t, names, "full_mem")
}
