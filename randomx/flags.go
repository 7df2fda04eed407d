package randomx

import (
	"fmt"
	"sort"
	"strings"
)

// Flags selects hashing mode and hardware acceleration. Values match the
// randomx_flags bits of the native library.
type Flags uint32

const (
	// FlagDefault works on all platforms, but is the slowest.
	FlagDefault Flags = 0
	// FlagLargePages allocates memory in large pages.
	FlagLargePages Flags = 1 << 0
	// FlagHardAES uses hardware accelerated AES.
	FlagHardAES Flags = 1 << 1
	// FlagFullMem hashes against the full dataset instead of the cache.
	FlagFullMem Flags = 1 << 2
	// FlagJIT enables JIT compilation of VM programs.
	FlagJIT Flags = 1 << 3
	// FlagSecure keeps JIT pages from being writable and executable at
	// the same time. Only meaningful with FlagJIT.
	FlagSecure Flags = 1 << 4
	// FlagArgon2SSSE3 selects the SSSE3 Argon2 implementation for cache
	// initialization.
	FlagArgon2SSSE3 Flags = 1 << 5
	// FlagArgon2AVX2 selects the AVX2 Argon2 implementation.
	FlagArgon2AVX2 Flags = 1 << 6
	// FlagArgon2 covers both Argon2 selection bits.
	FlagArgon2 = FlagArgon2SSSE3 | FlagArgon2AVX2

	flagMask = FlagLargePages | FlagHardAES | FlagFullMem | FlagJIT | FlagSecure | FlagArgon2
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagLargePages, "large_pages"},
	{FlagHardAES, "hard_aes"},
	{FlagFullMem, "full_mem"},
	{FlagJIT, "jit"},
	{FlagSecure, "secure"},
	{FlagArgon2SSSE3, "argon2_ssse3"},
	{FlagArgon2AVX2, "argon2_avx2"},
}

// FlagsFromNames builds Flags from named boolean options such as
// {"jit": true, "hard_aes": true}. Options set to false are ignored.
func FlagsFromNames(options map[string]bool) (Flags, error) {
	var f Flags
	for name, on := range options {
		bit, err := lookupFlag(name)
		if err != nil {
			return 0, err
		}
		if on {
			f |= bit
		}
	}
	return f, nil
}

// ParseFlags parses a list of flag names separated by commas, pipes or
// spaces, for example "jit,hard_aes" or "FLAG_JIT|FLAG_HARD_AES".
// The empty string and "default" both yield FlagDefault.
func ParseFlags(s string) (Flags, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '|' || r == ' ' || r == '\t'
	})

	var f Flags
	for _, field := range fields {
		bit, err := lookupFlag(field)
		if err != nil {
			return 0, err
		}
		f |= bit
	}
	return f, nil
}

func lookupFlag(name string) (Flags, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "flag_")
	switch n {
	case "default":
		return FlagDefault, nil
	case "argon2":
		return FlagArgon2, nil
	}
	for _, fn := range flagNames {
		if fn.name == n {
			return fn.flag, nil
		}
	}
	return 0, newError("parse flags", ErrConfig, "unknown flag %q", name)
}

// Has reports whether every bit of o is set in f.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Union returns f | o.
func (f Flags) Union(o Flags) Flags { return f | o }

// Intersect returns f & o.
func (f Flags) Intersect(o Flags) Flags { return f & o }

// Without returns f with the bits of o cleared.
func (f Flags) Without(o Flags) Flags { return f &^ o }

// Validate rejects bit patterns the native library does not define.
func (f Flags) Validate() error {
	if unknown := f &^ flagMask; unknown != 0 {
		return newError("validate flags", ErrConfig, "undefined flag bits %#x", uint32(unknown))
	}
	return nil
}

// Names returns the names of the set flags in bit order.
func (f Flags) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	names := f.Names()
	if unknown := f &^ flagMask; unknown != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(unknown)))
	}
	if len(names) == 0 {
		return "default"
	}
	return strings.Join(names, "|")
}

// FlagNames lists every recognised flag name, sorted.
func FlagNames() []string {
	names := make([]string, 0, len(flagNames)+2)
	for _, fn := range flagNames {
		names = append(names, fn.name)
	}
	names = append(names, "argon2", "default")
	sort.Strings(names)
	return names
}

// RecommendedFlags returns the flags the native library recommends for this
// machine. The result never includes FlagLargePages, FlagFullMem or
// FlagSecure; set those explicitly when required.
//
// Without the native library the recommendation is derived from CPU features.
func RecommendedFlags() Flags {
	l := current()
	l.probe()
	return l.recommended
}
