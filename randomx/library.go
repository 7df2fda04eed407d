package randomx

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/VanDung-dev/RandomX-Engine/bridge"
)

// library is the process-wide view of one native library. The probe runs at
// most once per library; repeated calls are no-ops.
type library struct {
	bridge.Library

	once        sync.Once
	itemCount   uint64
	recommended Flags
}

var installed atomic.Pointer[library]

func init() {
	installed.Store(&library{Library: bridge.Default()})
}

func current() *library {
	return installed.Load()
}

func (l *library) probe() {
	l.once.Do(func() {
		if !l.Available() {
			l.recommended = cpuFlags()
			return
		}
		l.itemCount = l.DatasetItemCount()
		l.recommended = Flags(l.GetFlags()) & flagMask &^ (FlagLargePages | FlagFullMem | FlagSecure)
	})
}

// UseLibrary installs lib as the native library for handles created from now
// on and returns a function that restores the previous one. Existing handles
// keep the library they were created with. Used by tests to run against
// bridgetest.
func UseLibrary(lib bridge.Library) (restore func()) {
	prev := installed.Swap(&library{Library: lib})
	return func() { installed.Store(prev) }
}

// Available reports whether the native library is linked into this binary.
func Available() bool {
	return current().Available()
}

// cpuFlags mirrors randomx_get_flags using CPU feature detection.
func cpuFlags() Flags {
	var f Flags
	switch runtime.GOARCH {
	case "amd64":
		f |= FlagJIT
		if cpu.X86.HasAES {
			f |= FlagHardAES
		}
		if cpu.X86.HasAVX2 {
			f |= FlagArgon2AVX2
		} else if cpu.X86.HasSSSE3 {
			f |= FlagArgon2SSSE3
		}
	case "arm64":
		f |= FlagJIT
		if cpu.ARM64.HasAES {
			f |= FlagHardAES
		}
	case "riscv64":
		f |= FlagJIT
	}
	return f
}
