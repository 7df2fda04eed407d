package bridge

import "unsafe"

const (
	// HashSize is RANDOMX_HASH_SIZE.
	HashSize = 32

	// DatasetItemSize is the size in bytes of one dataset item.
	DatasetItemSize = 64
)

// Handle is an opaque pointer to a native randomx_cache, randomx_dataset,
// randomx_vm or raw dataset memory. A nil Handle is the native failure
// sentinel.
type Handle = unsafe.Pointer

// Library mirrors the exported RandomX API one call per method.
//
// Implementations must be safe for concurrent use to the same extent as the
// C library: InitDataset may run concurrently on disjoint item ranges, and
// distinct VMs may hash concurrently over the same cache or dataset.
type Library interface {
	// Available reports whether the native library is linked in.
	Available() bool

	GetFlags() uint32

	AllocCache(flags uint32) Handle
	InitCache(cache Handle, key []byte)
	ReleaseCache(cache Handle)

	AllocDataset(flags uint32) Handle
	DatasetItemCount() uint64
	InitDataset(dataset, cache Handle, startItem, itemCount uint64)
	DatasetMemory(dataset Handle) Handle
	ReleaseDataset(dataset Handle)

	CreateVM(flags uint32, cache, dataset Handle) Handle
	VMSetCache(vm, cache Handle)
	VMSetDataset(vm, dataset Handle)
	DestroyVM(vm Handle)

	CalculateHash(vm Handle, input []byte, output *[HashSize]byte)
	CalculateHashFirst(vm Handle, input []byte)
	CalculateHashNext(vm Handle, input []byte, output *[HashSize]byte)
	CalculateHashLast(vm Handle, output *[HashSize]byte)
}

// Default returns the library selected at build time.
func Default() Library {
	return defaultLibrary
}

// bytesPtr returns a pointer to the first byte of b, or nil for an empty slice.
func bytesPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
