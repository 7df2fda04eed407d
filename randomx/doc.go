// Package randomx provides Go handles over the RandomX proof-of-work library.
//
// This package implements:
//   - Flags: the capability bitset passed to every native constructor
//   - Cache: keyed memory used for light hashing and dataset expansion
//   - Dataset: the full-memory region expanded from a Cache, buildable in
//     parallel over disjoint item ranges
//   - VM: the hashing context bound to a Cache or a Dataset
//
// Native memory is reference counted. A VM or Dataset keeps its backing
// Cache/Dataset alive, so handles may be closed in any order and the
// underlying memory is released exactly once, after the last user is gone.
//
// A VM is not safe for concurrent use. Caches and Datasets may be shared by
// any number of VMs on different goroutines.
//
// Typical light-mode use:
//
//	cache, err := randomx.NewCache(randomx.RecommendedFlags(), key)
//	if err != nil {
//		return err
//	}
//	defer cache.Close()
//
//	vm, err := randomx.NewVM(randomx.RecommendedFlags(), cache, nil)
//	if err != nil {
//		return err
//	}
//	defer vm.Close()
//
//	hash, err := vm.Hash(blob)
package randomx
