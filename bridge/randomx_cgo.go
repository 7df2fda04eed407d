//go:build cgo

package bridge

/*
#include <stdlib.h>
#include <randomx.h>
*/
import "C"

import "unsafe"

var defaultLibrary Library = native{}

// native calls straight into librandomx.
type native struct{}

func (native) Available() bool { return true }

func (native) GetFlags() uint32 {
	return uint32(C.randomx_get_flags())
}

func (native) AllocCache(flags uint32) Handle {
	return Handle(C.randomx_alloc_cache(C.randomx_flags(flags)))
}

func (native) InitCache(cache Handle, key []byte) {
	C.randomx_init_cache((*C.randomx_cache)(cache), bytesPtr(key), C.size_t(len(key)))
}

func (native) ReleaseCache(cache Handle) {
	C.randomx_release_cache((*C.randomx_cache)(cache))
}

func (native) AllocDataset(flags uint32) Handle {
	return Handle(C.randomx_alloc_dataset(C.randomx_flags(flags)))
}

func (native) DatasetItemCount() uint64 {
	return uint64(C.randomx_dataset_item_count())
}

func (native) InitDataset(dataset, cache Handle, startItem, itemCount uint64) {
	C.randomx_init_dataset(
		(*C.randomx_dataset)(dataset),
		(*C.randomx_cache)(cache),
		C.ulong(startItem),
		C.ulong(itemCount),
	)
}

func (native) DatasetMemory(dataset Handle) Handle {
	return Handle(C.randomx_get_dataset_memory((*C.randomx_dataset)(dataset)))
}

func (native) ReleaseDataset(dataset Handle) {
	C.randomx_release_dataset((*C.randomx_dataset)(dataset))
}

func (native) CreateVM(flags uint32, cache, dataset Handle) Handle {
	return Handle(C.randomx_create_vm(
		C.randomx_flags(flags),
		(*C.randomx_cache)(cache),
		(*C.randomx_dataset)(dataset),
	))
}

func (native) VMSetCache(vm, cache Handle) {
	C.randomx_vm_set_cache((*C.randomx_vm)(vm), (*C.randomx_cache)(cache))
}

func (native) VMSetDataset(vm, dataset Handle) {
	C.randomx_vm_set_dataset((*C.randomx_vm)(vm), (*C.randomx_dataset)(dataset))
}

func (native) DestroyVM(vm Handle) {
	C.randomx_destroy_vm((*C.randomx_vm)(vm))
}

func (native) CalculateHash(vm Handle, input []byte, output *[HashSize]byte) {
	C.randomx_calculate_hash(
		(*C.randomx_vm)(vm),
		bytesPtr(input),
		C.size_t(len(input)),
		unsafe.Pointer(&output[0]),
	)
}

func (native) CalculateHashFirst(vm Handle, input []byte) {
	C.randomx_calculate_hash_first((*C.randomx_vm)(vm), bytesPtr(input), C.size_t(len(input)))
}

func (native) CalculateHashNext(vm Handle, input []byte, output *[HashSize]byte) {
	C.randomx_calculate_hash_next(
		(*C.randomx_vm)(vm),
		bytesPtr(input),
		C.size_t(len(input)),
		unsafe.Pointer(&output[0]),
	)
}

func (native) CalculateHashLast(vm Handle, output *[HashSize]byte) {
	C.randomx_calculate_hash_last((*C.randomx_vm)(vm), unsafe.Pointer(&output[0]))
}
