//go:build !cgo

package bridge

var defaultLibrary Library = unavailable{}

// unavailable stands in for librandomx when cgo is disabled. Every
// allocation returns the nil sentinel.
type unavailable struct{}

func (unavailable) Available() bool                            { return false }
func (unavailable) GetFlags() uint32                           { return 0 }
func (unavailable) AllocCache(uint32) Handle                   { return nil }
func (unavailable) InitCache(Handle, []byte)                   {}
func (unavailable) ReleaseCache(Handle)                        {}
func (unavailable) AllocDataset(uint32) Handle                 { return nil }
func (unavailable) DatasetItemCount() uint64                   { return 0 }
func (unavailable) InitDataset(Handle, Handle, uint64, uint64) {}
func (unavailable) DatasetMemory(Handle) Handle                { return nil }
func (unavailable) ReleaseDataset(Handle)                      {}
func (unavailable) CreateVM(uint32, Handle, Handle) Handle     { return nil }
func (unavailable) VMSetCache(Handle, Handle)                  {}
func (unavailable) VMSetDataset(Handle, Handle)                {}
func (unavailable) DestroyVM(Handle)                           {}

func (unavailable) CalculateHash(Handle, []byte, *[HashSize]byte)     {}
func (unavailable) CalculateHashFirst(Handle, []byte)                 {}
func (unavailable) CalculateHashNext(Handle, []byte, *[HashSize]byte) {}
func (unavailable) CalculateHashLast(Handle, *[HashSize]byte)         {}
