// Package bridge is the native calling boundary to the RandomX C library.
//
// This package contains:
//   - The Library interface over opaque native handles (library.go)
//   - CGO bindings to the exported randomx_* symbols (randomx_cgo.go)
//   - Link selection: shared library by default, static archive with the
//     randomx_static build tag (link_shared.go, link_static.go)
//   - An unavailable stub for CGO_ENABLED=0 builds (randomx_stub.go)
//
// The RandomX library must be installed before building with cgo:
//
//	git clone https://github.com/tevador/RandomX
//	cd RandomX && mkdir build && cd build
//	cmake -DARCH=native .. && make && sudo make install
//
// Non-default install locations are passed through CGO_CFLAGS and CGO_LDFLAGS.
//
// Nothing in this package checks native return values. Callers (package
// randomx) must treat every nil Handle as a failure before using it.
package bridge
