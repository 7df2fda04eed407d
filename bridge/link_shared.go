//go:build cgo && !randomx_static

package bridge

/*
#cgo LDFLAGS: -lrandomx
#cgo linux LDFLAGS: -lstdc++ -lm -lpthread
#cgo darwin LDFLAGS: -lc++
*/
import "C"
