//go:build cgo && randomx_static

package bridge

/*
#cgo linux LDFLAGS: -Wl,-Bstatic -lrandomx -Wl,-Bdynamic -lstdc++ -lm -lpthread
#cgo darwin LDFLAGS: -lrandomx -lc++
#cgo windows LDFLAGS: -static -lrandomx -lstdc++ -lws2_32 -ladvapi32
*/
import "C"
