//go:build ignore
// +build ignore

// This tool calculates the offset of the goid field in runtime.g by
// mirroring the struct's prefix for every runtime layout the fast path
// supports. Run it against a new Go release before extending the build
// tags in internal/hazptr/api:
//
//	go run tools/calc_goid_offset.go
//
// If the printed offsets match goid_go124.go / goid_go125.go the mirror
// is current. When a release shifts the layout (Go 1.25 shrank gobuf
// from 7 words to 6, moving goid from 160 to 152), add a goid_go1XX.go
// with the new constant and a matching mirror struct here. The runtime
// cross-check in goid_fast.go demotes to stack parsing if an offset is
// ever wrong, so a stale mirror degrades performance, not correctness.
package main

import (
	"fmt"
	"runtime"
	"unsafe"
)

// stackBounds mirrors runtime.stack: 16 bytes on 64-bit.
type stackBounds struct {
	lo uintptr
	hi uintptr
}

// gobuf124 mirrors the Go 1.24 gobuf: 7 words (sp, pc, g, ctxt, ret,
// lr, bp).
type gobuf124 struct {
	sp   uintptr
	pc   uintptr
	g    uintptr
	ctxt unsafe.Pointer
	ret  uintptr
	lr   uintptr
	bp   uintptr
}

// gobuf125 mirrors the Go 1.25 gobuf: 6 words, lr dropped.
type gobuf125 struct {
	sp   uintptr
	pc   uintptr
	g    uintptr
	ctxt unsafe.Pointer
	ret  uintptr
	bp   uintptr
}

// g124 mirrors the runtime.g prefix up to goid for Go 1.24 on
// amd64/arm64.
type g124 struct {
	stack        stackBounds    // offset 0
	stackguard0  uintptr        // offset 16
	stackguard1  uintptr        // offset 24
	_panic       unsafe.Pointer // offset 32
	_defer       unsafe.Pointer // offset 40
	m            unsafe.Pointer // offset 48
	sched        gobuf124       // offset 56, 56 bytes
	syscallsp    uintptr        // offset 112
	syscallpc    uintptr        // offset 120
	syscallbp    uintptr        // offset 128
	stktopsp     uintptr        // offset 136
	param        unsafe.Pointer // offset 144
	atomicstatus uint32         // offset 152
	stackLock    uint32         // offset 156
	goid         uint64         // offset 160 <- TARGET
}

// g125 mirrors the runtime.g prefix up to goid for Go 1.25 on
// amd64/arm64.
type g125 struct {
	stack        stackBounds    // offset 0
	stackguard0  uintptr        // offset 16
	stackguard1  uintptr        // offset 24
	_panic       unsafe.Pointer // offset 32
	_defer       unsafe.Pointer // offset 40
	m            unsafe.Pointer // offset 48
	sched        gobuf125       // offset 56, 48 bytes
	syscallsp    uintptr        // offset 104
	syscallpc    uintptr        // offset 112
	syscallbp    uintptr        // offset 120
	stktopsp     uintptr        // offset 128
	param        unsafe.Pointer // offset 136
	atomicstatus uint32         // offset 144
	stackLock    uint32         // offset 148
	goid         uint64         // offset 152 <- TARGET
}

func main() {
	var a g124
	var b g125

	fmt.Printf("Toolchain: %s on %s\n\n", runtime.Version(), runtime.GOARCH)
	fmt.Printf("Mirrored goid offsets (amd64/arm64):\n")
	fmt.Printf("  Go 1.24 (7-word gobuf): %d (goid_go124.go declares 160)\n", unsafe.Offsetof(a.goid))
	fmt.Printf("  Go 1.25 (6-word gobuf): %d (goid_go125.go declares 152)\n", unsafe.Offsetof(b.goid))
	fmt.Printf("\nKeep the declared constants in internal/hazptr/api in sync with\n")
	fmt.Printf("these values; the init cross-check only saves correctness, not speed.\n")
}
