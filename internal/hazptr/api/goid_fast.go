//go:build go1.24 && !go1.26 && (amd64 || arm64)

// Fast goroutine ID extraction for platforms with a verified g layout.
//
// The goid field is read directly from the runtime.g struct at the
// offset declared in goid_go124.go / goid_go125.go. The g pointer comes
// from an assembly stub (goid_amd64.s, goid_arm64.s).
//
// An offset that drifts in a future runtime would silently key every
// bag to garbage, so init cross-checks the raw read against the
// stack-parsing path and demotes to the slow path on any disagreement.
// The demotion costs ~1500ns per call but is always correct.

package api

import "unsafe"

// getg returns the current goroutine's g struct pointer.
// Implemented in assembly (goid_amd64.s or goid_arm64.s).
//
//go:noescape
func getg() uintptr

// goidFastOK records whether the offset read agreed with the slow path
// at init. Written once before main starts, read-only afterwards.
var goidFastOK bool

func init() {
	fast := rawGoid()
	goidFastOK = fast != 0 && fast == getGoroutineIDSlow()
}

// rawGoid reads g.goid at goidOffset, 0 if the g pointer is nil.
//
// The g struct never moves (it is not heap-allocated in the moving
// sense the GC cares about), and a goroutine migrating between Ms keeps
// its g, so the read is stable even across preemption.
//
//go:nosplit
//go:nocheckptr
func rawGoid() int64 {
	gptr := getg()
	if gptr == 0 {
		return 0
	}
	//nolint:gosec // G103: intentional unsafe read of a runtime-internal field
	return int64(*(*uint64)(unsafe.Pointer(gptr + goidOffset)))
}

// getGoroutineIDFast extracts the goroutine ID through the verified
// offset, falling back to stack parsing if the init cross-check failed
// or the g pointer is unavailable.
func getGoroutineIDFast() int64 {
	if !goidFastOK {
		return getGoroutineIDSlow()
	}
	if gid := rawGoid(); gid != 0 {
		return gid
	}
	return getGoroutineIDSlow()
}

// goidFastPathActive reports whether IDs come from the offset read.
// Lets tests skip fast-path-only assertions on demoted configurations.
func goidFastPathActive() bool {
	return goidFastOK
}
