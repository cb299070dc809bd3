//go:build !go1.24 || go1.26 || !(amd64 || arm64)

// Stack-parsing fallback for configurations without a verified goid
// offset: Go versions outside the 1.24-1.25 window and architectures
// without a getg stub.

package api

// getGoroutineIDFast delegates to the slow path on this configuration.
// The name is kept for parity with the assembly-backed builds.
func getGoroutineIDFast() int64 {
	return getGoroutineIDSlow()
}

// goidFastPathActive reports false: there is no fast path here.
func goidFastPathActive() bool {
	return false
}
