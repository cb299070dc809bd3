//go:build !linux

package membarrier

// heavyBarrier on platforms without membarrier(2) support relies on the
// total order of Go atomic operations.
func heavyBarrier() {
	fallbackHeavy()
}
