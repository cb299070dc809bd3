// Package membarrier issues process-wide memory barriers for the
// reclamation protocol.
//
// A reclaiming goroutine must be sure that every other goroutine observes
// the removal of a node before the reclaimer consults the guard registry:
// otherwise a reader could publish a guard for a node the reclaimer has
// already decided to free. Heavy() is that synchronization point. On Linux
// it uses the membarrier(2) expedited command, which interrupts every
// thread of the process and is far cheaper for readers than having each of
// them fence on every pointer load. Elsewhere it degrades to a sequentially
// consistent read-modify-write on a shared word, which is correct because
// guard publication and registry collection both use Go atomics and Go
// atomics form a single total order.
package membarrier

import "sync/atomic"

// fence is the shared word hit by the fallback barrier.
var fence uint64

// Heavy orders all writes made by the calling goroutine before the call
// against all guard-registry reads made by any goroutine after it.
//
// This is the linearization point of a reclamation pass: once Heavy
// returns, any guard that protects a pointer retired before the call is
// either already visible to the registry snapshot that follows, or was
// published after the protected structure no longer reached the pointer.
//
// Heavy may block until every thread of the process has passed through a
// barrier. It is the only potentially slow step on the retirement path and
// is amortized by the retirement batch threshold.
//
// Thread Safety: Safe for concurrent calls from multiple goroutines.
func Heavy() {
	heavyBarrier()
}

// fallbackHeavy is a sequentially consistent read-modify-write on a shared
// word. Go's memory model gives all atomic operations a total order, so
// once this completes, every subsequent atomic load on any goroutine
// observes writes sequenced before it.
func fallbackHeavy() {
	atomic.AddUint64(&fence, 1)
}
