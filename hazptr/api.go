// Package hazptr provides the public API for hazard-pointer based
// deferred memory reclamation.
//
// See doc.go for detailed documentation and examples.
package hazptr

import (
	"sync/atomic"
	"unsafe"

	internal "github.com/powergee/haphazard/internal/hazptr/api"
	"github.com/powergee/haphazard/internal/hazptr/domain"
)

// Guard is one hazard pointer: a per-goroutine announcement "I may be
// dereferencing this address, do not free it yet".
//
// A guard belongs to the goroutine that acquired it until Release (or
// until a successful TryUnlink transfers it to the caller's bag); only
// the reclamation machinery reads it from elsewhere. Using a guard
// after Release is a caller error of the same severity as a
// use-after-free.
type Guard = domain.Guard

// Stats is a point-in-time copy of the global domain's counters.
type Stats = domain.Stats

// NewGuard acquires an unprotected hazard guard from the global domain.
//
// The returned guard protects nothing until ProtectRaw is called
// (usually through the Protect helper). Release it when the pointer it
// protects is no longer being dereferenced:
//
//	g := hazptr.NewGuard()
//	defer g.Release()
//
// Acquisition recycles a free registry slot when one exists and
// allocates a new slot otherwise, so the cost amortizes to a short
// lock-free scan.
func NewGuard() *Guard {
	return domain.Global().Acquire()
}

// Protect makes it safe to dereference the pointer currently stored in
// src, returning that pointer (nil if src holds nil).
//
// It runs the load-protect-validate loop of the hazard-pointer
// protocol: read the pointer, announce it through g, then confirm src
// still holds the same pointer. If a writer swapped the pointer out in
// between, the announcement may have come too late to be seen by that
// writer's reclamation pass, so the loop retries with the new value.
// On return the pointer is protected and remains safe to dereference
// until g is released or re-pointed.
//
// The caller must not hold the returned pointer past the guard's
// protection:
//
//	g := hazptr.NewGuard()
//	defer g.Release()
//	n := hazptr.Protect(g, &head)
//	// n is safe to use here
func Protect[T any](g *Guard, src *atomic.Pointer[T]) *T {
	for {
		p := src.Load()
		g.ProtectRaw(uintptr(unsafe.Pointer(p)))
		if src.Load() == p {
			return p
		}
	}
}

// Retire hands ptr to the calling goroutine's retirement bag for
// deferred freeing. free is invoked exactly once, when no hazard guard
// anywhere protects ptr; it captures how the object was owned (heap
// allocation to release, pooled object to return, arena slot to
// recycle).
//
// Caller contract, not runtime checked: ptr must already be
// unreachable through the shared structure it was removed from, the
// removal must be visible to all goroutines before this call, and free
// must be valid for exactly one invocation. free may run on a
// different goroutine than the caller's.
//
// Retire never fails and never blocks beyond the amortized cost of a
// batched reclamation pass.
func Retire[T any](ptr *T, free func(*T)) {
	internal.Retire(unsafe.Pointer(ptr), erase(free))
}

// RetirePP is Retire for pointers removed under the protection of
// transferred guards (the protected-unlink path): the reclamation pass
// it triggers releases the bag's held guards once the pass's barrier
// has fired. TryUnlink calls it for every removed node; call it
// directly only when managing unlink guards by hand through a bag.
func RetirePP[T any](ptr *T, free func(*T)) {
	internal.RetirePP(unsafe.Pointer(ptr), erase(free))
}

// TryUnlink performs one speculative structural removal with its
// safety obligations handled in a single call.
//
// links are the targets the removed nodes keep pointing to: the nodes
// a concurrent traversal loads out of the removed region, through its
// frozen edges, to continue onward. Each is protected by a fresh guard
// before do runs and stays protected until the pass after the removal.
// do performs the actual detach, typically one or more
// compare-and-swaps, and reports whether it won; it is invoked exactly
// once. On success every node in unlink is passed to mark (set a
// tombstone so in-flight traversals detect the removal and retry) and
// then retired with free; the link guards are transferred to the
// calling goroutine's bag and fall only at a later pass, after its
// barrier has published the tombstones, so a traversal that read an
// unset tombstone announced its landing node in time to be seen. The
// removed nodes themselves do not belong in links; their retirement
// already holds their free until no guard names them. On failure the
// guards are released immediately and nothing is marked or retired;
// the caller retries with fresh state.
//
// Both slices are traversed more than once, which is why the interface
// takes slices rather than single-use iterators.
//
// Returns do's result.
func TryUnlink[T any](links, unlink []*T, do func() bool, mark, free func(*T)) bool {
	return internal.TryUnlink(eraseSlice(links), eraseSlice(unlink), do, erase(mark), erase(free))
}

// Drain frees everything pending in the calling goroutine's bag and
// unregisters the bag. It blocks until every pending record is
// unguarded and freed; a guard held forever by another goroutine
// blocks it forever. Useful before a worker goroutine exits and in
// tests that assert on destructor counts. The next retirement on the
// same goroutine starts a fresh bag.
func Drain() {
	internal.Drain()
}

// ReadStats returns the global domain's registry and reclamation
// counters. The fields are read individually, so the snapshot is
// diagnostic, not transactional.
func ReadStats() Stats {
	return domain.Global().Snapshot()
}

// erase closes a typed destructor over the type-erased pointer the
// reclamation engine stores.
func erase[T any](f func(*T)) func(unsafe.Pointer) {
	return func(p unsafe.Pointer) {
		f((*T)(p))
	}
}

// eraseSlice converts a slice of typed pointers to the raw-address form
// the engine compares against the guard registry.
func eraseSlice[T any](ptrs []*T) []unsafe.Pointer {
	out := make([]unsafe.Pointer, len(ptrs))
	for i, p := range ptrs {
		out[i] = unsafe.Pointer(p)
	}
	return out
}
