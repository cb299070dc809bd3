package domain

import "sync/atomic"

// Guard is one hazard-pointer slot: a per-owner announcement "I may be
// dereferencing this address, do not free it".
//
// A Guard is owned by exactly one goroutine at a time between Acquire and
// Release; only CollectGuardedPtrs reads it from elsewhere. The slot
// itself lives in the domain's registry forever and is recycled after
// release, so holding a *Guard past Release and using it again is a
// caller error the same way a use-after-free is.
type Guard struct {
	// ptr is the protected address, 0 when the guard protects nothing.
	ptr atomic.Uintptr

	// active marks the slot as owned. Claimed by CAS in Acquire,
	// cleared by Release.
	active atomic.Bool

	// next is the registry link. Written once before the slot is
	// published, immutable afterwards.
	next *Guard
}

// ProtectRaw announces that the owner may dereference addr.
//
// Calling it again re-points the guard at a new address; the previous
// address loses protection at that moment. The announcement alone does
// not make a dereference safe: the owner must validate that addr is
// still reachable from the structure after protecting it (or must have
// protected it before the unlink was possible, as TryUnlink does),
// because a reclamation pass whose barrier preceded this store may
// already have freed the object.
func (g *Guard) ProtectRaw(addr uintptr) {
	g.ptr.Store(addr)
}

// Protected returns the address the guard currently protects, 0 if none.
func (g *Guard) Protected() uintptr {
	return g.ptr.Load()
}

// Release retracts protection and returns the slot to the domain for
// reuse. The guard must not be used afterwards.
func (g *Guard) Release() {
	g.ptr.Store(0)
	g.active.Store(false)
}
