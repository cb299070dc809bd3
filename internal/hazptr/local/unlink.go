package local

import (
	"unsafe"

	"github.com/powergee/haphazard/internal/hazptr/domain"
)

// TryUnlink performs one speculative structural removal with its safety
// obligations handled in a single call. It protects the addresses the
// removed region keeps pointing to before attempting the removal, and
// on success it ties the removed nodes' retirement to those
// protections.
//
// links are the targets of the removed nodes' frozen outgoing pointers,
// the addresses a traversal that already entered the region loads to
// continue onward; unlink are the nodes that leave the structure if the
// removal succeeds. do performs the actual detach (typically one or
// more compare-and-swaps) and reports whether it won; it is invoked
// exactly once. mark is applied to every removed address on success,
// before retirement, so traversals that already hold one of the nodes
// can detect the logical deletion and retry.
//
// On success the link guards are adopted by the bag rather than
// released. A traversal paused on a removed node announces the link
// target it read from the frozen edge and then re-checks the node's
// mark; that check is sound only while the target cannot be freed
// before the mark is visible. Adoption arranges it: the guards fall at
// a later guard-releasing pass of this bag, whose barrier orders the
// marks written here before the release, so a traversal that still
// reads an unset mark announced its target in time for every collect
// to see it. Removed nodes that other removed nodes point to need no
// guard of their own; they sit retired in this same bag, behind the
// same barrier. On failure the guards are released immediately and
// nothing is retired; the caller retries with fresh state.
//
// Both slices are traversed more than once, which is why the interface
// takes slices rather than single-pass iterators.
//
// Returns do's result.
func (b *Bag) TryUnlink(links, unlink []unsafe.Pointer, do func() bool, mark, free func(unsafe.Pointer)) bool {
	guards := make([]*domain.Guard, len(links))
	for i, p := range links {
		g := b.domain.Acquire()
		g.ProtectRaw(uintptr(p))
		guards[i] = g
	}

	if !do() {
		for _, g := range guards {
			g.Release()
		}
		return false
	}

	for _, p := range unlink {
		mark(p)
	}

	// Adopt before retiring: a threshold pass triggered by one of the
	// RetirePP calls below must find the guards in the bag so that its
	// barrier fires before they are dropped.
	b.Adopt(guards)
	for _, p := range unlink {
		b.RetirePP(p, free)
	}
	return true
}
