// Package hazptr provides hazard-pointer based deferred memory reclamation
// for lock-free data structures.
//
// Readers of a lock-free structure dereference shared pointers without
// taking locks; writers remove nodes without knowing which readers still
// hold them. This package closes that gap: a removed node is retired
// instead of freed, and a batched reclamation pass frees it once no
// hazard guard anywhere announces the node's address.
//
// # Quick Start
//
// A reader protects before dereferencing and releases when done:
//
//	var head atomic.Pointer[Node]
//
//	g := hazptr.NewGuard()
//	defer g.Release()
//	n := hazptr.Protect(g, &head)
//	if n != nil {
//		use(n) // safe: no reclamation pass frees n while g protects it
//	}
//
// A writer that removed a node hands it to the reclamation engine
// instead of freeing it:
//
//	old := head.Swap(replacement)
//	hazptr.Retire(old, func(n *Node) {
//		// runs exactly once, when no guard protects n
//	})
//
// A structural removal goes through TryUnlink, which protects the
// removed node's successor (where a traversal paused on the victim
// lands when it follows the frozen link), attempts the detach, marks
// the removed nodes, and ties their retirement to that protection:
//
//	ok := hazptr.TryUnlink(
//		[]*Node{next},
//		[]*Node{victim},
//		func() bool { return prev.next.CompareAndSwap(victim, next) },
//		func(n *Node) { n.deleted.Store(true) },
//		freeNode,
//	)
//
// # How It Works
//
// Every goroutine owns a private bag of retired records. Retirement
// appends a record (raw address plus a destructor) and, every 128
// retirements, runs a reclamation pass: broadcast a heavy memory
// barrier, snapshot all guarded addresses process-wide, free every
// record whose address is absent, keep the rest for a later pass. The
// barrier guarantees that any guard the snapshot misses was published
// after the removal became visible, so its owner's validation step
// cannot have produced the retired pointer.
//
// Guards live in a process-wide registry (the domain). Acquiring a
// guard claims a free registry slot or pushes a new one; releasing it
// returns the slot for reuse, so the registry stays proportional to the
// peak number of concurrently live guards.
//
// # Safety Contract
//
// The package checks nothing at runtime; safety is the caller's
// discipline, stated on each operation:
//
//   - Protect before dereferencing, keep the guard until done.
//   - Retire only pointers no longer reachable through the shared
//     structure, after the removal is visible to all goroutines.
//   - A destructor runs exactly once; never free a retired pointer
//     through any other path.
//
// Violating the contract is undefined behavior, exactly as freeing a
// live pointer is. A guard held forever delays reclamation of the
// records it covers forever; that is the protocol's liveness
// trade-off, not an error the package reports.
//
// # Diagnostics
//
// Setting HAZPTR_DEBUG=1 in the environment enables retire-site capture
// and a one-time stderr report for any record that stays guarded across
// many consecutive reclamation passes, naming the address and the stack
// that retired it. The haphazard CLI adds a stress harness and a static
// misuse checker:
//
//	haphazard stress -workers 8 -readers 8 -ops 100000
//	haphazard vet ./...
//
// # Links
//
// Project repository:
// https://github.com/powergee/haphazard
package hazptr
