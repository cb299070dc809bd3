// Package local implements the per-goroutine retirement side of the
// reclamation protocol: the bag of pending frees and the batched pass
// that decides which of them are safe to run.
//
// A Bag belongs to exactly one goroutine and is never locked; all
// mutation is synchronous within its owner. Retiring a pointer appends
// a record pairing the raw address with a destructor and advances a
// counter; every retirementsPerPass retirements the bag runs a
// reclamation pass. The pass broadcasts a heavy memory barrier, reads
// the domain's guarded-address snapshot, and frees every record whose
// address is not in it. Records whose address is guarded stay in the
// bag for a later pass.
//
// The ordering argument the whole package rests on: a reader publishes
// its guard before dereferencing and validates the pointer afterwards,
// and a remover makes the unlink visible before retiring. The barrier
// at the head of a pass then guarantees that any guard the snapshot
// misses was published after the removal was visible, so its owner's
// validation step cannot have produced the retired pointer. Comparing
// raw addresses only, and keeping on any match, over-approximates the
// in-use set; over-approximation merely delays a free, which is the
// safe direction.
package local

import (
	"os"
	"runtime"
	"unsafe"

	"github.com/powergee/haphazard/internal/hazptr/depot"
	"github.com/powergee/haphazard/internal/hazptr/domain"
	"github.com/powergee/haphazard/internal/hazptr/membarrier"
)

// retirementsPerPass is the batch threshold: one reclamation pass per
// this many retirements. The retirement counter is monotonic, so passes
// fire on counter values 128, 256, 384, ... regardless of how many
// records earlier passes managed to free.
const retirementsPerPass = 128

// debugEnabled gates retire-site capture and stalled-record reporting.
// Read once at startup; flipping it later only affects records retired
// afterwards.
var debugEnabled = os.Getenv("HAZPTR_DEBUG") == "1"

// Debug reports whether retire-site capture and stalled-record
// reporting are active.
func Debug() bool {
	return debugEnabled
}

// Retired is one pending free: a raw address plus the destructor that
// knows how to release it.
//
// The pointer is held as unsafe.Pointer so the object stays reachable
// while the free is pending; the reclamation logic itself only ever
// compares uintptr(ptr) against the guarded set and never dereferences.
// Immutable after construction. A record is never dropped without its
// destructor having run exactly once.
type Retired struct {
	ptr  unsafe.Pointer
	free func(unsafe.Pointer)

	// site is the retire-site hash for leak diagnostics, 0 unless
	// debug mode captured one.
	site uint64

	// passes counts consecutive reclamation passes this record
	// survived. Only maintained in debug mode.
	passes uint32
}

// Bag is one goroutine's pending-free list plus the hazard guards that
// must outlive the records they were protecting.
//
// A Bag is owned by a single goroutine: Retire, RetirePP, TryUnlink,
// Adopt and Drain must all be called by the owner (or, for Drain, by a
// sweeper after the owner has provably exited). There is no internal
// synchronization.
type Bag struct {
	domain *domain.Domain

	// retired holds records in insertion order. A pass compacts it in
	// place; the order of survivors is preserved but not relied on.
	retired []Retired

	// guards are hazard guards transferred in by completed unlink
	// operations. They keep protecting the unlinked nodes' neighbors
	// until the next guard-releasing pass has broadcast its barrier,
	// closing the window where another goroutine's pass could misread
	// this goroutine's recent removal as already unprotected.
	guards []*domain.Guard

	// count advances by one per retirement and never resets. Wrapping
	// at 2^64 is harmless: the threshold test is a modulus.
	count uint64
}

// New returns an empty bag bound to d. Records retired into the bag
// are checked against d's guards and against no other domain's.
func New(d *domain.Domain) *Bag {
	return &Bag{domain: d}
}

// Retire appends one pending free and runs a reclamation pass when the
// retirement counter reaches the batch threshold. Held guards survive
// the pass.
//
// Caller contract, not runtime checked: ptr is no longer reachable
// through the structure it was removed from, the removal is visible to
// all goroutines before this call, and free is valid for exactly one
// invocation. free may run on a different goroutine than the caller's
// if the bag is later drained by a sweeper.
//
// Never fails; the only cost beyond the append is the O(batch)
// reclamation pass every retirementsPerPass calls.
func (b *Bag) Retire(ptr unsafe.Pointer, free func(unsafe.Pointer)) {
	b.push(ptr, free)
	if b.count%retirementsPerPass == 0 {
		b.reclaim(false)
	}
}

// RetirePP is Retire for pointers produced by a protected unlink: the
// threshold pass it triggers releases the bag's held guards once its
// barrier has fired, because at that point every removal those guards
// were covering is globally visible as removed.
func (b *Bag) RetirePP(ptr unsafe.Pointer, free func(unsafe.Pointer)) {
	b.push(ptr, free)
	if b.count%retirementsPerPass == 0 {
		b.reclaim(true)
	}
}

// Adopt transfers ownership of guards into the bag. They stay
// protecting whatever they protect until the next guard-releasing
// reclamation pass; the bag never releases them earlier.
//
// TryUnlink adopts its link guards before retiring the removed nodes
// so that a threshold pass triggered by those retirements still sees
// the guards in place for its own barrier-then-release sequence.
func (b *Bag) Adopt(guards []*domain.Guard) {
	b.guards = append(b.guards, guards...)
}

// push appends one record and advances the retirement counter.
func (b *Bag) push(ptr unsafe.Pointer, free func(unsafe.Pointer)) {
	rec := Retired{ptr: ptr, free: free}
	if debugEnabled {
		// Two wrapper frames between here and the retiring caller:
		// push and Retire/RetirePP.
		rec.site = depot.Capture(2)
	}
	b.retired = append(b.retired, rec)
	b.count++
	b.domain.RecordRetire()
}

// reclaim is one reclamation pass. The order of steps is the safety
// argument:
//
//  1. Broadcast the heavy barrier. After it returns, every goroutine
//     observes the removals that preceded the retirements in this bag,
//     and every guard published before the barrier is visible to the
//     snapshot below.
//  2. If releaseGuards, drop the bag's held guards: the removals they
//     were protecting are globally visible as of step 1, so their
//     protection has done its job.
//  3. Snapshot the domain's guarded addresses.
//  4. Free every record whose address is absent from the snapshot;
//     keep the rest for a later pass.
//
// Swapping steps 1 and 3 would race a reader that publishes a guard
// and then validates against the pre-removal structure; swapping 1 and
// 2 would retract protection before the removal is known to be
// visible.
func (b *Bag) reclaim(releaseGuards bool) {
	membarrier.Heavy()

	if releaseGuards {
		b.releaseGuards()
	}

	guarded := b.domain.CollectGuardedPtrs()

	// Compact in place. kept reuses the prefix of the backing array;
	// every slot it overwrites has already been visited.
	kept := b.retired[:0]
	for _, rec := range b.retired {
		if _, ok := guarded[uintptr(rec.ptr)]; ok {
			if debugEnabled {
				rec.passes++
				if rec.passes == stalledReportPasses {
					reportStalled(rec)
				}
			}
			kept = append(kept, rec)
			continue
		}
		rec.free(rec.ptr)
	}

	freed := len(b.retired) - len(kept)

	// Zero the vacated tail so the backing array stops pinning freed
	// objects and their destructor closures.
	tail := b.retired[len(kept):]
	for i := range tail {
		tail[i] = Retired{}
	}
	b.retired = kept

	b.domain.RecordPass(freed, len(kept))
}

// releaseGuards retracts and drops every held guard.
func (b *Bag) releaseGuards() {
	for i, g := range b.guards {
		g.Release()
		b.guards[i] = nil
	}
	b.guards = b.guards[:0]
}

// Drain runs reclamation passes until the bag is empty, then releases
// any remaining held guards. Every pending record is freed before
// Drain returns; no record is ever discarded unfreed.
//
// The first pass releases the bag's own held guards (a drain is itself
// a bulk check, the earliest point they may be dropped), which also
// prevents the bag from waiting on its own protection. If some other
// goroutine holds a guard on a pending record forever, Drain spins
// forever; termination is traded away for the guarantee that a freed
// record was truly unguarded.
func (b *Bag) Drain() {
	for len(b.retired) > 0 {
		b.reclaim(true)
		if len(b.retired) > 0 {
			runtime.Gosched()
		}
	}
	// Nothing was pending, or the survivors are gone: drop whatever
	// guards are still held so their slots recycle.
	b.releaseGuards()
}

// Pending reports the number of records awaiting a safe free.
func (b *Bag) Pending() int {
	return len(b.retired)
}

// HeldGuards reports the number of adopted guards not yet released.
func (b *Bag) HeldGuards() int {
	return len(b.guards)
}
