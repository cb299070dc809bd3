// Package api binds retirement bags to goroutines.
//
// A goroutine's first retirement lazily creates its Bag, keyed by
// goroutine ID in a process-wide map. All retirement entry points
// resolve the caller's bag the same way: extract the goroutine ID
// (assembly fast path where available, runtime.Stack parsing
// otherwise) and look it up.
//
// Goroutines have no exit hooks, so a bag whose owner returned would
// leak its pending records forever. Every sweepInterval bag creations
// a background sweep reaps them: it collects the currently mapped IDs,
// snapshots the live-goroutine set, and drains every mapped bag whose
// ID is absent from the snapshot.
//
// The sweep's two steps must run in that order. Goroutine IDs are
// never reused, so a candidate collected BEFORE the snapshot that is
// missing FROM the snapshot was already dead when the snapshot was
// taken and can never touch its bag again; draining it from the sweep
// goroutine is single-owner access, just with a new owner. The reverse
// order could reap the live bag of a goroutine born between snapshot
// and scan. LoadAndDelete claims each bag exactly once, so the sweep
// and an explicit Drain never drain the same bag twice.
package api

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/powergee/haphazard/internal/hazptr/domain"
	"github.com/powergee/haphazard/internal/hazptr/local"
)

// sweepInterval is how many bag creations elapse between sweeps. Bag
// creation is once per goroutine lifetime, so the amortized cost of
// the runtime.Stack(all=true) snapshot stays negligible.
const sweepInterval = 64

var (
	// bags maps goroutine IDs to their retirement bags.
	// Key: int64 (goroutine ID). Value: *local.Bag.
	bags sync.Map

	// bagsCreated counts bag creations to pace the sweep.
	bagsCreated atomic.Uint64

	// sweeping is the single-flight latch for the background sweep.
	// Concurrent sweeps would be safe (LoadAndDelete arbitrates) but
	// each one stops the world for its stack snapshot, so overlapping
	// them buys nothing.
	sweeping atomic.Bool
)

// currentBag returns the calling goroutine's bag, creating and
// registering it on first use.
//
// Only the owning goroutine ever stores under its own ID, so the
// Load-then-Store pair cannot race with another creator. The sweep
// only deletes IDs proven dead, never a live caller's.
func currentBag() *local.Bag {
	gid := getGoroutineID()
	if val, ok := bags.Load(gid); ok {
		return val.(*local.Bag)
	}

	b := local.New(domain.Global())
	bags.Store(gid, b)
	maybeSweep()
	return b
}

// Retire hands ptr to the calling goroutine's bag for deferred freeing.
func Retire(ptr unsafe.Pointer, free func(unsafe.Pointer)) {
	currentBag().Retire(ptr, free)
}

// RetirePP is Retire for records whose unlink guards must survive until
// the next reclamation pass.
func RetirePP(ptr unsafe.Pointer, free func(unsafe.Pointer)) {
	currentBag().RetirePP(ptr, free)
}

// TryUnlink runs a protected removal through the calling goroutine's
// bag. See (*local.Bag).TryUnlink for the contract.
func TryUnlink(links, unlink []unsafe.Pointer, do func() bool, mark, free func(unsafe.Pointer)) bool {
	return currentBag().TryUnlink(links, unlink, do, mark, free)
}

// Drain frees everything pending in the calling goroutine's bag and
// unregisters it. Blocks until every record's guard is released. The
// next retirement on this goroutine starts a fresh bag.
func Drain() {
	gid := getGoroutineID()
	if val, ok := bags.LoadAndDelete(gid); ok {
		val.(*local.Bag).Drain()
	}
}

// maybeSweep launches a background sweep every sweepInterval bag
// creations, at most one at a time.
func maybeSweep() {
	if bagsCreated.Add(1)%sweepInterval != 0 {
		return
	}
	if !sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer sweeping.Store(false)
		sweepDeadBags()
	}()
}

// sweepDeadBags drains and removes the bags of goroutines that no
// longer exist. Candidates first, live snapshot second; the package
// doc explains why this order is the safe one.
func sweepDeadBags() {
	var candidates []int64
	bags.Range(func(key, _ any) bool {
		candidates = append(candidates, key.(int64))
		return true
	})
	if len(candidates) == 0 {
		return
	}

	live := liveGoroutineIDs()

	for _, gid := range candidates {
		if _, ok := live[gid]; ok {
			continue
		}
		if val, ok := bags.LoadAndDelete(gid); ok {
			val.(*local.Bag).Drain()
		}
	}
}

// liveGoroutineIDs snapshots the set of goroutine IDs alive right now.
//
// runtime.Stack truncates silently when the buffer is too small, and a
// truncated dump could hide a live goroutine from the sweep, so the
// buffer doubles until the dump fits.
func liveGoroutineIDs() map[int64]struct{} {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	gids := parseAllGIDs(buf)
	live := make(map[int64]struct{}, len(gids))
	for _, gid := range gids {
		live[gid] = struct{}{}
	}
	return live
}
