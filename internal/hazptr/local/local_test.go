package local

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/powergee/haphazard/internal/hazptr/domain"
)

// node is the payload retired by these tests. The index links a freed
// pointer back to its bookkeeping slot.
type node struct {
	idx int
}

// freeCounter builds a destructor that counts invocations per node.
func freeCounter(freed []int32) func(unsafe.Pointer) {
	return func(p unsafe.Pointer) {
		n := (*node)(p)
		freed[n.idx]++
	}
}

// retireFresh retires count new nodes through retire and returns them
// so the test can guard or re-check their addresses.
func retireFresh(b *Bag, count int, freed []int32, base int, retire func(unsafe.Pointer, func(unsafe.Pointer))) []*node {
	free := freeCounter(freed)
	nodes := make([]*node, count)
	for i := 0; i < count; i++ {
		nodes[i] = &node{idx: base + i}
		retire(unsafe.Pointer(nodes[i]), free)
	}
	return nodes
}

func TestRetire_NoPassBelowThreshold(t *testing.T) {
	b := New(domain.New())
	freed := make([]int32, 127)

	retireFresh(b, 127, freed, 0, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })

	if got := b.Pending(); got != 127 {
		t.Errorf("Expected 127 pending records before the threshold, got %d", got)
	}
	for i, n := range freed {
		if n != 0 {
			t.Fatalf("Expected no frees before the threshold, record %d freed %d times", i, n)
		}
	}
}

func TestRetire_ThresholdFreesWholeBatch(t *testing.T) {
	b := New(domain.New())
	freed := make([]int32, 128)

	retireFresh(b, 128, freed, 0, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })

	if got := b.Pending(); got != 0 {
		t.Errorf("Expected empty bag after the threshold pass, got %d pending", got)
	}
	for i, n := range freed {
		if n != 1 {
			t.Errorf("Expected record %d freed exactly once, got %d", i, n)
		}
	}
}

func TestRetire_GuardedRecordKeptThenFreedAfterRelease(t *testing.T) {
	d := domain.New()
	b := New(d)
	freed := make([]int32, 256+1)

	// Guard the first node, then retire it plus 127 unguarded ones to
	// reach the threshold.
	victim := &node{idx: 256}
	g := d.Acquire()
	g.ProtectRaw(uintptr(unsafe.Pointer(victim)))

	b.Retire(unsafe.Pointer(victim), freeCounter(freed))
	retireFresh(b, 127, freed, 0, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })

	if got := b.Pending(); got != 1 {
		t.Fatalf("Expected only the guarded record to survive the pass, got %d pending", got)
	}
	if freed[256] != 0 {
		t.Fatal("Expected the guarded record to stay unfreed")
	}
	for i := 0; i < 127; i++ {
		if freed[i] != 1 {
			t.Errorf("Expected unguarded record %d freed exactly once, got %d", i, freed[i])
		}
	}

	// Release and run the next batch: the survivor goes out with it.
	g.Release()
	retireFresh(b, 128, freed, 127, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })

	if got := b.Pending(); got != 0 {
		t.Errorf("Expected empty bag after the post-release pass, got %d pending", got)
	}
	if freed[256] != 1 {
		t.Errorf("Expected the previously guarded record freed exactly once, got %d", freed[256])
	}
}

func TestRetire_CounterIsMonotonicAcrossPasses(t *testing.T) {
	d := domain.New()
	b := New(d)
	freed := make([]int32, 129)

	retireFresh(b, 128, freed, 0, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })
	// The 129th retirement must not fire a pass of its own: passes are
	// paced by total retirements, not by what the last pass left over.
	retireFresh(b, 1, freed, 128, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })

	if got := b.Pending(); got != 1 {
		t.Errorf("Expected the 129th record to wait for the next batch, got %d pending", got)
	}
	if passes := d.Snapshot().Passes; passes != 1 {
		t.Errorf("Expected exactly 1 pass after 129 retirements, got %d", passes)
	}
}

func TestAdopt_GuardsSurvivePlainRetirePass(t *testing.T) {
	d := domain.New()
	b := New(d)
	freed := make([]int32, 128)

	g := d.Acquire()
	g.ProtectRaw(0xabc000)
	b.Adopt([]*domain.Guard{g})

	// A plain-retire threshold pass must not release adopted guards.
	retireFresh(b, 128, freed, 0, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })

	if got := b.HeldGuards(); got != 1 {
		t.Errorf("Expected adopted guard to survive a plain pass, got %d held", got)
	}
	if _, ok := d.CollectGuardedPtrs()[0xabc000]; !ok {
		t.Error("Expected the adopted guard's address to stay protected")
	}

	b.Drain()
}

func TestRetirePP_ThresholdPassReleasesHeldGuards(t *testing.T) {
	d := domain.New()
	b := New(d)
	freed := make([]int32, 128)

	g := d.Acquire()
	g.ProtectRaw(0xdef000)
	b.Adopt([]*domain.Guard{g})

	retireFresh(b, 128, freed, 0, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.RetirePP(p, f) })

	if got := b.HeldGuards(); got != 0 {
		t.Errorf("Expected held guards released by the guard-releasing pass, got %d", got)
	}
	if _, ok := d.CollectGuardedPtrs()[0xdef000]; ok {
		t.Error("Expected the released guard's address to leave the guarded set")
	}
	for i, n := range freed {
		if n != 1 {
			t.Errorf("Expected record %d freed exactly once, got %d", i, n)
		}
	}
}

func TestRetirePP_HeldGuardDoesNotBlockOwnBatch(t *testing.T) {
	d := domain.New()
	b := New(d)
	freed := make([]int32, 128)

	// The guard protects one of the nodes about to be retired, the
	// shape a completed unlink produces. Because the pass releases
	// held guards after its barrier and before the snapshot, the node
	// must still be freed by that same pass.
	victim := &node{idx: 0}
	g := d.Acquire()
	g.ProtectRaw(uintptr(unsafe.Pointer(victim)))
	b.Adopt([]*domain.Guard{g})

	b.RetirePP(unsafe.Pointer(victim), freeCounter(freed))
	retireFresh(b, 127, freed, 1, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.RetirePP(p, f) })

	if got := b.Pending(); got != 0 {
		t.Errorf("Expected the bag's own guard not to keep its records alive, got %d pending", got)
	}
	if freed[0] != 1 {
		t.Errorf("Expected the self-guarded record freed exactly once, got %d", freed[0])
	}
}

func TestDrain_EmptiesBagBelowThreshold(t *testing.T) {
	b := New(domain.New())
	freed := make([]int32, 5)

	retireFresh(b, 5, freed, 0, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })
	b.Drain()

	if got := b.Pending(); got != 0 {
		t.Errorf("Expected empty bag after drain, got %d pending", got)
	}
	for i, n := range freed {
		if n != 1 {
			t.Errorf("Expected record %d freed exactly once on drain, got %d", i, n)
		}
	}
}

func TestDrain_ReleasesHeldGuardsEvenWhenEmpty(t *testing.T) {
	d := domain.New()
	b := New(d)

	g := d.Acquire()
	g.ProtectRaw(0x777000)
	b.Adopt([]*domain.Guard{g})

	b.Drain()

	if got := b.HeldGuards(); got != 0 {
		t.Errorf("Expected drain to release held guards, got %d", got)
	}
	if _, ok := d.CollectGuardedPtrs()[0x777000]; ok {
		t.Error("Expected no guarded addresses after drain")
	}
}

func TestDrain_SpinsUntilForeignGuardReleases(t *testing.T) {
	d := domain.New()
	b := New(d)
	freed := make([]int32, 1)

	victim := &node{idx: 0}
	g := d.Acquire()
	g.ProtectRaw(uintptr(unsafe.Pointer(victim)))
	b.Retire(unsafe.Pointer(victim), freeCounter(freed))

	// Another goroutine holds the guard briefly; drain must wait it
	// out rather than free a guarded record or give up.
	released := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Release()
		close(released)
	}()

	b.Drain()
	<-released

	if freed[0] != 1 {
		t.Errorf("Expected the record freed exactly once after the guard released, got %d", freed[0])
	}
	if got := b.Pending(); got != 0 {
		t.Errorf("Expected empty bag after drain, got %d pending", got)
	}
}

func TestRetire_ExactlyOnceUnderGuardChurn(t *testing.T) {
	d := domain.New()
	b := New(d)

	const total = 4096 // multiple of the batch threshold
	nodes := make([]*node, total)
	freed := make([]atomic.Int32, total)
	for i := range nodes {
		nodes[i] = &node{idx: i}
	}

	// Guard goroutines protect random retired addresses while the
	// owner retires, forcing passes to keep and re-examine records.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			g := d.Acquire()
			defer g.Release()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := nodes[rng.Intn(total)]
				g.ProtectRaw(uintptr(unsafe.Pointer(n)))
			}
		}(int64(w + 1))
	}

	free := func(p unsafe.Pointer) {
		n := (*node)(p)
		freed[n.idx].Add(1)
	}
	for _, n := range nodes {
		b.Retire(unsafe.Pointer(n), free)
	}

	close(stop)
	wg.Wait()
	b.Drain()

	for i := range freed {
		if got := freed[i].Load(); got != 1 {
			t.Errorf("Expected record %d freed exactly once, got %d", i, got)
		}
	}
	if got := b.Pending(); got != 0 {
		t.Errorf("Expected empty bag after drain, got %d pending", got)
	}
}

func TestRetire_PassStatsAccounted(t *testing.T) {
	d := domain.New()
	b := New(d)
	freed := make([]int32, 129)

	victim := &node{idx: 128}
	g := d.Acquire()
	g.ProtectRaw(uintptr(unsafe.Pointer(victim)))
	defer g.Release()

	b.Retire(unsafe.Pointer(victim), freeCounter(freed))
	retireFresh(b, 127, freed, 0, func(p unsafe.Pointer, f func(unsafe.Pointer)) { b.Retire(p, f) })

	stats := d.Snapshot()
	if stats.Retired != 128 {
		t.Errorf("Expected 128 retirements recorded, got %d", stats.Retired)
	}
	if stats.Passes != 1 {
		t.Errorf("Expected 1 pass recorded, got %d", stats.Passes)
	}
	if stats.Reclaimed != 127 {
		t.Errorf("Expected 127 records reclaimed, got %d", stats.Reclaimed)
	}
	if stats.Kept != 1 {
		t.Errorf("Expected 1 record kept, got %d", stats.Kept)
	}
}

// === Benchmarks ===

// BenchmarkRetire measures retirement with the amortized pass included;
// no guards are live, so every pass frees its whole batch.
func BenchmarkRetire(b *testing.B) {
	bag := New(domain.New())
	free := func(unsafe.Pointer) {}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bag.Retire(unsafe.Pointer(&node{}), free)
	}
}

// BenchmarkRetire_OneGuardedRecord measures the steady state where one
// stubborn record is re-examined and kept by every pass.
func BenchmarkRetire_OneGuardedRecord(b *testing.B) {
	d := domain.New()
	bag := New(d)
	free := func(unsafe.Pointer) {}

	victim := &node{}
	g := d.Acquire()
	g.ProtectRaw(uintptr(unsafe.Pointer(victim)))
	defer g.Release()
	bag.Retire(unsafe.Pointer(victim), free)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bag.Retire(unsafe.Pointer(&node{}), free)
	}
}
