package domain

import (
	"sync"
	"testing"
)

func TestGlobal_ReturnsSameDomain(t *testing.T) {
	d1 := Global()
	d2 := Global()

	if d1 != d2 {
		t.Error("Expected Global() to return the same domain on every call")
	}
}

func TestAcquire_ReturnsUnprotectedGuard(t *testing.T) {
	d := New()

	g := d.Acquire()
	defer g.Release()

	if got := g.Protected(); got != 0 {
		t.Errorf("Expected fresh guard to protect nothing, got %#x", got)
	}
}

func TestAcquire_RecyclesReleasedSlot(t *testing.T) {
	d := New()

	g := d.Acquire()
	g.Release()

	g2 := d.Acquire()
	defer g2.Release()

	stats := d.Snapshot()
	if stats.SlotsCreated != 1 {
		t.Errorf("Expected 1 slot created, got %d", stats.SlotsCreated)
	}
	if stats.SlotsRecycled != 1 {
		t.Errorf("Expected 1 slot recycled, got %d", stats.SlotsRecycled)
	}
	if g2 != g {
		t.Error("Expected the released slot to be recycled")
	}
}

func TestAcquire_GrowsWhenAllSlotsBusy(t *testing.T) {
	d := New()

	g1 := d.Acquire()
	g2 := d.Acquire()
	defer g1.Release()
	defer g2.Release()

	if g1 == g2 {
		t.Error("Expected distinct slots for concurrently held guards")
	}

	stats := d.Snapshot()
	if stats.SlotsCreated != 2 {
		t.Errorf("Expected 2 slots created, got %d", stats.SlotsCreated)
	}
}

func TestCollectGuardedPtrs_SnapshotsLiveGuards(t *testing.T) {
	d := New()

	tests := []struct {
		name    string
		protect []uintptr
		want    int
	}{
		{name: "no_guards", protect: nil, want: 0},
		{name: "one_guard", protect: []uintptr{0x1000}, want: 1},
		{name: "three_guards", protect: []uintptr{0x1000, 0x2000, 0x3000}, want: 3},
		{name: "duplicate_addresses", protect: []uintptr{0x1000, 0x1000}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guards := make([]*Guard, 0, len(tt.protect))
			for _, addr := range tt.protect {
				g := d.Acquire()
				g.ProtectRaw(addr)
				guards = append(guards, g)
			}

			set := d.CollectGuardedPtrs()
			if len(set) != tt.want {
				t.Errorf("Expected %d guarded addresses, got %d", tt.want, len(set))
			}
			for _, addr := range tt.protect {
				if _, ok := set[addr]; !ok {
					t.Errorf("Expected address %#x in guarded set", addr)
				}
			}

			for _, g := range guards {
				g.Release()
			}
		})
	}
}

func TestCollectGuardedPtrs_SkipsReleasedGuards(t *testing.T) {
	d := New()

	g := d.Acquire()
	g.ProtectRaw(0xbeef0)
	g.Release()

	set := d.CollectGuardedPtrs()
	if _, ok := set[0xbeef0]; ok {
		t.Error("Expected released guard's address to be absent from the set")
	}
}

func TestProtectRaw_ReprotectReplacesAddress(t *testing.T) {
	d := New()

	g := d.Acquire()
	defer g.Release()

	g.ProtectRaw(0x1000)
	g.ProtectRaw(0x2000)

	set := d.CollectGuardedPtrs()
	if _, ok := set[0x1000]; ok {
		t.Error("Expected re-protect to drop the previous address")
	}
	if _, ok := set[0x2000]; !ok {
		t.Error("Expected re-protect to publish the new address")
	}
}

func TestDomain_Isolation(t *testing.T) {
	d1 := New()
	d2 := New()

	g := d1.Acquire()
	defer g.Release()
	g.ProtectRaw(0x4000)

	if set := d2.CollectGuardedPtrs(); len(set) != 0 {
		t.Errorf("Expected guards in one domain to be invisible to another, got %d", len(set))
	}
}

func TestAcquire_ConcurrentChurn(t *testing.T) {
	d := New()

	var wg sync.WaitGroup
	goroutines := 16
	iterations := 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(base uintptr) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				g := d.Acquire()
				g.ProtectRaw(base + uintptr(j))
				g.Release()
			}
		}(uintptr((i + 1) << 20))
	}

	// Collect concurrently with the churn above.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			d.CollectGuardedPtrs()
		}
	}()

	wg.Wait()
	<-done

	// Recycling must dominate: a scan can miss a slot released mid-walk
	// and push a fresh one, so the exact count is scheduling dependent,
	// but it stays near the number of concurrent holders, nowhere near
	// the number of acquisitions.
	stats := d.Snapshot()
	acquires := uint64(goroutines * iterations)
	if stats.SlotsCreated+stats.SlotsRecycled != acquires {
		t.Errorf("Expected %d total acquisitions, got %d", acquires, stats.SlotsCreated+stats.SlotsRecycled)
	}
	if stats.SlotsCreated > acquires/10 {
		t.Errorf("Expected slot creation to be rare, got %d created for %d acquisitions", stats.SlotsCreated, acquires)
	}

	if set := d.CollectGuardedPtrs(); len(set) != 0 {
		t.Errorf("Expected no guarded addresses after churn, got %d", len(set))
	}
}

func TestSnapshot_TracksPassCounters(t *testing.T) {
	d := New()

	d.RecordRetire()
	d.RecordRetire()
	d.RecordPass(5, 2)

	stats := d.Snapshot()
	if stats.Retired != 2 {
		t.Errorf("Expected 2 retired, got %d", stats.Retired)
	}
	if stats.Passes != 1 {
		t.Errorf("Expected 1 pass, got %d", stats.Passes)
	}
	if stats.Reclaimed != 5 {
		t.Errorf("Expected 5 reclaimed, got %d", stats.Reclaimed)
	}
	if stats.Kept != 2 {
		t.Errorf("Expected 2 kept, got %d", stats.Kept)
	}
}

// === Benchmarks ===

// BenchmarkAcquireRelease measures slot recycling, the steady state for a
// goroutine that repeatedly guards and drops pointers.
func BenchmarkAcquireRelease(b *testing.B) {
	d := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g := d.Acquire()
		g.Release()
	}
}

// BenchmarkProtectRaw measures the protect store alone.
func BenchmarkProtectRaw(b *testing.B) {
	d := New()
	g := d.Acquire()
	defer g.Release()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.ProtectRaw(uintptr(i))
	}
}

// BenchmarkCollectGuardedPtrs_16Guards measures a snapshot over a registry
// with 16 live guards, a realistic steady-state size.
func BenchmarkCollectGuardedPtrs_16Guards(b *testing.B) {
	d := New()
	for i := 0; i < 16; i++ {
		g := d.Acquire()
		g.ProtectRaw(uintptr(0x1000 + i*8))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = d.CollectGuardedPtrs()
	}
}

// BenchmarkAcquireRelease_Parallel measures recycling under contention.
func BenchmarkAcquireRelease_Parallel(b *testing.B) {
	d := New()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			g := d.Acquire()
			g.ProtectRaw(0x1000)
			g.Release()
		}
	})
}
