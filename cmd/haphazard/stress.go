// stress.go implements the 'haphazard stress' command.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/powergee/haphazard/hazptr"
)

// stressSlots is the number of shared pointer slots the workload churns.
// Writers swap and unlink nodes in and out of these slots; readers
// protect and validate whatever the slots currently hold.
const stressSlots = 128

// stressCheckMask ties a node's payload to its checksum. A guarded read
// that observes value^mask != check dereferenced freed or torn memory.
const stressCheckMask = 0x5bd1e995_9e3779b9

// poisonCheck is written by the destructor so any later (illegal) read
// of the node fails the checksum instead of passing by luck.
const poisonCheck = 0xdead_dead_dead_dead

// stressConfig holds configuration for the stress command.
type stressConfig struct {
	// workers is the number of writer goroutines swapping and
	// unlinking nodes.
	workers int

	// readers is the number of goroutines performing guarded reads.
	readers int

	// ops is the number of write operations per worker.
	ops int

	// unlink is the fraction of write operations performed through
	// TryUnlink instead of a plain swap-and-retire.
	unlink float64

	// duration caps the run's wall time; 0 means run until every
	// worker finishes its ops.
	duration time.Duration
}

// parseStressArgs parses command-line arguments for 'haphazard stress'.
func parseStressArgs(args []string) (*stressConfig, error) {
	cfg := &stressConfig{}

	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	fs.IntVar(&cfg.workers, "workers", 4, "writer goroutines")
	fs.IntVar(&cfg.readers, "readers", 4, "guarded-reader goroutines")
	fs.IntVar(&cfg.ops, "ops", 50000, "write operations per worker")
	fs.Float64Var(&cfg.unlink, "unlink", 0.25, "fraction of writes using TryUnlink (0..1)")
	fs.DurationVar(&cfg.duration, "duration", 0, "wall-time cap, 0 for none")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	if cfg.workers < 1 {
		return nil, fmt.Errorf("-workers must be at least 1, got %d", cfg.workers)
	}
	if cfg.readers < 0 {
		return nil, fmt.Errorf("-readers must not be negative, got %d", cfg.readers)
	}
	if cfg.ops < 1 {
		return nil, fmt.Errorf("-ops must be at least 1, got %d", cfg.ops)
	}
	if cfg.unlink < 0 || cfg.unlink > 1 {
		return nil, fmt.Errorf("-unlink must be within [0, 1], got %g", cfg.unlink)
	}

	return cfg, nil
}

// stressNode is the unit of memory churned by the workload.
type stressNode struct {
	// value and check satisfy value^stressCheckMask == check for the
	// node's whole legitimate lifetime. The destructor breaks the
	// equality, so a reader that still passes it is reading live
	// memory.
	value uint64
	check uint64

	// freed counts destructor invocations; anything above 1 is a
	// double free.
	freed atomic.Int32

	// deleted is the tombstone set by TryUnlink's marking closure.
	deleted atomic.Bool
}

// stressCounters aggregates the run's outcomes across all goroutines.
type stressCounters struct {
	allocated    atomic.Uint64
	freed        atomic.Uint64
	reads        atomic.Uint64
	swaps        atomic.Uint64
	unlinkWins   atomic.Uint64
	unlinkLosses atomic.Uint64

	// Invariant violations. Any non-zero value fails the run.
	doubleFrees  atomic.Uint64
	useAfterFree atomic.Uint64
}

// stressRun is one workload execution: the shared slots, the stop flag
// and the counters.
type stressRun struct {
	cfg      *stressConfig
	slots    [stressSlots]atomic.Pointer[stressNode]
	counters stressCounters
	stop     atomic.Bool
}

// stressCommand implements the 'haphazard stress' command.
func stressCommand(args []string) {
	cfg, err := parseStressArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newStressLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := runStress(cfg, logger); err != nil {
		logger.Error("stress run failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// newStressLogger builds the structured logger the stress run reports
// through. Everything goes to stderr so workload scripts can still pipe
// stdout.
func newStressLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// runStress executes the workload and returns an error if any
// reclamation invariant was violated or memory leaked.
func runStress(cfg *stressConfig, logger *zap.Logger) error {
	logger.Info("stress run starting",
		zap.Int("workers", cfg.workers),
		zap.Int("readers", cfg.readers),
		zap.Int("ops", cfg.ops),
		zap.Float64("unlink", cfg.unlink),
		zap.Duration("duration", cfg.duration),
		zap.Int("slots", stressSlots),
	)

	s := &stressRun{cfg: cfg}

	pool, err := ants.NewPool(cfg.workers + cfg.readers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	if cfg.duration > 0 {
		timer := time.AfterFunc(cfg.duration, func() { s.stop.Store(true) })
		defer timer.Stop()
	}

	start := time.Now()

	var readersWG sync.WaitGroup
	for i := 0; i < cfg.readers; i++ {
		readersWG.Add(1)
		seed := int64(1000 + i)
		if err := pool.Submit(func() {
			defer readersWG.Done()
			s.reader(seed)
		}); err != nil {
			readersWG.Done()
			s.stop.Store(true)
			return fmt.Errorf("failed to submit reader: %w", err)
		}
	}

	var writersWG sync.WaitGroup
	for i := 0; i < cfg.workers; i++ {
		writersWG.Add(1)
		seed := int64(1 + i)
		if err := pool.Submit(func() {
			defer writersWG.Done()
			s.writer(seed)
		}); err != nil {
			writersWG.Done()
			s.stop.Store(true)
			return fmt.Errorf("failed to submit writer: %w", err)
		}
	}

	writersWG.Wait()
	s.stop.Store(true)
	readersWG.Wait()

	// Retire whatever is still published, then drain this goroutine's
	// bag so the leak accounting below sees every destructor.
	for i := range s.slots {
		if old := s.slots[i].Swap(nil); old != nil {
			hazptr.Retire(old, s.free)
		}
	}
	hazptr.Drain()

	elapsed := time.Since(start)
	c := &s.counters
	stats := hazptr.ReadStats()

	logger.Info("stress run complete",
		zap.Duration("elapsed", elapsed),
		zap.Uint64("allocated", c.allocated.Load()),
		zap.Uint64("freed", c.freed.Load()),
		zap.Uint64("reads", c.reads.Load()),
		zap.Uint64("swaps", c.swaps.Load()),
		zap.Uint64("unlinkWins", c.unlinkWins.Load()),
		zap.Uint64("unlinkLosses", c.unlinkLosses.Load()),
		zap.Uint64("reclaimPasses", stats.Passes),
		zap.Uint64("recordsKept", stats.Kept),
		zap.Uint64("guardSlotsCreated", stats.SlotsCreated),
	)

	if uaf := c.useAfterFree.Load(); uaf != 0 {
		return fmt.Errorf("%d guarded reads observed freed memory", uaf)
	}
	if df := c.doubleFrees.Load(); df != 0 {
		return fmt.Errorf("%d nodes freed more than once", df)
	}
	if alloc, freed := c.allocated.Load(), c.freed.Load(); alloc != freed {
		return fmt.Errorf("leak: %d nodes allocated but only %d freed", alloc, freed)
	}

	logger.Info("all invariants held")
	return nil
}

// free is the destructor every retirement path uses. It counts the
// free, flags repeats, and poisons the checksum so any later read of
// the node is caught by the readers' validation.
func (s *stressRun) free(n *stressNode) {
	if n.freed.Add(1) != 1 {
		s.counters.doubleFrees.Add(1)
		return
	}
	n.check = poisonCheck
	s.counters.freed.Add(1)
}

// writer performs cfg.ops write operations: mostly swap-and-retire,
// with an -unlink fraction going through the protected-unlink path.
// The bag is drained before the task returns so the pool goroutine
// carries nothing over.
func (s *stressRun) writer(seed int64) {
	rng := rand.New(rand.NewSource(seed))

	for i := 0; i < s.cfg.ops && !s.stop.Load(); i++ {
		slot := &s.slots[rng.Intn(stressSlots)]
		if rng.Float64() < s.cfg.unlink {
			s.unlinkOnce(slot, rng)
		} else {
			s.swapOnce(slot, rng)
		}
	}

	hazptr.Drain()
}

// swapOnce publishes a fresh node and retires the one it displaced.
func (s *stressRun) swapOnce(slot *atomic.Pointer[stressNode], rng *rand.Rand) {
	n := newStressNode(rng)
	old := slot.Swap(n)
	s.counters.allocated.Add(1)
	s.counters.swaps.Add(1)
	if old != nil {
		hazptr.Retire(old, s.free)
	}
}

// unlinkOnce removes the slot's current node through TryUnlink. An
// empty slot is refilled instead; a lost removal race is left for the
// winner to retire. A slot node has no outgoing links a traversal
// could follow, so the link set is empty and the removal's only
// obligations are the tombstone and the retirement.
func (s *stressRun) unlinkOnce(slot *atomic.Pointer[stressNode], rng *rand.Rand) {
	victim := slot.Load()
	if victim == nil {
		// Only a CAS may fill the slot: a plain store could clobber a
		// concurrent writer's node and leak it.
		if n := newStressNode(rng); slot.CompareAndSwap(nil, n) {
			s.counters.allocated.Add(1)
		}
		return
	}

	ok := hazptr.TryUnlink(
		nil,
		[]*stressNode{victim},
		func() bool { return slot.CompareAndSwap(victim, nil) },
		func(n *stressNode) { n.deleted.Store(true) },
		s.free,
	)
	if ok {
		s.counters.unlinkWins.Add(1)
	} else {
		s.counters.unlinkLosses.Add(1)
	}
}

// reader performs guarded reads until the run stops, validating every
// node it protects. One guard is reused across iterations, the way a
// long-lived reader would.
func (s *stressRun) reader(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	g := hazptr.NewGuard()
	defer g.Release()

	for !s.stop.Load() {
		slot := &s.slots[rng.Intn(stressSlots)]
		n := hazptr.Protect(g, slot)
		if n == nil {
			continue
		}
		s.counters.reads.Add(1)

		// Both checks detect a reclamation pass that freed a node this
		// guard was protecting: the destructor bumps freed and breaks
		// the checksum.
		if n.freed.Load() != 0 || n.value^stressCheckMask != n.check {
			s.counters.useAfterFree.Add(1)
		}
	}
}

// newStressNode builds a node whose checksum matches its payload.
func newStressNode(rng *rand.Rand) *stressNode {
	v := rng.Uint64()
	return &stressNode{value: v, check: v ^ stressCheckMask}
}
