// Package domain implements the process-wide hazard-pointer registry.
//
// A Domain owns every guard slot created under it and answers one
// question for the reclamation engine: which raw addresses are protected
// by some live guard right now. Retirement and reclamation in
// internal/hazptr/local are partitioned by domain: a bag bound to one
// domain never consults another domain's guards.
//
// The registry is a lock-free singly linked list of slots. Slots are
// pushed once and never unlinked; releasing a guard marks its slot
// inactive so a later acquisition can recycle it. The list therefore
// grows to the high-water mark of concurrently live guards and stays
// there, which keeps collection a bounded walk with no synchronization
// beyond per-slot atomics.
//
// Addresses are held and compared as raw integers and never dereferenced
// here. Collection may over-approximate (a slot read mid-update can
// report an address its owner is about to replace); it must never
// under-approximate a guard that was published before the caller's
// barrier. Over-approximation only delays reclamation, which is the safe
// direction.
package domain

import (
	"sync/atomic"

	// Guard slots store raw addresses and the reclamation pass compares
	// them against retired pointers by value. That is only sound while
	// the Go runtime never moves heap objects.
	_ "go4.org/unsafe/assume-no-moving-gc"
)

// Domain is one reclamation namespace: a guard-slot registry plus the
// counters describing its activity.
//
// The zero value is not usable; construct with New or use Global.
type Domain struct {
	// head is the entry of the push-only slot list. New slots are
	// CAS-pushed here; existing slots are never removed, only
	// deactivated and recycled.
	head atomic.Pointer[Guard]

	// Registry counters. Updated with single atomic adds on the paths
	// that own the event, read together by Snapshot.
	slotsCreated  atomic.Uint64
	slotsRecycled atomic.Uint64
	collects      atomic.Uint64
	retired       atomic.Uint64
	reclaimed     atomic.Uint64
	kept          atomic.Uint64
	passes        atomic.Uint64
}

// global is the default domain. Bags created without an explicit domain
// bind to it, which is the only configuration most programs ever use.
var global = New()

// New creates an empty, independent domain.
//
// Independent domains are useful in tests that need an isolated guard
// registry; production code normally uses Global.
func New() *Domain {
	return &Domain{}
}

// Global returns the process-wide default domain.
func Global() *Domain {
	return global
}

// Acquire returns an unprotected guard bound to d.
//
// It first scans the registry for an inactive slot and claims it with a
// single CAS; only when every existing slot is busy does it allocate and
// publish a fresh one. The returned guard protects nothing until
// ProtectRaw is called.
//
// Thread Safety: Safe for concurrent calls from multiple goroutines.
func (d *Domain) Acquire() *Guard {
	// Recycle path: claim the first inactive slot.
	for g := d.head.Load(); g != nil; g = g.next {
		if !g.active.Load() && g.active.CompareAndSwap(false, true) {
			d.slotsRecycled.Add(1)
			return g
		}
	}

	// Every slot is busy: publish a new one. The slot is marked active
	// before it becomes reachable, so a concurrent Acquire cannot claim
	// it and a concurrent collection treats it like any other live slot.
	g := &Guard{}
	g.active.Store(true)
	for {
		head := d.head.Load()
		g.next = head
		if d.head.CompareAndSwap(head, g) {
			d.slotsCreated.Add(1)
			return g
		}
	}
}

// CollectGuardedPtrs returns the set of addresses currently protected by
// any live guard in this domain.
//
// The result is a snapshot: guards published before the caller's heavy
// barrier are guaranteed present; guards published later may or may not
// appear. Inactive slots and unprotected guards are skipped.
//
// Thread Safety: Safe concurrently with Acquire, ProtectRaw and Release
// on any goroutine.
func (d *Domain) CollectGuardedPtrs() map[uintptr]struct{} {
	d.collects.Add(1)

	set := make(map[uintptr]struct{})
	for g := d.head.Load(); g != nil; g = g.next {
		if !g.active.Load() {
			continue
		}
		if p := g.ptr.Load(); p != 0 {
			set[p] = struct{}{}
		}
	}
	return set
}

// RecordRetire counts one retirement into this domain.
func (d *Domain) RecordRetire() {
	d.retired.Add(1)
}

// RecordPass counts one completed reclamation pass that freed and kept
// the given numbers of records.
func (d *Domain) RecordPass(freed, kept int) {
	d.passes.Add(1)
	d.reclaimed.Add(uint64(freed))
	d.kept.Add(uint64(kept))
}

// Stats is a point-in-time copy of a domain's counters.
type Stats struct {
	// SlotsCreated and SlotsRecycled describe registry churn: created
	// counts fresh slot publications, recycled counts reuses of an
	// inactive slot.
	SlotsCreated  uint64
	SlotsRecycled uint64

	// Collects is the number of registry snapshots taken.
	Collects uint64

	// Retired, Reclaimed and Kept count records handed to bags, records
	// freed by passes, and records a pass had to keep because their
	// address was guarded. Kept accumulates per pass, so one stubborn
	// record held across ten passes contributes ten.
	Retired   uint64
	Reclaimed uint64
	Kept      uint64

	// Passes is the number of completed reclamation passes.
	Passes uint64
}

// Snapshot returns the domain's current counters.
//
// The fields are read with individual atomic loads, so the snapshot is
// not a single consistent cut across counters; it is meant for
// diagnostics and tests, not accounting.
func (d *Domain) Snapshot() Stats {
	return Stats{
		SlotsCreated:  d.slotsCreated.Load(),
		SlotsRecycled: d.slotsRecycled.Load(),
		Collects:      d.collects.Load(),
		Retired:       d.retired.Load(),
		Reclaimed:     d.reclaimed.Load(),
		Kept:          d.kept.Load(),
		Passes:        d.passes.Load(),
	}
}
