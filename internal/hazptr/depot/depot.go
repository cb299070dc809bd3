// Package depot stores deduplicated retire-site stack traces for leak
// diagnostics.
//
// When debug mode is on, every retirement captures the top frames of the
// retiring call stack so that a record stuck in a bag can be traced back
// to the code that retired it. Identical sites are stored once and
// referenced by a 64-bit FNV-1a hash, which keeps the per-record cost to
// one word regardless of how many records share a site.
//
// The depot grows for the lifetime of the process. Retire sites are code
// locations, so the population is bounded by the program's distinct
// retirement call paths, not by retirement volume.
package depot

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

// MaxFrames is the number of program counters captured per site. Eight
// frames is enough to see through the reclamation wrappers to the
// application code that performed the retirement.
const MaxFrames = 8

// Site is one deduplicated retire-site stack.
type Site struct {
	PC [MaxFrames]uintptr
}

// sites maps FNV-1a hash → *Site. sync.Map fits the access pattern:
// nearly all captures hit an existing site after warm-up.
var sites sync.Map

// Capture records the current call stack and returns its hash.
//
// skip counts frames to drop above Capture itself: 0 keeps Capture's
// caller as the innermost frame, 1 drops it, and so on. Wrappers pass
// their own depth so the stored site starts at application code.
//
// Returns 0 when no stack is available.
//
// Thread Safety: Safe for concurrent calls from multiple goroutines.
func Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0
	}

	hash := hashFrames(pcs[:n])

	// Deduplicate before allocating. After warm-up this load is the
	// whole cost of a capture beyond runtime.Callers itself.
	if _, ok := sites.Load(hash); ok {
		return hash
	}

	sites.Store(hash, &Site{PC: pcs})
	return hash
}

// Get returns the site for a hash produced by Capture, nil if the hash
// is zero or unknown.
func Get(hash uint64) *Site {
	if hash == 0 {
		return nil
	}
	val, ok := sites.Load(hash)
	if !ok {
		return nil
	}
	return val.(*Site)
}

// hashFrames computes the FNV-1a hash of the captured program counters.
func hashFrames(pcs []uintptr) uint64 {
	h := fnv.New64a()
	for _, pc := range pcs {
		b := (*[8]byte)(unsafe.Pointer(&pc))[:]
		_, _ = h.Write(b)
	}
	return h.Sum64()
}

// Format renders the site for a leak report, innermost frame first:
//
//	  example.com/app/cache.(*Table).evict()
//	      /src/app/cache/table.go:131
//
// Runtime internals are filtered out. A nil site formats as unknown.
func (s *Site) Format() string {
	if s == nil {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(s.PC[:])

	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if strings.HasPrefix(frame.Function, "runtime.") {
			if !more {
				break
			}
			continue
		}

		fmt.Fprintf(&buf, "  %s()\n", frame.Function)
		fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

// Len reports the number of unique sites currently stored. O(n); meant
// for tests and diagnostics, not hot paths.
func Len() int {
	n := 0
	sites.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Reset clears the depot. Test helper; not safe concurrently with
// Capture.
func Reset() {
	sites = sync.Map{}
}
