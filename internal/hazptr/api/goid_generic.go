// Goroutine identity for keying retirement bags.
//
// Two implementations sit behind getGoroutineIDFast:
//   - goid_fast.go: reads runtime.g.goid at a version-verified offset
//     through an assembly getg stub (Go 1.24-1.25, amd64/arm64), ~1-2ns
//   - goid_fallback.go: parses runtime.Stack output, ~1500ns
//
// The slow path is always available and is the reference the fast path
// is cross-checked against at init.

package api

import "runtime"

// getGoroutineID returns the current goroutine's ID.
//
// IDs are positive, unique for the life of the process, and never
// reused; the dead-bag sweep depends on all three.
func getGoroutineID() int64 {
	return getGoroutineIDFast()
}

// getGoroutineIDSlow extracts the goroutine ID by parsing the first
// line of runtime.Stack output.
//
// Stack trace format: "goroutine 123 [running]:\n..."
// Only the header line is needed, so a 64-byte buffer is enough.
func getGoroutineIDSlow() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID parses the goroutine ID from the head of a stack trace.
// Returns 0 if buf does not start with a goroutine header line.
//
// Direct byte parsing, no string conversion beyond the prefix check,
// no regex.
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}

	// Digits run until the space before "[running]".
	var gid int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}
	return gid
}

// parseAllGIDs extracts every goroutine ID from runtime.Stack(all=true)
// output. Each goroutine contributes one "goroutine N [state]:" header
// line; every other line fails the prefix check and is skipped.
func parseAllGIDs(buf []byte) []int64 {
	var gids []int64
	for i := 0; i < len(buf); {
		end := i
		for end < len(buf) && buf[end] != '\n' {
			end++
		}
		if gid := parseGID(buf[i:end]); gid != 0 {
			gids = append(gids, gid)
		}
		i = end + 1
	}
	return gids
}
