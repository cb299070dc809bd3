//go:build linux

package membarrier

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Command values from linux/membarrier.h. golang.org/x/sys/unix exports
// the syscall number (SYS_MEMBARRIER) but no wrapper function or command
// constants, so both are provided here.
const (
	MEMBARRIER_CMD_QUERY                      = 0
	MEMBARRIER_CMD_PRIVATE_EXPEDITED          = 1 << 3
	MEMBARRIER_CMD_REGISTER_PRIVATE_EXPEDITED = 1 << 4
)

// membarrier issues membarrier(2). For MEMBARRIER_CMD_QUERY the returned
// int is the bitmask of commands supported by the kernel.
func membarrier(cmd, flags int) (int, error) {
	r1, _, errno := unix.Syscall(unix.SYS_MEMBARRIER, uintptr(cmd), uintptr(flags), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

// Registration state for MEMBARRIER_CMD_PRIVATE_EXPEDITED. The expedited
// command fails with EPERM unless the process registered first, and the
// syscall itself is missing on kernels before 4.14, so support is probed
// once and cached.
const (
	barrierUnknown int32 = iota
	barrierReady
	barrierUnsupported
)

var barrierState int32

// heavyBarrier interrupts every thread of the process so that all of them
// pass through a full memory barrier before it returns.
func heavyBarrier() {
	switch atomic.LoadInt32(&barrierState) {
	case barrierReady:
		if _, err := membarrier(MEMBARRIER_CMD_PRIVATE_EXPEDITED, 0); err == nil {
			return
		}
		// The kernel accepted registration but rejects the command
		// (seen under some seccomp policies). Fall back permanently.
		atomic.StoreInt32(&barrierState, barrierUnsupported)
		fallbackHeavy()
	case barrierUnsupported:
		fallbackHeavy()
	default:
		registerBarrier()
		heavyBarrier()
	}
}

// registerBarrier probes kernel support and registers the process for
// expedited private barriers.
//
// Racing registrations are harmless: MEMBARRIER_CMD_REGISTER_PRIVATE_EXPEDITED
// is idempotent and the state word only moves from unknown to a terminal
// value.
func registerBarrier() {
	cmds, err := membarrier(MEMBARRIER_CMD_QUERY, 0)
	if err != nil || cmds&MEMBARRIER_CMD_PRIVATE_EXPEDITED == 0 {
		atomic.StoreInt32(&barrierState, barrierUnsupported)
		return
	}
	if _, err := membarrier(MEMBARRIER_CMD_REGISTER_PRIVATE_EXPEDITED, 0); err != nil {
		atomic.StoreInt32(&barrierState, barrierUnsupported)
		return
	}
	atomic.StoreInt32(&barrierState, barrierReady)
}
