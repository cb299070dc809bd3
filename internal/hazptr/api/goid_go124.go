//go:build go1.24 && !go1.25 && (amd64 || arm64)

// Go 1.24 goid offset.
//
// In Go 1.24 the gobuf struct is 56 bytes (7 pointers including 'ret'),
// placing goid at offset 160.
//
// g struct layout (Go 1.24):
//
//	Field          Size    Offset
//	-----          ----    ------
//	stack          16      0
//	stackguard0    8       16
//	stackguard1    8       24
//	_panic         8       32
//	_defer         8       40
//	m              8       48
//	sched (gobuf)  56      56   (7 pointers: sp, pc, g, ctxt, ret, lr, bp)
//	syscallsp      8       112
//	syscallpc      8       120
//	syscallbp      8       128
//	stktopsp       8       136
//	param          8       144
//	atomicstatus   4       152
//	stackLock      4       156
//	goid           8       160  <- TARGET

package api

// goidOffset for Go 1.24 is 160 bytes. Verify with
// tools/calc_goid_offset.go before extending the build tags to a new
// Go version.
const goidOffset = 160
