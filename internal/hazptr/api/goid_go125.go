//go:build go1.25 && !go1.26 && (amd64 || arm64)

// Go 1.25 goid offset.
//
// In Go 1.25 the gobuf struct shrank to 48 bytes (6 pointers), pulling
// goid down to offset 152.
//
// g struct layout (Go 1.25):
//
//	Field          Size    Offset
//	-----          ----    ------
//	stack          16      0
//	stackguard0    8       16
//	stackguard1    8       24
//	_panic         8       32
//	_defer         8       40
//	m              8       48
//	sched (gobuf)  48      56   (6 pointers: sp, pc, g, ctxt, ret, bp)
//	syscallsp      8       104
//	syscallpc      8       112
//	syscallbp      8       120
//	stktopsp       8       128
//	param          8       136
//	atomicstatus   4       144
//	stackLock      4       148
//	goid           8       152  <- TARGET

package api

// goidOffset for Go 1.25 is 152 bytes.
const goidOffset = 152
