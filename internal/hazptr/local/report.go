package local

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/powergee/haphazard/internal/hazptr/depot"
)

// stalledReportPasses is how many consecutive reclamation passes a
// record may survive before debug mode reports it as possibly leaked.
// A record legitimately survives a pass or two under reader churn;
// eight passes is a thousand retirements of the same address staying
// guarded, which almost always means a guard somebody forgot to
// release.
const stalledReportPasses = 8

// reportWriter receives stalled-record reports. Swapped by tests.
var reportWriter io.Writer = os.Stderr

// reportMu serializes reports from bags draining on different
// goroutines so their lines do not interleave.
var reportMu sync.Mutex

// reportStalled writes a one-time diagnostic for a record that has
// stayed guarded across stalledReportPasses passes. Diagnostic only:
// the record remains in the bag and is freed normally if its guard is
// ever released. Called only in debug mode, and only once per record
// because the pass counter crosses the threshold once.
func reportStalled(rec Retired) {
	reportMu.Lock()
	defer reportMu.Unlock()

	fmt.Fprintf(reportWriter, "==================\n")
	fmt.Fprintf(reportWriter, "WARNING: STALLED RECLAMATION\n")
	fmt.Fprintf(reportWriter, "Retired pointer 0x%016x still guarded after %d reclamation passes\n",
		uintptr(rec.ptr), rec.passes)

	if site := depot.Get(rec.site); site != nil {
		fmt.Fprintf(reportWriter, "Retired at:\n")
		fmt.Fprint(reportWriter, site.Format())
	} else {
		fmt.Fprintf(reportWriter, "Retire site not captured\n")
	}

	fmt.Fprintf(reportWriter, "==================\n")
}
