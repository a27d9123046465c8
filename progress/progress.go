// Package progress renders a terminal progress bar over bulk
// synchronization runs.
package progress

import (
	"sync"

	"github.com/pterm/pterm"
)

// Bar tracks per-list completion during a bulk sync.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar. The bar only renders at log level "info";
// other levels get plain log lines instead. The bar starts on the first
// hook invocation, sized by the total that invocation reports.
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Hook returns a callback suitable for archive.Options.Progress.
func (b *Bar) Hook() func(list string, index, total, added int) {
	return func(list string, index, total, added int) {
		if !b.enabled {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.pb == nil {
			pb, _ := pterm.DefaultProgressbar.
				WithTotal(total).
				WithTitle("Synchronizing mailing lists").
				Start()
			b.pb = pb
		}

		title := "Synchronized: " + list
		if len(title) > 50 {
			title = title[:47] + "..."
		}
		b.pb.UpdateTitle(title)
		b.pb.Increment()
		if added > 0 {
			pterm.Info.Printf("%s: %d new messages\n", list, added)
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.pb.Stop()
}
