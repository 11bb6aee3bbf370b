package harness

import (
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Progress maintains a single self-overwriting status line on a terminal
// during collection. When the writer is not a terminal it stays silent, so
// piped or logged output is never polluted with carriage returns.
type Progress struct {
	mu      sync.Mutex
	w       *os.File
	enabled bool
	total   int
	done    int
	dirty   bool
}

// NewProgress returns a Progress reporting n steps to w. Reporting is
// disabled when w is not a terminal.
func NewProgress(w *os.File, n int) *Progress {
	return &Progress{
		w:       w,
		enabled: isatty.IsTerminal(w.Fd()),
		total:   n,
	}
}

// Step records one completed unit and redraws the status line.
func (p *Progress) Step(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	if !p.enabled {
		return
	}
	fmt.Fprintf(p.w, "\r\x1b[K[%d/%d] %s", p.done, p.total, label)
	p.dirty = true
}

// Done clears the status line. Safe to call when nothing was drawn.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dirty {
		fmt.Fprint(p.w, "\r\x1b[K")
		p.dirty = false
	}
}
