package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/gridftp/internal/bytesize"
	"github.com/marmos91/gridftp/pkg/gridftp"
)

// Progress prints one line per performance marker burst: total bytes over
// all stripes and the rate since the previous line.
type Progress struct {
	mu       sync.Mutex
	w        io.Writer
	every    time.Duration
	now      func() time.Time
	stripes  map[int]int64
	start    time.Time
	last     time.Time
	lastSeen int64
}

// NewProgress writes to w at most once per every.
func NewProgress(w io.Writer, every time.Duration) *Progress {
	return &Progress{w: w, every: every, now: time.Now, stripes: make(map[int]int64)}
}

// Plugin returns a performance plugin feeding p.
func (p *Progress) Plugin() *gridftp.PerfPlugin {
	return gridftp.NewPerfPlugin(
		func(_ *gridftp.Client, src, dst string, _ bool) { p.Begin(src, dst) },
		func(_ *gridftp.Client, m gridftp.Marker) { p.Marker(m.StripeIndex, m.Bytes) },
		func(_ *gridftp.Client, success bool) { p.Complete(success) },
	)
}

func (p *Progress) Begin(src, dst string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.stripes)
	p.start = p.now()
	p.last = p.start
	p.lastSeen = 0
	_, _ = fmt.Fprintf(p.w, "%s -> %s\n", orLocal(src), orLocal(dst))
}

// Marker records the byte count of one stripe. Markers carry running
// totals, so a later marker replaces the earlier one.
func (p *Progress) Marker(stripe int, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stripes[stripe] = bytes

	now := p.now()
	if now.Sub(p.last) < p.every {
		return
	}
	total := p.total()
	_, _ = fmt.Fprintf(p.w, "  %s  %s\n",
		bytesize.ByteSize(total), FormatRate(total-p.lastSeen, now.Sub(p.last)))
	p.last = now
	p.lastSeen = total
}

func (p *Progress) Complete(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := "done"
	if !success {
		status = "failed"
	}
	total := p.total()
	_, _ = fmt.Fprintf(p.w, "  %s %s in %s\n",
		status, bytesize.ByteSize(total), FormatElapsed(p.now().Sub(p.start)))
}

func (p *Progress) total() int64 {
	var n int64
	for _, b := range p.stripes {
		n += b
	}
	return n
}

func orLocal(u string) string {
	if u == "" {
		return "(local)"
	}
	return u
}
