package gridftp

import (
	"sync"
	"time"

	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/internal/protocol/ftp"
	"github.com/marmos91/gridftp/internal/telemetry"
)

// markerSource synthesizes performance markers for transfers where the
// client is one end of the data channel. It stops ticking as soon as the
// server sends markers of its own.
type markerSource struct {
	op *Operation

	mu      sync.Mutex
	stripes []int64
	server  bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newMarkerSource(op *Operation, stripes int, interval time.Duration) *markerSource {
	m := &markerSource{
		op:      op,
		stripes: make([]int64, max(stripes, 1)),
		stopCh:  make(chan struct{}),
	}
	if interval > 0 && op.spec.plugins {
		go m.tick(interval)
	}
	return m
}

func (m *markerSource) tick(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			if !m.emit() {
				return
			}
		}
	}
}

// add records n bytes moved on stripe.
func (m *markerSource) add(stripe int, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stripe < 0 {
		stripe = 0
	}
	for len(m.stripes) <= stripe {
		m.stripes = append(m.stripes, 0)
	}
	m.stripes[stripe] += n
}

// emit delivers one marker per stripe. It reports false once the server
// has taken over.
func (m *markerSource) emit() bool {
	m.mu.Lock()
	if m.server {
		m.mu.Unlock()
		return false
	}
	counts := append([]int64(nil), m.stripes...)
	m.mu.Unlock()

	now := time.Now()
	for i, n := range counts {
		mk := ftp.NewPerfMarker(now, i, len(counts), n)
		m.op.deliverMarker(mk, "local")
	}
	return true
}

// useServer stops local markers.
func (m *markerSource) useServer() {
	m.mu.Lock()
	m.server = true
	m.mu.Unlock()
}

// stop ends the ticker. A successful transfer still driven by local
// markers gets a final marker with the complete byte counts.
func (m *markerSource) stop(success bool) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if success && m.op.spec.plugins {
			m.emit()
		}
	})
}

// account records n payload bytes moved on stripe.
func (op *Operation) account(stripe int, n int64, direction string) {
	if n <= 0 {
		return
	}
	op.bytes.Add(n)
	if op.markers != nil {
		op.markers.add(stripe, n)
	}
	if m := op.client.metrics; m != nil {
		m.BytesTransferred(op.spec.kind, direction, n)
	}
}

// serverMarker handles a 112 reply.
func (op *Operation) serverMarker(pm ftp.PerfMarker) {
	if op.markers != nil {
		op.markers.useServer()
	}
	op.deliverMarker(pm, "server")
}

func (op *Operation) deliverMarker(pm ftp.PerfMarker, source string) {
	if m := op.client.metrics; m != nil {
		m.MarkerReceived(source)
	}
	telemetry.AddEvent(op.ctx, telemetry.EventMarker,
		telemetry.Stripe(pm.StripeIndex), telemetry.Bytes(pm.StripeBytes))
	logger.DebugCtx(op.ctx, "performance marker",
		"source", source,
		logger.KeyStripe, pm.StripeIndex,
		logger.KeyStripes, pm.TotalStripes,
		logger.KeyBytes, pm.StripeBytes)

	op.pluginMarker(Marker{
		Timestamp:   pm.Seconds(),
		Tenths:      pm.Tenths(),
		StripeIndex: pm.StripeIndex,
		StripeCount: pm.TotalStripes,
		Bytes:       pm.StripeBytes,
	})
}
