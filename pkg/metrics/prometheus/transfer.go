package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/gridftp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// transferMetrics is the Prometheus implementation of metrics.TransferMetrics.
type transferMetrics struct {
	inFlight      *prometheus.GaugeVec
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	bytes         *prometheus.CounterVec
	streams       *prometheus.GaugeVec
	streamsOpened *prometheus.CounterVec
	streamBytes   *prometheus.HistogramVec
	markers       *prometheus.CounterVec
	controlConns  *prometheus.CounterVec
}

// NewTransferMetrics creates Prometheus-backed transfer metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewTransferMetrics() metrics.TransferMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newTransferMetrics(metrics.GetRegistry())
}

func newTransferMetrics(reg prometheus.Registerer) *transferMetrics {
	f := promauto.With(reg)
	return &transferMetrics{
		inFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gridftp_operations_in_flight",
				Help: "Operations currently in flight by kind",
			},
			[]string{"kind"},
		),
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridftp_operations_total",
				Help: "Completed operations by kind, terminal status and error kind",
			},
			[]string{"kind", "status", "error"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "gridftp_operation_duration_seconds",
				Help: "Duration of operations from issue to completion",
				Buckets: []float64{
					0.01, // control round trips on a LAN
					0.05,
					0.1,
					0.5,
					1,
					5,
					30,
					120,
					600, // bulk transfers
					3600,
				},
			},
			[]string{"kind", "status"},
		),
		bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridftp_data_bytes_total",
				Help: "Payload bytes moved on data channels",
			},
			[]string{"kind", "direction"},
		),
		streams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gridftp_data_streams",
				Help: "Open data connections",
			},
			[]string{"kind"},
		),
		streamsOpened: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridftp_data_streams_opened_total",
				Help: "Data connections opened",
			},
			[]string{"kind"},
		),
		streamBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gridftp_data_stream_bytes",
				Help:    "Payload carried by each data connection",
				Buckets: prometheus.ExponentialBuckets(64<<10, 4, 10),
			},
			[]string{"kind"},
		),
		markers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridftp_perf_markers_total",
				Help: "Performance markers delivered, by source",
			},
			[]string{"source"},
		),
		controlConns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridftp_control_connections_total",
				Help: "Control connections used, split by cache reuse",
			},
			[]string{"reused"},
		),
	}
}

func (m *transferMetrics) OperationStarted(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Inc()
}

func (m *transferMetrics) OperationFinished(kind, status, errorKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Dec()
	m.operations.WithLabelValues(kind, status, errorKind).Inc()
	m.duration.WithLabelValues(kind, status).Observe(d.Seconds())
}

func (m *transferMetrics) BytesTransferred(kind, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(kind, direction).Add(float64(n))
}

func (m *transferMetrics) StreamOpened(kind string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(kind).Inc()
	m.streamsOpened.WithLabelValues(kind).Inc()
}

func (m *transferMetrics) StreamClosed(kind string, n int64) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(kind).Dec()
	m.streamBytes.WithLabelValues(kind).Observe(float64(n))
}

func (m *transferMetrics) MarkerReceived(source string) {
	if m == nil {
		return
	}
	m.markers.WithLabelValues(source).Inc()
}

func (m *transferMetrics) ControlConnection(reused bool) {
	if m == nil {
		return
	}
	m.controlConns.WithLabelValues(strconv.FormatBool(reused)).Inc()
}
