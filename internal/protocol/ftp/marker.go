package ftp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// PerfMarker is the content of a 112 performance marker reply:
//
//	112-Perf Marker
//	 Timestamp: 1118351262.4
//	 Stripe Index: 0
//	 Stripe Bytes Transferred: 1048576
//	 Total Stripe Count: 2
//	112 End.
type PerfMarker struct {
	Timestamp    float64 // seconds since the epoch, tenth precision
	StripeIndex  int
	StripeBytes  int64
	TotalStripes int
}

// Seconds and Tenths split Timestamp the way marker consumers receive it.
func (m PerfMarker) Seconds() int64 {
	return int64(m.Timestamp)
}

func (m PerfMarker) Tenths() int {
	frac := m.Timestamp - math.Floor(m.Timestamp)
	return int(math.Round(frac*10)) % 10
}

// NewPerfMarker builds a marker stamped with t.
func NewPerfMarker(t time.Time, stripe, stripes int, bytes int64) PerfMarker {
	ts := float64(t.Unix()) + float64(t.Nanosecond()/100_000_000)/10
	return PerfMarker{Timestamp: ts, StripeIndex: stripe, StripeBytes: bytes, TotalStripes: stripes}
}

// ParsePerfMarker decodes a 112 reply. Unknown keys are ignored; every
// field of PerfMarker must be present.
func ParsePerfMarker(r *Reply) (PerfMarker, error) {
	if r.Code != CodePerfMarker {
		return PerfMarker{}, fmt.Errorf("ftp: reply %d is not a performance marker", r.Code)
	}

	var (
		m    PerfMarker
		seen int
	)
	for _, line := range r.Lines() {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		var err error
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "timestamp":
			m.Timestamp, err = strconv.ParseFloat(val, 64)
			seen |= 1
		case "stripe index":
			m.StripeIndex, err = strconv.Atoi(val)
			seen |= 2
		case "stripe bytes transferred":
			m.StripeBytes, err = strconv.ParseInt(val, 10, 64)
			seen |= 4
		case "total stripe count":
			m.TotalStripes, err = strconv.Atoi(val)
			seen |= 8
		}
		if err != nil {
			return PerfMarker{}, fmt.Errorf("ftp: bad performance marker field %q: %w", key, err)
		}
	}
	if seen != 15 {
		return PerfMarker{}, fmt.Errorf("ftp: incomplete performance marker %q", r.Msg)
	}
	if m.StripeIndex < 0 || m.TotalStripes < 1 || m.StripeIndex >= m.TotalStripes {
		return PerfMarker{}, fmt.Errorf("ftp: stripe %d out of range for %d stripes", m.StripeIndex, m.TotalStripes)
	}
	return m, nil
}

// Format renders the marker as the lines of a 112 reply, terminated by
// CRLF, ready to be written on a control connection.
func (m PerfMarker) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-Perf Marker\r\n", CodePerfMarker)
	fmt.Fprintf(&b, " Timestamp: %.1f\r\n", m.Timestamp)
	fmt.Fprintf(&b, " Stripe Index: %d\r\n", m.StripeIndex)
	fmt.Fprintf(&b, " Stripe Bytes Transferred: %d\r\n", m.StripeBytes)
	fmt.Fprintf(&b, " Total Stripe Count: %d\r\n", m.TotalStripes)
	fmt.Fprintf(&b, "%d End.\r\n", CodePerfMarker)
	return b.String()
}
