package output

import (
	"fmt"
	"strconv"
	"time"

	"github.com/marmos91/gridftp/internal/bytesize"
)

// TransferReport summarizes a finished get, put or copy.
type TransferReport struct {
	Operation   string  `json:"operation" yaml:"operation"`
	Source      string  `json:"source" yaml:"source"`
	Destination string  `json:"destination" yaml:"destination"`
	Mode        string  `json:"mode" yaml:"mode"`
	Parallelism int     `json:"parallelism" yaml:"parallelism"`
	Bytes       int64   `json:"bytes" yaml:"bytes"`
	Seconds     float64 `json:"seconds" yaml:"seconds"`
}

// NewTransferReport fills the timing fields from elapsed.
func NewTransferReport(op, src, dst, mode string, parallelism int, bytes int64, elapsed time.Duration) TransferReport {
	return TransferReport{
		Operation:   op,
		Source:      src,
		Destination: dst,
		Mode:        mode,
		Parallelism: parallelism,
		Bytes:       bytes,
		Seconds:     elapsed.Seconds(),
	}
}

func (r TransferReport) KeyValues() KeyValues {
	var kv KeyValues
	kv.Add("Operation", r.Operation)
	kv.Add("Source", r.Source)
	kv.Add("Destination", r.Destination)
	kv.Add("Mode", r.Mode)
	kv.Add("Parallelism", strconv.Itoa(r.Parallelism))
	kv.Add("Bytes", fmt.Sprintf("%d (%s)", r.Bytes, bytesize.ByteSize(max(r.Bytes, 0))))
	elapsed := time.Duration(r.Seconds * float64(time.Second))
	kv.Add("Elapsed", FormatElapsed(elapsed))
	kv.Add("Rate", FormatRate(r.Bytes, elapsed))
	return kv
}

// ChecksumReport is the result of a CKSM command.
type ChecksumReport struct {
	URL       string `json:"url" yaml:"url"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	Offset    int64  `json:"offset" yaml:"offset"`
	Length    int64  `json:"length" yaml:"length"`
	Checksum  string `json:"checksum" yaml:"checksum"`
}

func (r ChecksumReport) KeyValues() KeyValues {
	length := "whole file"
	if r.Length >= 0 {
		length = strconv.FormatInt(r.Length, 10)
	}
	var kv KeyValues
	kv.Add("URL", r.URL)
	kv.Add("Algorithm", r.Algorithm)
	kv.Add("Offset", strconv.FormatInt(r.Offset, 10))
	kv.Add("Length", length)
	kv.Add("Checksum", r.Checksum)
	return kv
}

// ExistsReport is the result of an existence check.
type ExistsReport struct {
	URL    string `json:"url" yaml:"url"`
	Exists bool   `json:"exists" yaml:"exists"`
}

func (r ExistsReport) KeyValues() KeyValues {
	var kv KeyValues
	kv.Add("URL", r.URL)
	kv.Add("Exists", strconv.FormatBool(r.Exists))
	return kv
}

// FormatRate renders an average throughput such as "12.50MiB/s".
func FormatRate(bytes int64, elapsed time.Duration) string {
	if elapsed <= 0 || bytes <= 0 {
		return "-"
	}
	perSec := float64(bytes) / elapsed.Seconds()
	return bytesize.ByteSize(perSec).String() + "/s"
}

// FormatElapsed renders a duration like "1h 2m 3s", or milliseconds below
// one second.
func FormatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
