package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "1.00MiB/s", FormatRate(2<<20, 2*time.Second))
	assert.Equal(t, "512B/s", FormatRate(512, time.Second))
	assert.Equal(t, "-", FormatRate(100, 0))
	assert.Equal(t, "-", FormatRate(0, time.Second))
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{3 * time.Second, "3s"},
		{90 * time.Second, "1m 30s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h 2m 3s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.in))
	}
}

func TestTransferReport(t *testing.T) {
	r := NewTransferReport("get", "gsiftp://h/f", "/tmp/f", "extended_block", 4, 10<<20, 2*time.Second)
	assert.InDelta(t, 2.0, r.Seconds, 1e-9)

	kv := r.KeyValues()
	assert.Contains(t, kv, [2]string{"Bytes", "10485760 (10.00MiB)"})
	assert.Contains(t, kv, [2]string{"Rate", "5.00MiB/s"})
	assert.Contains(t, kv, [2]string{"Elapsed", "2s"})
	assert.Contains(t, kv, [2]string{"Parallelism", "4"})
}

func TestChecksumReportRange(t *testing.T) {
	kv := ChecksumReport{URL: "ftp://h/f", Algorithm: "md5", Offset: 1000, Length: 5000, Checksum: "x"}.KeyValues()
	assert.Contains(t, kv, [2]string{"Offset", "1000"})
	assert.Contains(t, kv, [2]string{"Length", "5000"})
}
