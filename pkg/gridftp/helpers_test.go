package gridftp

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/gridftp/internal/gridftptest"
)

const testTimeout = 30 * time.Second

func newServer(t *testing.T, opts gridftptest.Options) *gridftptest.Server {
	t.Helper()
	srv, err := gridftptest.NewServer(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newClient(t *testing.T, cacheAll bool, opts ...Option) *Client {
	t.Helper()
	h := NewHandleAttr()
	require.NoError(t, h.SetCacheAll(cacheAll))
	c, err := NewClient(h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if op := c.Current(); op != nil {
			_ = c.Abort()
			<-op.Done()
		}
		_ = c.Destroy()
	})
	return c
}

// extendedAttr returns MODE E attributes with n streams.
func extendedAttr(t *testing.T, n int) *OperationAttr {
	t.Helper()
	a := NewOperationAttr()
	require.NoError(t, a.SetModeExtendedBlock())
	p := NewParallelism()
	require.NoError(t, p.SetModeFixed())
	require.NoError(t, p.SetSize(n))
	require.NoError(t, a.SetParallelism(p))
	return a
}

func randomData(n int) []byte {
	r := rand.New(rand.NewPCG(uint64(n), 42))
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(r.UintN(256))
	}
	return p
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// collector reassembles data delivered to RegisterRead buffers and keeps
// re-registering them until eof or an error.
type collector struct {
	mu       sync.Mutex
	data     []byte
	calls    int
	eofs     int
	errs     []error
	finished bool
	late     int // callbacks after the completion callback
}

func (r *collector) onData(c *Client, buf *Buffer, n int, off int64, eof bool, err error) {
	r.mu.Lock()
	if r.finished {
		r.late++
	}
	r.calls++
	if err != nil {
		r.errs = append(r.errs, err)
	}
	if n > 0 {
		p, berr := buf.Bytes(n)
		if berr == nil {
			if end := int(off) + n; end > len(r.data) {
				r.data = append(r.data, make([]byte, end-len(r.data))...)
			}
			copy(r.data[off:], p)
		}
	}
	if eof {
		r.eofs++
	}
	r.mu.Unlock()

	if eof || err != nil {
		_ = buf.Destroy()
		return
	}
	if err := c.RegisterRead(buf, r.onData); err != nil {
		_ = buf.Destroy()
	}
}

// register lends count fresh buffers of size bytes to the read in flight.
func (r *collector) register(t *testing.T, c *Client, count, size int) {
	t.Helper()
	for range count {
		buf, err := NewBuffer(size)
		require.NoError(t, err)
		require.NoError(t, c.RegisterRead(buf, r.onData))
	}
}

func (r *collector) complete() {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
}

func (r *collector) snapshot() (data []byte, calls, eofs int, errs []error, late int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...), r.calls, r.eofs, append([]error(nil), r.errs...), r.late
}

// memFile is an io.WriterAt backed by memory.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func (f *memFile) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

// events records callback order across plugins and completions.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

// recordingMetrics counts metric calls.
type recordingMetrics struct {
	mu       sync.Mutex
	started  map[string]int
	statuses []string
	bytes    map[string]int64
	opened   int
	closed   int
	// payload carried by each closed data stream, in close order.
	streamBytes []int64
	markers     map[string]int
	reused      int
	dialed      int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		started: make(map[string]int),
		bytes:   make(map[string]int64),
		markers: make(map[string]int),
	}
}

func (m *recordingMetrics) OperationStarted(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[kind]++
}

func (m *recordingMetrics) OperationFinished(kind, status, errorKind string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, kind+":"+status+":"+errorKind)
}

func (m *recordingMetrics) BytesTransferred(kind, direction string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes[kind+":"+direction] += n
}

func (m *recordingMetrics) StreamOpened(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *recordingMetrics) StreamClosed(_ string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	m.streamBytes = append(m.streamBytes, n)
}

func (m *recordingMetrics) MarkerReceived(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[source]++
}

func (m *recordingMetrics) ControlConnection(reused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reused {
		m.reused++
	} else {
		m.dialed++
	}
}
