package gridftp

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/gridftp/internal/bytesize"
	"github.com/marmos91/gridftp/internal/gridftptest"
)

// get runs a Get of path with attr, feeding count buffers of size bytes,
// and returns the collector and the completion error.
func get(t *testing.T, c *Client, url string, attr *OperationAttr, count, size int) (*collector, error) {
	t.Helper()
	r := &collector{}
	done := make(chan error, 1)
	op, err := c.Get(url, attr, func(_ *Client, err error) {
		r.complete()
		done <- err
	})
	require.NoError(t, err)
	r.register(t, c, count, size)

	require.NoError(t, op.Wait(waitCtx(t)))
	return r, <-done
}

func TestGetExtendedBlockParallel(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	payload := randomData(10 * int(bytesize.MiB))
	require.NoError(t, srv.WriteFile("/data/big.bin", payload))

	m := newRecordingMetrics()
	c := newClient(t, false, WithMetrics(m))

	attr := extendedAttr(t, 4)
	buf := NewTCPBuffer()
	require.NoError(t, buf.SetModeFixed())
	require.NoError(t, buf.SetSize(int64(bytesize.MiB)))
	require.NoError(t, attr.SetTCPBuffer(buf))

	r, err := get(t, c, srv.URL("/data/big.bin"), attr, 8, 64<<10)
	require.NoError(t, err)

	data, calls, eofs, errs, late := r.snapshot()
	assert.Empty(t, errs)
	assert.Zero(t, late)
	assert.GreaterOrEqual(t, calls, 4)
	assert.GreaterOrEqual(t, eofs, 1)
	assert.True(t, bytes.Equal(payload, data), "reassembled data differs")

	assert.Equal(t, 1, srv.CountCommand("OPTS RETR"))
	assert.Equal(t, 1, srv.CountCommand("SBUF"))
	assert.Equal(t, 1, srv.CountCommand("PORT"))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, int64(len(payload)), m.bytes["get:download"])
	assert.Equal(t, 4, m.opened)
	assert.Equal(t, m.opened, m.closed)
	assert.Equal(t, []string{"get:succeeded:"}, m.statuses)

	require.Len(t, m.streamBytes, 4)
	var total int64
	for i, n := range m.streamBytes {
		assert.Positive(t, n, "stream %d carried no data", i)
		total += n
	}
	assert.Equal(t, int64(len(payload)), total)
}

func TestGetStream(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	payload := randomData(300_000)
	require.NoError(t, srv.WriteFile("/f", payload))
	c := newClient(t, false)

	t.Run("SmallBuffers", func(t *testing.T) {
		r, err := get(t, c, srv.URL("/f"), NewOperationAttr(), 2, 4096)
		require.NoError(t, err)
		data, _, eofs, errs, _ := r.snapshot()
		assert.Empty(t, errs)
		assert.GreaterOrEqual(t, eofs, 1)
		assert.Equal(t, payload, data)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		require.NoError(t, srv.WriteFile("/empty", nil))
		r, err := get(t, c, srv.URL("/empty"), NewOperationAttr(), 1, 1024)
		require.NoError(t, err)
		data, calls, eofs, _, _ := r.snapshot()
		assert.Empty(t, data)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, eofs)
	})

	t.Run("Missing", func(t *testing.T) {
		done := make(chan error, 1)
		op, err := c.Get(srv.URL("/nope"), NewOperationAttr(), func(_ *Client, err error) { done <- err })
		require.NoError(t, err)
		<-op.Done()

		err = <-done
		assert.ErrorIs(t, err, ErrProtocol)
		var oe *OpError
		require.True(t, errors.As(err, &oe))
		assert.Equal(t, 550, oe.Code)
		assert.Equal(t, OpFailed, op.State())
	})
}

func TestGetServerMarkers(t *testing.T) {
	srv := newServer(t, gridftptest.Options{Markers: true})
	require.NoError(t, srv.WriteFile("/f", randomData(200_000)))

	m := newRecordingMetrics()
	c := newClient(t, false, WithMetrics(m))
	attr := extendedAttr(t, 2)
	require.NoError(t, attr.SetMarkerInterval(0))

	var markers []Marker
	require.NoError(t, c.AddPlugin(NewPerfPlugin(nil, func(_ *Client, mk Marker) {
		markers = append(markers, mk)
	}, nil)))

	_, err := get(t, c, srv.URL("/f"), attr, 4, 32<<10)
	require.NoError(t, err)

	require.Len(t, markers, 1)
	assert.Equal(t, int64(200_000), markers[0].Bytes)
	assert.Equal(t, 1, markers[0].StripeCount)
	assert.Equal(t, 1, m.markers["server"])
	assert.Zero(t, m.markers["local"])
}

func TestPut(t *testing.T) {
	payload := randomData(700_000)

	tests := []struct {
		name    string
		attr    func(t *testing.T) *OperationAttr
		command string
	}{
		{"Stream", func(t *testing.T) *OperationAttr { return NewOperationAttr() }, "PASV"},
		{"ExtendedBlock", func(t *testing.T) *OperationAttr { return extendedAttr(t, 3) }, "PASV"},
		{"Striped", func(t *testing.T) *OperationAttr {
			a := extendedAttr(t, 2)
			require.NoError(t, a.SetStriped(true))
			return a
		}, "SPAS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, gridftptest.Options{})
			c := newClient(t, false)
			attr := tt.attr(t)
			require.NoError(t, attr.SetBlockSize(50_000))

			n, err := c.Upload(waitCtx(t), srv.URL("/up/file"), attr, bytes.NewReader(payload), int64(len(payload)))
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), n)
			assert.Equal(t, 1, srv.CountCommand(tt.command))

			got, err := srv.ReadFile("/up/file")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "stored data differs")
		})
	}
}

func TestPutRegisterWrite(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	c := newClient(t, false)

	done := make(chan error, 1)
	op, err := c.Put(srv.URL("/w"), NewOperationAttr(), func(_ *Client, err error) { done <- err })
	require.NoError(t, err)

	sent := make(chan int64, 2)
	cb := func(_ *Client, buf *Buffer, n int, off int64, eof bool, err error) {
		assert.NoError(t, err)
		sent <- off
	}

	first, err := NewBuffer(5)
	require.NoError(t, err)
	_, _ = first.CopyFrom([]byte("hello"))
	second, err := NewBuffer(6)
	require.NoError(t, err)
	_, _ = second.CopyFrom([]byte(" world"))

	require.NoError(t, c.RegisterWrite(first, 5, 0, false, cb))
	assert.ErrorIs(t, c.RegisterWrite(second, 6, 99, true, cb), ErrInvalidArgument, "stream offsets are contiguous")
	assert.ErrorIs(t, c.RegisterWrite(second, 7, 5, true, cb), ErrOutOfRange)
	require.NoError(t, c.RegisterWrite(second, 6, 5, true, cb))

	require.NoError(t, op.Wait(waitCtx(t)))
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), <-sent)
	assert.Equal(t, int64(5), <-sent)
	assert.Equal(t, int64(11), op.Bytes())

	got, err := srv.ReadFile("/w")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	assert.NoError(t, first.Destroy())
	assert.NoError(t, second.Destroy())
}

func TestDownload(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	payload := randomData(1_000_000)
	require.NoError(t, srv.WriteFile("/d", payload))
	c := newClient(t, true)

	for _, attr := range []*OperationAttr{NewOperationAttr(), extendedAttr(t, 3)} {
		require.NoError(t, attr.SetBlockSize(128<<10))
		var f memFile
		n, err := c.Download(waitCtx(t), srv.URL("/d"), attr, &f)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), n)
		assert.True(t, bytes.Equal(payload, f.Bytes()))
	}
}

func TestThirdPartyTransfer(t *testing.T) {
	payload := randomData(900_000)

	tests := []struct {
		name    string
		striped bool
		mode    Mode
		command string
	}{
		{"Stream", false, ModeStream, "PORT"},
		{"ExtendedBlock", false, ModeExtendedBlock, "PORT"},
		{"Striped", true, ModeExtendedBlock, "SPOR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newServer(t, gridftptest.Options{Markers: true})
			dst := newServer(t, gridftptest.Options{Stripes: 3})
			require.NoError(t, src.WriteFile("/in", payload))
			c := newClient(t, false)

			attrs := make([]*OperationAttr, 2)
			for i := range attrs {
				a := NewOperationAttr()
				if tt.mode == ModeExtendedBlock {
					a = extendedAttr(t, 2)
				}
				require.NoError(t, a.SetStriped(tt.striped))
				attrs[i] = a
			}

			var begins, completes int
			var markers []Marker
			require.NoError(t, c.AddPlugin(NewPerfPlugin(
				func(_ *Client, s, d string, restarted bool) {
					begins++
					assert.Equal(t, src.URL("/in"), s)
					assert.Equal(t, dst.URL("/out"), d)
					assert.False(t, restarted)
				},
				func(_ *Client, m Marker) { markers = append(markers, m) },
				func(_ *Client, success bool) {
					completes++
					assert.True(t, success)
				})))

			op, err := c.ThirdPartyTransfer(src.URL("/in"), attrs[0], dst.URL("/out"), attrs[1], nil, nil)
			require.NoError(t, err)
			require.NoError(t, op.Wait(waitCtx(t)))

			got, err := dst.ReadFile("/out")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "destination differs")
			assert.Equal(t, 1, src.CountCommand(tt.command))
			assert.Equal(t, 1, begins)
			assert.Equal(t, 1, completes)
			assert.NotEmpty(t, markers)
		})
	}
}

func TestThirdPartyTransferValidation(t *testing.T) {
	c := newClient(t, false)
	a := NewOperationAttr()

	_, err := c.ThirdPartyTransfer("ftp://h/a", nil, "ftp://h/b", a, nil, nil)
	assert.ErrorIs(t, err, ErrMissingAttributes)

	_, err = c.ThirdPartyTransfer("ftp://h/a", a, "ftp://h/b", a, &RestartMarker{Ranges: []ByteRange{{0, 10}}}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.ThirdPartyTransfer("ftp://h/a", a, "ftp://h/b", extendedAttr(t, 2), nil, nil)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Nil(t, c.Current())
}

func TestVerboseList(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	require.NoError(t, srv.WriteFile("/dir/alpha", []byte("a")))
	require.NoError(t, srv.WriteFile("/dir/beta", []byte("bb")))
	c := newClient(t, false)

	var plugin int
	require.NoError(t, c.AddPlugin(NewPerfPlugin(func(*Client, string, string, bool) { plugin++ }, nil, nil)))

	r := &collector{}
	op, err := c.VerboseList(srv.URL("/dir"), extendedAttr(t, 4), nil)
	require.NoError(t, err)
	r.register(t, c, 1, 256)
	require.NoError(t, op.Wait(waitCtx(t)))

	data, _, _, _, _ := r.snapshot()
	listing := string(data)
	assert.Contains(t, listing, "alpha")
	assert.Contains(t, listing, "beta")
	assert.Len(t, strings.Split(strings.TrimSpace(listing), "\n"), 2)
	assert.Equal(t, 1, srv.CountCommand("MODE S"))
	assert.Zero(t, plugin)
}

func TestList(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	require.NoError(t, srv.WriteFile("/dir/alpha", []byte("a")))
	require.NoError(t, srv.WriteFile("/dir/beta", []byte("bb")))
	c := newClient(t, false)

	var out bytes.Buffer
	require.NoError(t, c.List(waitCtx(t), srv.URL("/dir"), extendedAttr(t, 2), &out))
	assert.Contains(t, out.String(), "alpha")
	assert.Contains(t, out.String(), "beta")

	err := c.List(waitCtx(t), srv.URL("/missing"), NewOperationAttr(), &out)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestAbort(t *testing.T) {
	for _, mode := range []Mode{ModeStream, ModeExtendedBlock} {
		t.Run(mode.String(), func(t *testing.T) {
			srv := newServer(t, gridftptest.Options{StallData: true})
			require.NoError(t, srv.WriteFile("/slow", randomData(1000)))
			c := newClient(t, true)

			attr := NewOperationAttr()
			if mode == ModeExtendedBlock {
				attr = extendedAttr(t, 2)
			}
			require.NoError(t, attr.SetAbortTimeout(2*time.Second))

			r := &collector{}
			done := make(chan error, 1)
			op, err := c.Get(srv.URL("/slow"), attr, func(_ *Client, err error) {
				r.complete()
				done <- err
			})
			require.NoError(t, err)
			r.register(t, c, 2, 1024)

			require.Eventually(t, func() bool { return srv.CountCommand("RETR") == 1 }, 5*time.Second, 5*time.Millisecond)

			start := time.Now()
			require.NoError(t, c.Abort())
			assert.ErrorIs(t, c.Abort(), ErrInvalidState, "already aborting")

			select {
			case err := <-done:
				assert.ErrorIs(t, err, ErrAborted)
			case <-time.After(2*time.Second + time.Second):
				t.Fatal("completion did not fire within the abort timeout")
			}
			assert.Less(t, time.Since(start), 3*time.Second)
			<-op.Done()
			assert.Equal(t, OpAborted, op.State())

			_, calls, _, errs, late := r.snapshot()
			assert.Zero(t, late)
			assert.Equal(t, 2, calls, "each registered buffer comes back once")
			for _, e := range errs {
				assert.ErrorIs(t, e, ErrAborted)
			}
			assert.Equal(t, 1, srv.CountCommand("ABOR"))

			// The aborted session is not reused.
			next, err := c.Mkdir(srv.URL("/after"), NewOperationAttr(), nil)
			require.NoError(t, err)
			require.NoError(t, next.Wait(waitCtx(t)))
			assert.Equal(t, 2, srv.CountCommand("USER"))
		})
	}
}

func TestAbortUnresponsiveServer(t *testing.T) {
	srv := newServer(t, gridftptest.Options{StallData: true, IgnoreAbort: true})
	require.NoError(t, srv.WriteFile("/slow", randomData(10)))
	c := newClient(t, false)

	attr := NewOperationAttr()
	require.NoError(t, attr.SetAbortTimeout(MinAbortTimeout))

	op, err := c.Get(srv.URL("/slow"), attr, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.CountCommand("RETR") == 1 }, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Abort())

	ctx, cancel := context.WithTimeout(context.Background(), MinAbortTimeout+2*time.Second)
	defer cancel()
	err = op.Wait(ctx)
	assert.ErrorIs(t, err, ErrAborted)
	assert.GreaterOrEqual(t, time.Since(start), MinAbortTimeout-100*time.Millisecond)
}

func TestTimeout(t *testing.T) {
	srv := newServer(t, gridftptest.Options{StallData: true})
	require.NoError(t, srv.WriteFile("/slow", randomData(10)))
	c := newClient(t, false)

	attr := NewOperationAttr()
	require.NoError(t, attr.SetTimeout(200*time.Millisecond))

	op, err := c.Get(srv.URL("/slow"), attr, nil)
	require.NoError(t, err)
	err = op.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, OpFailed, op.State())
}
