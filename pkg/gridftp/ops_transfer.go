package gridftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/marmos91/gridftp/internal/logger"
)

// Get retrieves the file at rawURL. Data is delivered into buffers
// registered with RegisterRead; done fires once after the last buffer
// carrying eof has been returned.
func (c *Client) Get(rawURL string, attr *OperationAttr, done CompleteFunc) (*Operation, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	spec := opSpec{kind: "get", url: u.String(), src: u.String(), plugins: true, read: true}
	return c.issue(spec, []*OperationAttr{attr}, done, func(op *Operation) error {
		return op.retrieve(u, op.settingsFor(0), "RETR %s")
	})
}

// VerboseList retrieves a long listing of rawURL. The listing always
// travels over a stream mode data channel, whatever attr selects.
func (c *Client) VerboseList(rawURL string, attr *OperationAttr, done CompleteFunc) (*Operation, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	spec := opSpec{kind: "list", url: u.String(), read: true}
	return c.issue(spec, []*OperationAttr{attr}, done, func(op *Operation) error {
		st := op.settingsFor(0)
		st.mode = ModeStream
		return op.retrieve(u, st, "LIST %s")
	})
}

// retrieve runs a download command. In extended block mode the server
// opens the data connections; in stream mode the client does.
func (op *Operation) retrieve(u *URL, st opSettings, command string) error {
	ctx := op.dataCtx
	s, err := op.session(u)
	if err != nil {
		return err
	}
	if err := s.configure(ctx, st); err != nil {
		return err
	}
	op.markers = newMarkerSource(op, 1, st.markerInterval)
	sink := op.sink

	if st.mode == ModeExtendedBlock {
		ln, err := op.activeListen(ctx, s)
		if err != nil {
			return err
		}
		defer ln.Close()

		if err := op.startTransfer(s, command, u.Path); err != nil {
			return err
		}
		return op.transfer(func(ctx context.Context) error {
			if err := op.receiveBlocks(ctx, ln, sink, st.tcpBuffer); err != nil {
				return err
			}
			sink.finishStreams()
			return sink.waitEOF(ctx)
		}, s)
	}

	addrs, err := op.passiveAddrs(ctx, s, false)
	if err != nil {
		return err
	}
	conn, err := op.dialData(ctx, addrs[0], st.tcpBuffer)
	if err != nil {
		return err
	}
	if err := op.startTransfer(s, command, u.Path); err != nil {
		_ = conn.Close()
		return err
	}
	return op.transfer(func(ctx context.Context) error {
		if err := op.receiveStream(ctx, conn, sink); err != nil {
			return err
		}
		sink.finishStreams()
		return sink.waitEOF(ctx)
	}, s)
}

// Put stores a file at rawURL from buffers registered with RegisterWrite.
func (c *Client) Put(rawURL string, attr *OperationAttr, done CompleteFunc) (*Operation, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	spec := opSpec{kind: "put", url: u.String(), dst: u.String(), plugins: true, write: true}
	return c.issue(spec, []*OperationAttr{attr}, done, func(op *Operation) error {
		return op.store(u, op.settingsFor(0))
	})
}

func (op *Operation) store(u *URL, st opSettings) error {
	ctx := op.dataCtx
	s, err := op.session(u)
	if err != nil {
		return err
	}
	if err := s.configure(ctx, st); err != nil {
		return err
	}

	extended := st.mode == ModeExtendedBlock
	addrs, err := op.passiveAddrs(ctx, s, extended && st.striped)
	if err != nil {
		return err
	}
	streams := 1
	if extended {
		streams = st.parallelism
	} else {
		addrs = addrs[:1]
	}
	conns, err := op.dialStripes(ctx, addrs, streams, st.tcpBuffer)
	if err != nil {
		return err
	}
	op.markers = newMarkerSource(op, len(addrs), st.markerInterval)

	if err := op.startTransfer(s, "STOR %s", u.Path); err != nil {
		closeStripes(conns)
		return err
	}
	src := op.source
	return op.transfer(func(ctx context.Context) error {
		if extended {
			return op.sendBlocks(ctx, conns, src, st.blockSize)
		}
		return op.sendStream(ctx, conns[0][0], src)
	}, s)
}

// transferBuffers is the number of buffers the Download and Upload
// helpers keep registered per stream.
const transferBuffers = 2

// Download copies the file at rawURL into w and returns the number of
// bytes written. Cancelling ctx aborts the transfer.
func (c *Client) Download(ctx context.Context, rawURL string, attr *OperationAttr, w io.WriterAt) (int64, error) {
	op, err := c.Get(rawURL, attr, nil)
	if err != nil {
		return 0, err
	}
	return c.drain(ctx, op, attr, w)
}

// List writes the long listing of rawURL to w.
func (c *Client) List(ctx context.Context, rawURL string, attr *OperationAttr, w io.Writer) error {
	op, err := c.VerboseList(rawURL, attr, nil)
	if err != nil {
		return err
	}
	var listing memWriter
	if _, err := c.drain(ctx, op, attr, &listing); err != nil {
		return err
	}
	_, err = w.Write(listing.buf)
	return err
}

// drain keeps buffers registered with the read operation op and writes
// each delivered chunk to w at its offset.
func (c *Client) drain(ctx context.Context, op *Operation, attr *OperationAttr, w io.WriterAt) (int64, error) {
	var (
		mu   sync.Mutex
		werr error
	)
	var onData DataFunc
	onData = func(cl *Client, buf *Buffer, n int, off int64, eof bool, err error) {
		if err == nil && n > 0 {
			if _, wErr := w.WriteAt(buf.raw()[:n], off); wErr != nil {
				mu.Lock()
				if werr == nil {
					werr = wErr
				}
				mu.Unlock()
				_ = cl.Abort()
			}
		}
		if err != nil || eof {
			_ = buf.Destroy()
			return
		}
		if rerr := cl.RegisterRead(buf, onData); rerr != nil {
			_ = buf.Destroy()
		}
	}

	if err := c.feedBuffers(attr, func(buf *Buffer) error {
		return c.RegisterRead(buf, onData)
	}); err != nil {
		_ = c.Abort()
		<-op.Done()
		return op.Bytes(), err
	}

	err := c.await(ctx, op)
	mu.Lock()
	defer mu.Unlock()
	if werr != nil {
		return op.Bytes(), fmt.Errorf("write local data: %w", werr)
	}
	return op.Bytes(), err
}

// memWriter collects data written at arbitrary offsets.
type memWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memWriter) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

// Upload stores size bytes read from r at rawURL.
func (c *Client) Upload(ctx context.Context, rawURL string, attr *OperationAttr, r io.ReaderAt, size int64) (int64, error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrInvalidArgument, size)
	}
	op, err := c.Put(rawURL, attr, nil)
	if err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		next    int64
		eofSent bool
		rerr    error
	)
	var onSent DataFunc
	var fill func(buf *Buffer) error
	fill = func(buf *Buffer) error {
		mu.Lock()
		defer mu.Unlock()
		if eofSent {
			_ = buf.Destroy()
			return nil
		}
		data := buf.raw()
		n := int(min(int64(len(data)), size-next))
		if n > 0 {
			if _, err := r.ReadAt(data[:n], next); err != nil && !errors.Is(err, io.EOF) {
				rerr = err
				_ = buf.Destroy()
				return err
			}
		}
		off := next
		next += int64(n)
		eofSent = next >= size
		if err := c.RegisterWrite(buf, n, off, eofSent, onSent); err != nil {
			_ = buf.Destroy()
			return err
		}
		return nil
	}
	onSent = func(cl *Client, buf *Buffer, _ int, _ int64, eof bool, err error) {
		if err != nil || eof {
			_ = buf.Destroy()
			return
		}
		if ferr := fill(buf); ferr != nil {
			logger.Debug("upload refill failed", logger.KeyError, ferr)
			_ = cl.Abort()
		}
	}

	if err := c.feedBuffers(attr, fill); err != nil {
		_ = c.Abort()
		<-op.Done()
		return op.Bytes(), err
	}

	err = c.await(ctx, op)
	mu.Lock()
	defer mu.Unlock()
	if rerr != nil {
		return op.Bytes(), fmt.Errorf("read local data: %w", rerr)
	}
	return op.Bytes(), err
}

// feedBuffers allocates the helper buffers and passes each to register.
func (c *Client) feedBuffers(attr *OperationAttr, register func(*Buffer) error) error {
	for range attr.Buffers() {
		buf, err := NewBuffer(attr.BlockSize())
		if err != nil {
			return err
		}
		if err := register(buf); err != nil {
			_ = buf.Destroy()
			if errors.Is(err, ErrInvalidState) {
				// The transfer already finished or every byte is queued.
				return nil
			}
			return err
		}
	}
	return nil
}

// await waits for op, aborting it if ctx ends first.
func (c *Client) await(ctx context.Context, op *Operation) error {
	select {
	case <-op.Done():
	case <-ctx.Done():
		_ = c.Abort()
		<-op.Done()
	}
	return op.Err()
}
