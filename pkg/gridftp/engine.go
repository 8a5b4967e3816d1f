package gridftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/internal/protocol/eblock"
)

// DataFunc returns a registered buffer to the caller. For reads, length
// bytes at file offset were stored in buf; for writes, the buffer's data
// has been sent. eof is set on the final read callback and on the write
// registered with eof. After a failure or abort every outstanding buffer
// comes back with err set.
type DataFunc func(c *Client, buf *Buffer, length int, offset int64, eof bool, err error)

// streamBufferSize sizes the bufio wrappers on data connections.
const streamBufferSize = 64 << 10

// errTransferClosed rejects registrations once an operation has ended.
var errTransferClosed = fmt.Errorf("%w: transfer has finished", ErrInvalidState)

// signal is a broadcast primitive: waiters grab the current channel and
// every change closes and replaces it.
type signal struct{ ch chan struct{} }

func newSignal() signal { return signal{ch: make(chan struct{})} }

func (s *signal) broadcast() {
	close(s.ch)
	s.ch = make(chan struct{})
}

// RegisterRead lends buf to the operation in flight (Get or VerboseList)
// to be filled with incoming data. cb fires exactly once for it.
func (c *Client) RegisterRead(buf *Buffer, cb DataFunc) error {
	if cb == nil {
		return fmt.Errorf("%w: nil data callback", ErrInvalidArgument)
	}
	op, err := c.transferOp()
	if err != nil {
		return err
	}
	if op.sink == nil {
		return fmt.Errorf("%w: %s does not read data", ErrInvalidState, op.spec.kind)
	}
	if err := buf.lend(); err != nil {
		return err
	}
	if len(buf.raw()) == 0 {
		buf.giveBack()
		return fmt.Errorf("%w: zero-capacity buffer", ErrInvalidArgument)
	}
	if err := op.sink.register(buf, cb); err != nil {
		buf.giveBack()
		return err
	}
	return nil
}

// RegisterWrite lends the first length bytes of buf, destined for file
// offset, to the Put in flight. The registration with eof set is the last
// one. In stream mode offsets must be contiguous.
func (c *Client) RegisterWrite(buf *Buffer, length int, offset int64, eof bool, cb DataFunc) error {
	if cb == nil {
		return fmt.Errorf("%w: nil data callback", ErrInvalidArgument)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, offset)
	}
	op, err := c.transferOp()
	if err != nil {
		return err
	}
	if op.source == nil {
		return fmt.Errorf("%w: %s does not write data", ErrInvalidState, op.spec.kind)
	}
	if err := buf.lend(); err != nil {
		return err
	}
	if length < 0 || length > len(buf.raw()) {
		buf.giveBack()
		return fmt.Errorf("%w: length %d not in [0,%d]", ErrOutOfRange, length, len(buf.raw()))
	}
	if err := op.source.register(writeRequest{buf: buf, length: length, offset: offset, eof: eof, cb: cb}); err != nil {
		buf.giveBack()
		return err
	}
	return nil
}

func (c *Client) transferOp() (*Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == stateDestroyed:
		return nil, ErrUseAfterFree
	case c.op == nil:
		return nil, fmt.Errorf("%w: no transfer in flight", ErrInvalidState)
	}
	return c.op, nil
}

type readRequest struct {
	buf *Buffer
	cb  DataFunc
}

// readSink hands registered buffers to the receiving streams. A stream
// with data and no buffer waits here, which stops it reading its socket.
type readSink struct {
	op *Operation

	mu      sync.Mutex
	pending []readRequest
	changed signal
	err     error // set by close
	closed  bool

	eodCount  int // -1 until the EOF block arrives
	eods      int
	complete  chan struct{}
	drained   bool // every stream has finished
	endOffset int64

	eofOnce sync.Once
	eofSent chan struct{}
}

func newReadSink(op *Operation) *readSink {
	return &readSink{
		op:       op,
		changed:  newSignal(),
		eodCount: -1,
		complete: make(chan struct{}),
		eofSent:  make(chan struct{}),
	}
}

func (s *readSink) register(buf *Buffer, cb DataFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errTransferClosed
	}
	req := readRequest{buf: buf, cb: cb}
	if s.drained {
		s.returnEOF(req)
		return nil
	}
	s.pending = append(s.pending, req)
	s.changed.broadcast()
	return nil
}

// next blocks until a buffer is registered.
func (s *readSink) next(ctx context.Context) (readRequest, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			s.mu.Unlock()
			return readRequest{}, s.err
		}
		if len(s.pending) > 0 {
			req := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return req, nil
		}
		wait := s.changed.ch
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return readRequest{}, ctx.Err()
		}
	}
}

// putBack returns an unused request to the head of the queue.
func (s *readSink) putBack(req readRequest) {
	s.mu.Lock()
	s.pending = append([]readRequest{req}, s.pending...)
	s.mu.Unlock()
}

// deliver hands n bytes at offset back to the caller.
func (s *readSink) deliver(req readRequest, n int, offset int64, stripe int) {
	s.mu.Lock()
	s.endOffset = max(s.endOffset, offset+int64(n))
	s.mu.Unlock()

	s.op.account(stripe, int64(n), "download")
	c := s.op.client
	s.op.exec.submit(func() {
		req.buf.giveBack()
		req.cb(c, req.buf, n, offset, false, nil)
	})
}

// setEODCount records the number of data connections announced by EOF.
func (s *readSink) setEODCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eodCount = n
	s.checkComplete()
}

// addEOD counts one finished connection.
func (s *readSink) addEOD() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eods++
	s.checkComplete()
}

func (s *readSink) checkComplete() {
	if s.eodCount >= 0 && s.eods >= s.eodCount {
		select {
		case <-s.complete:
		default:
			close(s.complete)
		}
	}
}

// expects reports whether more connections are still to come after
// accepted have arrived.
func (s *readSink) expects(accepted int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eodCount < 0 || accepted < s.eodCount
}

// finishStreams marks the data as fully received. Pending buffers come
// back with eof set; later registrations are returned the same way.
func (s *readSink) finishStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drained = true
	for _, req := range s.pending {
		s.returnEOF(req)
	}
	s.pending = nil
}

// returnEOF must be called with s.mu held.
func (s *readSink) returnEOF(req readRequest) {
	c, off := s.op.client, s.endOffset
	s.op.exec.submit(func() {
		req.buf.giveBack()
		req.cb(c, req.buf, 0, off, true, nil)
	})
	s.eofOnce.Do(func() { close(s.eofSent) })
}

// waitEOF blocks until the caller has been handed the end of data.
func (s *readSink) waitEOF(ctx context.Context) error {
	select {
	case <-s.eofSent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close ends the sink. With err set, every buffer still held comes back
// carrying it.
func (s *readSink) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = errTransferClosed
	if err != nil {
		s.err = err
	}
	c, cause := s.op.client, s.err
	for _, req := range s.pending {
		s.op.exec.submit(func() {
			req.buf.giveBack()
			req.cb(c, req.buf, 0, 0, true, cause)
		})
	}
	s.pending = nil
	s.changed.broadcast()
}

// receiveStream copies a stream mode data connection into registered
// buffers until the server closes it.
func (op *Operation) receiveStream(ctx context.Context, conn net.Conn, sink *readSink) error {
	var off int64
	done := op.track(ctx, conn, 0, 0)
	defer func() { done(off) }()

	for {
		req, err := sink.next(ctx)
		if err != nil {
			return err
		}
		n, err := io.ReadFull(conn, req.buf.raw())
		if n > 0 {
			sink.deliver(req, n, off, 0)
			off += int64(n)
		} else {
			sink.putBack(req)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return err
		}
	}
}

// receiveBlocks accepts extended block connections from the server and
// reads them in parallel until the announced number of EODs has arrived.
func (op *Operation) receiveBlocks(ctx context.Context, ln net.Listener, sink *readSink, tcpBuffer int64) error {
	g, gctx := errgroup.WithContext(ctx)

	go func() {
		select {
		case <-sink.complete:
		case <-gctx.Done():
		}
		_ = ln.Close()
	}()

	g.Go(func() error {
		for accepted := 0; sink.expects(accepted); accepted++ {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-sink.complete:
					return nil
				default:
				}
				if cerr := gctx.Err(); cerr != nil {
					return cerr
				}
				return fmt.Errorf("data accept: %w", err)
			}
			setSocketBuffer(conn, tcpBuffer)
			stream := accepted
			g.Go(func() error { return op.readBlocks(gctx, conn, sink, stream) })
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case <-sink.complete:
		return nil
	default:
		return fmt.Errorf("%w: data connections closed before all EODs arrived", ErrProtocol)
	}
}

// readBlocks reads one extended block connection, splitting blocks across
// registered buffers as needed.
func (op *Operation) readBlocks(ctx context.Context, conn net.Conn, sink *readSink, stream int) error {
	var payload int64
	done := op.track(ctx, conn, 0, stream)
	defer func() { done(payload) }()

	r := eblock.NewReader(bufio.NewReaderSize(conn, streamBufferSize))
	for {
		h, err := r.Next()
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream %d closed before EOD: %w", stream, io.ErrUnexpectedEOF)
			}
			return err
		}

		if h.Desc.Has(eblock.DescEOF) {
			n, err := h.EODCount()
			if err != nil {
				return err
			}
			logger.DebugCtx(ctx, "EOF received", logger.KeyStream, stream, logger.KeyEODs, n)
			sink.setEODCount(n)
		}

		for r.Remaining() > 0 {
			req, err := sink.next(ctx)
			if err != nil {
				return err
			}
			off := r.Offset()
			buf := req.buf.raw()
			n, err := io.ReadFull(r, buf[:min(len(buf), r.Remaining())])
			if err != nil {
				sink.putBack(req)
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				return err
			}
			payload += int64(n)
			sink.deliver(req, n, off, int(h.Stripe))
		}

		if h.Desc.Has(eblock.DescEOD) {
			sink.addEOD()
			return nil
		}
	}
}

type writeRequest struct {
	buf    *Buffer
	length int
	offset int64
	eof    bool
	cb     DataFunc
}

// writeSource queues caller buffers for the sending streams.
type writeSource struct {
	op     *Operation
	stream bool

	mu        sync.Mutex
	queue     []writeRequest
	changed   signal
	eofQueued bool
	next      int64 // expected offset in stream mode
	err       error
	closed    bool
}

func newWriteSource(op *Operation, mode Mode) *writeSource {
	return &writeSource{op: op, stream: mode == ModeStream, changed: newSignal()}
}

func (s *writeSource) register(req writeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return errTransferClosed
	case s.eofQueued:
		return fmt.Errorf("%w: eof already registered", ErrInvalidState)
	case s.stream && req.offset != s.next:
		return fmt.Errorf("%w: stream mode needs offset %d, got %d", ErrInvalidArgument, s.next, req.offset)
	}
	s.next = req.offset + int64(req.length)
	s.eofQueued = req.eof
	s.queue = append(s.queue, req)
	s.changed.broadcast()
	return nil
}

// take returns the next request, or ok=false once the eof request has
// been taken and nothing is left.
func (s *writeSource) take(ctx context.Context) (req writeRequest, ok bool, err error) {
	for {
		s.mu.Lock()
		switch {
		case s.err != nil:
			s.mu.Unlock()
			return writeRequest{}, false, s.err
		case len(s.queue) > 0:
			req = s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return req, true, nil
		case s.eofQueued:
			s.mu.Unlock()
			return writeRequest{}, false, nil
		}
		wait := s.changed.ch
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return writeRequest{}, false, ctx.Err()
		}
	}
}

func (s *writeSource) putBack(req writeRequest) {
	s.mu.Lock()
	s.queue = append([]writeRequest{req}, s.queue...)
	s.mu.Unlock()
}

// sent reports req as written.
func (s *writeSource) sent(req writeRequest, stripe int) {
	s.op.account(stripe, int64(req.length), "upload")
	c := s.op.client
	s.op.exec.submit(func() {
		req.buf.giveBack()
		req.cb(c, req.buf, req.length, req.offset, req.eof, nil)
	})
}

func (s *writeSource) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = errTransferClosed
	if err != nil {
		s.err = err
	}
	c, cause := s.op.client, s.err
	for _, req := range s.queue {
		s.op.exec.submit(func() {
			req.buf.giveBack()
			req.cb(c, req.buf, 0, req.offset, req.eof, cause)
		})
	}
	s.queue = nil
	s.changed.broadcast()
}

// sendStream writes queued buffers to a stream mode connection and
// closes it after the eof buffer.
func (op *Operation) sendStream(ctx context.Context, conn net.Conn, src *writeSource) error {
	var payload int64
	done := op.track(ctx, conn, 0, 0)
	defer func() { done(payload) }()

	for {
		req, ok, err := src.take(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if _, err := conn.Write(req.buf.raw()[:req.length]); err != nil {
			src.putBack(req)
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return err
		}
		payload += int64(req.length)
		src.sent(req, 0)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

// sendBlocks spreads queued buffers over every connection of every
// stripe as extended blocks. The first connection of each stripe carries
// the EOF block with that stripe's connection count.
func (op *Operation) sendBlocks(ctx context.Context, conns [][]net.Conn, src *writeSource, blockSize int) error {
	g, gctx := errgroup.WithContext(ctx)
	for stripe, list := range conns {
		for i, conn := range list {
			eods := 0
			if i == 0 {
				eods = len(list)
			}
			g.Go(func() error {
				return op.writeBlocks(gctx, conn, src, stripe, i, eods, blockSize)
			})
		}
	}
	return g.Wait()
}

func (op *Operation) writeBlocks(ctx context.Context, conn net.Conn, src *writeSource, stripe, stream, eods, blockSize int) error {
	var payload int64
	done := op.track(ctx, conn, stripe, stream)
	defer func() { done(payload) }()

	bw := bufio.NewWriterSize(conn, streamBufferSize)
	w := eblock.NewWriter(bw, stripe)
	fail := func(err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}

	for {
		req, ok, err := src.take(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		data := req.buf.raw()[:req.length]
		for pos := 0; pos < len(data); pos += blockSize {
			end := min(pos+blockSize, len(data))
			if err := w.WriteBlock(req.offset+int64(pos), data[pos:end]); err != nil {
				src.putBack(req)
				return fail(err)
			}
		}
		if err := bw.Flush(); err != nil {
			src.putBack(req)
			return fail(err)
		}
		payload += int64(req.length)
		src.sent(req, stripe)
	}

	if eods > 0 {
		if err := w.WriteEOF(eods); err != nil {
			return fail(err)
		}
	}
	if err := w.WriteEOD(); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	logger.DebugCtx(ctx, "stream finished", logger.KeyStripe, stripe, logger.KeyStream, stream)
	return nil
}
