package gridftp

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/internal/protocol/ftp"
	"github.com/marmos91/gridftp/internal/telemetry"
)

// CompleteFunc receives the final status of an operation. err is nil on
// success and otherwise matches one of the package's error kinds.
type CompleteFunc func(c *Client, err error)

// OpState is the lifecycle state of an operation.
type OpState int

const (
	OpRequested OpState = iota
	OpInFlight
	OpSucceeded
	OpFailed
	OpAborted
)

func (s OpState) String() string {
	switch s {
	case OpRequested:
		return "requested"
	case OpInFlight:
		return "in_flight"
	case OpSucceeded:
		return "succeeded"
	case OpFailed:
		return "failed"
	default:
		return "aborted"
	}
}

// Terminal reports whether s is a final state.
func (s OpState) Terminal() bool { return s >= OpSucceeded }

type opSpec struct {
	kind    string // get, put, third_party, cksm, mkdir, ...
	url     string
	src     string
	dst     string
	plugins bool // deliver begin/marker/complete to perf plugins
	read    bool // data flows into RegisterRead buffers
	write   bool // data flows from RegisterWrite buffers
}

// Operation is the handle of one issued operation. It resolves exactly
// once; Done is closed after the completion callback has returned.
type Operation struct {
	id       string
	spec     opSpec
	client   *Client
	attrs    []*OperationAttr
	settings []opSettings
	callback CompleteFunc

	// ctx bounds the whole operation, dataCtx the data path and any
	// command not yet answered. Abort cancels dataCtx at once and ctx
	// after the abort timeout.
	ctx        context.Context
	cancel     context.CancelCauseFunc
	dataCtx    context.Context
	dataCancel context.CancelCauseFunc
	stopTimer  context.CancelFunc

	span    trace.Span
	started time.Time
	exec    *executor
	events  pluginEvents
	markers *markerSource

	aborted      atomic.Bool
	transferring atomic.Bool
	bytes        atomic.Int64

	mu         sync.Mutex
	state      OpState
	finishing  bool
	err        error
	checksum   []byte
	exists     bool
	sessions   []*session
	sink       *readSink
	source     *writeSource
	abortTimer *time.Timer
	finished   chan struct{}
}

func newOperation(c *Client, sp opSpec, attrs []*OperationAttr, settings []opSettings, done CompleteFunc) *Operation {
	op := &Operation{
		id:       uuid.NewString(),
		spec:     sp,
		client:   c,
		attrs:    attrs,
		settings: settings,
		callback: done,
		started:  time.Now(),
		state:    OpInFlight,
		finished: make(chan struct{}),
	}
	op.exec = newExecutor(op.id)
	if sp.read {
		op.sink = newReadSink(op)
	}
	if sp.write {
		op.source = newWriteSource(op, settings[0].mode)
	}

	spanAttrs := []attribute.KeyValue{telemetry.URL(sp.url)}
	if sp.src != "" {
		spanAttrs = append(spanAttrs, telemetry.SrcURL(sp.src))
	}
	if sp.dst != "" {
		spanAttrs = append(spanAttrs, telemetry.DstURL(sp.dst))
	}
	if len(settings) > 0 {
		st := settings[0]
		spanAttrs = append(spanAttrs,
			telemetry.Mode(st.mode.String()),
			telemetry.Parallelism(st.parallelism),
			telemetry.Striped(st.striped))
		if st.tcpBuffer > 0 {
			spanAttrs = append(spanAttrs, telemetry.TCPBuffer(st.tcpBuffer))
		}
	}
	ctx, span := telemetry.StartOperationSpan(context.Background(), sp.kind, op.id, spanAttrs...)
	op.span = span

	lc := logger.NewLogContext(op.id, sp.kind, sp.url).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	if d := op.timeout(); d > 0 {
		ctx, op.stopTimer = context.WithTimeout(ctx, d)
	}
	op.ctx, op.cancel = context.WithCancelCause(ctx)
	op.dataCtx, op.dataCancel = context.WithCancelCause(op.ctx)
	return op
}

// timeout is the smallest non-zero timeout of the operation's attributes.
func (op *Operation) timeout() time.Duration {
	var d time.Duration
	for _, st := range op.settings {
		if st.timeout > 0 && (d == 0 || st.timeout < d) {
			d = st.timeout
		}
	}
	return d
}

func (op *Operation) abortTimeout() time.Duration {
	if len(op.settings) == 0 {
		return DefaultAbortTimeout
	}
	d := MinAbortTimeout
	for _, st := range op.settings {
		d = max(d, st.abortTimeout)
	}
	return d
}

// ID returns the operation identifier used in logs and traces.
func (op *Operation) ID() string { return op.id }

// Kind returns the operation name, such as "get" or "third_party".
func (op *Operation) Kind() string { return op.spec.kind }

// Done is closed once the operation is terminal and its completion
// callback has returned.
func (op *Operation) Done() <-chan struct{} { return op.finished }

// Wait blocks until the operation completes or ctx is done.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.finished:
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the final error, or nil while in flight or on success.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

func (op *Operation) State() OpState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Checksum returns the digest computed by a Cksm operation.
func (op *Operation) Checksum() []byte {
	op.mu.Lock()
	defer op.mu.Unlock()
	return slices.Clone(op.checksum)
}

// Exists returns the result of an Exists operation.
func (op *Operation) Exists() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.exists
}

// Bytes returns the payload bytes delivered to or taken from caller
// buffers so far.
func (op *Operation) Bytes() int64 { return op.bytes.Load() }

// settingsFor returns the settings of the i-th attribute set.
func (op *Operation) settingsFor(i int) opSettings { return op.settings[i] }

// session opens or reuses a control session for u and ties it to op.
func (op *Operation) session(u *URL) (*session, error) {
	s, err := op.client.acquireSession(op.dataCtx, u)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	op.sessions = append(op.sessions, s)
	op.mu.Unlock()
	return s, nil
}

// startTransfer sends a data transfer command (RETR, STOR, LIST). Its
// replies are collected by awaitReplies.
func (op *Operation) startTransfer(s *session, format string, args ...any) error {
	op.transferring.Store(true)
	if err := s.conn.Send(op.dataCtx, format, args...); err != nil {
		s.broken = true
		return err
	}
	return nil
}

func (op *Operation) run(fn func(op *Operation) error) {
	op.finish(fn(op))
}

// transfer runs the data path and waits for the final reply to the
// transfer command on every session. A failure on either side stops the
// other. data may be nil when no local data channel is involved.
func (op *Operation) transfer(data func(ctx context.Context) error, sessions ...*session) error {
	dataDone := make(chan error, 1)
	if data != nil {
		go func() { dataDone <- data(op.dataCtx) }()
	} else {
		dataDone <- nil
	}
	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- op.awaitReplies(op.ctx, sessions) }()

	var dataErr, ctrlErr error
	for range 2 {
		select {
		case dataErr = <-dataDone:
			// Once aborted the control channel keeps reading until the
			// server acknowledges or the abort timer fires.
			if dataErr != nil && !op.aborted.Load() {
				op.cancel(dataErr)
			}
		case ctrlErr = <-ctrlDone:
			if ctrlErr != nil {
				op.dataCancel(ctrlErr)
			}
		}
	}

	switch {
	case ctrlErr != nil && !errors.Is(ctrlErr, context.Canceled):
		return ctrlErr
	case dataErr != nil && !errors.Is(dataErr, context.Canceled):
		return dataErr
	case ctrlErr != nil:
		return ctrlErr
	default:
		return dataErr
	}
}

// awaitReplies reads each session's replies until the final reply to its
// transfer command, forwarding performance markers.
func (op *Operation) awaitReplies(ctx context.Context, sessions []*session) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			for {
				r, err := s.conn.ReadReply(gctx)
				if err != nil {
					s.broken = true
					return err
				}
				switch {
				case r.Code == ftp.CodePerfMarker:
					if pm, err := ftp.ParsePerfMarker(r); err == nil {
						op.serverMarker(pm)
					} else {
						logger.DebugCtx(ctx, "ignoring malformed marker", logger.KeyError, err)
					}
				case r.Preliminary():
				case r.Complete():
					return nil
				default:
					return &ftp.ReplyError{Cmd: "transfer", Code: r.Code, Msg: r.Msg}
				}
			}
		})
	}
	return g.Wait()
}

func (op *Operation) abort() {
	op.mu.Lock()
	if op.finishing || !op.aborted.CompareAndSwap(false, true) {
		op.mu.Unlock()
		return
	}
	sessions := slices.Clone(op.sessions)
	op.abortTimer = time.AfterFunc(op.abortTimeout(), func() {
		op.cancel(ErrAborted)
	})
	op.mu.Unlock()

	telemetry.AddEvent(op.ctx, telemetry.EventAbort)
	logger.InfoCtx(op.ctx, "aborting operation")

	op.dataCancel(ErrAborted)
	if !op.transferring.Load() {
		return
	}
	for _, s := range sessions {
		go func() {
			if err := s.conn.Send(op.ctx, "ABOR"); err != nil {
				logger.DebugCtx(op.ctx, "ABOR not sent", logger.KeyEndpoint, s.url.Endpoint(), logger.KeyError, err)
			}
		}()
	}
}

// finish moves op to its terminal state: the data path is drained, the
// client returns to idle, and the completion callback is queued last.
func (op *Operation) finish(err error) {
	op.mu.Lock()
	op.finishing = true
	aborted := op.aborted.Load()
	sessions := op.sessions
	op.sessions = nil
	sink, source := op.sink, op.source
	timer := op.abortTimer
	op.mu.Unlock()

	switch {
	case aborted:
		err = abortedErr(op.spec.kind, op.spec.url, err)
	case err != nil:
		err = wrapErr(op.spec.kind, op.spec.url, err)
	}

	op.dataCancel(context.Canceled)
	if op.markers != nil {
		op.markers.stop(err == nil)
	}
	if sink != nil {
		sink.close(err)
	}
	if source != nil {
		source.close(err)
	}

	for _, s := range sessions {
		if aborted {
			s.broken = true
		}
		s.markBrokenOn(err)
		op.client.releaseSession(s)
	}

	if timer != nil {
		timer.Stop()
	}
	op.cancel(context.Canceled)
	if op.stopTimer != nil {
		op.stopTimer()
	}
	for _, a := range op.attrs {
		a.release()
	}

	state := OpSucceeded
	switch {
	case aborted:
		state = OpAborted
	case err != nil:
		state = OpFailed
	}
	op.record(state, err)

	op.mu.Lock()
	op.state = state
	op.err = err
	op.mu.Unlock()

	op.client.idle(op)
	op.pluginComplete(err == nil)
	op.exec.close(func() {
		if op.callback != nil {
			op.callback(op.client, err)
		}
		close(op.finished)
	})
}

// record emits the operation's metrics, span status and log line.
func (op *Operation) record(state OpState, err error) {
	status := state.String()
	d := time.Since(op.started)

	if m := op.client.metrics; m != nil {
		kind := ""
		if err != nil {
			kind = errorKindLabel(err)
		}
		m.OperationFinished(op.spec.kind, status, kind, d)
	}

	telemetry.SetAttributes(op.ctx, telemetry.Status(status), telemetry.Bytes(op.bytes.Load()))
	if err != nil {
		telemetry.RecordError(op.ctx, err)
	}
	op.span.End()

	args := []any{
		logger.KeyState, status,
		logger.KeyBytes, op.bytes.Load(),
		logger.KeyDurationMs, float64(d.Microseconds()) / 1000,
	}
	switch state {
	case OpSucceeded:
		logger.InfoCtx(op.ctx, "operation completed", args...)
	case OpAborted:
		logger.WarnCtx(op.ctx, "operation aborted", append(args, logger.Err(err))...)
	default:
		logger.ErrorCtx(op.ctx, "operation failed", append(args, logger.Err(err))...)
	}
}

// errorKindLabel names the error kind of err for metrics labels.
func errorKindLabel(err error) string {
	switch kindOf(err) {
	case ErrAborted:
		return "aborted"
	case ErrNetwork:
		return "network"
	case ErrProtocol:
		return "protocol"
	case ErrConfig:
		return "config"
	case ErrAllocation:
		return "allocation"
	default:
		return "other"
	}
}
