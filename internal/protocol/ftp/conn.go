package ftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/gridftp/internal/logger"
)

var (
	// ErrClosed is returned by operations on a closed control connection.
	ErrClosed = errors.New("ftp: control connection closed")

	// ErrUnsafeLine is returned by Send for a command whose arguments
	// contain a line break or NUL. Such a line would be read by the server
	// as more than one command.
	ErrUnsafeLine = errors.New("ftp: command contains CR, LF or NUL")
)

// Conn is a control connection. Send and ReadReply may be used from
// different goroutines concurrently (an ABOR is written while another
// goroutine waits for the transfer reply), but each direction is
// serialized.
type Conn struct {
	nc net.Conn
	tp *textproto.Conn

	wmu sync.Mutex
	rmu sync.Mutex

	closed atomic.Bool
}

// NewConn wraps an established, already authenticated network connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, tp: textproto.NewConn(nc)}
}

// Endpoint returns the remote address of the control connection.
func (c *Conn) Endpoint() string { return c.nc.RemoteAddr().String() }

// LocalAddr returns the local address, used to advertise PORT addresses on
// the same interface.
func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// RemoteAddr returns the server's address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// bind applies ctx's deadline to one direction of the connection and
// arranges for cancellation to interrupt a blocked call.
func bind(ctx context.Context, set func(time.Time) error) (release func() bool) {
	dl, _ := ctx.Deadline()
	_ = set(dl)
	return context.AfterFunc(ctx, func() {
		_ = set(time.Unix(1, 0))
	})
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// Send writes one command line.
func (c *Conn) Send(ctx context.Context, format string, args ...any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	release := bind(ctx, c.nc.SetWriteDeadline)
	defer release()

	line := fmt.Sprintf(format, args...)
	if strings.ContainsAny(line, "\r\n\x00") {
		return fmt.Errorf("%w: %s", ErrUnsafeLine, verb(line))
	}
	logger.Debug("ftp >", logger.KeyEndpoint, c.Endpoint(), logger.KeyCommand, redact(line))
	if err := c.tp.PrintfLine("%s", line); err != nil {
		return ctxErr(ctx, fmt.Errorf("ftp: send %s: %w", verb(line), err))
	}
	return nil
}

// ReadReply reads the next complete reply, of any code.
func (c *Conn) ReadReply(ctx context.Context) (*Reply, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()

	release := bind(ctx, c.nc.SetReadDeadline)
	defer release()

	code, msg, err := c.tp.ReadResponse(0)
	if err != nil {
		var perr textproto.ProtocolError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("ftp: malformed reply: %w", err)
		}
		return nil, ctxErr(ctx, fmt.Errorf("ftp: read reply: %w", err))
	}
	logger.Debug("ftp <", logger.KeyEndpoint, c.Endpoint(), logger.KeyReplyCode, code, logger.KeyReplyMsg, msg)
	return &Reply{Code: code, Msg: msg}, nil
}

// Cmd sends a command and returns the first reply that is not a
// performance or restart marker.
func (c *Conn) Cmd(ctx context.Context, format string, args ...any) (*Reply, error) {
	if err := c.Send(ctx, format, args...); err != nil {
		return nil, err
	}
	for {
		r, err := c.ReadReply(ctx)
		if err != nil {
			return nil, err
		}
		if r.Code == CodePerfMarker || r.Code == CodeRestartMarker {
			continue
		}
		return r, nil
	}
}

// Expect sends a command and checks that the reply belongs to class
// (1..5). Any other reply becomes a *ReplyError.
func (c *Conn) Expect(ctx context.Context, class int, format string, args ...any) (*Reply, error) {
	r, err := c.Cmd(ctx, format, args...)
	if err != nil {
		return nil, err
	}
	if r.Class() != class {
		return r, &ReplyError{Cmd: verb(fmt.Sprintf(format, args...)), Code: r.Code, Msg: r.Msg}
	}
	return r, nil
}

// Greeting reads the server banner.
func (c *Conn) Greeting(ctx context.Context) error {
	for {
		r, err := c.ReadReply(ctx)
		if err != nil {
			return err
		}
		if r.Preliminary() {
			continue
		}
		if r.Code != CodeServiceReady {
			return &ReplyError{Code: r.Code, Msg: r.Msg}
		}
		return nil
	}
}

// Login performs USER/PASS. An empty password is only sent when the server
// asks for one.
func (c *Conn) Login(ctx context.Context, user, pass string) error {
	r, err := c.Cmd(ctx, "USER %s", user)
	if err != nil {
		return err
	}
	switch r.Code {
	case CodeLoggedIn:
		return nil
	case CodeNeedPassword:
		_, err := c.Expect(ctx, 2, "PASS %s", pass)
		return err
	default:
		return &ReplyError{Cmd: "USER", Code: r.Code, Msg: r.Msg}
	}
}

// Noop checks that the server still answers on this connection.
func (c *Conn) Noop(ctx context.Context) error {
	_, err := c.Expect(ctx, 2, "NOOP")
	return err
}

// Quit sends QUIT and closes the connection. The close error wins over a
// QUIT failure.
func (c *Conn) Quit(ctx context.Context) error {
	_, qerr := c.Cmd(ctx, "QUIT")
	if err := c.Close(); err != nil {
		return err
	}
	if qerr != nil && !errors.Is(qerr, ErrClosed) {
		return qerr
	}
	return nil
}

// Close closes the connection without sending QUIT.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.tp.Close()
}

func redact(line string) string {
	if len(line) >= 5 && verb(line) == "PASS" {
		return "PASS ****"
	}
	return line
}
