package gridftp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/internal/protocol/ftp"
	"github.com/marmos91/gridftp/internal/telemetry"
)

// session is an authenticated control connection plus the settings last
// negotiated on it, so repeated operations only send what changed.
type session struct {
	url  *URL
	conn *ftp.Conn

	typ         string
	mode        string
	parallelism int
	tcpBuffer   int64
	diskStack   string

	// broken sessions are closed instead of cached.
	broken bool
}

// acquireSession returns a cached session for u or opens a new one. A
// cached session is checked with NOOP first: servers drop idle control
// connections, and that is only visible once something is sent. A stale
// session is closed and replaced by one fresh connection.
func (c *Client) acquireSession(ctx context.Context, u *URL) (*session, error) {
	if s := c.cachedSession(u.cacheKey()); s != nil {
		err := s.conn.Noop(ctx)
		if err == nil {
			if c.metrics != nil {
				c.metrics.ControlConnection(true)
			}
			logger.DebugCtx(ctx, "reusing control connection", logger.KeyEndpoint, u.Endpoint())
			s.url = u
			return s, nil
		}
		_ = s.conn.Close()
		logger.DebugCtx(ctx, "cached control connection is stale, reconnecting",
			logger.KeyEndpoint, u.Endpoint(), logger.KeyError, err)
	}

	s, err := c.connect(ctx, u)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.ControlConnection(false)
	}
	return s, nil
}

// cachedSession pops the most recently released open session for key.
func (c *Client) cachedSession(key string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	for list := c.cache[key]; len(list) > 0; list = c.cache[key] {
		s := list[len(list)-1]
		c.cache[key] = list[:len(list)-1]
		if !s.conn.Closed() {
			return s
		}
	}
	return nil
}

func (c *Client) connect(ctx context.Context, u *URL) (*session, error) {
	start := time.Now()
	nc, err := c.auth.Authenticate(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", u.Endpoint(), err)
	}

	conn := ftp.NewConn(nc)
	fail := func(err error) (*session, error) {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Greeting(ctx); err != nil {
		return fail(err)
	}
	user, pass := u.login()
	if err := conn.Login(ctx, user, pass); err != nil {
		return fail(err)
	}
	if u.Secure() {
		// Data channels are plain TCP; the control channel carries the
		// authentication.
		if _, err := conn.Expect(ctx, 2, "DCAU N"); err != nil {
			return fail(err)
		}
	}

	telemetry.AddEvent(ctx, telemetry.EventControlConnected, telemetry.Endpoint(u.Endpoint()))
	logger.DebugCtx(ctx, "control connection established",
		logger.KeyEndpoint, u.Endpoint(),
		logger.KeyDurationMs, logger.Duration(start))
	return &session{url: u, conn: conn}, nil
}

// releaseSession caches s when caching is on and the connection is still
// in a known state, and closes it otherwise.
func (c *Client) releaseSession(s *session) {
	if s == nil {
		return
	}
	if !s.broken && !s.conn.Closed() {
		c.mu.Lock()
		if c.cacheAll && c.state != stateDestroyed {
			key := s.url.cacheKey()
			c.cache[key] = append(c.cache[key], s)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
		defer cancel()
		if err := s.conn.Quit(ctx); err != nil {
			logger.Debug("quit failed", logger.KeyEndpoint, s.url.Endpoint(), logger.KeyError, err)
		}
		return
	}
	_ = s.conn.Close()
}

// configure brings the session's TYPE, MODE, parallelism, TCP buffer and
// disk stack in line with st.
func (s *session) configure(ctx context.Context, st opSettings) error {
	typ := ftp.TypeBinary
	if st.typ == TypeASCII {
		typ = ftp.TypeASCII
	}
	if s.typ != typ {
		if _, err := s.conn.Expect(ctx, 2, "TYPE %s", typ); err != nil {
			return err
		}
		s.typ = typ
	}

	mode := ftp.ModeStream
	if st.mode == ModeExtendedBlock {
		mode = ftp.ModeExtendedBlock
	}
	if s.mode != mode {
		if _, err := s.conn.Expect(ctx, 2, "MODE %s", mode); err != nil {
			return err
		}
		s.mode = mode
	}

	if st.mode == ModeExtendedBlock && s.parallelism != st.parallelism {
		if _, err := s.conn.Expect(ctx, 2, "%s", ftp.ParallelismOpts(st.parallelism)); err != nil {
			return err
		}
		s.parallelism = st.parallelism
	}

	if st.tcpBuffer > 0 && s.tcpBuffer != st.tcpBuffer {
		if _, err := s.conn.Expect(ctx, 2, "%s", ftp.SBUF(st.tcpBuffer)); err != nil {
			return err
		}
		s.tcpBuffer = st.tcpBuffer
	}

	if st.diskStack != "" && s.diskStack != st.diskStack {
		if _, err := s.conn.Expect(ctx, 2, "%s", ftp.SiteDiskStack(st.diskStack)); err != nil {
			return err
		}
		s.diskStack = st.diskStack
	}
	return nil
}

// markBrokenOn flags s when err leaves the connection in an unknown state.
// A negative reply to a complete command does not.
func (s *session) markBrokenOn(err error) {
	if err == nil {
		return
	}
	var rerr *ftp.ReplyError
	if errors.As(err, &rerr) && rerr.Code != ftp.CodeServiceNotAvail {
		return
	}
	s.broken = true
}
