package gridftp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/pkg/metrics"
)

type clientState int

const (
	stateIdle clientState = iota
	stateInFlight
	stateAborting
	stateDestroyed
)

func (s clientState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInFlight:
		return "in_flight"
	case stateAborting:
		return "aborting"
	default:
		return "destroyed"
	}
}

// quitTimeout bounds QUIT on cached connections in Destroy.
const quitTimeout = 5 * time.Second

// Client is a GridFTP client handle. It runs at most one operation at a
// time; issuing while an operation is in flight fails with
// ErrInvalidState instead of blocking.
type Client struct {
	id       string
	auth     Authenticator
	metrics  metrics.TransferMetrics
	cacheAll bool

	mu      sync.Mutex
	state   clientState
	op      *Operation
	cache   map[string][]*session
	plugins []*PerfPlugin
}

// Option configures a Client.
type Option func(*Client)

// WithAuthenticator sets how control channels are established. The
// default dials plain TCP and only supports ftp:// URLs.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) { c.auth = a }
}

// WithMetrics enables metrics collection. A nil value disables it.
func WithMetrics(m metrics.TransferMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client from attr, which may be nil for defaults.
// attr cannot be modified afterwards.
func NewClient(attr *HandleAttr, opts ...Option) (*Client, error) {
	c := &Client{
		id:    uuid.NewString(),
		auth:  &PlainAuthenticator{},
		cache: make(map[string][]*session),
	}
	if attr != nil {
		cacheAll, err := attr.freeze()
		if err != nil {
			return nil, err
		}
		c.cacheAll = cacheAll
	}
	for _, o := range opts {
		o(c)
	}
	if c.auth == nil {
		return nil, fmt.Errorf("%w: nil authenticator", ErrInvalidArgument)
	}
	return c, nil
}

// ID returns a unique identifier used in logs.
func (c *Client) ID() string { return c.id }

// Current returns the operation in flight, or nil.
func (c *Client) Current() *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.op
}

// Abort cancels the operation in flight. The completion callback fires
// with ErrAborted within the operation's abort timeout, even if the server
// does not answer.
func (c *Client) Abort() error {
	c.mu.Lock()
	switch c.state {
	case stateDestroyed:
		c.mu.Unlock()
		return ErrUseAfterFree
	case stateInFlight:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: nothing to abort (client is %s)", ErrInvalidState, c.state)
	}
	c.state = stateAborting
	op := c.op
	c.mu.Unlock()

	op.abort()
	return nil
}

// Destroy closes cached control connections. It is only valid while no
// operation is in flight. Connection errors are returned, but the client
// is destroyed regardless.
func (c *Client) Destroy() error {
	c.mu.Lock()
	switch c.state {
	case stateDestroyed:
		c.mu.Unlock()
		return nil
	case stateIdle:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot destroy a client with an operation in flight", ErrInvalidState)
	}
	c.state = stateDestroyed
	cache := c.cache
	c.cache = nil
	plugins := c.plugins
	c.plugins = nil
	c.mu.Unlock()

	for _, p := range plugins {
		p.mu.Lock()
		p.owner = nil
		p.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()

	var errs []error
	for _, list := range cache {
		for _, s := range list {
			if err := s.conn.Quit(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.url.Endpoint(), err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("client destroyed with errors", "client", c.id, logger.KeyError, err)
		return &OpError{Op: "destroy", Kind: ErrNetwork, Err: err}
	}
	return nil
}

// issue moves the client from idle to in flight and starts run on its own
// goroutine. Validation failures are returned synchronously and leave the
// client idle.
func (c *Client) issue(spec opSpec, attrs []*OperationAttr, done CompleteFunc, run func(op *Operation) error) (*Operation, error) {
	c.mu.Lock()
	switch c.state {
	case stateDestroyed:
		c.mu.Unlock()
		return nil, ErrUseAfterFree
	case stateIdle:
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: an operation is already in flight", ErrInvalidState)
	}

	settings := make([]opSettings, 0, len(attrs))
	for i, a := range attrs {
		s, err := a.acquire()
		if err != nil {
			for _, prev := range attrs[:i] {
				prev.release()
			}
			c.mu.Unlock()
			return nil, err
		}
		settings = append(settings, s)
	}

	op := newOperation(c, spec, attrs, settings, done)
	c.state = stateInFlight
	c.op = op
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.OperationStarted(spec.kind)
	}
	logger.DebugCtx(op.ctx, "operation issued", logger.KeyState, stateInFlight.String())

	op.pluginBegin(spec.src, spec.dst)
	go op.run(run)
	return op, nil
}

// idle returns the client to idle after op reaches a terminal state.
func (c *Client) idle(op *Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op == op {
		c.op = nil
		if c.state != stateDestroyed {
			c.state = stateIdle
		}
	}
}
