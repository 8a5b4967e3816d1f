// Package bufpool provides a tiered buffer pool backing data-channel I/O.
//
// Three size tiers are kept:
//   - Small (default 64KB): control replies, listings, small blocks
//   - Medium (default 1MB): the default extended block size
//   - Large (default 4MB): user buffers sized to the TCP window
//
// Requests above the large tier are allocated directly and never pooled,
// up to MaxAlloc. Requests beyond MaxAlloc fail with ErrTooLarge.
//
// # Usage
//
//	buf, err := bufpool.GetZeroed(size)
//	if err != nil { ... }
//	defer bufpool.Put(buf)
package bufpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	DefaultSmallSize  = 64 << 10
	DefaultMediumSize = 1 << 20
	DefaultLargeSize  = 4 << 20

	// DefaultMaxAlloc bounds a single allocation.
	DefaultMaxAlloc = 1 << 30
)

// ErrTooLarge is returned when a request exceeds the pool's MaxAlloc.
var ErrTooLarge = errors.New("bufpool: requested size exceeds limit")

// Pool manages byte slices organized by size class.
type Pool struct {
	small, medium, large sync.Pool

	smallSize  int
	mediumSize int
	largeSize  int
	maxAlloc   int

	outstanding atomic.Int64
}

// Config holds configuration for creating a custom buffer pool.
// Zero fields take the defaults.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
	MaxAlloc   int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
		MaxAlloc:   DefaultMaxAlloc,
	}
}

// NewPool creates a new buffer pool. A nil cfg uses DefaultConfig.
func NewPool(cfg *Config) *Pool {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.SmallSize > 0 {
			c.SmallSize = cfg.SmallSize
		}
		if cfg.MediumSize > 0 {
			c.MediumSize = cfg.MediumSize
		}
		if cfg.LargeSize > 0 {
			c.LargeSize = cfg.LargeSize
		}
		if cfg.MaxAlloc > 0 {
			c.MaxAlloc = cfg.MaxAlloc
		}
	}

	p := &Pool{
		smallSize:  c.SmallSize,
		mediumSize: c.MediumSize,
		largeSize:  c.LargeSize,
		maxAlloc:   c.MaxAlloc,
	}
	p.small.New = newSlice(p.smallSize)
	p.medium.New = newSlice(p.mediumSize)
	p.large.New = newSlice(p.largeSize)
	return p
}

func newSlice(n int) func() any {
	return func() any {
		b := make([]byte, n)
		return &b
	}
}

// Get returns a slice of length size. Its contents are unspecified; pooled
// buffers keep whatever the previous user wrote.
func (p *Pool) Get(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("bufpool: negative size %d", size)
	}
	if size > p.maxAlloc {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, p.maxAlloc)
	}

	var bp *[]byte
	switch {
	case size <= p.smallSize:
		bp = p.small.Get().(*[]byte)
	case size <= p.mediumSize:
		bp = p.medium.Get().(*[]byte)
	case size <= p.largeSize:
		bp = p.large.Get().(*[]byte)
	default:
		p.outstanding.Add(1)
		return make([]byte, size), nil
	}
	p.outstanding.Add(1)
	return (*bp)[:size], nil
}

// GetZeroed is Get with the returned bytes cleared.
func (p *Pool) GetZeroed(size int) ([]byte, error) {
	b, err := p.Get(size)
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// Put returns a buffer obtained from Get. The caller must not use buf
// afterwards. Buffers whose capacity does not match a tier are dropped.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	p.outstanding.Add(-1)

	full := buf[:cap(buf)]
	switch cap(buf) {
	case p.smallSize:
		p.small.Put(&full)
	case p.mediumSize:
		p.medium.Put(&full)
	case p.largeSize:
		p.large.Put(&full)
	}
}

// Outstanding returns the number of buffers handed out and not yet Put.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

var globalPool = NewPool(nil)

// Get returns a slice of length size from the global pool.
func Get(size int) ([]byte, error) {
	return globalPool.Get(size)
}

// GetZeroed returns a cleared slice of length size from the global pool.
func GetZeroed(size int) ([]byte, error) {
	return globalPool.GetZeroed(size)
}

// Put returns a buffer to the global pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}

// Outstanding reports the global pool's outstanding buffer count.
func Outstanding() int64 {
	return globalPool.Outstanding()
}
