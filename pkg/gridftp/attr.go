package gridftp

import (
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/gridftp/internal/bytesize"
)

// Mode is the data channel transfer mode.
type Mode int

const (
	ModeStream Mode = iota
	ModeExtendedBlock
)

func (m Mode) String() string {
	if m == ModeExtendedBlock {
		return "extended_block"
	}
	return "stream"
}

// Type is the representation type of transferred data.
type Type int

const (
	TypeBinary Type = iota
	TypeASCII
)

func (t Type) String() string {
	if t == TypeASCII {
		return "ascii"
	}
	return "binary"
}

// Defaults applied by NewOperationAttr.
const (
	DefaultAbortTimeout   = 10 * time.Second
	MinAbortTimeout       = time.Second
	DefaultMarkerInterval = time.Second
	DefaultBlockSize      = int(bytesize.MiB)
)

// HandleAttr configures a Client. It is frozen once a client is built from
// it.
type HandleAttr struct {
	mu        sync.Mutex
	cacheAll  bool
	frozen    bool
	destroyed bool
}

// NewHandleAttr returns attributes with connection caching disabled.
func NewHandleAttr() *HandleAttr {
	return &HandleAttr{}
}

// SetCacheAll makes the client keep control connections open between
// operations and reuse them for later operations on the same endpoint.
func (h *HandleAttr) SetCacheAll(on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.destroyed:
		return ErrUseAfterFree
	case h.frozen:
		return fmt.Errorf("%w: handle attributes are in use by a client", ErrConfig)
	}
	h.cacheAll = on
	return nil
}

// CacheAll reports whether connection caching is enabled.
func (h *HandleAttr) CacheAll() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cacheAll
}

// Destroy releases the attribute set. Calling it twice is a no-op.
func (h *HandleAttr) Destroy() {
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
}

func (h *HandleAttr) freeze() (cacheAll bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return false, ErrUseAfterFree
	}
	h.frozen = true
	return h.cacheAll, nil
}

// Parallelism describes the number of parallel data streams. Only the
// fixed mode exists.
type Parallelism struct {
	mu        sync.Mutex
	fixed     bool
	size      int
	destroyed bool
}

func NewParallelism() *Parallelism { return &Parallelism{} }

// SetModeFixed selects a fixed stream count.
func (p *Parallelism) SetModeFixed() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrUseAfterFree
	}
	p.fixed = true
	return nil
}

// SetSize sets the stream count; n must be at least 1.
func (p *Parallelism) SetSize(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrUseAfterFree
	}
	if n < 1 {
		return fmt.Errorf("%w: parallelism %d < 1", ErrInvalidArgument, n)
	}
	p.size = n
	return nil
}

func (p *Parallelism) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
}

func (p *Parallelism) value() (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil parallelism", ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.destroyed:
		return 0, ErrUseAfterFree
	case !p.fixed || p.size < 1:
		return 0, fmt.Errorf("%w: parallelism is not fully initialized", ErrInvalidArgument)
	}
	return p.size, nil
}

// TCPBuffer describes the TCP window requested on data connections.
type TCPBuffer struct {
	mu        sync.Mutex
	fixed     bool
	size      int64
	destroyed bool
}

func NewTCPBuffer() *TCPBuffer { return &TCPBuffer{} }

func (b *TCPBuffer) SetModeFixed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrUseAfterFree
	}
	b.fixed = true
	return nil
}

// SetSize sets the buffer size in bytes.
func (b *TCPBuffer) SetSize(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrUseAfterFree
	}
	if n < 1 {
		return fmt.Errorf("%w: tcp buffer size %d < 1", ErrInvalidArgument, n)
	}
	b.size = n
	return nil
}

func (b *TCPBuffer) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.mu.Unlock()
}

func (b *TCPBuffer) value() (int64, error) {
	if b == nil {
		return 0, fmt.Errorf("%w: nil tcp buffer", ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.destroyed:
		return 0, ErrUseAfterFree
	case !b.fixed || b.size < 1:
		return 0, fmt.Errorf("%w: tcp buffer is not fully initialized", ErrInvalidArgument)
	}
	return b.size, nil
}

// OperationAttr configures one operation. The same attribute set may be
// reused for many operations; while an operation using it is in flight it
// cannot be modified.
type OperationAttr struct {
	mu        sync.Mutex
	inFlight  int
	destroyed bool
	s         opSettings
}

// opSettings is the immutable snapshot an operation runs with.
type opSettings struct {
	mode           Mode
	typ            Type
	parallelism    int
	tcpBuffer      int64
	striped        bool
	diskStack      string
	blockSize      int
	buffers        int
	timeout        time.Duration
	abortTimeout   time.Duration
	markerInterval time.Duration
}

// NewOperationAttr returns stream mode, binary type, one stream.
func NewOperationAttr() *OperationAttr {
	return &OperationAttr{s: opSettings{
		mode:           ModeStream,
		typ:            TypeBinary,
		parallelism:    1,
		blockSize:      DefaultBlockSize,
		abortTimeout:   DefaultAbortTimeout,
		markerInterval: DefaultMarkerInterval,
	}}
}

// modify runs fn under the lock if the attribute set may be changed.
func (a *OperationAttr) modify(fn func(s *opSettings) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.destroyed:
		return ErrUseAfterFree
	case a.inFlight > 0:
		return fmt.Errorf("%w: attributes are attached to an in-flight operation", ErrConfig)
	}
	return fn(&a.s)
}

// SetModeExtendedBlock selects MODE E, enabling parallel streams.
func (a *OperationAttr) SetModeExtendedBlock() error {
	return a.modify(func(s *opSettings) error {
		if s.typ == TypeASCII {
			return fmt.Errorf("%w: extended block mode requires binary type", ErrConfig)
		}
		s.mode = ModeExtendedBlock
		return nil
	})
}

// SetModeStream selects MODE S.
func (a *OperationAttr) SetModeStream() error {
	return a.modify(func(s *opSettings) error {
		s.mode = ModeStream
		return nil
	})
}

// SetType selects the representation type.
func (a *OperationAttr) SetType(t Type) error {
	return a.modify(func(s *opSettings) error {
		if t != TypeBinary && t != TypeASCII {
			return fmt.Errorf("%w: unknown type %d", ErrInvalidArgument, t)
		}
		if t == TypeASCII && s.mode == ModeExtendedBlock {
			return fmt.Errorf("%w: ascii type is incompatible with extended block mode", ErrConfig)
		}
		s.typ = t
		return nil
	})
}

// SetParallelism copies the stream count from p, which must be fully
// initialized.
func (a *OperationAttr) SetParallelism(p *Parallelism) error {
	n, err := p.value()
	if err != nil {
		return err
	}
	return a.modify(func(s *opSettings) error {
		s.parallelism = n
		return nil
	})
}

// SetTCPBuffer copies the TCP buffer size from b, which must be fully
// initialized.
func (a *OperationAttr) SetTCPBuffer(b *TCPBuffer) error {
	n, err := b.value()
	if err != nil {
		return err
	}
	return a.modify(func(s *opSettings) error {
		s.tcpBuffer = n
		return nil
	})
}

// SetStriped requests striped passive mode (SPAS/SPOR).
func (a *OperationAttr) SetStriped(on bool) error {
	return a.modify(func(s *opSettings) error {
		s.striped = on
		return nil
	})
}

// SetDiskStack selects the server storage stack (SITE SETDISKSTACK).
func (a *OperationAttr) SetDiskStack(stack string) error {
	return a.modify(func(s *opSettings) error {
		if err := checkArgument("disk stack", stack); err != nil {
			return err
		}
		s.diskStack = stack
		return nil
	})
}

// SetBlockSize sets the payload size of extended blocks the client sends.
func (a *OperationAttr) SetBlockSize(n int) error {
	return a.modify(func(s *opSettings) error {
		if n < 1 {
			return fmt.Errorf("%w: block size %d < 1", ErrInvalidArgument, n)
		}
		s.blockSize = n
		return nil
	})
}

// SetBuffers sets how many buffers Download and Upload keep registered.
// Zero picks two per data stream.
func (a *OperationAttr) SetBuffers(n int) error {
	return a.modify(func(s *opSettings) error {
		if n < 0 {
			return fmt.Errorf("%w: negative buffer count", ErrInvalidArgument)
		}
		s.buffers = n
		return nil
	})
}

// SetTimeout bounds the whole operation. Zero disables the timeout.
func (a *OperationAttr) SetTimeout(d time.Duration) error {
	return a.modify(func(s *opSettings) error {
		if d < 0 {
			return fmt.Errorf("%w: negative timeout", ErrInvalidArgument)
		}
		s.timeout = d
		return nil
	})
}

// SetAbortTimeout bounds how long Abort waits for the server before the
// control connection is closed. Values below MinAbortTimeout are raised to
// it.
func (a *OperationAttr) SetAbortTimeout(d time.Duration) error {
	return a.modify(func(s *opSettings) error {
		s.abortTimeout = max(d, MinAbortTimeout)
		return nil
	})
}

// SetMarkerInterval sets the period of locally generated performance
// markers for client-side transfers. Zero disables them.
func (a *OperationAttr) SetMarkerInterval(d time.Duration) error {
	return a.modify(func(s *opSettings) error {
		if d < 0 {
			return fmt.Errorf("%w: negative marker interval", ErrInvalidArgument)
		}
		s.markerInterval = d
		return nil
	})
}

// Mode returns the configured transfer mode.
func (a *OperationAttr) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s.mode
}

// Parallelism returns the configured stream count.
func (a *OperationAttr) Parallelism() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s.parallelism
}

// BlockSize returns the extended block payload size.
func (a *OperationAttr) BlockSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s.blockSize
}

// Buffers returns the buffer count used by Download and Upload.
func (a *OperationAttr) Buffers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.s.buffers > 0 {
		return a.s.buffers
	}
	return max(a.s.parallelism, 1) * transferBuffers
}

// Destroy releases the attribute set. Calling it twice is a no-op.
func (a *OperationAttr) Destroy() {
	a.mu.Lock()
	a.destroyed = true
	a.mu.Unlock()
}

// acquire validates the attribute set and pins it for an operation.
// release must be called when the operation reaches a terminal state.
func (a *OperationAttr) acquire() (opSettings, error) {
	if a == nil {
		return opSettings{}, ErrMissingAttributes
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return opSettings{}, ErrUseAfterFree
	}
	if a.s.typ == TypeASCII && a.s.mode == ModeExtendedBlock {
		return opSettings{}, fmt.Errorf("%w: ascii type is incompatible with extended block mode", ErrConfig)
	}
	a.inFlight++
	return a.s, nil
}

func (a *OperationAttr) release() {
	a.mu.Lock()
	if a.inFlight > 0 {
		a.inFlight--
	}
	a.mu.Unlock()
}
