package gridftp

import (
	"fmt"
	"sync"

	"github.com/marmos91/gridftp/pkg/bufpool"
)

// Buffer is a caller-owned byte buffer. Registering it with RegisterRead or
// RegisterWrite lends it to the engine until its data callback fires;
// while lent the caller must not touch it.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	valid bool
	lent  bool
}

// NewBuffer allocates a zero-filled buffer of size bytes.
func NewBuffer(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative buffer size %d", ErrAllocation, size)
	}
	data, err := bufpool.GetZeroed(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	return &Buffer{data: data, valid: true}, nil
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Buffer) check(n int) error {
	switch {
	case !b.valid:
		return ErrUseAfterFree
	case b.lent:
		return fmt.Errorf("%w: buffer is registered with a transfer", ErrInvalidState)
	case n < 0 || n > len(b.data):
		return fmt.Errorf("%w: %d not in [0,%d]", ErrOutOfRange, n, len(b.data))
	}
	return nil
}

// AsString returns the first n bytes as a string.
func (b *Buffer) AsString(n int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(n); err != nil {
		return "", err
	}
	return string(b.data[:n]), nil
}

// Bytes returns a copy of the first n bytes.
func (b *Buffer) Bytes(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(n); err != nil {
		return nil, err
	}
	return append([]byte(nil), b.data[:n]...), nil
}

// CopyFrom copies p into the start of the buffer, for use with
// RegisterWrite. It returns the number of bytes copied.
func (b *Buffer) CopyFrom(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(0); err != nil {
		return 0, err
	}
	return copy(b.data, p), nil
}

// Destroy returns the memory to the pool. Destroying a buffer that is
// still registered fails with ErrInvalidState; destroying twice is a
// no-op.
func (b *Buffer) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.valid {
		return nil
	}
	if b.lent {
		return fmt.Errorf("%w: buffer is registered with a transfer", ErrInvalidState)
	}
	b.valid = false
	bufpool.Put(b.data)
	b.data = nil
	return nil
}

// lend hands the buffer to the engine.
func (b *Buffer) lend() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !b.valid:
		return ErrUseAfterFree
	case b.lent:
		return fmt.Errorf("%w: buffer already registered", ErrInvalidArgument)
	}
	b.lent = true
	return nil
}

// giveBack returns ownership to the caller.
func (b *Buffer) giveBack() {
	b.mu.Lock()
	b.lent = false
	b.mu.Unlock()
}

// raw exposes the backing slice to the engine while lent.
func (b *Buffer) raw() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}
