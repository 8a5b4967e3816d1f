package gridftp

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/marmos91/gridftp/internal/logger"
)

// executor runs the callbacks of one operation in submission order on a
// single goroutine, so at most one callback of an operation runs at a
// time.
type executor struct {
	opID string

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newExecutor(opID string) *executor {
	e := &executor{
		opID: opID,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

// submit queues fn. It reports false once the executor is closed.
func (e *executor) submit(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.signal()
	return true
}

// close queues fn as the last callback. The loop exits after running it.
func (e *executor) close(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

func (e *executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			<-e.wake
			continue
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(fn)
	}
}

func (e *executor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("callback panicked",
				logger.KeyOpID, e.opID,
				logger.KeyError, fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
