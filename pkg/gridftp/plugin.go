package gridftp

import (
	"fmt"
	"slices"
	"sync"
)

// Marker is a performance marker: bytes moved so far on one stripe.
type Marker struct {
	Timestamp   int64 // seconds since the epoch
	Tenths      int
	StripeIndex int
	StripeCount int
	Bytes       int64
}

// PluginBeginFunc is called when a transfer starts. src or dst is empty
// for the local side of a get or put.
type PluginBeginFunc func(c *Client, src, dst string, restarted bool)

// PluginMarkerFunc receives performance markers.
type PluginMarkerFunc func(c *Client, m Marker)

// PluginCompleteFunc is called once the transfer has ended.
type PluginCompleteFunc func(c *Client, success bool)

// PerfPlugin subscribes to transfer progress of a client. For every
// transfer the plugin sees, begin precedes all markers and complete comes
// last. Any of the callbacks may be nil.
type PerfPlugin struct {
	begin    PluginBeginFunc
	marker   PluginMarkerFunc
	complete PluginCompleteFunc

	mu    sync.Mutex
	owner *Client
}

func NewPerfPlugin(begin PluginBeginFunc, marker PluginMarkerFunc, complete PluginCompleteFunc) *PerfPlugin {
	return &PerfPlugin{begin: begin, marker: marker, complete: complete}
}

// AddPlugin attaches p to the client. A plugin can be attached to one
// client at a time.
func (c *Client) AddPlugin(p *PerfPlugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDestroyed {
		return ErrUseAfterFree
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner != nil {
		return fmt.Errorf("%w: plugin already attached", ErrInvalidArgument)
	}
	p.owner = c
	c.plugins = append(c.plugins, p)
	return nil
}

// RemovePlugin detaches p. Events already queued for p are still
// delivered; nothing new is queued after it returns.
func (c *Client) RemovePlugin(p *PerfPlugin) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.plugins, p)
	if i < 0 {
		return ErrNotFound
	}
	c.plugins = slices.Delete(c.plugins, i, i+1)

	p.mu.Lock()
	p.owner = nil
	p.mu.Unlock()
	return nil
}

// attached returns the plugins currently on the client.
func (c *Client) attached() []*PerfPlugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.plugins)
}

// pluginEvents tracks which plugins saw begin for one operation so that
// markers and complete only reach those.
type pluginEvents struct {
	mu       sync.Mutex
	begun    []*PerfPlugin
	finished bool
}

func (op *Operation) pluginBegin(src, dst string) {
	if !op.spec.plugins {
		return
	}
	ps := op.client.attached()

	op.events.mu.Lock()
	defer op.events.mu.Unlock()
	op.events.begun = ps
	for _, p := range ps {
		if p.begin == nil {
			continue
		}
		op.exec.submit(func() { p.begin(op.client, src, dst, false) })
	}
}

// receivers returns the begun plugins still attached to the client.
func (op *Operation) receivers() []*PerfPlugin {
	cur := op.client.attached()
	var out []*PerfPlugin
	for _, p := range op.events.begun {
		if slices.Contains(cur, p) {
			out = append(out, p)
		}
	}
	return out
}

func (op *Operation) pluginMarker(m Marker) {
	if !op.spec.plugins {
		return
	}
	op.events.mu.Lock()
	defer op.events.mu.Unlock()
	if op.events.finished {
		return
	}
	for _, p := range op.receivers() {
		if p.marker == nil {
			continue
		}
		op.exec.submit(func() { p.marker(op.client, m) })
	}
}

func (op *Operation) pluginComplete(success bool) {
	if !op.spec.plugins {
		return
	}
	op.events.mu.Lock()
	defer op.events.mu.Unlock()
	if op.events.finished {
		return
	}
	op.events.finished = true
	for _, p := range op.receivers() {
		if p.complete == nil {
			continue
		}
		op.exec.submit(func() { p.complete(op.client, success) })
	}
}
