package gridftptest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/gridftp/internal/protocol/eblock"
	"github.com/marmos91/gridftp/internal/protocol/ftp"
)

func (c *conn) listen() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func (c *conn) pasv() {
	c.closeData()
	ln, err := c.listen()
	if err != nil {
		c.reply(425, "Cannot open passive connection.")
		return
	}
	c.passive = []net.Listener{ln}
	hp, _ := ftp.FormatHostPort(ln.Addr().String())
	c.reply(227, "Entering Passive Mode (%s).", hp)
}

func (c *conn) epsv() {
	c.closeData()
	ln, err := c.listen()
	if err != nil {
		c.reply(425, "Cannot open passive connection.")
		return
	}
	c.passive = []net.Listener{ln}
	c.reply(229, "Entering Extended Passive Mode (|||%d|)", ln.Addr().(*net.TCPAddr).Port)
}

func (c *conn) spas() {
	c.closeData()
	var b strings.Builder
	b.WriteString("229-Entering Striped Passive Mode\r\n")
	for range c.srv.opts.Stripes {
		ln, err := c.listen()
		if err != nil {
			c.closeData()
			c.reply(425, "Cannot open passive connection.")
			return
		}
		c.passive = append(c.passive, ln)
		hp, _ := ftp.FormatHostPort(ln.Addr().String())
		fmt.Fprintf(&b, " %s\r\n", hp)
	}
	b.WriteString("229 End\r\n")
	c.raw(b.String())
}

func (c *conn) port(arg string) {
	addrs, err := ftp.ParseHostPorts(arg)
	if err != nil || len(addrs) != 1 {
		c.reply(501, "Invalid PORT argument.")
		return
	}
	c.closeData()
	c.active = addrs
	c.reply(200, "PORT command successful.")
}

func (c *conn) eprt(arg string) {
	addr, err := ftp.ParseEPRT(arg)
	if err != nil {
		c.reply(501, "Invalid EPRT argument.")
		return
	}
	c.closeData()
	c.active = []string{addr}
	c.reply(200, "EPRT command successful.")
}

func (c *conn) spor(arg string) {
	addrs, err := ftp.ParseHostPorts(arg)
	if err != nil {
		c.reply(501, "Invalid SPOR argument.")
		return
	}
	c.closeData()
	c.active = addrs
	c.reply(200, "SPOR command successful.")
}

func (c *conn) hasData() bool {
	return len(c.passive) > 0 || len(c.active) > 0
}

// stripeConns opens n data connections per stripe: dialed in active mode,
// accepted in passive mode.
func (c *conn) stripeConns(ctx context.Context, n int) ([][]net.Conn, error) {
	var out [][]net.Conn
	fail := func(err error) ([][]net.Conn, error) {
		for _, list := range out {
			for _, nc := range list {
				_ = nc.Close()
			}
		}
		return nil, err
	}

	if len(c.active) > 0 {
		var d net.Dialer
		for _, addr := range c.active {
			var list []net.Conn
			for range n {
				nc, err := d.DialContext(ctx, "tcp", addr)
				if err != nil {
					out = append(out, list)
					return fail(err)
				}
				list = append(list, nc)
			}
			out = append(out, list)
		}
		return out, nil
	}

	for _, ln := range c.passive {
		var list []net.Conn
		for range n {
			nc, err := accept(ctx, ln)
			if err != nil {
				out = append(out, list)
				return fail(err)
			}
			list = append(list, nc)
		}
		out = append(out, list)
	}
	return out, nil
}

func accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	nc, err := ln.Accept()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nc, err
}

// closeOnCancel closes every connection when ctx ends.
func closeOnCancel(ctx context.Context, conns [][]net.Conn) func() bool {
	return context.AfterFunc(ctx, func() {
		for _, list := range conns {
			for _, nc := range list {
				_ = nc.Close()
			}
		}
	})
}

func (c *conn) retr(path string) {
	fi, err := c.srv.FS.Stat(path)
	if err != nil || fi.IsDir() {
		c.reply(550, "%s: No such file.", path)
		return
	}
	data, err := afero.ReadFile(c.srv.FS, path)
	if err != nil {
		c.reply(550, "%s: No such file.", path)
		return
	}
	if !c.hasData() {
		c.reply(425, "Use PORT or PASV first.")
		return
	}
	c.reply(150, "Opening data connection for %s (%d bytes).", path, len(data))

	mode, parallelism := c.mode, c.parallelism
	c.startTransfer(func(ctx context.Context) error {
		if mode == "E" {
			return c.sendBlocks(ctx, data, parallelism)
		}
		return c.sendStream(ctx, data)
	})
}

func (c *conn) sendStream(ctx context.Context, data []byte) error {
	conns, err := c.stripeConns(ctx, 1)
	if err != nil {
		return err
	}
	nc := conns[0][0]
	defer nc.Close()
	stop := closeOnCancel(ctx, conns)
	defer stop()

	if c.srv.opts.StallData {
		<-ctx.Done()
		return ctx.Err()
	}
	if _, err := nc.Write(data); err != nil {
		return err
	}
	c.markers(len(conns), func(int) int64 { return int64(len(data)) })
	return nil
}

type block struct {
	off  int64
	data []byte
}

// sendBlocks sends data as extended blocks spread over parallelism
// connections per stripe, in shuffled order.
func (c *conn) sendBlocks(ctx context.Context, data []byte, parallelism int) error {
	conns, err := c.stripeConns(ctx, parallelism)
	if err != nil {
		return err
	}
	stop := closeOnCancel(ctx, conns)
	defer stop()

	var blocks []block
	bs := c.srv.opts.BlockSize
	for off := 0; off < len(data); off += bs {
		blocks = append(blocks, block{off: int64(off), data: data[off:min(off+bs, len(data))]})
	}
	if !c.srv.opts.NoShuffle {
		rand.Shuffle(len(blocks), func(i, j int) { blocks[i], blocks[j] = blocks[j], blocks[i] })
	}

	var flat []net.Conn
	var stripeOf []int
	for s, list := range conns {
		for _, nc := range list {
			flat = append(flat, nc)
			stripeOf = append(stripeOf, s)
		}
	}
	assigned := make([][]block, len(flat))
	for i, b := range blocks {
		assigned[i%len(flat)] = append(assigned[i%len(flat)], b)
	}

	var mu sync.Mutex
	sent := make([]int64, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	for i, nc := range flat {
		stripe := stripeOf[i]
		first := i == 0 || stripeOf[i-1] != stripe
		g.Go(func() error {
			defer nc.Close()
			if c.srv.opts.StallData {
				<-gctx.Done()
				return gctx.Err()
			}
			bw := bufio.NewWriter(nc)
			w := eblock.NewWriter(bw, stripe)
			for _, b := range assigned[i] {
				if err := w.WriteBlock(b.off, b.data); err != nil {
					return err
				}
				mu.Lock()
				sent[stripe] += int64(len(b.data))
				mu.Unlock()
			}
			if first {
				if err := w.WriteEOF(len(conns[stripe])); err != nil {
					return err
				}
			}
			if err := w.WriteEOD(); err != nil {
				return err
			}
			return bw.Flush()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.markers(len(conns), func(s int) int64 { return sent[s] })
	return nil
}

// markers emits one performance marker per stripe when enabled.
func (c *conn) markers(stripes int, bytes func(stripe int) int64) {
	if !c.srv.opts.Markers {
		return
	}
	now := time.Now()
	for s := range stripes {
		c.raw(ftp.NewPerfMarker(now, s, stripes, bytes(s)).Format())
	}
}

func (c *conn) stor(path string) {
	if !c.hasData() {
		c.reply(425, "Use PORT or PASV first.")
		return
	}
	if err := c.srv.FS.MkdirAll(parent(path), 0o755); err != nil {
		c.reply(553, "Cannot create %s.", path)
		return
	}
	f, err := c.srv.FS.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		c.reply(553, "Cannot create %s.", path)
		return
	}
	c.reply(150, "Ready to receive %s.", path)

	mode, parallelism := c.mode, c.parallelism
	c.startTransfer(func(ctx context.Context) error {
		defer f.Close()
		if mode == "E" {
			return c.receiveBlocks(ctx, f, parallelism)
		}
		return c.receiveStream(ctx, f)
	})
}

func (c *conn) receiveStream(ctx context.Context, f afero.File) error {
	conns, err := c.stripeConns(ctx, 1)
	if err != nil {
		return err
	}
	nc := conns[0][0]
	defer nc.Close()
	stop := closeOnCancel(ctx, conns)
	defer stop()

	n, err := io.Copy(f, nc)
	if err != nil {
		return err
	}
	c.markers(1, func(int) int64 { return n })
	return nil
}

// receiveBlocks stores extended blocks arriving on every stripe. In
// passive mode each stripe accepts connections until its EOF count is
// reached; in active mode parallelism connections are dialed per stripe.
func (c *conn) receiveBlocks(ctx context.Context, f afero.File, parallelism int) error {
	var mu sync.Mutex
	received := make([]int64, max(len(c.passive), len(c.active)))
	write := func(stripe int, off int64, p []byte) error {
		mu.Lock()
		received[stripe] += int64(len(p))
		mu.Unlock()
		return c.srv.writeAt(f, p, off)
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(c.active) > 0 {
		conns, err := c.stripeConns(gctx, parallelism)
		if err != nil {
			return err
		}
		stop := closeOnCancel(gctx, conns)
		defer stop()
		for s, list := range conns {
			for _, nc := range list {
				g.Go(func() error {
					defer nc.Close()
					_, err := readBlocks(nc, func(off int64, p []byte) error { return write(s, off, p) })
					return err
				})
			}
		}
	} else {
		for s, ln := range c.passive {
			g.Go(func() error {
				return receiveStripe(gctx, ln, func(off int64, p []byte) error { return write(s, off, p) })
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.markers(len(received), func(s int) int64 { return received[s] })
	return nil
}

// receiveStripe accepts connections on ln until as many EODs as the EOF
// block announced have arrived.
func receiveStripe(ctx context.Context, ln net.Listener, write func(off int64, p []byte) error) error {
	var (
		mu       sync.Mutex
		eodCount = -1
		eods     int
		closed   bool
		complete = make(chan struct{})
	)
	finished := func(eof int) {
		mu.Lock()
		defer mu.Unlock()
		if eof >= 0 {
			eodCount = eof
		}
		eods++
		if !closed && eodCount >= 0 && eods >= eodCount {
			closed = true
			close(complete)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		select {
		case <-complete:
		case <-gctx.Done():
		}
		_ = ln.Close()
	}()

	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-complete:
					return nil
				default:
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return err
			}
			g.Go(func() error {
				stop := context.AfterFunc(gctx, func() { _ = nc.Close() })
				defer stop()
				defer nc.Close()
				eof, err := readBlocks(nc, write)
				if err != nil {
					return err
				}
				finished(eof)
				return nil
			})
		}
	})
	return g.Wait()
}

// readBlocks reads one connection up to its EOD and returns the EOD count
// carried by an EOF block, or -1 when there was none.
func readBlocks(nc net.Conn, write func(off int64, p []byte) error) (int, error) {
	r := eblock.NewReader(bufio.NewReader(nc))
	eof := -1
	for {
		h, err := r.Next()
		if err != nil {
			return eof, err
		}
		if h.Desc.Has(eblock.DescEOF) {
			n, err := h.EODCount()
			if err != nil {
				return eof, err
			}
			eof = n
		}
		if h.Length > 0 {
			p := make([]byte, h.Length)
			if _, err := io.ReadFull(r, p); err != nil {
				return eof, err
			}
			if err := write(int64(h.Offset), p); err != nil {
				return eof, err
			}
		}
		if h.Desc.Has(eblock.DescEOD) {
			return eof, nil
		}
	}
}

func (c *conn) list(path string) {
	if path == "" {
		path = "/"
	}
	fi, err := c.srv.FS.Stat(path)
	if err != nil {
		c.reply(550, "%s: No such file or directory.", path)
		return
	}
	if !c.hasData() {
		c.reply(425, "Use PORT or PASV first.")
		return
	}

	var buf bytes.Buffer
	entries := []os.FileInfo{fi}
	if fi.IsDir() {
		if entries, err = afero.ReadDir(c.srv.FS, path); err != nil {
			c.reply(550, "%s: cannot list.", path)
			return
		}
	}
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s 1 gridftp gridftp %12s %s %s\r\n",
			e.Mode().String(), strconv.FormatInt(e.Size(), 10), e.ModTime().Format("Jan _2 15:04"), e.Name())
	}
	c.reply(150, "Opening data connection for listing.")
	c.startTransfer(func(ctx context.Context) error {
		conns, err := c.stripeConns(ctx, 1)
		if err != nil {
			return err
		}
		defer conns[0][0].Close()
		_, err = conns[0][0].Write(buf.Bytes())
		if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	})
}
