// Package gridftptest provides an in-process GridFTP server for tests. It
// serves an in-memory filesystem and implements the subset of the
// protocol the client speaks: stream and extended block transfers in both
// directions, striped passive mode, performance markers, checksums and the
// directory commands.
package gridftptest

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/marmos91/gridftp/internal/logger"
)

// Options tunes server behaviour.
type Options struct {
	// TLS serves gsiftp:// over TLS when set.
	TLS *tls.Config

	// User and Password, when set, are the only accepted credentials.
	User     string
	Password string

	// Stripes is the number of addresses returned by SPAS. Default 2.
	Stripes int

	// BlockSize is the payload size of extended blocks the server sends.
	// Default 16 KiB.
	BlockSize int

	// Markers makes the data receiver (or sender for RETR) emit one 112
	// performance marker per stripe before completing a transfer.
	Markers bool

	// StallData makes RETR open its data connections and then send
	// nothing until the transfer is aborted.
	StallData bool

	// IgnoreAbort makes the server swallow ABOR without answering.
	IgnoreAbort bool

	// NoShuffle sends blocks in file order instead of shuffled.
	NoShuffle bool
}

// Server is a running test server.
type Server struct {
	FS afero.Fs

	opts   Options
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	commands []string

	// afero's memory files are not safe for concurrent WriteAt.
	fileMu sync.Mutex
}

// NewServer starts a server on a loopback port.
func NewServer(opts Options) (*Server, error) {
	if opts.Stripes < 1 {
		opts.Stripes = 2
	}
	if opts.BlockSize < 1 {
		opts.BlockSize = 16 << 10
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		FS:     afero.NewMemMapFs(),
		opts:   opts,
		ln:     ln,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns host:port of the control listener.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// URL returns a URL for path on this server.
func (s *Server) URL(path string) string {
	scheme := "ftp"
	if s.opts.TLS != nil {
		scheme = "gsiftp"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, s.Addr(), path)
}

// WriteFile stores data at path, creating parent directories.
func (s *Server) WriteFile(path string, data []byte) error {
	if err := s.FS.MkdirAll(parent(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.FS, path, data, 0o644)
}

// ReadFile returns the content stored at path.
func (s *Server) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(s.FS, path)
}

// Commands returns every command received so far, PASS arguments hidden.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// CountCommand returns how many received commands start with verb.
func (s *Server) CountCommand(verb string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == verb || strings.HasPrefix(c, verb+" ") {
			n++
		}
	}
	return n
}

// Connections returns the number of open control connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every open control connection and keeps
// accepting new ones, like a server timing out idle clients.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops the server and drops every connection.
func (s *Server) Close() error {
	s.cancel()
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, nc)
				s.mu.Unlock()
				_ = nc.Close()
			}()
			newConn(s, nc).serve()
		}()
	}
}

func (s *Server) record(line string) {
	if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
		line = "PASS ****"
	}
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

// writeAt stores p at off in f.
func (s *Server) writeAt(f afero.File, p []byte, off int64) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	_, err := f.WriteAt(p, off)
	return err
}

func parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// conn is one control connection.
type conn struct {
	srv *Server
	nc  net.Conn
	r   *bufio.Reader

	wmu sync.Mutex

	user        string
	loggedIn    bool
	mode        string
	parallelism int
	passive     []net.Listener
	active      []string
	renameFrom  string
	xfer        *transfer
}

type transfer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{srv: s, nc: nc, r: bufio.NewReader(nc), mode: "S", parallelism: 1}
}

func (c *conn) reply(code int, format string, args ...any) {
	c.raw(fmt.Sprintf("%d %s\r\n", code, fmt.Sprintf(format, args...)))
}

// raw writes preformatted reply text.
func (c *conn) raw(text string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = io.WriteString(c.nc, text)
}

func (c *conn) serve() {
	defer c.closeData()
	c.reply(220, "GridFTP test server ready.")
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.abortTransfer()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		c.srv.record(line)

		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		if verb == "ABOR" {
			c.handleAbort()
			continue
		}
		c.waitTransfer()

		if verb == "QUIT" {
			c.reply(221, "Goodbye.")
			return
		}
		c.dispatch(verb, arg)
	}
}

func (c *conn) waitTransfer() {
	if c.xfer != nil {
		<-c.xfer.done
		c.xfer = nil
	}
}

func (c *conn) abortTransfer() {
	if c.xfer != nil {
		c.xfer.cancel()
		<-c.xfer.done
		c.xfer = nil
	}
}

func (c *conn) handleAbort() {
	if c.srv.opts.IgnoreAbort {
		return
	}
	if c.xfer == nil {
		c.reply(226, "No transfer to abort.")
		return
	}
	c.abortTransfer()
	c.reply(226, "Abort successful.")
}

func (c *conn) closeData() {
	for _, ln := range c.passive {
		_ = ln.Close()
	}
	c.passive = nil
	c.active = nil
}

// startTransfer runs fn in the background and sends its final reply.
func (c *conn) startTransfer(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(c.srv.ctx)
	x := &transfer{cancel: cancel, done: make(chan struct{})}
	c.xfer = x
	go func() {
		defer close(x.done)
		defer cancel()
		err := fn(ctx)
		c.closeData()
		switch {
		case ctx.Err() != nil:
			c.reply(426, "Transfer aborted.")
		case err != nil:
			logger.Debug("test server transfer failed", logger.KeyError, err)
			c.reply(451, "Transfer failed: %v", err)
		default:
			c.reply(226, "Transfer complete.")
		}
	}()
}

func (c *conn) dispatch(verb, arg string) {
	if !c.loggedIn && verb != "USER" && verb != "PASS" {
		c.reply(530, "Please login with USER and PASS.")
		return
	}
	switch verb {
	case "USER":
		c.user = arg
		switch {
		case c.srv.opts.User == "" && arg == ":globus-mapping:":
			c.loggedIn = true
			c.reply(230, "User mapped.")
		case c.srv.opts.User != "" && arg != c.srv.opts.User:
			c.reply(530, "Unknown user.")
		default:
			c.reply(331, "Password required for %s.", arg)
		}
	case "PASS":
		if c.srv.opts.User != "" && (c.user != c.srv.opts.User || arg != c.srv.opts.Password) {
			c.reply(530, "Login incorrect.")
			return
		}
		c.loggedIn = true
		c.reply(230, "User %s logged in.", c.user)
	case "TYPE":
		switch strings.ToUpper(arg) {
		case "I", "A":
			c.reply(200, "Type set to %s.", strings.ToUpper(arg))
		default:
			c.reply(504, "Unsupported type.")
		}
	case "MODE":
		switch m := strings.ToUpper(arg); m {
		case "S", "E":
			c.mode = m
			c.reply(200, "Mode set to %s.", m)
		default:
			c.reply(504, "Unsupported mode.")
		}
	case "OPTS":
		c.opts(arg)
	case "SBUF":
		c.reply(200, "Buffer size set.")
	case "DCAU":
		c.reply(200, "DCAU %s.", arg)
	case "NOOP":
		c.reply(200, "OK.")
	case "SITE":
		c.site(arg)
	case "PASV":
		c.pasv()
	case "EPSV":
		c.epsv()
	case "SPAS":
		c.spas()
	case "PORT":
		c.port(arg)
	case "EPRT":
		c.eprt(arg)
	case "SPOR":
		c.spor(arg)
	case "RETR":
		c.retr(arg)
	case "STOR":
		c.stor(arg)
	case "LIST":
		c.list(arg)
	case "MLST":
		c.mlst(arg)
	case "CKSM":
		c.cksm(arg)
	case "MKD":
		c.mkd(arg)
	case "RMD":
		c.rmd(arg)
	case "DELE":
		c.dele(arg)
	case "RNFR":
		c.rnfr(arg)
	case "RNTO":
		c.rnto(arg)
	default:
		c.reply(500, "Unknown command %s.", verb)
	}
}
