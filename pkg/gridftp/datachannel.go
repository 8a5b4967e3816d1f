package gridftp

import (
	"context"
	"fmt"
	"net"

	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/internal/protocol/ftp"
	"github.com/marmos91/gridftp/internal/telemetry"
)

// activeListen opens a data listener on the interface of the control
// connection and announces it to the server with PORT or EPRT.
func (op *Operation) activeListen(ctx context.Context, s *session) (net.Listener, error) {
	host := "127.0.0.1"
	if ta, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		host = ta.IP.String()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("data listen: %w", err)
	}

	cmd, err := ftp.PortCommand(ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	if _, err := s.conn.Expect(ctx, 2, "%s", cmd); err != nil {
		_ = ln.Close()
		return nil, err
	}
	logger.DebugCtx(ctx, "data listener ready", logger.KeyAddr, ln.Addr().String())
	return ln, nil
}

// passiveAddrs asks the server for data addresses: one from PASV (EPSV on
// IPv6), or one per stripe from SPAS.
func (op *Operation) passiveAddrs(ctx context.Context, s *session, striped bool) ([]string, error) {
	remote := ""
	v6 := false
	if ta, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
		remote = ta.IP.String()
		v6 = ta.IP.To4() == nil
	}

	if striped {
		r, err := s.conn.Expect(ctx, 2, "SPAS")
		if err != nil {
			return nil, err
		}
		addrs, err := ftp.ParseSPAS(r)
		if err != nil {
			return nil, err
		}
		for i, a := range addrs {
			addrs[i] = routable(a, remote)
		}
		return addrs, nil
	}

	if v6 {
		r, err := s.conn.Expect(ctx, 2, "EPSV")
		if err != nil {
			return nil, err
		}
		addr, err := ftp.ParseEPSV(r, remote)
		if err != nil {
			return nil, err
		}
		return []string{addr}, nil
	}

	r, err := s.conn.Expect(ctx, 2, "PASV")
	if err != nil {
		return nil, err
	}
	addr, err := ftp.ParsePASV(r)
	if err != nil {
		return nil, err
	}
	return []string{routable(addr, remote)}, nil
}

// routable replaces an unspecified host in addr with the control
// connection's peer.
func routable(addr, remote string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || remote == "" {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return net.JoinHostPort(remote, port)
	}
	return addr
}

// dialData opens one data connection.
func (op *Operation) dialData(ctx context.Context, addr string, tcpBuffer int64) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("data connect %s: %w", addr, err)
	}
	setSocketBuffer(conn, tcpBuffer)
	return conn, nil
}

// dialStripes opens n connections to each address. On failure every
// connection already opened is closed.
func (op *Operation) dialStripes(ctx context.Context, addrs []string, n int, tcpBuffer int64) ([][]net.Conn, error) {
	conns := make([][]net.Conn, len(addrs))
	for i, a := range addrs {
		for range n {
			c, err := op.dialData(ctx, a, tcpBuffer)
			if err != nil {
				closeStripes(conns)
				return nil, err
			}
			conns[i] = append(conns[i], c)
		}
	}
	return conns, nil
}

func closeStripes(conns [][]net.Conn) {
	for _, list := range conns {
		for _, c := range list {
			_ = c.Close()
		}
	}
}

func setSocketBuffer(conn net.Conn, size int64) {
	if size <= 0 {
		return
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	n := int(min(size, int64(1<<30)))
	_ = tc.SetReadBuffer(n)
	_ = tc.SetWriteBuffer(n)
}

// track ties conn to ctx and to the stream metrics. The returned function
// closes conn and must be called once the stream is done, with the payload
// bytes it carried.
func (op *Operation) track(ctx context.Context, conn net.Conn, stripe, stream int) func(payload int64) {
	if m := op.client.metrics; m != nil {
		m.StreamOpened(op.spec.kind)
	}
	telemetry.AddEvent(op.ctx, telemetry.EventDataStream, telemetry.Stripe(stripe))
	logger.DebugCtx(ctx, "data stream opened",
		logger.KeyStripe, stripe,
		logger.KeyStream, stream,
		logger.KeyAddr, conn.RemoteAddr().String())

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return func(payload int64) {
		stop()
		_ = conn.Close()
		if m := op.client.metrics; m != nil {
			m.StreamClosed(op.spec.kind, payload)
		}
	}
}
