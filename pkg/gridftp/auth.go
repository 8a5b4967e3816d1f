package gridftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Authenticator establishes the control channel for a URL. The returned
// connection must be ready for the server greeting: any security handshake
// has already completed on it.
type Authenticator interface {
	Authenticate(ctx context.Context, u *URL) (net.Conn, error)
}

// PlainAuthenticator dials an unprotected TCP control channel. It refuses
// gsiftp:// URLs.
type PlainAuthenticator struct {
	Dialer net.Dialer
}

func (a *PlainAuthenticator) Authenticate(ctx context.Context, u *URL) (net.Conn, error) {
	if u.Secure() {
		return nil, fmt.Errorf("%w: %s requires a TLS authenticator", ErrConfig, u.Scheme)
	}
	return a.Dialer.DialContext(ctx, "tcp", u.Endpoint())
}

// TLSAuthenticator protects gsiftp:// control channels with TLS using the
// X.509 credentials in Config (see package gsi). ftp:// URLs are dialed
// in the clear.
type TLSAuthenticator struct {
	Config *tls.Config
	Dialer net.Dialer
}

func (a *TLSAuthenticator) Authenticate(ctx context.Context, u *URL) (net.Conn, error) {
	if !u.Secure() {
		return a.Dialer.DialContext(ctx, "tcp", u.Endpoint())
	}

	var cfg *tls.Config
	if a.Config != nil {
		cfg = a.Config.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Host
	}

	d := tls.Dialer{NetDialer: &a.Dialer, Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", u.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", u.Endpoint(), err)
	}
	return conn, nil
}
