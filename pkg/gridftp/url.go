package gridftp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Default control ports per scheme.
const (
	DefaultFTPPort     = 21
	DefaultGridFTPPort = 2811
)

// URL is a parsed ftp:// or gsiftp:// location.
type URL struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     int
	Path     string
}

// ParseURL parses raw. Only the ftp and gsiftp schemes are accepted.
func ParseURL(raw string) (*URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidArgument)
	}
	pu, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	u := &URL{Scheme: strings.ToLower(pu.Scheme), Host: pu.Hostname(), Path: pu.Path}
	switch u.Scheme {
	case "ftp":
		u.Port = DefaultFTPPort
	case "gsiftp":
		u.Port = DefaultGridFTPPort
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidArgument, pu.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidArgument, raw)
	}
	if p := pu.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidArgument, p)
		}
		u.Port = n
	}
	if pu.User != nil {
		u.User = pu.User.Username()
		u.Password, _ = pu.User.Password()
	}
	if u.Path == "" {
		u.Path = "/"
	}
	for _, f := range [][2]string{{"path", u.Path}, {"user", u.User}, {"password", u.Password}} {
		if err := checkArgument(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// checkArgument rejects values that would end a control channel command
// line early. Paths are percent-decoded, so "%0d%0a" in a URL arrives here
// as a real line break.
func checkArgument(field, v string) error {
	if i := strings.IndexAny(v, "\r\n\x00"); i >= 0 {
		return fmt.Errorf("%w: %s contains control character %q", ErrInvalidArgument, field, v[i])
	}
	return nil
}

// Endpoint returns host:port of the control connection.
func (u *URL) Endpoint() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Secure reports whether the URL requires an authenticated channel.
func (u *URL) Secure() bool { return u.Scheme == "gsiftp" }

// login returns the USER/PASS pair to present. GSI sessions let the server
// map the credential subject to a local account.
func (u *URL) login() (string, string) {
	switch {
	case u.User != "":
		return u.User, u.Password
	case u.Secure():
		return ":globus-mapping:", ""
	default:
		return "anonymous", "gridftp@"
	}
}

// cacheKey identifies control connections that may be shared.
func (u *URL) cacheKey() string {
	return u.Scheme + "://" + u.User + "@" + u.Endpoint()
}

// String renders the URL without its password.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != "" {
		b.WriteString(url.User(u.User).String())
		b.WriteByte('@')
	}
	b.WriteString(u.Endpoint())
	b.WriteString(u.Path)
	return b.String()
}
