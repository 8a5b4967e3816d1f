package ftp

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	hostPortRe = regexp.MustCompile(`(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3})`)
	epsvRe     = regexp.MustCompile(`\((.)(.?)(.?)(\d+)(.)\)`)
)

// parseHostPort decodes "h1,h2,h3,h4,p1,p2".
func parseHostPort(m []string) (string, error) {
	var n [6]int
	for i := range n {
		v, err := strconv.Atoi(m[i+1])
		if err != nil || v > 255 {
			return "", fmt.Errorf("ftp: invalid address field %q", m[i+1])
		}
		n[i] = v
	}
	ip := net.IPv4(byte(n[0]), byte(n[1]), byte(n[2]), byte(n[3]))
	return net.JoinHostPort(ip.String(), strconv.Itoa(n[4]<<8|n[5])), nil
}

// ParsePASV extracts the data address from a 227 reply.
func ParsePASV(r *Reply) (string, error) {
	if r.Code != CodePassive {
		return "", &ReplyError{Cmd: "PASV", Code: r.Code, Msg: r.Msg}
	}
	m := hostPortRe.FindStringSubmatch(r.Msg)
	if m == nil {
		return "", fmt.Errorf("ftp: no address in PASV reply %q", r.Msg)
	}
	return parseHostPort(m)
}

// ParseEPSV extracts the port from a 229 "(|||port|)" reply and joins it
// with the control connection's host.
func ParseEPSV(r *Reply, host string) (string, error) {
	if r.Code != CodeExtPassive {
		return "", &ReplyError{Cmd: "EPSV", Code: r.Code, Msg: r.Msg}
	}
	m := epsvRe.FindStringSubmatch(r.Msg)
	if m == nil || m[1] != m[5] {
		return "", fmt.Errorf("ftp: no port in EPSV reply %q", r.Msg)
	}
	port, err := strconv.Atoi(m[4])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("ftp: invalid EPSV port %q", m[4])
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ParseSPAS extracts every stripe address of a striped passive reply:
//
//	229-Entering Striped Passive Mode
//	 192,168,1,10,19,137
//	 192,168,1,11,19,137
//	229 End
func ParseSPAS(r *Reply) ([]string, error) {
	if r.Code != CodeExtPassive && r.Code != CodePassive {
		return nil, &ReplyError{Cmd: "SPAS", Code: r.Code, Msg: r.Msg}
	}
	addrs, err := ParseHostPorts(r.Msg)
	if err != nil {
		return nil, fmt.Errorf("ftp: SPAS reply %q: %w", r.Msg, err)
	}
	return addrs, nil
}

// ParseHostPorts decodes every "h1,h2,h3,h4,p1,p2" group in s, as found in
// PORT and SPOR arguments and SPAS replies.
func ParseHostPorts(s string) ([]string, error) {
	var addrs []string
	for _, m := range hostPortRe.FindAllStringSubmatch(s, -1) {
		a, err := parseHostPort(m)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return nil, errors.New("ftp: no host-port address")
	}
	return addrs, nil
}

// ParseEPRT decodes an EPRT argument such as "|2|::1|2000|".
func ParseEPRT(arg string) (string, error) {
	if len(arg) < 2 {
		return "", fmt.Errorf("ftp: invalid EPRT argument %q", arg)
	}
	parts := strings.Split(arg[1:len(arg)-1], arg[:1])
	if len(parts) != 3 || arg[len(arg)-1] != arg[0] {
		return "", fmt.Errorf("ftp: invalid EPRT argument %q", arg)
	}
	if net.ParseIP(parts[1]) == nil {
		return "", fmt.Errorf("ftp: invalid EPRT host %q", parts[1])
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("ftp: invalid EPRT port %q", parts[2])
	}
	return net.JoinHostPort(parts[1], parts[2]), nil
}

// FormatHostPort encodes an IPv4 address as "h1,h2,h3,h4,p1,p2".
func FormatHostPort(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return "", fmt.Errorf("ftp: %q is not an IPv4 address", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("ftp: invalid port %q", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff), nil
}

// PortCommand returns the PORT command for an IPv4 address, or EPRT for
// IPv6.
func PortCommand(addr string) (string, error) {
	if hp, err := FormatHostPort(addr); err == nil {
		return "PORT " + hp, nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("ftp: invalid host %q", host)
	}
	return fmt.Sprintf("EPRT |2|%s|%s|", ip.String(), port), nil
}

// SporCommand returns the striped PORT command for several stripe
// addresses.
func SporCommand(addrs []string) (string, error) {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		hp, err := FormatHostPort(a)
		if err != nil {
			return "", err
		}
		parts = append(parts, hp)
	}
	return "SPOR " + strings.Join(parts, " "), nil
}
