package ftp

import (
	"fmt"
	"strings"
)

// TransferMode values for MODE.
const (
	ModeStream        = "S"
	ModeExtendedBlock = "E"
)

// TransferType values for TYPE.
const (
	TypeBinary = "I"
	TypeASCII  = "A"
)

// ChecksumMD5 is the only CKSM algorithm the client requests.
const ChecksumMD5 = "MD5"

// ParallelismOpts builds the OPTS RETR argument requesting n parallel
// streams (starting, minimum and maximum are all n).
func ParallelismOpts(n int) string {
	return fmt.Sprintf("OPTS RETR Parallelism=%d,%d,%d;", n, n, n)
}

// SBUF sets the TCP buffer size the server uses on data connections.
func SBUF(size int64) string {
	return fmt.Sprintf("SBUF %d", size)
}

// CKSM builds a checksum request. length -1 means to the end of the file.
func CKSM(algorithm string, offset, length int64, path string) string {
	return fmt.Sprintf("CKSM %s %d %d %s", algorithm, offset, length, path)
}

// SiteChmod builds SITE CHMOD with an octal mode.
func SiteChmod(mode uint32, path string) string {
	return fmt.Sprintf("SITE CHMOD %04o %s", mode&0o7777, path)
}

// SiteDiskStack selects a server-side storage driver stack.
func SiteDiskStack(stack string) string {
	return "SITE SETDISKSTACK " + stack
}

// ParseOptsParallelism parses "Parallelism=a,b,c;" from an OPTS RETR
// argument. It returns the starting value.
func ParseOptsParallelism(arg string) (int, error) {
	for _, part := range strings.Split(arg, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "parallelism") {
			continue
		}
		var start, lo, hi int
		if _, err := fmt.Sscanf(v, "%d,%d,%d", &start, &lo, &hi); err != nil {
			return 0, fmt.Errorf("ftp: bad parallelism %q: %w", v, err)
		}
		if start < 1 {
			return 0, fmt.Errorf("ftp: bad parallelism %q", v)
		}
		return start, nil
	}
	return 0, fmt.Errorf("ftp: no parallelism in %q", arg)
}
