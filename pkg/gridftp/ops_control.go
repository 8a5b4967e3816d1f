package gridftp

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/internal/protocol/ftp"
)

// ChecksumFunc receives the result of Cksm.
type ChecksumFunc func(c *Client, sum []byte, err error)

// ExistsFunc receives the result of Exists.
type ExistsFunc func(c *Client, exists bool, err error)

// command issues an operation made of control channel round trips only.
func (c *Client) command(kind, rawURL string, attr *OperationAttr, done CompleteFunc, fn func(ctx context.Context, op *Operation, s *session, u *URL) error) (*Operation, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	spec := opSpec{kind: kind, url: u.String()}
	return c.issue(spec, []*OperationAttr{attr}, done, func(op *Operation) error {
		s, err := op.session(u)
		if err != nil {
			return err
		}
		return fn(op.dataCtx, op, s, u)
	})
}

// Mkdir creates the directory at rawURL.
func (c *Client) Mkdir(rawURL string, attr *OperationAttr, done CompleteFunc) (*Operation, error) {
	return c.command("mkdir", rawURL, attr, done, func(ctx context.Context, _ *Operation, s *session, u *URL) error {
		_, err := s.conn.Expect(ctx, 2, "MKD %s", u.Path)
		return err
	})
}

// Rmdir removes the empty directory at rawURL.
func (c *Client) Rmdir(rawURL string, attr *OperationAttr, done CompleteFunc) (*Operation, error) {
	return c.command("rmdir", rawURL, attr, done, func(ctx context.Context, _ *Operation, s *session, u *URL) error {
		_, err := s.conn.Expect(ctx, 2, "RMD %s", u.Path)
		return err
	})
}

// Delete removes the file at rawURL.
func (c *Client) Delete(rawURL string, attr *OperationAttr, done CompleteFunc) (*Operation, error) {
	return c.command("delete", rawURL, attr, done, func(ctx context.Context, _ *Operation, s *session, u *URL) error {
		_, err := s.conn.Expect(ctx, 2, "DELE %s", u.Path)
		return err
	})
}

// Move renames src to dst. dst may be a URL on the same server or a bare
// path.
func (c *Client) Move(src, dst string, attr *OperationAttr, done CompleteFunc) (*Operation, error) {
	target := dst
	if strings.Contains(dst, "://") {
		su, err := ParseURL(src)
		if err != nil {
			return nil, err
		}
		du, err := ParseURL(dst)
		if err != nil {
			return nil, err
		}
		if su.cacheKey() != du.cacheKey() {
			return nil, fmt.Errorf("%w: cannot move between servers (%s, %s)", ErrInvalidArgument, su.Endpoint(), du.Endpoint())
		}
		target = du.Path
	}
	if target == "" {
		return nil, fmt.Errorf("%w: empty destination", ErrInvalidArgument)
	}
	if err := checkArgument("destination", target); err != nil {
		return nil, err
	}
	return c.command("move", src, attr, done, func(ctx context.Context, _ *Operation, s *session, u *URL) error {
		if _, err := s.conn.Expect(ctx, 3, "RNFR %s", u.Path); err != nil {
			return err
		}
		_, err := s.conn.Expect(ctx, 2, "RNTO %s", target)
		return err
	})
}

// Chmod changes the permission bits of rawURL with SITE CHMOD.
func (c *Client) Chmod(rawURL string, mode uint32, attr *OperationAttr, done CompleteFunc) (*Operation, error) {
	if mode > 0o7777 {
		return nil, fmt.Errorf("%w: mode %o out of range", ErrInvalidArgument, mode)
	}
	return c.command("chmod", rawURL, attr, done, func(ctx context.Context, _ *Operation, s *session, u *URL) error {
		_, err := s.conn.Expect(ctx, 2, "%s", ftp.SiteChmod(mode, u.Path))
		return err
	})
}

// Cksm asks the server for the MD5 digest of length bytes of rawURL
// starting at offset. A length of -1 covers the rest of the file.
func (c *Client) Cksm(rawURL string, attr *OperationAttr, offset, length int64, done ChecksumFunc) (*Operation, error) {
	if offset < 0 || length < -1 {
		return nil, fmt.Errorf("%w: checksum range offset=%d length=%d", ErrInvalidArgument, offset, length)
	}
	var sum []byte
	complete := func(cl *Client, err error) {
		if done != nil {
			done(cl, sum, err)
		}
	}
	return c.command("cksm", rawURL, attr, complete, func(ctx context.Context, op *Operation, s *session, u *URL) error {
		r, err := s.conn.Expect(ctx, 2, "%s", ftp.CKSM(ftp.ChecksumMD5, offset, length, u.Path))
		if err != nil {
			return err
		}
		digest, err := hex.DecodeString(strings.TrimSpace(r.Msg))
		if err != nil {
			return fmt.Errorf("%w: checksum reply %q: %v", ErrProtocol, r.Msg, err)
		}
		logger.DebugCtx(ctx, "checksum received", logger.KeyChecksum, r.Msg)
		sum = digest
		op.mu.Lock()
		op.checksum = digest
		op.mu.Unlock()
		return nil
	})
}

// Exists reports whether rawURL names an existing file or directory. A
// 550 reply is a negative answer, not an error.
func (c *Client) Exists(rawURL string, attr *OperationAttr, done ExistsFunc) (*Operation, error) {
	var exists bool
	complete := func(cl *Client, err error) {
		if done != nil {
			done(cl, exists, err)
		}
	}
	return c.command("exists", rawURL, attr, complete, func(ctx context.Context, op *Operation, s *session, u *URL) error {
		r, err := s.conn.Cmd(ctx, "MLST %s", u.Path)
		if err != nil {
			return err
		}
		switch {
		case r.Complete():
			exists = true
		case r.Code == ftp.CodeFileUnavailable:
			exists = false
		default:
			return &ftp.ReplyError{Cmd: "MLST", Code: r.Code, Msg: r.Msg}
		}
		op.mu.Lock()
		op.exists = exists
		op.mu.Unlock()
		return nil
	})
}
