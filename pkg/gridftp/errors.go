package gridftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/marmos91/gridftp/internal/protocol/eblock"
	"github.com/marmos91/gridftp/internal/protocol/ftp"
	"github.com/marmos91/gridftp/pkg/bufpool"
)

// Error kinds. Every error returned by this package, synchronously or
// through a completion callback, matches exactly one of these with
// errors.Is.
var (
	// ErrConfig indicates an invalid attribute combination, such as ASCII
	// type with extended block mode. Always reported before any I/O.
	ErrConfig = errors.New("gridftp: invalid configuration")

	// ErrInvalidState indicates a call made in the wrong client or
	// transfer state: issuing while another operation is in flight,
	// aborting while idle, registering a buffer with no transfer active.
	ErrInvalidState = errors.New("gridftp: invalid state")

	// ErrInvalidArgument indicates a malformed call.
	ErrInvalidArgument = errors.New("gridftp: invalid argument")

	// ErrMissingAttributes indicates a nil OperationAttr.
	ErrMissingAttributes = errors.New("gridftp: missing operation attributes")

	// ErrAllocation indicates a buffer could not be allocated.
	ErrAllocation = errors.New("gridftp: allocation failed")

	// ErrUseAfterFree indicates use of a destroyed buffer, attribute set or
	// client.
	ErrUseAfterFree = errors.New("gridftp: use after destroy")

	// ErrOutOfRange indicates an index beyond a buffer's capacity.
	ErrOutOfRange = errors.New("gridftp: out of range")

	// ErrNotFound indicates removal of a plugin that was never added.
	ErrNotFound = errors.New("gridftp: not found")

	// ErrNetwork indicates a connection failure, reset or timeout.
	ErrNetwork = errors.New("gridftp: network error")

	// ErrProtocol indicates a negative or malformed server response.
	ErrProtocol = errors.New("gridftp: protocol error")

	// ErrAborted indicates the operation was cancelled with Abort.
	ErrAborted = errors.New("gridftp: operation aborted")
)

// OpError describes a failed operation. It unwraps to both its Kind
// sentinel and the underlying cause.
type OpError struct {
	Op   string // get, put, third_party, cksm, mkdir, ...
	URL  string
	Kind error
	Code int    // FTP reply code, 0 when the failure was not a server reply
	Msg  string // server reply text
	Err  error
}

func (e *OpError) Error() string {
	s := e.Op
	if e.URL != "" {
		s += " " + e.URL
	}
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s: %v: %d %s", s, e.Kind, e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", s, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", s, e.Kind)
	}
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kindOf maps an arbitrary error into the package taxonomy.
func kindOf(err error) error {
	for _, k := range []error{
		ErrAborted, ErrConfig, ErrInvalidState, ErrInvalidArgument,
		ErrMissingAttributes, ErrAllocation, ErrUseAfterFree, ErrOutOfRange,
		ErrNotFound, ErrNetwork, ErrProtocol,
	} {
		if errors.Is(err, k) {
			return k
		}
	}

	var (
		rerr *ftp.ReplyError
		nerr net.Error
	)
	switch {
	case errors.Is(err, ftp.ErrUnsafeLine):
		return ErrInvalidArgument
	case errors.As(err, &rerr):
		return ErrProtocol
	case errors.Is(err, eblock.ErrShortHeader), errors.Is(err, eblock.ErrBlockTooBig),
		errors.Is(err, eblock.ErrEOFWithData), errors.Is(err, eblock.ErrBadEODCount),
		errors.Is(err, eblock.ErrBadOffset):
		return ErrProtocol
	case errors.Is(err, bufpool.ErrTooLarge):
		return ErrAllocation
	case errors.Is(err, context.Canceled):
		return ErrAborted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrNetwork
	case errors.As(err, &nerr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, ftp.ErrClosed):
		return ErrNetwork
	default:
		return ErrProtocol
	}
}

// wrapErr builds an OpError for op/url, classifying err. An OpError is
// returned unchanged.
func wrapErr(op, url string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe
	}
	e := &OpError{Op: op, URL: url, Kind: kindOf(err), Err: err}
	var rerr *ftp.ReplyError
	if errors.As(err, &rerr) {
		e.Code, e.Msg = rerr.Code, rerr.Msg
	}
	if e.Err == e.Kind {
		e.Err = nil
	}
	return e
}

// abortedErr builds the completion error of an aborted operation, keeping
// the failure that the abort caused as the cause.
func abortedErr(op, url string, cause error) error {
	e := &OpError{Op: op, URL: url, Kind: ErrAborted}
	if cause != nil && !errors.Is(cause, ErrAborted) && !errors.Is(cause, context.Canceled) {
		e.Err = cause
	}
	return e
}
