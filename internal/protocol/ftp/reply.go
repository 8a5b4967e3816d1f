// Package ftp implements the GridFTP control channel: command framing,
// reply parsing (including multi-line performance markers) and the data
// channel address formats used by PASV, EPSV, SPAS, PORT, EPRT and SPOR.
package ftp

import (
	"fmt"
	"strings"
)

// Reply codes the client acts on.
const (
	CodeRestartMarker   = 111
	CodePerfMarker      = 112
	CodeDataOpen        = 125
	CodeFileStatusOK    = 150
	CodeCommandOK       = 200
	CodeFileStatus      = 213
	CodeServiceReady    = 220
	CodeClosingControl  = 221
	CodeTransferDone    = 226
	CodePassive         = 227
	CodeExtPassive      = 229
	CodeLoggedIn        = 230
	CodeActionOK        = 250
	CodePathCreated     = 257
	CodeNeedPassword    = 331
	CodePendingInfo     = 350
	CodeServiceNotAvail = 421
	CodeTransferAborted = 426
	CodeFileUnavailable = 550
)

// Reply is one (possibly multi-line) server reply.
type Reply struct {
	Code int
	Msg  string
}

// Lines splits the reply text into lines.
func (r *Reply) Lines() []string {
	return strings.Split(r.Msg, "\n")
}

// Class returns the first digit of the reply code.
func (r *Reply) Class() int { return r.Code / 100 }

func (r *Reply) Preliminary() bool  { return r.Class() == 1 }
func (r *Reply) Complete() bool     { return r.Class() == 2 }
func (r *Reply) Intermediate() bool { return r.Class() == 3 }
func (r *Reply) Negative() bool     { return r.Class() >= 4 }

func (r *Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Msg)
}

// ReplyError is a negative or unexpected server reply to a command.
type ReplyError struct {
	Cmd  string
	Code int
	Msg  string
}

func (e *ReplyError) Error() string {
	if e.Cmd == "" {
		return fmt.Sprintf("ftp: unexpected reply %d %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("ftp: %s: %d %s", e.Cmd, e.Code, e.Msg)
}

// Temporary reports whether the server indicated a transient failure.
func (e *ReplyError) Temporary() bool { return e.Code/100 == 4 }

// verb returns the command name without arguments, so that secrets passed
// to PASS never end up in errors or logs.
func verb(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		v := strings.ToUpper(cmd[:i])
		if v == "SITE" || v == "OPTS" {
			if j := strings.IndexByte(cmd[i+1:], ' '); j > 0 {
				return v + " " + strings.ToUpper(cmd[i+1:i+1+j])
			}
		}
		return v
	}
	return strings.ToUpper(cmd)
}
