package ftp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe returns a client Conn and the raw server side of an in-memory
// connection.
func pipe(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	cli, srv := net.Pipe()
	t.Cleanup(func() {
		_ = cli.Close()
		_ = srv.Close()
	})
	return NewConn(cli), srv
}

// script answers each command line read from srv with the next canned
// reply and reports the commands it saw.
func script(srv net.Conn, replies ...string) <-chan []string {
	seen := make(chan []string, 1)
	go func() {
		var cmds []string
		defer func() { seen <- cmds }()
		r := bufio.NewReader(srv)
		for _, rep := range replies {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmds = append(cmds, strings.TrimRight(line, "\r\n"))
			if _, err := io.WriteString(srv, rep); err != nil {
				return
			}
		}
	}()
	return seen
}

func TestCmdSkipsMarkers(t *testing.T) {
	c, srv := pipe(t)
	marker := NewPerfMarker(time.Unix(1000, 0), 0, 1, 42).Format()
	seen := script(srv, marker+"226 Transfer complete.\r\n")

	r, err := c.Cmd(context.Background(), "RETR %s", "/data/file")
	require.NoError(t, err)
	assert.Equal(t, CodeTransferDone, r.Code)
	assert.True(t, r.Complete())
	assert.Equal(t, []string{"RETR /data/file"}, <-seen)
}

func TestReadReplyMultiLineMarker(t *testing.T) {
	c, srv := pipe(t)
	go func() {
		_, _ = io.WriteString(srv, "112-Perf Marker\r\n Timestamp: 1118351262.4\r\n Stripe Index: 1\r\n Stripe Bytes Transferred: 2048\r\n Total Stripe Count: 2\r\n112 End.\r\n")
	}()

	r, err := c.ReadReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, CodePerfMarker, r.Code)

	m, err := ParsePerfMarker(r)
	require.NoError(t, err)
	assert.Equal(t, int64(1118351262), m.Seconds())
	assert.Equal(t, 4, m.Tenths())
	assert.Equal(t, 1, m.StripeIndex)
	assert.Equal(t, int64(2048), m.StripeBytes)
	assert.Equal(t, 2, m.TotalStripes)
}

func TestExpectRejectsWrongClass(t *testing.T) {
	c, srv := pipe(t)
	script(srv, "550 No such file.\r\n")

	_, err := c.Expect(context.Background(), 2, "DELE %s", "/missing")
	var rerr *ReplyError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 550, rerr.Code)
	assert.Equal(t, "DELE", rerr.Cmd)
	assert.False(t, rerr.Temporary())
}

func TestLogin(t *testing.T) {
	t.Run("UserThenPass", func(t *testing.T) {
		c, srv := pipe(t)
		seen := script(srv, "331 Password required.\r\n", "230 Logged in.\r\n")
		require.NoError(t, c.Login(context.Background(), "alice", "secret"))
		assert.Equal(t, []string{"USER alice", "PASS secret"}, <-seen)
	})

	t.Run("MappedUserNeedsNoPass", func(t *testing.T) {
		c, srv := pipe(t)
		seen := script(srv, "230 User mapped.\r\n")
		require.NoError(t, c.Login(context.Background(), ":globus-mapping:", ""))
		assert.Equal(t, []string{"USER :globus-mapping:"}, <-seen)
	})

	t.Run("Rejected", func(t *testing.T) {
		c, srv := pipe(t)
		script(srv, "530 Not logged in.\r\n")
		assert.Error(t, c.Login(context.Background(), "bob", ""))
	})
}

func TestGreeting(t *testing.T) {
	c, srv := pipe(t)
	go func() {
		_, _ = io.WriteString(srv, "120 Wait.\r\n220-Welcome\r\n to GridFTP\r\n220 Ready.\r\n")
	}()
	require.NoError(t, c.Greeting(context.Background()))
}

func TestReadReplyHonoursCancel(t *testing.T) {
	c, _ := pipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.ReadReply(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendRejectsLineBreaks(t *testing.T) {
	c, srv := pipe(t)
	seen := script(srv, "257 Created.\r\n")

	for _, arg := range []string{"/a\r\nDELE /b", "/a\nb", "/a\x00"} {
		err := c.Send(context.Background(), "MKD %s", arg)
		assert.ErrorIs(t, err, ErrUnsafeLine, arg)
	}

	// Nothing was written, so the next command still gets its own reply.
	r, err := c.Cmd(context.Background(), "MKD %s", "/ok")
	require.NoError(t, err)
	assert.Equal(t, 257, r.Code)
	assert.Equal(t, []string{"MKD /ok"}, <-seen)
}

func TestClosedConn(t *testing.T) {
	c, _ := pipe(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Send(context.Background(), "NOOP"), ErrClosed)
	_, err := c.ReadReply(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParsePASV(t *testing.T) {
	addr, err := ParsePASV(&Reply{Code: 227, Msg: "Entering Passive Mode (127,0,0,1,19,137)."})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5001", addr)

	_, err = ParsePASV(&Reply{Code: 227, Msg: "Entering Passive Mode"})
	assert.Error(t, err)

	_, err = ParsePASV(&Reply{Code: 227, Msg: "(300,0,0,1,1,1)"})
	assert.Error(t, err)

	_, err = ParsePASV(&Reply{Code: 500, Msg: "no"})
	assert.Error(t, err)
}

func TestParseEPSV(t *testing.T) {
	addr, err := ParseEPSV(&Reply{Code: 229, Msg: "Entering Extended Passive Mode (|||6446|)"}, "::1")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:6446", addr)

	_, err = ParseEPSV(&Reply{Code: 229, Msg: "(|||0|)"}, "h")
	assert.Error(t, err)
}

func TestParseSPAS(t *testing.T) {
	r := &Reply{Code: 229, Msg: "Entering Striped Passive Mode\n 10,0,0,1,4,0\n 10,0,0,2,4,1\nEnd"}
	addrs, err := ParseSPAS(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:1024", "10.0.0.2:1025"}, addrs)

	_, err = ParseSPAS(&Reply{Code: 229, Msg: "nothing"})
	assert.Error(t, err)
}

func TestParseDataArguments(t *testing.T) {
	addrs, err := ParseHostPorts("10,0,0,1,4,0 10,0,0,2,4,1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:1024", "10.0.0.2:1025"}, addrs)

	_, err = ParseHostPorts("nothing here")
	assert.Error(t, err)

	addr, err := ParseEPRT("|2|::1|2000|")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:2000", addr)

	addr, err = ParseEPRT("|1|127.0.0.1|21|")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:21", addr)

	for _, bad := range []string{"", "|2|::1|", "|2|nohost|21|", "|2|::1|0|"} {
		_, err := ParseEPRT(bad)
		assert.Error(t, err, bad)
	}
}

func TestPortCommands(t *testing.T) {
	cmd, err := PortCommand("192.168.1.2:1025")
	require.NoError(t, err)
	assert.Equal(t, "PORT 192,168,1,2,4,1", cmd)

	cmd, err = PortCommand("[::1]:2000")
	require.NoError(t, err)
	assert.Equal(t, "EPRT |2|::1|2000|", cmd)

	cmd, err = SporCommand([]string{"10.0.0.1:1024", "10.0.0.2:1025"})
	require.NoError(t, err)
	assert.Equal(t, "SPOR 10,0,0,1,4,0 10,0,0,2,4,1", cmd)

	_, err = SporCommand([]string{"[::1]:1"})
	assert.Error(t, err)
}

func TestCommandBuilders(t *testing.T) {
	assert.Equal(t, "OPTS RETR Parallelism=4,4,4;", ParallelismOpts(4))
	assert.Equal(t, "SBUF 1048576", SBUF(1<<20))
	assert.Equal(t, "CKSM MD5 0 -1 /a", CKSM(ChecksumMD5, 0, -1, "/a"))
	assert.Equal(t, "SITE CHMOD 0755 /d", SiteChmod(0o755, "/d"))
	assert.Equal(t, "SITE SETDISKSTACK file", SiteDiskStack("file"))

	n, err := ParseOptsParallelism("Parallelism=8,8,8;")
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	_, err = ParseOptsParallelism("Parallelism=0,1,1;")
	assert.Error(t, err)
	_, err = ParseOptsParallelism("StripeLayout=Blocked;")
	assert.Error(t, err)
}

func TestParsePerfMarkerErrors(t *testing.T) {
	tests := []struct {
		name string
		r    *Reply
	}{
		{"WrongCode", &Reply{Code: 226, Msg: "done"}},
		{"Missing", &Reply{Code: 112, Msg: "Perf Marker\n Timestamp: 1.0\nEnd."}},
		{"BadNumber", &Reply{Code: 112, Msg: "Perf Marker\n Timestamp: x\n Stripe Index: 0\n Stripe Bytes Transferred: 1\n Total Stripe Count: 1\nEnd."}},
		{"StripeRange", &Reply{Code: 112, Msg: "Perf Marker\n Timestamp: 1.0\n Stripe Index: 2\n Stripe Bytes Transferred: 1\n Total Stripe Count: 1\nEnd."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePerfMarker(tt.r)
			assert.Error(t, err)
		})
	}
}

func TestRedactAndVerb(t *testing.T) {
	assert.Equal(t, "PASS ****", redact("PASS hunter2"))
	assert.Equal(t, "USER bob", redact("USER bob"))
	assert.Equal(t, "SITE CHMOD", verb("SITE CHMOD 0644 /f"))
	assert.Equal(t, "OPTS RETR", verb("opts retr Parallelism=1,1,1;"))
	assert.Equal(t, "NOOP", verb("noop"))
}
