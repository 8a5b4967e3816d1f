package gridftp

import (
	"crypto/md5"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/gridftp/internal/gridftptest"
	"github.com/marmos91/gridftp/pkg/gsi"
)

// run issues an operation through issue and waits for it.
func run(t *testing.T, issue func() (*Operation, error)) (*Operation, error) {
	t.Helper()
	op, err := issue()
	require.NoError(t, err)
	select {
	case <-op.Done():
	case <-waitCtx(t).Done():
		t.Fatal("operation did not complete")
	}
	return op, op.Err()
}

func TestMkdirRmdir(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	c := newClient(t, true)
	url := srv.URL("/scratch")

	_, err := run(t, func() (*Operation, error) { return c.Mkdir(url, NewOperationAttr(), nil) })
	require.NoError(t, err)
	fi, err := srv.FS.Stat("/scratch")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	_, err = run(t, func() (*Operation, error) { return c.Rmdir(url, NewOperationAttr(), nil) })
	require.NoError(t, err)

	var got error
	op, err := run(t, func() (*Operation, error) {
		return c.Rmdir(url, NewOperationAttr(), func(_ *Client, err error) { got = err })
	})
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, err, got)
	assert.Equal(t, OpFailed, op.State())

	var oe *OpError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, 550, oe.Code)
	assert.Equal(t, "rmdir", oe.Op)

	assert.Equal(t, 1, srv.CountCommand("USER"), "control connection is cached")
}

func TestControlCommandInjection(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	require.NoError(t, srv.WriteFile("/victim", []byte("keep")))
	require.NoError(t, srv.WriteFile("/old", []byte("x")))
	c := newClient(t, true)

	t.Run("EncodedCRLFInPath", func(t *testing.T) {
		op, err := c.Mkdir(srv.URL("/newdir%0d%0aDELE%20/victim"), NewOperationAttr(), nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Nil(t, op)
	})

	t.Run("MoveTarget", func(t *testing.T) {
		_, err := c.Move(srv.URL("/old"), "/new\r\nDELE /victim", NewOperationAttr(), nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("DiskStack", func(t *testing.T) {
		attr := NewOperationAttr()
		assert.ErrorIs(t, attr.SetDiskStack("file\nDELE /victim"), ErrInvalidArgument)
	})

	// The client stays usable and in step with the server afterwards.
	_, err := run(t, func() (*Operation, error) { return c.Mkdir(srv.URL("/newdir"), NewOperationAttr(), nil) })
	require.NoError(t, err)

	assert.Zero(t, srv.CountCommand("DELE"))
	assert.Zero(t, srv.CountCommand("RNFR"))
	data, err := srv.ReadFile("/victim")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), data)
}

func TestCksm(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	payload := randomData(123_457)
	require.NoError(t, srv.WriteFile("/sum", payload))
	c := newClient(t, false)

	t.Run("WholeFile", func(t *testing.T) {
		var sum []byte
		op, err := run(t, func() (*Operation, error) {
			return c.Cksm(srv.URL("/sum"), NewOperationAttr(), 0, -1, func(_ *Client, s []byte, err error) {
				assert.NoError(t, err)
				sum = s
			})
		})
		require.NoError(t, err)
		want := md5.Sum(payload)
		assert.Equal(t, want[:], sum)
		assert.Equal(t, want[:], op.Checksum())
	})

	t.Run("Range", func(t *testing.T) {
		op, err := run(t, func() (*Operation, error) {
			return c.Cksm(srv.URL("/sum"), NewOperationAttr(), 1000, 5000, nil)
		})
		require.NoError(t, err)
		want := md5.Sum(payload[1000:6000])
		assert.Equal(t, want[:], op.Checksum())
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := run(t, func() (*Operation, error) {
			return c.Cksm(srv.URL("/none"), NewOperationAttr(), 0, -1, nil)
		})
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("BadRange", func(t *testing.T) {
		_, err := c.Cksm(srv.URL("/sum"), NewOperationAttr(), -1, 10, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = c.Cksm(srv.URL("/sum"), NewOperationAttr(), 0, -2, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestExists(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	require.NoError(t, srv.WriteFile("/here", []byte("x")))
	c := newClient(t, true)

	for path, want := range map[string]bool{"/here": true, "/": true, "/gone": false} {
		var got bool
		op, err := run(t, func() (*Operation, error) {
			return c.Exists(srv.URL(path), NewOperationAttr(), func(_ *Client, e bool, err error) {
				assert.NoError(t, err)
				got = e
			})
		})
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
		assert.Equal(t, want, op.Exists(), path)
	}
}

func TestMoveDeleteChmod(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	require.NoError(t, srv.WriteFile("/a", []byte("content")))
	c := newClient(t, true)

	_, err := run(t, func() (*Operation, error) { return c.Move(srv.URL("/a"), srv.URL("/b"), NewOperationAttr(), nil) })
	require.NoError(t, err)
	got, err := srv.ReadFile("/b")
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))

	_, err = run(t, func() (*Operation, error) { return c.Move(srv.URL("/b"), "/c", NewOperationAttr(), nil) })
	require.NoError(t, err)

	_, err = run(t, func() (*Operation, error) { return c.Move(srv.URL("/b"), "/d", NewOperationAttr(), nil) })
	assert.ErrorIs(t, err, ErrProtocol, "source no longer exists")

	_, err = c.Move(srv.URL("/c"), "ftp://elsewhere.example.org/c", NewOperationAttr(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = run(t, func() (*Operation, error) { return c.Chmod(srv.URL("/c"), 0o600, NewOperationAttr(), nil) })
	require.NoError(t, err)
	fi, err := srv.FS.Stat("/c")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	_, err = c.Chmod(srv.URL("/c"), 0o17777, NewOperationAttr(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = run(t, func() (*Operation, error) { return c.Delete(srv.URL("/c"), NewOperationAttr(), nil) })
	require.NoError(t, err)
	_, err = srv.FS.Stat("/c")
	assert.True(t, os.IsNotExist(err))
}

func TestStateGating(t *testing.T) {
	srv := newServer(t, gridftptest.Options{StallData: true})
	require.NoError(t, srv.WriteFile("/slow", randomData(10)))
	c := newClient(t, false)

	assert.ErrorIs(t, c.Abort(), ErrInvalidState, "idle")
	buf, err := NewBuffer(16)
	require.NoError(t, err)
	assert.ErrorIs(t, c.RegisterRead(buf, func(*Client, *Buffer, int, int64, bool, error) {}), ErrInvalidState)

	op, err := c.Get(srv.URL("/slow"), NewOperationAttr(), nil)
	require.NoError(t, err)
	assert.Same(t, op, c.Current())

	_, err = c.Mkdir(srv.URL("/x"), NewOperationAttr(), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = c.Get(srv.URL("/slow"), NewOperationAttr(), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, c.Destroy(), ErrInvalidState)
	assert.ErrorIs(t, c.RegisterWrite(buf, 1, 0, true, func(*Client, *Buffer, int, int64, bool, error) {}), ErrInvalidState)
	assert.ErrorIs(t, c.RegisterRead(buf, nil), ErrInvalidArgument)

	require.NoError(t, c.Abort())
	assert.ErrorIs(t, op.Wait(waitCtx(t)), ErrAborted)
	assert.Nil(t, c.Current())
	require.NoError(t, buf.Destroy())

	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())
	assert.ErrorIs(t, c.Abort(), ErrUseAfterFree)
	_, err = c.Mkdir(srv.URL("/x"), NewOperationAttr(), nil)
	assert.ErrorIs(t, err, ErrUseAfterFree)
	assert.ErrorIs(t, c.AddPlugin(NewPerfPlugin(nil, nil, nil)), ErrUseAfterFree)
}

func TestIssueValidation(t *testing.T) {
	c := newClient(t, false)

	_, err := c.Get("ftp://127.0.0.1:1/f", nil, nil)
	assert.ErrorIs(t, err, ErrMissingAttributes)

	_, err = c.Get("http://example.org/f", NewOperationAttr(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	destroyed := NewOperationAttr()
	destroyed.Destroy()
	_, err = c.Put("ftp://127.0.0.1:1/f", destroyed, nil)
	assert.ErrorIs(t, err, ErrUseAfterFree)

	assert.Nil(t, c.Current(), "failed validation leaves the client idle")
}

func TestAttrFrozenDuringOperation(t *testing.T) {
	srv := newServer(t, gridftptest.Options{StallData: true})
	require.NoError(t, srv.WriteFile("/slow", randomData(10)))
	c := newClient(t, false)

	attr := NewOperationAttr()
	op, err := c.Get(srv.URL("/slow"), attr, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, attr.SetModeExtendedBlock(), ErrConfig)

	require.NoError(t, c.Abort())
	<-op.Done()
	assert.NoError(t, attr.SetModeExtendedBlock())
}

func TestConnectionFailure(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	addr := srv.Addr()
	require.NoError(t, srv.Close())

	c := newClient(t, false)
	_, err := run(t, func() (*Operation, error) { return c.Mkdir("ftp://"+addr+"/d", NewOperationAttr(), nil) })
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestLoginRejected(t *testing.T) {
	srv := newServer(t, gridftptest.Options{User: "alice", Password: "secret"})
	c := newClient(t, false)

	_, err := run(t, func() (*Operation, error) { return c.Mkdir(srv.URL("/d"), NewOperationAttr(), nil) })
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = run(t, func() (*Operation, error) {
		return c.Mkdir("ftp://alice:secret@"+srv.Addr()+"/d", NewOperationAttr(), nil)
	})
	assert.NoError(t, err)
}

func TestPlainAuthenticatorRejectsGSIFTP(t *testing.T) {
	c := newClient(t, false)
	_, err := run(t, func() (*Operation, error) { return c.Mkdir("gsiftp://127.0.0.1:1/d", NewOperationAttr(), nil) })
	assert.ErrorIs(t, err, ErrConfig)
}

func TestGSIFTP(t *testing.T) {
	creds, err := gridftptest.NewCredentials()
	require.NoError(t, err)
	serverTLS, err := creds.ServerTLS()
	require.NoError(t, err)
	srv := newServer(t, gridftptest.Options{TLS: serverTLS})
	payload := randomData(64 << 10)
	require.NoError(t, srv.WriteFile("/secure", payload))

	dir := t.TempDir()
	caDir := filepath.Join(dir, "certificates")
	require.NoError(t, os.Mkdir(caDir, 0o755))
	write := func(path string, data []byte) {
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}
	write(filepath.Join(caDir, "testca.0"), creds.CACert)
	write(filepath.Join(dir, "usercert.pem"), creds.UserCert)
	write(filepath.Join(dir, "userkey.pem"), creds.UserKey)

	cfg, err := gsi.Credentials{
		CertFile: filepath.Join(dir, "usercert.pem"),
		KeyFile:  filepath.Join(dir, "userkey.pem"),
		CADir:    caDir,
	}.TLSConfig()
	require.NoError(t, err)

	c := newClient(t, false, WithAuthenticator(&TLSAuthenticator{Config: cfg}))
	var f memFile
	n, err := c.Download(waitCtx(t), srv.URL("/secure"), extendedAttr(t, 2), &f)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, f.Bytes())
	assert.Equal(t, 1, srv.CountCommand("DCAU N"))
	assert.Equal(t, 1, srv.CountCommand("USER :globus-mapping:"))
}

func TestCachedSessionsSkipUnchangedSettings(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	require.NoError(t, srv.WriteFile("/f", randomData(1000)))
	m := newRecordingMetrics()
	c := newClient(t, true, WithMetrics(m))

	attr := extendedAttr(t, 2)
	for range 3 {
		var f memFile
		_, err := c.Download(waitCtx(t), srv.URL("/f"), attr, &f)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.CountCommand("USER"))
	assert.Equal(t, 1, srv.CountCommand("TYPE"))
	assert.Equal(t, 1, srv.CountCommand("MODE"))
	assert.Equal(t, 1, srv.CountCommand("OPTS"))
	assert.Equal(t, 1, m.dialed)
	assert.Equal(t, 2, m.reused)

	require.NoError(t, c.Destroy())
	assert.Eventually(t, func() bool { return srv.CountCommand("QUIT") == 1 }, time.Second, 5*time.Millisecond)
}

func TestStaleCachedSession(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	c := newClient(t, true)

	_, err := run(t, func() (*Operation, error) { return c.Mkdir(srv.URL("/a"), NewOperationAttr(), nil) })
	require.NoError(t, err)
	require.Equal(t, 1, srv.Connections())

	srv.DropConnections()
	require.Eventually(t, func() bool { return srv.Connections() == 0 }, time.Second, 5*time.Millisecond)

	_, err = run(t, func() (*Operation, error) { return c.Mkdir(srv.URL("/b"), NewOperationAttr(), nil) })
	require.NoError(t, err)
	fi, err := srv.FS.Stat("/b")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, 2, srv.CountCommand("USER"))

	t.Run("LiveSessionIsReused", func(t *testing.T) {
		_, err := run(t, func() (*Operation, error) { return c.Mkdir(srv.URL("/c"), NewOperationAttr(), nil) })
		require.NoError(t, err)
		assert.Equal(t, 2, srv.CountCommand("USER"))
		assert.Equal(t, 1, srv.CountCommand("NOOP"), "dropped connection never saw its NOOP")
	})
}

func TestPlugins(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	require.NoError(t, srv.WriteFile("/f", randomData(500_000)))
	c := newClient(t, false)

	t.Run("Attach", func(t *testing.T) {
		p := NewPerfPlugin(nil, nil, nil)
		assert.ErrorIs(t, c.AddPlugin(nil), ErrInvalidArgument)
		require.NoError(t, c.AddPlugin(p))
		assert.ErrorIs(t, c.AddPlugin(p), ErrInvalidArgument)
		require.NoError(t, c.RemovePlugin(p))
		assert.ErrorIs(t, c.RemovePlugin(p), ErrNotFound)
	})

	t.Run("Ordering", func(t *testing.T) {
		var ev events
		p := NewPerfPlugin(
			func(*Client, string, string, bool) { ev.add("begin") },
			func(*Client, Marker) { ev.add("marker") },
			func(_ *Client, ok bool) {
				assert.True(t, ok)
				ev.add("complete")
			})
		require.NoError(t, c.AddPlugin(p))
		t.Cleanup(func() { _ = c.RemovePlugin(p) })

		attr := extendedAttr(t, 2)
		require.NoError(t, attr.SetMarkerInterval(time.Millisecond))

		r := &collector{}
		op, err := c.Get(srv.URL("/f"), attr, func(*Client, error) { ev.add("done") })
		require.NoError(t, err)
		r.register(t, c, 1, 1024)
		require.NoError(t, op.Wait(waitCtx(t)))

		log := ev.list()
		require.GreaterOrEqual(t, len(log), 4)
		assert.Equal(t, "begin", log[0])
		assert.Equal(t, "complete", log[len(log)-2])
		assert.Equal(t, "done", log[len(log)-1])
		for _, e := range log[1 : len(log)-2] {
			assert.Equal(t, "marker", e)
		}
	})

	t.Run("ControlOperationsSkipPlugins", func(t *testing.T) {
		var calls int
		p := NewPerfPlugin(
			func(*Client, string, string, bool) { calls++ },
			nil,
			func(*Client, bool) { calls++ })
		require.NoError(t, c.AddPlugin(p))
		t.Cleanup(func() { _ = c.RemovePlugin(p) })

		_, err := run(t, func() (*Operation, error) { return c.Mkdir(srv.URL("/m"), NewOperationAttr(), nil) })
		require.NoError(t, err)
		assert.Zero(t, calls)
	})

	t.Run("RemovedDuringTransfer", func(t *testing.T) {
		var begins, completes int
		var p *PerfPlugin
		p = NewPerfPlugin(
			func(cl *Client, _, _ string, _ bool) {
				begins++
				assert.NoError(t, cl.RemovePlugin(p))
			},
			nil,
			func(*Client, bool) { completes++ })
		require.NoError(t, c.AddPlugin(p))

		r := &collector{}
		op, err := c.Get(srv.URL("/f"), NewOperationAttr(), nil)
		require.NoError(t, err)
		r.register(t, c, 1, 64<<10)
		require.NoError(t, op.Wait(waitCtx(t)))

		assert.Equal(t, 1, begins)
		assert.Zero(t, completes)
	})
}

func TestFailedOperationFailsPendingBuffers(t *testing.T) {
	srv := newServer(t, gridftptest.Options{})
	c := newClient(t, false)

	r := &collector{}
	done := make(chan error, 1)
	op, err := c.Get(srv.URL("/missing"), NewOperationAttr(), func(_ *Client, err error) {
		r.complete()
		done <- err
	})
	require.NoError(t, err)
	for range 3 {
		buf, err := NewBuffer(128)
		require.NoError(t, err)
		if c.RegisterRead(buf, r.onData) != nil {
			require.NoError(t, buf.Destroy())
		}
	}
	<-op.Done()
	require.ErrorIs(t, <-done, ErrProtocol)

	_, calls, _, errs, late := r.snapshot()
	assert.Zero(t, late)
	assert.Len(t, errs, calls, "every returned buffer carries the failure")
	for _, e := range errs {
		assert.ErrorIs(t, e, ErrProtocol)
	}
}
