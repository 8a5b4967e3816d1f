package commands

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/marmos91/gridftp/internal/cli/output"
	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/pkg/gridftp"
	"github.com/spf13/cobra"
)

var showProgress bool

var getCmd = &cobra.Command{
	Use:   "get <url> [local-path]",
	Short: "Download a remote file",
	Long: `Download a file from a GridFTP server.

The local path defaults to the base name of the remote path. Use "-" to
write to stdout (stream mode only, since parallel streams deliver data out
of order).

Examples:
  # Four parallel streams with a 4 MiB TCP buffer
  gridftp get -p 4 --tcp-buffer 4Mi gsiftp://dtn.example.org/data/run1.h5

  # Plain FTP, stream mode
  gridftp get --mode stream ftp://ftp.example.org/pub/README -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var putCmd = &cobra.Command{
	Use:   "put <local-path> <url>",
	Short: "Upload a local file",
	Long: `Upload a file to a GridFTP server.

Examples:
  gridftp put run1.h5 gsiftp://dtn.example.org/data/run1.h5
  gridftp put --striped -p 8 big.tar gsiftp://striped.example.org/scratch/big.tar`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

var copyCmd = &cobra.Command{
	Use:   "copy <src-url> <dst-url>",
	Short: "Copy between two servers (third-party transfer)",
	Long: `Copy a file directly between two GridFTP servers. The data does not
pass through this machine: the destination listens and the source
connects to it.

Both sides use the same mode and parallelism. With --striped the
destination is asked for striped passive mode (SPAS) and the source is
given all stripe addresses (SPOR).

Examples:
  gridftp copy gsiftp://a.example.org/data/f gsiftp://b.example.org/data/f`,
	Args: cobra.ExactArgs(2),
	RunE: runCopy,
}

func init() {
	for _, c := range []*cobra.Command{getCmd, putCmd, copyCmd} {
		c.Flags().BoolVar(&showProgress, "progress", false, "Print performance markers to stderr")
	}
}

func (a *app) attachProgress(cmd *cobra.Command) error {
	if !showProgress {
		return nil
	}
	return a.client.AddPlugin(output.NewProgress(cmd.ErrOrStderr(), a.cfg.Client.MarkerInterval).Plugin())
}

func (a *app) report(op, src, dst string, bytes int64, elapsed time.Duration) error {
	c := a.cfg.Client
	return a.printer.Print(output.NewTransferReport(op, src, dst, c.Mode, c.Parallelism, bytes, elapsed))
}

func runGet(cmd *cobra.Command, args []string) error {
	src := args[0]
	u, err := gridftp.ParseURL(src)
	if err != nil {
		return err
	}
	dst := path.Base(u.Path)
	if len(args) == 2 {
		dst = args[1]
	}
	if dst == "/" || dst == "." {
		return fmt.Errorf("cannot derive a local file name from %s", src)
	}

	a, err := newApp(cmd, src)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.attachProgress(cmd); err != nil {
		return err
	}

	if dst == "-" {
		if a.attr.Mode() != gridftp.ModeStream {
			return fmt.Errorf("writing to stdout requires --mode stream")
		}
		_, err := a.client.Download(a.ctx, src, a.attr, &sequentialWriter{w: cmd.OutOrStdout()})
		return err
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}

	start := time.Now()
	n, err := a.client.Download(a.ctx, src, a.attr, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		logger.Debug("removing partial download", logger.KeyURL, dst)
		_ = os.Remove(dst)
		return err
	}
	abs, _ := filepath.Abs(dst)
	return a.report("get", u.String(), abs, n, time.Since(start))
}

func runPut(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	a, err := newApp(cmd, dst)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.attachProgress(cmd); err != nil {
		return err
	}

	start := time.Now()
	n, err := a.client.Upload(a.ctx, dst, a.attr, f, fi.Size())
	if err != nil {
		return err
	}
	abs, _ := filepath.Abs(src)
	return a.report("put", abs, dst, n, time.Since(start))
}

func runCopy(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]

	a, err := newApp(cmd, src, dst)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.attachProgress(cmd); err != nil {
		return err
	}

	// Bytes moved are only visible through markers, which carry running
	// totals per stripe.
	stripes := make(map[int]int64)
	if err := a.client.AddPlugin(gridftp.NewPerfPlugin(nil, func(_ *gridftp.Client, m gridftp.Marker) {
		stripes[m.StripeIndex] = m.Bytes
	}, nil)); err != nil {
		return err
	}

	start := time.Now()
	op, err := a.client.ThirdPartyTransfer(src, a.attr, dst, a.attr, nil, nil)
	if err != nil {
		return err
	}
	if err := a.wait(op); err != nil {
		return err
	}
	var moved int64
	for _, n := range stripes {
		moved += n
	}
	return a.report("copy", src, dst, moved, time.Since(start))
}

// sequentialWriter adapts an io.Writer for stream mode downloads, where
// chunks arrive in order.
type sequentialWriter struct {
	w    io.Writer
	next int64
}

func (s *sequentialWriter) WriteAt(p []byte, off int64) (int, error) {
	if off != s.next {
		return 0, fmt.Errorf("out of order write at %d, expected %d", off, s.next)
	}
	n, err := s.w.Write(p)
	s.next += int64(n)
	return n, err
}
