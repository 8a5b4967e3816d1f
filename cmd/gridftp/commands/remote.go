package commands

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/marmos91/gridftp/internal/cli/output"
	"github.com/marmos91/gridftp/internal/cli/prompt"
	"github.com/marmos91/gridftp/pkg/gridftp"
	"github.com/spf13/cobra"
)

var (
	cksmOffset int64
	cksmLength int64
	rmForce    bool
)

var lsCmd = &cobra.Command{
	Use:   "ls <url>",
	Short: "Print a long listing of a remote directory",
	Long: `Print the server's LIST output for a directory or file. Listings always
use a stream mode data channel.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, args[0])
		if err != nil {
			return err
		}
		defer a.Close()
		return a.client.List(a.ctx, args[0], a.attr, cmd.OutOrStdout())
	},
}

var cksmCmd = &cobra.Command{
	Use:   "cksm <url>",
	Short: "Compute the MD5 checksum of a remote file on the server",
	Long: `Ask the server for the MD5 checksum of a file, or of a byte range with
--offset and --length.

Examples:
  gridftp cksm gsiftp://dtn.example.org/data/run1.h5
  gridftp cksm --offset 1000 --length 5000 -o json ftp://h/f`,
	Args: cobra.ExactArgs(1),
	RunE: runCksm,
}

var existsCmd = &cobra.Command{
	Use:   "exists <url>",
	Short: "Check whether a remote file or directory exists",
	Long:  `Check whether a remote path exists. The exit status is 0 either way; read the output.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runExists,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <url>",
	Short: "Create a remote directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimple(cmd, args[0], "created "+args[0], func(c *gridftp.Client, attr *gridftp.OperationAttr) (*gridftp.Operation, error) {
			return c.Mkdir(args[0], attr, nil)
		})
	},
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir <url>",
	Short: "Remove an empty remote directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, err := prompt.ConfirmRemoval(args[0], rmForce); err != nil || !ok {
			return err
		}
		return runSimple(cmd, args[0], "removed "+args[0], func(c *gridftp.Client, attr *gridftp.OperationAttr) (*gridftp.Operation, error) {
			return c.Rmdir(args[0], attr, nil)
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <url>",
	Short: "Delete a remote file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, err := prompt.ConfirmRemoval(args[0], rmForce); err != nil || !ok {
			return err
		}
		return runSimple(cmd, args[0], "deleted "+args[0], func(c *gridftp.Client, attr *gridftp.OperationAttr) (*gridftp.Operation, error) {
			return c.Delete(args[0], attr, nil)
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <src-url> <dst>",
	Short: "Rename a remote file or directory",
	Long: `Rename a path on one server. dst may be a URL on the same server or a
bare path.

Examples:
  gridftp mv ftp://h/incoming/f ftp://h/archive/f
  gridftp mv ftp://h/incoming/f /archive/f`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimple(cmd, args[0], "moved "+args[0]+" to "+args[1], func(c *gridftp.Client, attr *gridftp.OperationAttr) (*gridftp.Operation, error) {
			return c.Move(args[0], args[1], attr, nil)
		})
	},
}

var chmodCmd = &cobra.Command{
	Use:   "chmod <octal-mode> <url>",
	Short: "Change permissions of a remote path (SITE CHMOD)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := strconv.ParseUint(args[0], 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", args[0], err)
		}
		return runSimple(cmd, args[1], fmt.Sprintf("changed mode of %s to %04o", args[1], mode), func(c *gridftp.Client, attr *gridftp.OperationAttr) (*gridftp.Operation, error) {
			return c.Chmod(args[1], uint32(mode), attr, nil)
		})
	},
}

func init() {
	cksmCmd.Flags().Int64Var(&cksmOffset, "offset", 0, "First byte of the range")
	cksmCmd.Flags().Int64Var(&cksmLength, "length", -1, "Length of the range (-1: to end of file)")
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "Do not ask for confirmation")
	rmdirCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "Do not ask for confirmation")
}

// runSimple issues a control-channel operation against url and prints
// done on success.
func runSimple(cmd *cobra.Command, url, done string, issue func(*gridftp.Client, *gridftp.OperationAttr) (*gridftp.Operation, error)) error {
	a, err := newApp(cmd, url)
	if err != nil {
		return err
	}
	defer a.Close()

	op, err := issue(a.client, a.attr)
	if err != nil {
		return err
	}
	if err := a.wait(op); err != nil {
		return err
	}
	a.printer.Success("%s", done)
	return nil
}

func runCksm(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	op, err := a.client.Cksm(args[0], a.attr, cksmOffset, cksmLength, nil)
	if err != nil {
		return err
	}
	if err := a.wait(op); err != nil {
		return err
	}
	return a.printer.Print(output.ChecksumReport{
		URL:       args[0],
		Algorithm: "md5",
		Offset:    cksmOffset,
		Length:    cksmLength,
		Checksum:  hex.EncodeToString(op.Checksum()),
	})
}

func runExists(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	op, err := a.client.Exists(args[0], a.attr, nil)
	if err != nil {
		return err
	}
	if err := a.wait(op); err != nil {
		return err
	}
	return a.printer.Print(output.ExistsReport{URL: args[0], Exists: op.Exists()})
}
