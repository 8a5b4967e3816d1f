package commands

import (
	"time"

	"github.com/marmos91/gridftp/internal/bytesize"
	"github.com/marmos91/gridftp/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// overrides holds the transfer flags shared by every command. Only flags
// set on the command line replace configuration values.
type overrides struct {
	mode        string
	asciiType   bool
	parallelism int
	tcpBuffer   string
	blockSize   string
	buffers     int
	striped     bool
	diskStack   string
	noCache     bool
	timeout     time.Duration
}

var clientOverrides overrides

func (o *overrides) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.mode, "mode", "m", "", "Transfer mode (stream|extended_block)")
	fs.BoolVar(&o.asciiType, "ascii", false, "ASCII representation type (requires --mode stream)")
	fs.IntVarP(&o.parallelism, "parallelism", "p", 0, "Data streams per stripe in extended_block mode")
	fs.StringVar(&o.tcpBuffer, "tcp-buffer", "", "TCP buffer size requested with SBUF (e.g. 4Mi)")
	fs.StringVar(&o.blockSize, "block-size", "", "Buffer and block size (e.g. 1Mi)")
	fs.IntVar(&o.buffers, "buffers", 0, "Buffers kept in flight (0: two per stream)")
	fs.BoolVar(&o.striped, "striped", false, "Use striped passive mode (SPAS/SPOR)")
	fs.StringVar(&o.diskStack, "disk-stack", "", "Server storage stack (SITE SETDISKSTACK)")
	fs.BoolVar(&o.noCache, "no-cache", false, "Close control connections after every operation")
	fs.DurationVar(&o.timeout, "timeout", 0, "Abort operations running longer than this")
}

// apply copies the flags the user set into cfg.
func (o *overrides) apply(cmd *cobra.Command, cfg *config.ClientConfig) error {
	changed := cmd.Flags().Changed

	if changed("mode") {
		cfg.Mode = o.mode
	}
	if changed("ascii") {
		cfg.Type = "binary"
		if o.asciiType {
			cfg.Type = "ascii"
		}
	}
	if changed("parallelism") {
		cfg.Parallelism = o.parallelism
	}
	if changed("tcp-buffer") {
		n, err := bytesize.Parse(o.tcpBuffer)
		if err != nil {
			return err
		}
		cfg.TCPBuffer = n
	}
	if changed("block-size") {
		n, err := bytesize.Parse(o.blockSize)
		if err != nil {
			return err
		}
		cfg.BlockSize = n
	}
	if changed("buffers") {
		cfg.Buffers = o.buffers
	}
	if changed("striped") {
		cfg.Striped = o.striped
	}
	if changed("disk-stack") {
		cfg.DiskStack = o.diskStack
	}
	if changed("no-cache") {
		cfg.CacheConnections = !o.noCache
	}
	if changed("timeout") {
		cfg.Timeout = o.timeout
	}
	return nil
}
