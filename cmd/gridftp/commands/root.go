// Package commands implements the gridftp command line client.
package commands

import (
	"github.com/marmos91/gridftp/cmd/gridftp/commands/config"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile      string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "gridftp",
	Short: "GridFTP client",
	Long: `gridftp moves data to, from and between GridFTP servers.

Transfers use extended block mode with parallel data streams by default,
and striped servers can be driven with SPAS/SPOR. ftp:// URLs travel in
the clear; gsiftp:// URLs authenticate with an X.509 credential (see the
credentials section of the configuration, or X509_USER_PROXY).

Use "gridftp [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/gridftp/config.yaml)")
	pf.StringVarP(&outputFormat, "output", "o", "table", "Output format (table|json|yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log protocol activity at DEBUG level")
	clientOverrides.register(pf)

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(cksmCmd)
	rootCmd.AddCommand(existsCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(rmdirCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(chmodCmd)
	rootCmd.AddCommand(config.Cmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
