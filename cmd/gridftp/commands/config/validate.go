package config

import (
	"fmt"

	"github.com/marmos91/gridftp/pkg/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the gridftp configuration file.

Checks for syntax errors and invalid values.

Examples:
  gridftp config validate
  gridftp config validate --config /etc/gridftp/config.yaml`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	var warnings []string
	creds := cfg.Credentials.GSI()
	if creds.ProxyFile == "" && creds.CertFile == "" && creds.PKCS12File == "" {
		warnings = append(warnings, "no X.509 credential configured - gsiftp:// servers may refuse the login")
	}
	if creds.CADir == "" && !cfg.Credentials.InsecureSkipVerify {
		warnings = append(warnings, "no CA directory configured - the system trust store is used")
	}
	if cfg.Client.Mode == "stream" && cfg.Client.Parallelism > 1 {
		warnings = append(warnings, "parallelism only applies to extended_block mode")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", path)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Mode:            %s\n", cfg.Client.Mode)
	_, _ = fmt.Fprintf(out, "  Parallelism:     %d\n", cfg.Client.Parallelism)
	_, _ = fmt.Fprintf(out, "  Block size:      %s\n", cfg.Client.BlockSize)
	_, _ = fmt.Fprintf(out, "  Log level:       %s\n", cfg.Logging.Level)
	return nil
}
