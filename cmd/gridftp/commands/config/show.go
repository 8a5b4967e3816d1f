package config

import (
	"github.com/marmos91/gridftp/internal/cli/output"
	"github.com/marmos91/gridftp/pkg/config"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults and GRIDFTP_* environment
variables are applied. Table output is rendered as YAML.

Examples:
  gridftp config show
  GRIDFTP_CLIENT_PARALLELISM=8 gridftp config show -o json`,
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(configPath(cmd))
	if err != nil {
		return err
	}

	// Never echo the PKCS#12 password.
	if cfg.Credentials.PKCS12Password != "" {
		cfg.Credentials.PKCS12Password = "****"
	}

	format, _ := cmd.Flags().GetString("output")
	f, err := output.ParseFormat(format)
	if err != nil {
		return err
	}
	if f == output.FormatJSON {
		return output.PrintJSON(cmd.OutOrStdout(), cfg)
	}
	return output.PrintYAML(cmd.OutOrStdout(), cfg)
}
