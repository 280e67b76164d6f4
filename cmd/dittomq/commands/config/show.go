package config

import (
	"github.com/marmos91/dittomq/internal/cli/output"
	"github.com/marmos91/dittomq/pkg/config"
	"github.com/spf13/cobra"
)

const redacted = "<redacted>"

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective DittoMQ configuration, with defaults and
environment overrides applied. The admin token hash is redacted.

Outputs YAML unless --output json is given.

Examples:
  # Show config as YAML
  dittomq config show

  # Show as JSON
  dittomq config show --output json

  # Show specific config file
  dittomq config show --config /etc/dittomq/config.yaml`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("output")
	parsed, err := output.ParseFormat(format)
	if err != nil {
		return err
	}

	return printConfig(cmd, redact(cfg), parsed)
}

func printConfig(cmd *cobra.Command, cfg *config.Config, format output.Format) error {
	w := cmd.OutOrStdout()
	if format == output.FormatJSON {
		return output.PrintJSON(w, cfg)
	}
	return output.PrintYAML(w, cfg)
}

// redact returns a copy of cfg safe to print.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	if out.API.TokenHash != "" {
		out.API.TokenHash = redacted
	}
	return &out
}
