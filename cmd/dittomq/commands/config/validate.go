package config

import (
	"fmt"

	"github.com/marmos91/dittomq/pkg/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the DittoMQ configuration file.

Checks for syntax errors, missing required fields, and invalid values, and
warns about settings that are valid but probably unintended.

Examples:
  # Validate default config
  dittomq config validate

  # Validate specific config file
  dittomq config validate --config /etc/dittomq/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(w, "Validation: OK")

	if warnings := configWarnings(cfg); len(warnings) > 0 {
		_, _ = fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range warnings {
			_, _ = fmt.Fprintf(w, "  - %s\n", warning)
		}
	}

	_, _ = fmt.Fprintf(w, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(w, "  Listen:          %s\n", cfg.Server.Listen)
	_, _ = fmt.Fprintf(w, "  Persistent:      %t\n", cfg.Journal.Enabled)
	_, _ = fmt.Fprintf(w, "  API enabled:     %t\n", cfg.API.IsEnabled())
	if cfg.API.IsEnabled() {
		_, _ = fmt.Fprintf(w, "  API port:        %d\n", cfg.API.Port)
	}
	_, _ = fmt.Fprintf(w, "  Log level:       %s\n", cfg.Logging.Level)
	return nil
}

// configWarnings reports valid settings that are likely mistakes.
func configWarnings(cfg *config.Config) []string {
	var warnings []string

	if cfg.API.IsEnabled() && cfg.API.TokenHash == "" {
		warnings = append(warnings, "admin API token not configured - heuristic completion is unauthenticated")
	}
	if !cfg.Journal.Enabled {
		warnings = append(warnings, "journal disabled - durable messages are lost on restart")
	} else if cfg.Store.InMemory {
		warnings = append(warnings, "binding store is in memory - queues and large messages are lost on restart")
	}
	if cfg.Metrics.Enabled && !cfg.API.IsEnabled() {
		warnings = append(warnings, "metrics enabled but the admin API is disabled - /metrics is not served")
	}
	if cfg.Server.ConfirmationWindowSize < 0 {
		warnings = append(warnings, "confirmation window disabled - clients cannot resend after a reconnect")
	}
	return warnings
}
