// Package commands implements the dittomq CLI: broker lifecycle commands and
// the admin commands that talk to a running broker's HTTP API.
package commands

import (
	"os"

	"github.com/marmos91/dittomq/cmd/dittomq/cmdutil"
	"github.com/marmos91/dittomq/cmd/dittomq/commands/config"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "dittomq",
	Short: "DittoMQ - Session-oriented message broker",
	Long: `DittoMQ is a message broker speaking a framed, channel-multiplexed core
protocol. Clients open sessions on a connection and use them to create queues,
send and consume messages, and take part in local or XA transactions.

Use "dittomq [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/dittomq/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&cmdutil.Flags.ServerURL, "url", "", "Admin API URL (default: derived from config, env "+cmdutil.EnvAPIURL+")")
	rootCmd.PersistentFlags().StringVar(&cmdutil.Flags.Token, "token", "", "Admin API token (env "+cmdutil.EnvAPIToken+")")
	rootCmd.PersistentFlags().StringVarP(&cmdutil.Flags.Output, "output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().BoolVar(&cmdutil.Flags.NoColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(xaCmd)
	rootCmd.AddCommand(config.Cmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
