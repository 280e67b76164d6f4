package commands

import (
	"fmt"
	"os"

	"github.com/marmos91/dittomq/cmd/dittomq/cmdutil"
	"github.com/marmos91/dittomq/internal/cli/prompt"
	"github.com/marmos91/dittomq/pkg/api/middleware"
	"github.com/marmos91/dittomq/pkg/config"
	"github.com/spf13/cobra"
)

var (
	initForce     bool
	initWithToken bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample DittoMQ configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/dittomq/config.yaml.
Use --config to specify a custom path.

With --with-token you are prompted for an admin API token. Only its bcrypt
hash is written to the file; heuristic commit and rollback then require the
token.

Examples:
  # Initialize with default location
  dittomq init

  # Initialize with custom path
  dittomq init --config /etc/dittomq/config.yaml

  # Protect the admin API with a token
  dittomq init --with-token

  # Force overwrite existing config
  dittomq init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVar(&initWithToken, "with-token", false, "Prompt for an admin API token")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if !initWithToken {
		if err := config.InitConfigToPath(configPath, initForce); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		printInitNextSteps(configPath)
		cmdutil.NewPrinter().Warning("\nThe admin API has no token. Run 'dittomq init --with-token --force' to protect heuristic completion.")
		return nil
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	token, err := prompt.NewToken()
	if err != nil {
		return cmdutil.HandleAbort(err)
	}
	hash, err := middleware.HashToken(token)
	if err != nil {
		return err
	}

	cfg := config.GetDefaultConfig()
	cfg.API.TokenHash = hash
	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	printInitNextSteps(configPath)
	fmt.Println("\nAdmin API:")
	fmt.Println("  Heuristic completion now requires the token. Pass it with --token or")
	fmt.Printf("    export %s=<token>\n", cmdutil.EnvAPIToken)
	return nil
}

func printInitNextSteps(configPath string) {
	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the broker with: dittomq start")
	fmt.Printf("  3. Or specify custom config: dittomq start --config %s\n", configPath)
}
