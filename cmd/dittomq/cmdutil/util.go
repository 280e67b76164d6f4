// Package cmdutil provides shared utilities for the dittomq admin commands.
package cmdutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/marmos91/dittomq/internal/cli/output"
	"github.com/marmos91/dittomq/internal/cli/prompt"
	"github.com/marmos91/dittomq/pkg/apiclient"
	"github.com/marmos91/dittomq/pkg/config"
)

// Environment variables consulted when the matching flag is not set.
const (
	EnvAPIURL   = "DITTOMQ_API_URL"
	EnvAPIToken = "DITTOMQ_API_TOKEN"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ServerURL string
	Token     string
	Output    string
	NoColor   bool
}

// GetClient returns an admin API client.
//
// The URL comes from --url, then DITTOMQ_API_URL, then the API port in the
// configuration at configPath. The token comes from --token, then
// DITTOMQ_API_TOKEN; commands that need no authentication work without one.
func GetClient(configPath string) (*apiclient.Client, error) {
	url, err := ResolveURL(configPath)
	if err != nil {
		return nil, err
	}

	tok := Flags.Token
	if tok == "" {
		tok = os.Getenv(EnvAPIToken)
	}
	return apiclient.New(url).WithToken(tok), nil
}

// ResolveURL returns the admin API base URL.
func ResolveURL(configPath string) (string, error) {
	if Flags.ServerURL != "" {
		return strings.TrimRight(Flags.ServerURL, "/"), nil
	}
	if env := os.Getenv(EnvAPIURL); env != "" {
		return strings.TrimRight(env, "/"), nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.API.IsEnabled() {
		return "", fmt.Errorf("the admin API is disabled in the configuration; pass --url to reach another broker")
	}
	return fmt.Sprintf("http://localhost:%d", cfg.API.Port), nil
}

// DescribeError turns API errors into actionable messages.
func DescribeError(err error) error {
	apiErr, ok := err.(*apiclient.APIError)
	if !ok {
		return err
	}
	if apiErr.IsAuthError() {
		return fmt.Errorf("%s\nPass --token or set %s", apiErr.Message, EnvAPIToken)
	}
	return err
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// IsColorDisabled returns whether color output is disabled.
func IsColorDisabled() bool {
	return Flags.NoColor
}

// PrintOutput prints data as JSON or YAML, or renders table for table output.
func PrintOutput(w io.Writer, data any, table output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}
	return output.Write(w, format, data, table)
}

// NewPrinter returns a status printer for stdout honoring --no-color.
func NewPrinter() *output.Printer {
	return output.NewPrinter(os.Stdout, !IsColorDisabled())
}

// PrintSuccess prints a success message if the output format is table.
func PrintSuccess(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	NewPrinter().Success(msg)
}

// RunWithConfirmation prompts for confirmation (unless force is true) and runs fn.
func RunWithConfirmation(label string, force bool, fn func() error) error {
	confirmed, err := prompt.ConfirmWithForce(label, force)
	if err != nil {
		return HandleAbort(err)
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}
	return fn()
}

// HandleAbort checks if error is an abort (Ctrl+C) and prints a message.
// Returns nil for abort, otherwise the original error.
func HandleAbort(err error) error {
	if prompt.IsAborted(err) {
		fmt.Println("\nAborted.")
		return nil
	}
	return err
}

// BoolToYesNo converts a boolean to "yes" or "no" string.
func BoolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// EmptyOr returns the value if not empty, otherwise returns the fallback.
func EmptyOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
