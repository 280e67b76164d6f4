package commands

import (
	"os"
	"strconv"
	"time"

	"github.com/marmos91/dittomq/cmd/dittomq/cmdutil"
	"github.com/marmos91/dittomq/internal/cli/output"
	"github.com/marmos91/dittomq/internal/cli/timeutil"
	"github.com/marmos91/dittomq/pkg/broker"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Inspect open sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List open sessions",
	Long: `List the sessions open on the broker.

Examples:
  # List sessions as a table
  dittomq sessions list

  # As JSON
  dittomq sessions list -o json`,
	RunE: runSessionsList,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient(GetConfigFile())
	if err != nil {
		return err
	}
	sessions, err := client.ListSessions()
	if err != nil {
		return cmdutil.DescribeError(err)
	}
	return cmdutil.PrintOutput(os.Stdout, sessions, sessionTable(sessions, time.Now()))
}

func sessionTable(sessions []broker.SessionInfo, now time.Time) *output.TableData {
	table := output.NewTableData("Name", "Channel", "Client", "User", "XA", "Consumers", "Age").
		WithEmptyMessage("No open sessions.")
	for _, s := range sessions {
		table.AddRow(
			s.Name,
			strconv.FormatInt(s.ChannelID, 10),
			cmdutil.EmptyOr(s.ClientAddr, "-"),
			cmdutil.EmptyOr(s.Username, "-"),
			cmdutil.BoolToYesNo(s.XA),
			strconv.Itoa(s.Consumers),
			timeutil.FormatAge(s.CreatedAt, now),
		)
	}
	return table
}
