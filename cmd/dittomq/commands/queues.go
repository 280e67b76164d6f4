package commands

import (
	"os"
	"strconv"

	"github.com/marmos91/dittomq/cmd/dittomq/cmdutil"
	"github.com/marmos91/dittomq/internal/cli/output"
	"github.com/marmos91/dittomq/pkg/broker"
	"github.com/spf13/cobra"
)

var queuesCmd = &cobra.Command{
	Use:     "queues",
	Aliases: []string{"queue"},
	Short:   "Inspect queues",
}

var queuesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queues and their message counts",
	Long: `List the queues bound on the broker with their counters.

MESSAGES counts messages waiting or in delivery; IN-FLIGHT counts the ones
delivered but not yet acknowledged.

Examples:
  # List queues as a table
  dittomq queues list

  # As YAML
  dittomq queues list -o yaml`,
	RunE: runQueuesList,
}

func init() {
	queuesCmd.AddCommand(queuesListCmd)
}

func runQueuesList(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient(GetConfigFile())
	if err != nil {
		return err
	}
	queues, err := client.ListQueues()
	if err != nil {
		return cmdutil.DescribeError(err)
	}
	return cmdutil.PrintOutput(os.Stdout, queues, queueTable(queues))
}

func queueTable(queues []broker.QueueInfo) *output.TableData {
	table := output.NewTableData("Name", "Address", "Filter", "Durable", "Messages", "In-Flight", "Consumers", "Added", "Acked").
		WithEmptyMessage("No queues.")
	for _, q := range queues {
		table.AddRow(
			q.Name,
			q.Address,
			cmdutil.EmptyOr(q.Filter, "-"),
			cmdutil.BoolToYesNo(q.Durable),
			strconv.FormatInt(q.Messages, 10),
			strconv.Itoa(q.Delivering),
			strconv.Itoa(q.Consumers),
			strconv.FormatInt(q.Added, 10),
			strconv.FormatInt(q.Acknowledged, 10),
		)
	}
	return table
}
