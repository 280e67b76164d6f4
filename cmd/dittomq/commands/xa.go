package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/marmos91/dittomq/cmd/dittomq/cmdutil"
	"github.com/marmos91/dittomq/internal/cli/output"
	"github.com/marmos91/dittomq/internal/cli/timeutil"
	"github.com/marmos91/dittomq/pkg/apiclient"
	"github.com/marmos91/dittomq/pkg/broker"
	"github.com/spf13/cobra"
)

var xaForce bool

var xaCmd = &cobra.Command{
	Use:   "xa",
	Short: "Inspect and heuristically complete XA transactions",
	Long: `Inspect XA transaction branches and resolve in-doubt ones.

A prepared branch whose transaction manager is gone stays in doubt, holding
its messages, until it is completed. Heuristic completion decides the outcome
on the broker side; the outcome is remembered until the transaction manager
forgets it.`,
}

var xaListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List transaction branches and heuristic outcomes",
	RunE:    runXAList,
}

var xaCommitCmd = &cobra.Command{
	Use:   "commit <xid>",
	Short: "Heuristically commit a prepared branch",
	Long: `Heuristically commit a prepared branch.

The xid is the form shown by 'dittomq xa list'.

Examples:
  dittomq xa commit 1:6f72646572:6272616e6368
  dittomq xa commit 1:6f72646572:6272616e6368 --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runXAComplete(args[0], "commit", (*apiclient.Client).CommitTransaction)
	},
}

var xaRollbackCmd = &cobra.Command{
	Use:   "rollback <xid>",
	Short: "Heuristically roll back a prepared branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runXAComplete(args[0], "roll back", (*apiclient.Client).RollbackTransaction)
	},
}

func init() {
	for _, c := range []*cobra.Command{xaCommitCmd, xaRollbackCmd} {
		c.Flags().BoolVarP(&xaForce, "force", "f", false, "Skip confirmation prompt")
		xaCmd.AddCommand(c)
	}
	xaCmd.AddCommand(xaListCmd)
}

func runXAList(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient(GetConfigFile())
	if err != nil {
		return err
	}
	txs, err := client.ListTransactions()
	if err != nil {
		return cmdutil.DescribeError(err)
	}
	return cmdutil.PrintOutput(os.Stdout, txs, transactionTable(txs, time.Now()))
}

func runXAComplete(xid, verb string, complete func(*apiclient.Client, string) (*apiclient.Completion, error)) error {
	client, err := cmdutil.GetClient(GetConfigFile())
	if err != nil {
		return err
	}

	return cmdutil.RunWithConfirmation(fmt.Sprintf("Heuristically %s transaction %s?", verb, xid), xaForce, func() error {
		res, err := complete(client, xid)
		if err != nil {
			return cmdutil.DescribeError(err)
		}

		format, err := cmdutil.GetOutputFormatParsed()
		if err != nil {
			return err
		}
		if format == output.FormatTable {
			cmdutil.PrintSuccess(fmt.Sprintf("Transaction %s: %s", res.Xid, res.Outcome))
			return nil
		}
		return output.Write(os.Stdout, format, res, nil)
	})
}

func transactionTable(txs []broker.TransactionInfo, now time.Time) *output.TableData {
	table := output.NewTableData("Xid", "State", "Sends", "Acks", "Age").
		WithEmptyMessage("No transactions.")
	for _, tx := range txs {
		table.AddRow(
			tx.Xid,
			tx.State,
			strconv.Itoa(tx.Sends),
			strconv.Itoa(tx.Acks),
			timeutil.FormatAge(tx.CreatedAt, now),
		)
	}
	return table
}
