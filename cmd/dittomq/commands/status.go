package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/marmos91/dittomq/cmd/dittomq/cmdutil"
	"github.com/marmos91/dittomq/internal/cli/output"
	"github.com/marmos91/dittomq/pkg/apiclient"
	"github.com/spf13/cobra"
)

var statusPidFile string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show broker status",
	Long: `Display the current status of the DittoMQ broker.

The PID file tells whether a daemon is running; the readiness endpoint of the
admin API tells whether the broker can serve sessions and persist messages.

Examples:
  # Check status (uses default settings)
  dittomq status

  # Check a broker on another host
  dittomq status --url http://broker:8161

  # Output as JSON
  dittomq status -o json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dittomq/dittomq.pid)")
}

// BrokerStatus represents the broker status information.
type BrokerStatus struct {
	Running  bool   `json:"running" yaml:"running"`
	PID      int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Healthy  bool   `json:"healthy" yaml:"healthy"`
	Message  string `json:"message" yaml:"message"`
	Sessions int    `json:"sessions,omitempty" yaml:"sessions,omitempty"`
	Queues   int    `json:"queues,omitempty" yaml:"queues,omitempty"`
	Latency  string `json:"latency,omitempty" yaml:"latency,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}

	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	status := BrokerStatus{Message: "Broker is not running"}
	if pid, running := isProcessRunning(pidPath); running {
		status.Running = true
		status.PID = pid
	}

	client, err := cmdutil.GetClient(GetConfigFile())
	if err != nil {
		return err
	}
	applyReadiness(&status, client)

	if format == output.FormatTable {
		return printStatusTable(status)
	}
	return output.Write(os.Stdout, format, status, nil)
}

// applyReadiness folds the readiness probe result into status.
func applyReadiness(status *BrokerStatus, client *apiclient.Client) {
	ready, err := client.Ready()
	if err == nil {
		status.Running = true
		status.Healthy = true
		status.Sessions = ready.Sessions
		status.Queues = ready.Queues
		status.Latency = ready.Latency
		status.Message = "Broker is running and healthy"
		return
	}

	if apiErr, ok := err.(*apiclient.APIError); ok {
		status.Running = true
		status.Message = fmt.Sprintf("Broker is running but unhealthy: %s", apiErr.Message)
		return
	}
	if status.Running {
		status.Message = "Broker process exists but the admin API is unreachable"
	}
}

func printStatusTable(status BrokerStatus) error {
	fmt.Println()
	fmt.Println("DittoMQ Broker Status")
	fmt.Println("=====================")
	fmt.Println()

	printer := cmdutil.NewPrinter()
	state := printer.Colorize(output.ColorRed, "○ Stopped")
	switch {
	case status.Running && status.Healthy:
		state = printer.Colorize(output.ColorGreen, "● Running")
	case status.Running:
		state = printer.Colorize(output.ColorYellow, "● Running (unhealthy)")
	}

	pairs := [][2]string{{"Status", state}}
	if status.PID > 0 {
		pairs = append(pairs, [2]string{"PID", strconv.Itoa(status.PID)})
	}
	if status.Healthy {
		pairs = append(pairs,
			[2]string{"Sessions", strconv.Itoa(status.Sessions)},
			[2]string{"Queues", strconv.Itoa(status.Queues)},
			[2]string{"Latency", status.Latency},
		)
	}
	if err := output.SimpleTable(os.Stdout, pairs); err != nil {
		return err
	}

	fmt.Println()
	msg := "  " + status.Message
	switch {
	case !status.Running:
		printer.Error(msg)
	case !status.Healthy:
		printer.Warning(msg)
	default:
		fmt.Println(msg)
	}
	fmt.Println()
	return nil
}
