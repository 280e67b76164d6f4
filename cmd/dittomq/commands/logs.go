package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/marmos91/dittomq/pkg/config"
	"github.com/spf13/cobra"
)

var (
	logsFollow bool
	logsLines  int
	logsSince  string
	logsFile   string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail broker logs",
	Long: `Display and optionally follow the DittoMQ broker logs.

The log file is taken from 'logging.output' in the configuration. When the
broker logs to stdout or stderr, the daemon log file is used instead, since
daemon mode redirects both streams there.

Examples:
  # Show last 100 lines (default)
  dittomq logs

  # Show last 50 lines
  dittomq logs -n 50

  # Follow logs in real-time
  dittomq logs -f

  # Show logs since a specific time
  dittomq logs --since "2024-01-15T10:00:00Z"`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to show")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since timestamp (RFC3339 format)")
	logsCmd.Flags().StringVar(&logsFile, "log-file", "", "Log file to read (default: from config, else the daemon log file)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	path, err := resolveLogFile()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("log file not found: %s\nThe broker may not have started yet or is logging elsewhere", path)
	}

	var since time.Time
	if logsSince != "" {
		since, err = time.Parse(time.RFC3339, logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since format (use RFC3339): %w", err)
		}
	}

	if err := showLogs(os.Stdout, path, logsLines, since); err != nil {
		return err
	}
	if logsFollow {
		return followLogs(os.Stdout, path)
	}
	return nil
}

func resolveLogFile() (string, error) {
	if logsFile != "" {
		return logsFile, nil
	}
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	switch cfg.Logging.Output {
	case "stdout", "stderr", "":
		return GetDefaultLogFile(), nil
	default:
		return cfg.Logging.Output, nil
	}
}

// showLogs writes the last n lines of path at or after since.
func showLogs(w io.Writer, path string, n int, since time.Time) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	lines, err := tailLines(file, n, since)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// tailLines keeps the last n lines of r in a ring. Lines whose timestamp is
// before since are skipped; lines without a timestamp are kept.
func tailLines(r io.Reader, n int, since time.Time) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	ring := make([]string, n)
	count := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !since.IsZero() {
			if ts := extractTimestamp(line); !ts.IsZero() && ts.Before(since) {
				continue
			}
		}
		ring[count%n] = line
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}

	if count <= n {
		return ring[:count], nil
	}
	start := count % n
	return append(ring[start:], ring[:start]...), nil
}

// followLogs prints lines appended to path until interrupted.
func followLogs(w io.Writer, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end of log file: %w", err)
	}
	reader := bufio.NewReader(file)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "Following %s (Ctrl+C to stop)...\n", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				for {
					line, err := reader.ReadString('\n')
					if line != "" {
						_, _ = fmt.Fprint(w, line)
					}
					if err != nil {
						break
					}
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// textTimeLayout is the timestamp written by the text log handler, in local time.
const textTimeLayout = "2006-01-02 15:04:05"

// extractTimestamp reads the time of a log line: the "time" field of a JSON
// line, or the bracketed prefix of a text line.
func extractTimestamp(line string) time.Time {
	switch {
	case strings.HasPrefix(line, "{"):
		var entry struct {
			Time time.Time `json:"time"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			return entry.Time
		}
	case strings.HasPrefix(line, "["):
		if end := strings.IndexByte(line, ']'); end > 0 {
			if t, err := time.ParseInLocation(textTimeLayout, line[1:end], time.Local); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
