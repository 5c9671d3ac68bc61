package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/clawtrail/internal/audit"
	"github.com/ppiankov/clawtrail/internal/event"
	"github.com/ppiankov/clawtrail/internal/rotate"
)

var (
	tailLines    int
	tailFollow   bool
	tailTimeline bool
	tailSession  string
	tailJSON     bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent records to show (0 = all with --timeline)")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep printing records as they are appended")
	tailCmd.Flags().BoolVar(&tailTimeline, "timeline", false, "Render one row per event instead of JSON")
	tailCmd.Flags().StringVar(&tailSession, "session", "", "Only show events of this session key (with --timeline)")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print the timeline as JSON (with --timeline)")
}

var tailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent telemetry records",
	Long: `Prints the last N records of the telemetry log. With --timeline the whole
log, rotated segments included, is replayed and rendered as a timeline with
a summary. With --follow new records are printed as they are written,
across rotations.`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	path := args[0]
	out := cmd.OutOrStdout()

	var offset int64
	if tailTimeline {
		files, err := rotate.Files(path)
		if err != nil {
			return err
		}
		result, err := audit.Replay(files, audit.ReplayFilter{SessionKey: tailSession})
		if err != nil {
			return err
		}
		result = result.Last(tailLines)
		if tailJSON {
			s, err := audit.FormatJSON(result)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, s)
		} else {
			fmt.Fprint(out, audit.FormatTimeline(result, tailSession))
		}
		if tailFollow {
			if info, err := os.Stat(path); err == nil {
				offset = info.Size()
			}
		}
	} else {
		lines, end, err := audit.Tail(path, tailLines)
		if err != nil {
			return err
		}
		for _, line := range lines {
			printRecord(out, []byte(line))
		}
		offset = end
	}

	if !tailFollow {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return audit.Follow(ctx, path, offset, func(line []byte) {
		printRecord(out, line)
	})
}

// printRecord writes one persisted line as a timeline row or indented JSON.
func printRecord(out io.Writer, line []byte) {
	if tailTimeline {
		e, err := event.Decode(line)
		if err != nil {
			fmt.Fprintln(out, string(line))
			return
		}
		if tailSession != "" && e.Meta().SessionKey != tailSession {
			return
		}
		fmt.Fprintln(out, audit.FormatRow(e))
		return
	}

	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		fmt.Fprintln(out, string(line))
		return
	}
	pretty, _ := json.MarshalIndent(entry, "", "  ")
	fmt.Fprintln(out, string(pretty))
}
