package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/clawtrail/internal/diag"
	"github.com/ppiankov/clawtrail/internal/event"
	"github.com/ppiankov/clawtrail/internal/telemetry"
)

// maxIngestLine bounds one NDJSON input record.
const maxIngestLine = 16 << 20

// stopTimeout bounds the final flush on shutdown.
const stopTimeout = 10 * time.Second

var (
	ingestConfig   string
	ingestStateDir string
	ingestInput    string
	ingestVerbose  bool
)

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestConfig, "config", "", "Path to telemetry YAML config (required)")
	ingestCmd.Flags().StringVar(&ingestStateDir, "state-dir", "", "State directory for the default log path (default ~/.openclaw)")
	ingestCmd.Flags().StringVar(&ingestInput, "input", "-", "NDJSON event file, - for stdin")
	ingestCmd.Flags().BoolVarP(&ingestVerbose, "verbose", "v", false, "Log debug output")
	ingestCmd.MarkFlagRequired("config")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Feed NDJSON events through the telemetry pipeline",
	Long: `Reads one event per line and writes it through the configured pipeline:
rate limiting, redaction, sequence stamping, hash chaining, the JSONL file
and the optional syslog forwarder. Lines with type "model.usage" are
treated as diagnostics and recorded as llm.usage events.

Examples:
  openclaw-events | clawtrail ingest --config telemetry.yaml
  clawtrail ingest --config telemetry.yaml --input events.ndjson --state-dir /var/lib/openclaw`,
	RunE: runIngest,
}

// ingestStats counts what happened to input lines.
type ingestStats struct {
	Events      int `json:"events"`
	Diagnostics int `json:"diagnostics"`
	Skipped     int `json:"skipped"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := telemetry.LoadConfig(ingestConfig)
	if err != nil {
		return err
	}

	stateDir := ingestStateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve state dir: %w", err)
		}
		stateDir = filepath.Join(home, ".openclaw")
	}

	level := slog.LevelInfo
	if ingestVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	var in io.Reader = cmd.InOrStdin()
	if ingestInput != "" && ingestInput != "-" {
		f, err := os.Open(ingestInput)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	if !cfg.Enabled {
		logger.Warn("telemetry disabled in config, events will be discarded", "config", ingestConfig)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			logger.Info("shutting down ingest")
			cancel()
		case <-ctx.Done():
		}
	}()

	var bus diag.Bus
	svc := telemetry.New()
	if err := svc.Start(ctx, telemetry.StartOptions{
		Config:      cfg,
		StateDir:    stateDir,
		Logger:      logger,
		Diagnostics: &bus,
	}); err != nil {
		return err
	}

	stats, readErr := ingest(ctx, in, svc, &bus, logger)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := svc.Stop(stopCtx)

	summary := struct {
		ingestStats
		Seq         int64  `json:"seq"`
		RateLimited uint64 `json:"rateLimited"`
	}{stats, svc.Seq(), svc.Dropped()}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if readErr != nil {
		return readErr
	}
	return stopErr
}

// ingest reads lines from r until EOF or ctx is cancelled. Reading runs
// on its own goroutine so a blocked stdin does not delay shutdown.
func ingest(ctx context.Context, r io.Reader, svc *telemetry.Service, bus *diag.Bus, logger *slog.Logger) (ingestStats, error) {
	var stats ingestStats

	lines := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxIngestLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	lineNo := 0
	for {
		select {
		case <-ctx.Done():
			return stats, nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					if err != nil {
						return stats, fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return stats, nil
			}
			lineNo++
			handleLine(line, lineNo, svc, bus, logger, &stats)
		}
	}
}

func handleLine(line []byte, lineNo int, svc *telemetry.Service, bus *diag.Bus, logger *slog.Logger, stats *ingestStats) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		logger.Warn("skipping malformed line", "line", lineNo, "error", err)
		stats.Skipped++
		return
	}

	if probe.Type == diag.TypeModelUsage {
		var d diag.Event
		if err := json.Unmarshal(line, &d); err != nil {
			logger.Warn("skipping malformed diagnostic", "line", lineNo, "error", err)
			stats.Skipped++
			return
		}
		bus.Publish(d)
		stats.Diagnostics++
		return
	}

	e, err := event.Decode(line)
	if err != nil {
		logger.Warn("skipping event", "line", lineNo, "error", err)
		stats.Skipped++
		return
	}
	svc.Write(e)
	stats.Events++
}
