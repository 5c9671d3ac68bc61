package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clawtrail",
	Short: "Tamper-evident telemetry sink for agent runtimes",
	Long:  "Records agent events as hash-chained JSONL with redaction, rate limiting,\nsize-based rotation and optional syslog/SIEM forwarding.",
}

// osExit is replaced in tests.
var osExit = os.Exit

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
