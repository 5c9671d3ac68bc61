package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/clawtrail/internal/integrity"
	"github.com/ppiankov/clawtrail/internal/rotate"
)

var (
	verifyAlgorithm string
	verifyJSON      bool
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyAlgorithm, "algorithm", integrity.DefaultAlgorithm,
		"Hash algorithm the log was written with ("+strings.Join(integrity.Algorithms(), ", ")+")")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
}

var verifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of a telemetry log",
	Long:  "Walks the rotated segments of the log, oldest first, then the active file,\nand checks every record's prevHash and hash. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	files, err := rotate.Files(args[0])
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no telemetry log at %s", args[0])
	}

	result := integrity.VerifyFiles(files, verifyAlgorithm)

	if verifyJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	} else if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d records verified in %d file(s), %d chain(s)\n", result.Lines, len(files), result.Chains)
		if result.Truncated {
			fmt.Fprintln(cmd.OutOrStdout(), "note: log starts mid-chain (oldest segments pruned)")
		}
	} else if result.ErrorFile != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at %s line %d: %s\n", result.ErrorFile, result.ErrorLine, result.Error)
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "FAILED: %s\n", result.Error)
	}

	if !result.Valid {
		osExit(1)
	}
	return nil
}
