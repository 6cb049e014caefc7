package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/maestro/internal/orchestration/supervisor"
)

var (
	teeLineCap  int
	teeFieldCap int
)

var teeCmd = &cobra.Command{
	Use:   "tee <output-file>",
	Short: "Copy stdin to a file with oversized lines truncated",
	Long: `Reads agent stream-json output on stdin and appends it to the output
file, truncating oversized lines field by field so a single runaway line
cannot bloat the stream. The worker launch pipeline uses this internally.`,
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	// The pipeline must keep flowing even when the daemon config is
	// broken, so tee skips config loading entirely.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runTee,
}

func init() {
	teeCmd.Flags().IntVar(&teeLineCap, "line-cap", 8192, "max bytes per output line")
	teeCmd.Flags().IntVar(&teeFieldCap, "field-cap", 2048, "max bytes per JSON field inside oversized lines")
	rootCmd.AddCommand(teeCmd)
}

func runTee(cmd *cobra.Command, args []string) error {
	tee := supervisor.NewTee(teeLineCap, teeFieldCap)
	if err := tee.Run(os.Stdin, args[0]); err != nil {
		return fmt.Errorf("tee: %w", err)
	}
	return nil
}
