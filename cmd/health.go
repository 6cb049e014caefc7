package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the last health scan report",
	Long: `Print the most recent health scan report persisted by the running
daemon. Use the trigger_health_scan tool to force a fresh scan.`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	path := filepath.Join(cfg.WorkspaceBase, "registry", "HEALTH_REPORT.json")
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from configured workspace
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No health report yet. Is the daemon running?")
			return nil
		}
		return fmt.Errorf("reading health report: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
