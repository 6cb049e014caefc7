package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/maestro/internal/orchestration/registry"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List known tasks",
	Long:  `Display every task in the global index, newest first.`,
	RunE:  runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	store := registry.NewStore(cfg.WorkspaceBase)
	entries, err := store.ListTasks()
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	maxLen := 0
	for _, e := range entries {
		if len(e.ID) > maxLen {
			maxLen = len(e.ID)
		}
	}
	for _, e := range entries {
		fmt.Printf("%-*s  %-11s  %s  %s\n",
			maxLen, e.ID, e.Status, e.CreatedAt.Local().Format("2006-01-02 15:04"), truncateDescription(e.Description))
	}
	return nil
}

func truncateDescription(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
