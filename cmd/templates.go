package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/maestro/internal/orchestration/workflow"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available phase templates",
	Long:  `Display all phase templates available for task creation, including built-in and user-defined templates.`,
	RunE:  runTemplates,
}

func init() {
	rootCmd.AddCommand(templatesCmd)
}

func runTemplates(cmd *cobra.Command, args []string) error {
	registry, err := workflow.NewRegistry(cfg.Orchestration.TemplateDir)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	templates := registry.List()
	maxLen := 0
	for _, t := range templates {
		if len(t.Name) > maxLen {
			maxLen = len(t.Name)
		}
	}
	for _, t := range templates {
		fmt.Printf("%-*s  %-9s  %d phases  %s\n",
			maxLen, t.Name, t.Source, len(t.Phases), t.Description)
	}

	if cfg.Orchestration.TemplateDir != "" {
		fmt.Printf("\nUser templates load from %s and shadow built-ins by name.\n", cfg.Orchestration.TemplateDir)
	}
	return nil
}
