// Package cmd wires the maestro CLI: the serve daemon, the tee helper the
// worker pipeline depends on, and a few operator conveniences.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/log"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Multi-agent task orchestration daemon",
	Long: `Maestro runs multi-phase tasks with review gates: workers are spawned
into phases inside terminal multiplexer sessions, phases are reviewed by a
panel of reviewer agents, and approved phases hand over to the next.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.maestro/config.yaml)")
}

// loadConfig layers defaults, the config file, and MAESTRO_* environment
// variables, in increasing precedence.
func loadConfig() error {
	cfg = config.Defaults()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".maestro"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine; defaults plus env apply.
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return cfg.Validate()
}

// setupLogging opens the daemon log file at the configured level.
func setupLogging() error {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return log.Setup(cfg.LogFile, level)
}
