package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dealbrain/dealbrain/internal/core/config"
	"github.com/dealbrain/dealbrain/internal/core/logging"
)

var (
	configFile string
	envFile    string
	dbURL      string
	logLevel   string
	logFormat  string

	// Set by the root PersistentPreRunE.
	cfg    *config.Config
	logger *slog.Logger
)

// flagBindings ties config keys to the flags that override them.
var flagBindings = config.FlagBindings{
	"database.url": "db-url",
	"server.host":  "host",
	"server.port":  "port",
}

var rootCmd = &cobra.Command{
	Use:           "dealbrain",
	Short:         "Deal Brain valuation rules engine",
	Long:          `Deal Brain prices used-PC listings by applying baseline and customer valuation rulesets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		var err error
		if logger, err = logging.New(os.Stderr, logLevel, logFormat); err != nil {
			return err
		}
		slog.SetDefault(logger)
		if cfg, err = config.LoadConfig(configFile, cmd.Flags(), flagBindings); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// printJSON writes v to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
