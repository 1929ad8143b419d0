// promptdev - operator workbench for persona chat deployments
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/promptdev/internal/config"
)

var (
	dbPathFlag  string
	profileFlag string
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "promptdev",
		Short:        "promptdev - prompt and conversation workbench",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&dbPathFlag, "db", "", "database path (overrides DB_PATH)")
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "YAML profile path (overrides PROFILE_PATH)")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(previewCmd())
	return root
}

// loadConfig reads the environment, applies flag overrides and installs the
// JSON logger at the configured level.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if dbPathFlag != "" {
		cfg.DBPath = dbPathFlag
	}
	if profileFlag != "" {
		cfg.ProfilePath = profileFlag
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
