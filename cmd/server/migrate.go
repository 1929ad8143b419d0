package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashureev/promptdev/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, s *dbHandle) error {
				return store.Migrate(ctx, s.db)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, s *dbHandle) error {
				return store.MigrateDown(ctx, s.db)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, s *dbHandle) error {
				v, err := store.SchemaVersion(ctx, s.db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", s.path, v)
				return nil
			})
		},
	})
	return cmd
}

type dbHandle struct {
	db   *sql.DB
	path string
}

// withDB opens the configured database without migrating it and runs fn.
func withDB(ctx context.Context, fn func(ctx context.Context, h *dbHandle) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close database", "error", closeErr)
		}
	}()
	return fn(ctx, &dbHandle{db: db, path: cfg.DBPath})
}
