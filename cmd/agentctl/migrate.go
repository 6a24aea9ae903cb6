package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentbridge/agentctl/store"
)

// migrateCmd applies pending schema migrations. store.Open already runs
// migrations on every startup; this subcommand exists so an operator can
// apply them ahead of a deploy without also starting the server.
func migrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = filepath.Join(defaultDataDir, "agentctl.db")
			}
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			st, err := store.Open(cmd.Context(), dbPath, slog.Default())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close()
			fmt.Println("database up to date:", dbPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the sqlite database (default: $XDG_CONFIG_HOME/agentctl/agentctl.db)")
	return cmd
}
