package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentbridge/agentctl/auth"
	"github.com/agentbridge/agentctl/store"
)

func tokenCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a client to authenticate with",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the sqlite database (default: $XDG_CONFIG_HOME/agentctl/agentctl.db)")

	issue := &cobra.Command{
		Use:   "issue [principal]",
		Short: "Mint a new bearer token signed by the server's key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal := "operator"
			if len(args) == 1 {
				principal = args[0]
			}
			issuer, err := openIssuer(cmd, dbPath)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(principal)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.AddCommand(issue)
	return cmd
}

func openIssuer(cmd *cobra.Command, dbPath string) (*auth.Issuer, error) {
	if dbPath == "" {
		dbPath = filepath.Join(defaultDataDir, "agentctl.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cmd.Context(), dbPath, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return auth.NewIssuer(cmd.Context(), st)
}
