package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentbridge/agentctl/auth"
	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/convo"
	"github.com/agentbridge/agentctl/historybuffer"
	"github.com/agentbridge/agentctl/hub"
	"github.com/agentbridge/agentctl/parser"
	"github.com/agentbridge/agentctl/router"
	"github.com/agentbridge/agentctl/session"
	"github.com/agentbridge/agentctl/store"
	"github.com/agentbridge/agentctl/turnclassifier"
)

func serveCmd() *cobra.Command {
	var (
		addr   string
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = filepath.Join(defaultDataDir, "agentctl.db")
			}
			return runServe(cmd.Context(), addr, dbPath)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8787", "address to listen on")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the sqlite database (default: $XDG_CONFIG_HOME/agentctl/agentctl.db)")
	return cmd
}

func runServe(ctx context.Context, addr, dbPath string) error {
	logger := slog.Default()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// No live PTY survives a restart — every conversation the Store still
	// marks active gets demoted before anything else touches it.
	if err := session.RestoreAfterRestart(ctx, st); err != nil {
		return fmt.Errorf("restore after restart: %w", err)
	}

	issuer, err := auth.NewIssuer(ctx, st)
	if err != nil {
		return fmt.Errorf("init signing key: %w", err)
	}

	// The custom tool has no structured end-of-turn marker to key off of;
	// an operator that sets OPENAI_API_KEY gets a best-effort classifier
	// instead of relying solely on the blank-line/EOF heuristic.
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		model := os.Getenv("OPENAI_TURN_CLASSIFIER_MODEL")
		if model == "" {
			model = "gpt-4o-mini"
		}
		parser.SetTurnClassifier(turnclassifier.New(apiKey, model))
	}

	history := historybuffer.NewRegistry(historybuffer.DefaultCap)
	buildSpawn := func(c convo.Conversation) session.Spawner { return session.DefaultSpawner }
	manager := session.NewManager(st, history, buildSpawn, nil, logger)
	h := hub.New(func(token string) (string, bool) { return issuer.Verify(token) }, history, manager, logger)
	manager.SetSink(func(b block.Block) { h.Sink(b.ConversationID)(b) })
	manager.SetRawSink(func(conversationID string, data []byte) { h.RawSink(conversationID)(data) })
	manager.SetHasSubscriber(h.HasSubscriber)
	manager.StartSweeper(ctx)
	defer manager.Stop()

	rt := router.New(st, manager, h, issuer, logger)

	srv := &http.Server{Addr: addr, Handler: rt.Mux()}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
		logger.Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
