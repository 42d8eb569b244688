package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anotherjesse/acb/internal/audit"
	"github.com/anotherjesse/acb/internal/config"
	ghpreflight "github.com/anotherjesse/acb/internal/github"
	"github.com/anotherjesse/acb/internal/logging"
	"github.com/anotherjesse/acb/internal/matrix"
	"github.com/anotherjesse/acb/internal/orchestrator"
	"github.com/anotherjesse/acb/internal/server"
	"github.com/anotherjesse/acb/internal/spark"
	"github.com/anotherjesse/acb/internal/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe()
	},
}

func runServe() error {
	logging.Setup(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(config.ResolvePath(configFlag))
	if err != nil {
		return err
	}

	store := state.NewStore(cfg.Runtime.StateFile)

	chat := matrix.NewClient(matrix.Options{
		HomeserverURL: cfg.HomeserverURL,
		UserID:        cfg.BotUserID,
		AccessToken:   cfg.BotAccessToken,
		Password:      cfg.BotPassword,
	})
	sandbox := spark.NewClient()

	var opts []orchestrator.Option

	auditPath := filepath.Join(filepath.Dir(cfg.Runtime.StateFile), "audit.db")
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	auditLog, err := audit.Open(auditPath)
	if err != nil {
		slog.Warn("audit log unavailable", "path", auditPath, "error", err.Error())
	} else {
		defer auditLog.Close()
		opts = append(opts, orchestrator.WithAudit(auditLog))
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		opts = append(opts, orchestrator.WithRepoChecker(ghpreflight.New(token)))
	}

	orch := orchestrator.New(cfg, store, chat, sandbox, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signals flip the running flag; the loop exits after the current
	// batch. In-flight calls are not interrupted.
	var running atomic.Bool
	running.Store(true)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		running.Store(false)
	}()

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	if cfg.Runtime.StatusAddr != "" {
		statusSrv := server.New(store)
		go func() {
			slog.Info("status API listening", "addr", cfg.Runtime.StatusAddr)
			if err := statusSrv.Start(ctx, cfg.Runtime.StatusAddr); err != nil {
				slog.Warn("status API stopped", "error", err.Error())
			}
		}()
	}

	slog.Info("orchestrator running", "projects", len(cfg.Projects))
	return orch.RunLoop(ctx, running.Load)
}
