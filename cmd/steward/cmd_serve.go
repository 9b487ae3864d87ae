package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"steward/internal/api"
	"steward/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		app, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.reindexer.Start(ctx); err != nil {
			return err
		}

		var watcher *workflow.SeedWatcher
		if app.cfg.Workflow.WatchSeeds && app.cfg.Workflow.SeedDir != "" {
			watcher, err = workflow.NewSeedWatcher(app.workflows, app.cfg.Workflow.SeedDir)
			if err != nil {
				logger.Warn("Seed watcher unavailable", zap.Error(err))
			} else if err := watcher.Start(ctx); err != nil {
				logger.Warn("Seed watcher failed to start", zap.Error(err))
				watcher = nil
			}
		}
		if watcher != nil {
			defer watcher.Stop()
		}

		server := api.NewServer(app.cfg.API.ListenAddr, api.NewAPI(app.agent))

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()
		logger.Info("Server started", zap.String("addr", app.cfg.API.ListenAddr))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info("Shutting down", zap.String("signal", sig.String()))
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	},
}
