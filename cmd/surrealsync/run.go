package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surrealdb/surrealsync/pkg/admin"
	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/replicator"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replication engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			logData, err := logger.New().
				FromBuffer(cmd.ErrOrStderr()).
				FromPath(cfg.Log.Path).
				WithLevel(cfg.Log.Level).
				Make()
			if err != nil {
				return err
			}
			defer func() { _ = logData.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := replicator.Open(ctx, cfg, logData)
			if err != nil {
				return err
			}
			if err := engine.Start(ctx); err != nil {
				_ = engine.Close(context.Background())
				return err
			}

			adminErr := make(chan error, 1)
			if cfg.Admin.Listen != "" {
				server := admin.New(admin.Options{
					Engine:         engine,
					StreamInterval: cfg.Admin.StreamInterval,
					Logger:         logData,
				})
				go func() { adminErr <- server.ListenAndServe(ctx, cfg.Admin.Listen) }()
			}

			select {
			case <-ctx.Done():
			case err = <-adminErr:
				logData.Error("admin server failed", "error", err)
			}

			logData.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if closeErr := engine.Close(shutdownCtx); closeErr != nil {
				logData.Error("shutdown incomplete", "error", closeErr)
				if err == nil {
					err = closeErr
				}
			}
			return err
		},
	}
}
