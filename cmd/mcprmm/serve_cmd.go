package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcprmm-go/internal/observability"
	"mcprmm-go/internal/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("Starting mcprmm",
		zap.String("data_dir", a.cfg.DataDir),
		zap.String("metrics_listen", a.cfg.MetricsListen),
		zap.Bool("tracing_enabled", a.cfg.TracingEnabled))

	srv := server.New(a.manager, a.client, version, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.MetricsListen != "" {
		router := observability.NewRouter(a.metrics, a.health, time.Now())
		listener, err := observability.Listen(a.cfg.MetricsListen, router, a.logger.Sugar())
		if err != nil {
			return fmt.Errorf("failed to start observability listener: %w", err)
		}
		g.Go(func() error {
			return listener.Serve(gctx)
		})
	}

	g.Go(func() error {
		// stdin closing ends the session and takes the listener down with it.
		defer stop()
		err := srv.ServeStdio(gctx, cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil && gctx.Err() != nil {
			return nil
		}
		return err
	})

	err = g.Wait()
	a.logger.Info("mcprmm stopped")
	return err
}
