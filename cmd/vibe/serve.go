package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(build appBuilder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the project API over HTTP",
		Long: `Serve the project API over HTTP until SIGINT or SIGTERM.

Routes live under /api/v1/projects. /health and /metrics are served at the
root. With orchestrator.watch_workflows set, workflow definitions are
reloaded as their files change.`,
		Args: cobra.NoArgs,
	}
	cmd.RunE = withApp(build, func(cmd *cobra.Command, a *app, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, a)
	})
	return cmd
}

// serve runs the HTTP server, and the workflow watcher when enabled, until
// ctx is cancelled or one of them fails.
func serve(ctx context.Context, a *app) error {
	srv, err := a.newServer()
	if err != nil {
		return err
	}
	zl := a.logger.Underlying()
	zl.Info("starting vibe",
		zap.String("version", version),
		zap.String("addr", a.cfg.Server.Addr()),
		zap.String("store", a.cfg.Store.Backend),
		zap.Strings("workflows", a.registry.IDs()),
		zap.Bool("telemetry", a.telemetry.IsEnabled()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	if a.cfg.Orchestrator.WatchWorkflows {
		g.Go(func() error { return a.registry.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
