package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/boombust/internal/config"
	"github.com/sawpanic/boombust/internal/metrics"
	"github.com/sawpanic/boombust/internal/server"
)

// runServe runs the cadence scheduler and the HTTP surface until a signal
// arrives, then drains both.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(cfg.Server, server.Deps{
		Registry: a.adapters,
		Store:    a.store,
		Trigger:  a.sched,
		Metrics:  metrics.Handler(),
		Log:      a.log,
	})

	log.Info().
		Str("version", version).
		Str("environment", cfg.Environment).
		Str("store", cfg.Store.Backend).
		Str("cache", cfg.Cache.Backend).
		Msg("boombust serving")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sched.Start(ctx) })
	g.Go(func() error { return srv.Start(ctx) })
	if cfg.Alerts.HotReload && cfg.Alerts.ConfigFile != "" && fileExists(cfg.Alerts.ConfigFile) {
		g.Go(func() error {
			return config.WatchAlertConfigs(ctx, cfg.Alerts.ConfigFile, a.alertCfgs, a.log)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
