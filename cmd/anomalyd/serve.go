package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hadarisas/Anomaly-detection-system/internal/api"
	"github.com/hadarisas/Anomaly-detection-system/internal/clock"
	"github.com/hadarisas/Anomaly-detection-system/internal/config"
	"github.com/hadarisas/Anomaly-detection-system/internal/ingest"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/loop"
	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/notify"
	"github.com/hadarisas/Anomaly-detection-system/internal/query"
	"github.com/hadarisas/Anomaly-detection-system/internal/scheduler"
	"github.com/hadarisas/Anomaly-detection-system/internal/tracing"
	"github.com/hadarisas/Anomaly-detection-system/internal/transport"
	"github.com/hadarisas/Anomaly-detection-system/internal/window"
)

func serveCmd(log *logger.Logger, load func() (*config.Config, error)) *cobra.Command {
	var addr, url string
	var noConnect bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard core: push transport, rolling window, and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if url != "" {
				cfg.Transport.URL = url
			}
			if noConnect {
				cfg.Transport.AutoConnect = false
			}
			return serve(withSignals(), log, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides server.addr)")
	cmd.Flags().StringVar(&url, "url", "", "push endpoint URL (overrides transport.url)")
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "do not connect on start")
	return cmd
}

func serve(ctx context.Context, log *logger.Logger, cfg *config.Config) error {
	if err := scheduler.Validate(cfg.Window.Refresh); err != nil {
		return fmt.Errorf("window.refresh: %w", err)
	}
	metrics.MustRegister()

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		Version:      version,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Insecure:     cfg.Tracing.Insecure,
		Sampler:      cfg.Tracing.Sampler,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(c)
	}()

	lp := loop.New(256)
	go lp.Run(ctx)
	clk := clock.Real()

	coord, err := ingest.New(ingest.Config{
		Window: window.Config{
			Granularity: cfg.Window.Granularity,
			Horizon:     cfg.Window.Horizon,
			MaxBuckets:  cfg.Window.MaxBuckets,
			Continuous:  cfg.Window.Continuous,
		},
		RecentSize: cfg.Recent.Size,
	}, log, lp, clk)
	if err != nil {
		return err
	}

	sess := transport.NewSession(transport.Config{
		URL:          cfg.Transport.URL,
		RetryDelay:   cfg.Transport.RetryDelay,
		MaxAttempts:  cfg.Transport.MaxAttempts,
		DialTimeout:  cfg.Transport.DialTimeout,
		WriteTimeout: cfg.Transport.WriteTimeout,
	}, log, transport.WebsocketDialer{ReadLimit: cfg.Transport.ReadLimit}, lp, clk, coord.HandleFrame)
	sess.Subscribe(coord.HandleState)
	defer sess.Close()

	qc := query.New(cfg.Query.BaseURL, cfg.Query.Timeout)
	seeder := ingest.NewSeeder(qc, coord, cfg.Query.RecentLimit, log)

	alerter := notify.NewAlerter(log,
		notify.NewSlack(cfg.Alerts.Slack.Enabled, cfg.Alerts.Slack.Webhook),
		notify.NewEmail(cfg.Alerts.Email),
		cfg.Alerts.Cooldown, cfg.Alerts.GroupWindow)
	if alerter.Enabled() {
		coord.OnBatch(alerter.Notify)
		go alerter.Run(ctx)
	}

	go func() {
		err := scheduler.Run(ctx, log, scheduler.Job{
			Name:     "window-refresh",
			Schedule: cfg.Window.Refresh,
			Run:      func(context.Context) error { coord.Refresh(); return nil },
		})
		if err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	// Seed before connecting so the store read lands ahead of any live frame
	// on the executor queue.
	if cfg.Query.SeedOnStart {
		sctx, cancel := context.WithTimeout(ctx, cfg.Query.Timeout)
		// failures are logged by the seeder; POST /api/seed retries
		_ = seeder.Run(sctx)
		cancel()
	}
	if cfg.Transport.AutoConnect {
		sess.Connect()
	}

	srv := api.NewServer(api.Deps{
		Log:       log,
		Coord:     coord,
		Link:      sess,
		Seeder:    seeder,
		History:   qc,
		Allowed:   cfg.Window.Allowed,
		AuthToken: cfg.Server.AuthToken,
	}, api.Config{Addr: cfg.Server.Addr, CORSOrigins: cfg.Server.CORSOrigins})
	return srv.Run(ctx)
}
