package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hadarisas/Anomaly-detection-system/internal/config"
	"github.com/hadarisas/Anomaly-detection-system/internal/detector"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/rules"
	"github.com/hadarisas/Anomaly-detection-system/internal/scheduler"
	"github.com/hadarisas/Anomaly-detection-system/internal/simulator"
	"github.com/hadarisas/Anomaly-detection-system/internal/store"
)

func simulateCmd(log *logger.Logger, load func() (*config.Config, error)) *cobra.Command {
	var addr string
	var withKafka bool
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the simulator backend: /ws push endpoint and /anomalies query endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Simulator.Addr = addr
			}
			if withKafka {
				cfg.Simulator.Kafka.Enabled = true
			}
			return simulate(withSignals(), log, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides simulator.addr)")
	cmd.Flags().BoolVar(&withKafka, "kafka", false, "also consume logs from Kafka")
	return cmd
}

func simulate(ctx context.Context, log *logger.Logger, cfg *config.Config) error {
	sc := cfg.Simulator
	metrics.MustRegister()

	rs, err := rules.LoadFromFile(sc.RulesFile)
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	db, err := store.Open(sc.StoragePath)
	if err != nil {
		return err
	}
	defer db.Close()

	hub := simulator.NewHub(log, simulator.NewPipeline(detector.New(rs, "simulator", nil), db), simulator.HubConfig{
		MinDelay: sc.MinDelay, MaxDelay: sc.MaxDelay, OriginPatterns: originHosts(cfg.Server.CORSOrigins),
	})

	if sc.Kafka.Enabled {
		kc := simulator.KafkaConfig{Brokers: sc.Kafka.Brokers, Topic: sc.Kafka.Topic, GroupID: sc.Kafka.GroupID}
		src := simulator.NewKafkaSource(log, simulator.NewReader(kc), simulator.NewPipeline(detector.New(rs, "kafka", nil), db), hub)
		go func() {
			if err := src.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka source stopped")
			}
		}()
	}

	go func() {
		err := scheduler.Run(ctx, log, scheduler.Job{
			Name:     "retention-purge",
			Schedule: sc.PurgeSchedule,
			Run: func(context.Context) error {
				n, err := db.Purge(time.Now().Add(-sc.Retention))
				if err == nil && n > 0 {
					log.Info().Int("purged", n).Msg("retention purge")
				}
				return err
			},
		})
		if err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	srv := simulator.NewServer(log, hub, db, simulator.ServerConfig{
		Addr: sc.Addr, Horizon: cfg.Window.Horizon, CORSOrigins: cfg.Server.CORSOrigins,
	})
	return srv.Run(ctx)
}

func streamCmd(log *logger.Logger, load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <file>",
		Short: "Replay a log file into the Kafka topic, one {\"log\": line} message per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			kc := cfg.Simulator.Kafka
			w := simulator.NewWriter(simulator.KafkaConfig{Brokers: kc.Brokers, Topic: kc.Topic})
			defer w.Close()
			p := simulator.NewProducer(log, w, cfg.Simulator.MinDelay, cfg.Simulator.MaxDelay)
			n, err := p.Stream(withSignals(), f)
			log.Info().Int("sent", n).Str("topic", kc.Topic).Msg("stream finished")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// originHosts turns CORS origins into the host patterns websocket.Accept expects.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
