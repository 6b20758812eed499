package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hadarisas/Anomaly-detection-system/internal/config"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	log := logger.New(os.Getenv("LOG_LEVEL"))

	root := &cobra.Command{
		Use:           "anomalyd",
		Short:         "Real-time anomaly dashboard core and log simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "configs/config.yaml", "YAML config path")
	load := func() (*config.Config, error) { return config.Load(cfgPath) }

	root.AddCommand(serveCmd(log, load))
	root.AddCommand(simulateCmd(log, load))
	root.AddCommand(streamCmd(log, load))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("anomalyd %s (%s) %s\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func withSignals() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-c; cancel() }()
	return ctx
}
