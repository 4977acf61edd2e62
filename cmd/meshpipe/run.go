package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"meshpipe/internal/config"
	"meshpipe/internal/logging"
	"meshpipe/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the mesh device and stream packets to the sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log := logging.Logger.With().
			Str("session", uuid.NewString()).
			Logger()
		log.Info().Str("sink", cfg.Sink).Str("version", version).Msg("starting")

		p, err := pipeline.New(cfg, log)
		if err != nil {
			return err
		}

		// First SIGINT/SIGTERM starts the graceful shutdown, a second one
		// kills the process the default way.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			stop()
			log.Info().Msg("shutdown requested, draining")
		}()

		return p.Run(ctx)
	},
}

// loadConfig reads the config file and applies CLI overrides, then sets up
// the global logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	return cfg, nil
}
