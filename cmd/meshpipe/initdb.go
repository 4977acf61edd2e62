package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"meshpipe/internal/config"
	"meshpipe/internal/logging"
	"meshpipe/internal/sink"
)

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the packet table in the configured SQL sink",
	Long:  "initdb creates the wide packet table for the clickhouse or postgres sink. The snowpipe sink needs no setup here: its pipe and table are managed in the warehouse.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		switch cfg.Sink {
		case config.SinkClickHouse:
			s := sink.NewClickHouseSink(cfg.ClickHouse, logging.Component("sink"))
			if err := s.Open(ctx); err != nil {
				return err
			}
			defer s.Close(ctx)
			if err := s.CreateSchema(ctx); err != nil {
				return err
			}
			fmt.Printf("created table %s in clickhouse database %s\n", cfg.ClickHouse.Table, cfg.ClickHouse.Database)
		case config.SinkPostgres:
			s := sink.NewPostgresSink(cfg.Postgres, logging.Component("sink"))
			if err := s.Open(ctx); err != nil {
				return err
			}
			defer s.Close(ctx)
			if err := s.CreateSchema(ctx); err != nil {
				return err
			}
			fmt.Printf("created table %s in postgres database %s\n", cfg.Postgres.Table, cfg.Postgres.Database)
		default:
			return fmt.Errorf("initdb applies to the clickhouse and postgres sinks, not %q", cfg.Sink)
		}
		return nil
	},
}
