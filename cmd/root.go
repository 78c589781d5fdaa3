// Package cmd wires the trafficflow commands: the root command runs the
// ingestion pipeline, generate fabricates sensor traffic, serve exposes the
// query API and healthcheck probes the runtime dependencies.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/citypulse/trafficflow/internal/archive"
	"github.com/citypulse/trafficflow/internal/clock"
	"github.com/citypulse/trafficflow/internal/models"
	"github.com/citypulse/trafficflow/internal/pipeline"
	"github.com/citypulse/trafficflow/internal/retry"
	"github.com/citypulse/trafficflow/internal/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trafficflow",
	Short: "Ingests, validates and aggregates city traffic sensor readings",
	Long: `trafficflow runs the traffic ingestion pipeline: it consumes raw sensor
readings from Kafka, validates and scores each one, aggregates congestion per
region over tumbling windows and persists both streams to Postgres.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := models.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}

		var archiver pipeline.Archiver
		if cfg.Archive.Enabled {
			pa, err := archive.New(cfg.Archive, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize archive: %w", err)
			}
			defer func() {
				if err := pa.Close(); err != nil {
					logger.Error("failed to close archive", "error", err)
				}
			}()
			archiver = pa
		}

		return pipeline.New(cfg, store, archiver, clock.New(), logger).Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.json)")

	rootCmd.Flags().String("kafka-broker-list", "localhost:9092", "comma separated Kafka brokers")
	rootCmd.Flags().String("kafka-topic", "traffic_readings", "topic carrying raw sensor readings")
	rootCmd.Flags().String("consumer-group", "trafficflow-pipeline", "Kafka consumer group ID")
	rootCmd.Flags().String("database-url", "", "Postgres connection URL")
	rootCmd.Flags().Duration("window-size", time.Minute, "tumbling window size")
	rootCmd.Flags().Duration("sweep-interval", 10*time.Second, "how often elapsed windows are flushed")
	rootCmd.Flags().String("sensor-region-file", "", "CSV file mapping sensor IDs to regions")

	bindFlags(rootCmd, map[string]string{
		"kafka_broker_list":  "kafka-broker-list",
		"kafka_topic":        "kafka-topic",
		"consumer_group":     "consumer-group",
		"database_url":       "database-url",
		"window_size":        "window-size",
		"sweep_interval":     "sweep-interval",
		"sensor_region_file": "sensor-region-file",
	})
}

// bindFlags maps dashed flag names onto the underscored config keys viper
// unmarshals from, so flags, config file and environment all feed the same
// key.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func newLogger() *slog.Logger {
	logger := slog.New(tint.NewHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	return logger
}

func openStore(ctx context.Context, cfg *models.Config, logger *slog.Logger) (*storage.Store, error) {
	return storage.New(ctx, cfg.DatabaseURL, retry.Policy{
		MaxAttempts: cfg.StoreMaxAttempts,
		BaseDelay:   cfg.StoreRetryBaseDelay,
		MaxDelay:    cfg.StoreRetryMaxDelay,
		Logger:      logger,
	}, logger)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
