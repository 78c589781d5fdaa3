package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/spf13/cobra"

	"github.com/citypulse/trafficflow/internal/models"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probes Kafka and Postgres connectivity",
	Long: `healthcheck dials every runtime dependency once and exits non-zero if any
is unreachable. Meant for container health probes and deploy smoke tests.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := models.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		healthy := true

		saramaCfg := sarama.NewConfig()
		saramaCfg.Net.DialTimeout = 5 * time.Second
		client, err := sarama.NewClient(cfg.Brokers(), saramaCfg)
		if err != nil {
			logger.Error("kafka unreachable", "brokers", cfg.KafkaBrokerList, "error", err)
			healthy = false
		} else {
			logger.Info("kafka reachable", "brokers", len(client.Brokers()))
			client.Close()
		}

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			logger.Error("database unreachable", "error", err)
			healthy = false
		} else {
			logger.Info("database reachable")
			store.Close()
		}

		if !healthy {
			return fmt.Errorf("healthcheck failed")
		}
		logger.Info("all dependencies healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}
