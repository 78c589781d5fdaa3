package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/citypulse/trafficflow/internal/clock"
	"github.com/citypulse/trafficflow/internal/generator"
	"github.com/citypulse/trafficflow/internal/models"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Emits synthetic sensor readings onto the ingestion topic",
	Long: `generate fabricates a sensor fleet around the configured city centre and
emits readings for it, to Kafka, a local JSONL tree or stdout. A configurable
share of payloads is deliberately malformed so the pipeline's reject path
sees realistic garbage.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := models.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()

		// an explicit output path means local output unless Kafka was also
		// explicitly requested
		if cmd.Flags().Changed("output-path") && !cmd.Flags().Changed("kafka-enabled") {
			cfg.Generator.KafkaEnabled = false
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := generator.NewOutput(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to open output: %w", err)
		}

		gen, err := generator.New(cfg, out, clock.New(), logger)
		if err != nil {
			return err
		}
		return gen.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().Int("sensors", 50, "number of sensors in the fleet")
	generateCmd.Flags().Duration("interval", time.Second, "target interval between readings per sensor")
	generateCmd.Flags().Int("count", 0, "stop after this many readings (0 means run until interrupted)")
	generateCmd.Flags().Bool("continuous", false, "ignore --count and emit until interrupted")
	generateCmd.Flags().Float64("invalid-rate", 0, "fraction of deliberately malformed payloads")
	generateCmd.Flags().Int64("seed", 0, "random seed (0 seeds from the current time)")
	generateCmd.Flags().Bool("kafka-enabled", true, "write to Kafka")
	generateCmd.Flags().String("output-path", "", "write JSONL files here instead of Kafka")

	bindFlags(generateCmd, map[string]string{
		"generator.sensor_count":  "sensors",
		"generator.interval":      "interval",
		"generator.count":         "count",
		"generator.continuous":    "continuous",
		"generator.invalid_rate":  "invalid-rate",
		"generator.seed":          "seed",
		"generator.kafka_enabled": "kafka-enabled",
		"generator.output_path":   "output-path",
	})
}
