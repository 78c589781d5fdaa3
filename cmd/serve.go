package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/citypulse/trafficflow/internal/api"
	"github.com/citypulse/trafficflow/internal/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the HTTP query API over the processed data",
	Long: `serve exposes what the pipeline has persisted: raw readings by sensor,
aggregate history by region and the latest window per region. It reads the
same database the pipeline writes and can run on its own.`,
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

		return api.New(cfg.APIPort, store, logger).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "HTTP listen port")
	bindFlags(serveCmd, map[string]string{"api_port": "port"})
}
