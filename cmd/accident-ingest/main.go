package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mr1hm/go-aviation-accidents/internal/config"
	"github.com/mr1hm/go-aviation-accidents/internal/logging"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "accident-ingest",
	Short: "One-shot aviation accident ingestion",
	Long:  "Fetches accident records from a single source, geocodes missing locations and upserts them into the configured store.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		// Stdout carries the run statistics.
		slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level))
		return nil
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
