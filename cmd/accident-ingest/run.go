package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mr1hm/go-aviation-accidents/internal/app"
	"github.com/mr1hm/go-aviation-accidents/internal/ingestion"
	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

var (
	runSource  string
	runFile    string
	runRefresh bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion pass and print its statistics",
	Example: "  accident-ingest run --source bulk --file export.json\n" +
		"  accident-ingest run --source feed --refresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, prometheus.NewRegistry(), slog.Default())
		if err != nil {
			return fmt.Errorf("init pipeline: %w", err)
		}
		defer a.Close()

		src, err := a.Source(runSource, runFile)
		if err != nil {
			return err
		}

		refresh := runSource == ingestion.SourceCaseAPI
		if cmd.Flags().Changed("refresh") {
			refresh = runRefresh
		}

		stats := a.Orchestrator.Run(ctx, src, ingestion.Options{Refresh: refresh})
		if err := a.Repo.RecordRun(context.WithoutCancel(ctx), stats); err != nil {
			slog.Error("error recording run", "run_id", stats.RunID, "error", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}

		if stats.State != models.RunStateDone {
			return fmt.Errorf("run %s: %s", stats.State, stats.Error)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", ingestion.SourceBulk, "source to ingest: bulk, caseapi or feed")
	runCmd.Flags().StringVar(&runFile, "file", "", "bulk export path (overrides BULK_PATH)")
	runCmd.Flags().BoolVar(&runRefresh, "refresh", false, "upsert records that are already stored (default true for caseapi)")
	rootCmd.AddCommand(runCmd)
}
