package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gh-analytics/sft-export/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sft-export",
	Short: "Export curated SFT conversation data to blob storage",
	Long:  "Extracts conversation data from the analytics cluster in deterministic hash chunks, validates and stratified-samples it, and uploads dataset snapshots with a provenance manifest.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
