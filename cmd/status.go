package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gh-analytics/sft-export/internal/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the on-disk checkpoint without touching the network",
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := checkpoint.NewStore(cfg.Export.CheckpointPath).Load()
		if err != nil {
			return err
		}

		out := struct {
			CheckpointPath     string     `json:"checkpoint_path"`
			Present            bool       `json:"present"`
			LastCompletedChunk *int       `json:"last_completed_chunk,omitempty"`
			NextChunk          *int       `json:"next_chunk,omitempty"`
			TotalChunks        int        `json:"total_chunks"`
			TotalRecords       *int       `json:"total_records,omitempty"`
			SavedAt            *time.Time `json:"saved_at,omitempty"`
			AgeSecs            *float64   `json:"age_secs,omitempty"`
		}{
			CheckpointPath: cfg.Export.CheckpointPath,
			TotalChunks:    cfg.Export.NumChunks,
		}

		if cp != nil {
			next := cp.LastCompletedChunk + 1
			age := time.Since(cp.Timestamp).Seconds()
			out.Present = true
			out.LastCompletedChunk = &cp.LastCompletedChunk
			out.NextChunk = &next
			out.TotalRecords = &cp.TotalRecords
			out.SavedAt = &cp.Timestamp
			out.AgeSecs = &age
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
