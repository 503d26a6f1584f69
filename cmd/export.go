package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gh-analytics/sft-export/internal/artifact"
	"github.com/gh-analytics/sft-export/internal/checkpoint"
	"github.com/gh-analytics/sft-export/internal/extract"
	"github.com/gh-analytics/sft-export/internal/pipeline"
	"github.com/gh-analytics/sft-export/internal/resilience"
	"github.com/gh-analytics/sft-export/internal/status"
	"github.com/gh-analytics/sft-export/pkg/blobstore"
	"github.com/gh-analytics/sft-export/pkg/kusto"
)

var (
	exportTest         bool
	exportSplit        string
	exportDryRun       bool
	exportNoChunking   bool
	exportProgressAddr string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run the extraction pipeline and upload a dataset snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		// A fatal error must preserve the checkpoint; interrupting with
		// SIGINT gets the same treatment as any other abort.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if exportSplit != "" {
			switch exportSplit {
			case "train", "val", "test":
			default:
				return eris.Errorf("invalid --split %q (want train, val, or test)", exportSplit)
			}
		}

		queries, err := loadQueries()
		if err != nil {
			return err
		}

		kustoClient, err := kusto.NewClient(cfg.Kusto.ClusterURL, cfg.Kusto.Database)
		if err != nil {
			return eris.Wrap(err, "init kusto client")
		}

		store, err := initStore()
		if err != nil {
			return err
		}

		executor := extract.NewExecutor(
			kustoClient,
			cfg.Kusto.ServerTimeout(),
			cfg.Kusto.ClientTimeout(),
			resilience.RetryConfig{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				MinBackoff:     time.Duration(cfg.Retry.MinWaitSecs) * time.Second,
				MaxBackoff:     time.Duration(cfg.Retry.MaxWaitSecs) * time.Second,
				Multiplier:     cfg.Retry.Multiplier,
				JitterFraction: cfg.Retry.JitterFraction,
			},
		)

		ckpt := checkpoint.NewStore(cfg.Export.CheckpointPath)
		writer := artifact.NewWriter(store, cfg.Blob.BasePath)
		p := pipeline.New(cfg, executor, ckpt, writer, queries)

		var tracker *status.Tracker
		addr := exportProgressAddr
		if addr == "" {
			addr = cfg.Export.ProgressAddr
		}
		if addr != "" {
			tracker = status.NewTracker(uuid.NewString(), cfg.Export.NumChunks)
			shutdown := status.Serve(addr, tracker)
			defer shutdown()
		}

		manifest, err := p.Run(ctx, pipeline.RunOptions{
			TestMode:    exportTest,
			TargetSplit: exportSplit,
			DryRun:      exportDryRun,
			NoChunking:  exportNoChunking,
			Tracker:     tracker,
		})
		if err != nil {
			zap.L().Error("export failed", zap.Error(err))
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	},
}

// loadQueries reads the query template files for the configured modes.
func loadQueries() (pipeline.Queries, error) {
	read := func(name string) (string, error) {
		data, err := os.ReadFile(filepath.Join(cfg.Export.QueryDir, name))
		if err != nil {
			return "", eris.Wrapf(err, "read query file %s", name)
		}
		return string(data), nil
	}

	q := pipeline.Queries{
		ChunkedFile: cfg.Export.ChunkedQueryFile,
		ProdFile:    cfg.Export.ProdQueryFile,
		TestFile:    cfg.Export.TestQueryFile,
	}

	var err error
	if exportTest {
		q.Test, err = read(q.TestFile)
		return q, err
	}
	if exportNoChunking {
		q.Prod, err = read(q.ProdFile)
		return q, err
	}
	q.Chunked, err = read(q.ChunkedFile)
	return q, err
}

// initStore builds the destination object store from config.
func initStore() (blobstore.Store, error) {
	switch cfg.Blob.Driver {
	case "local":
		return blobstore.NewLocal(cfg.Blob.LocalDir)
	case "azure", "":
		store, err := blobstore.NewAzure(cfg.Blob.AccountURL, cfg.Blob.Container)
		if err != nil {
			return nil, eris.Wrap(err, "init blob store")
		}
		return store, nil
	default:
		return nil, eris.Errorf("unknown blob driver %q", cfg.Blob.Driver)
	}
}

func init() {
	exportCmd.Flags().BoolVar(&exportTest, "test", false, "run the small test query instead of production")
	exportCmd.Flags().StringVar(&exportSplit, "split", "", "export only this split (train/val/test)")
	exportCmd.Flags().BoolVar(&exportDryRun, "dry-run", false, "query and validate without uploading")
	exportCmd.Flags().BoolVar(&exportNoChunking, "no-chunking", false, "run a single full-window query (may exceed backend memory)")
	exportCmd.Flags().StringVar(&exportProgressAddr, "progress-addr", "", "serve live progress on this address (e.g. :8090)")
	rootCmd.AddCommand(exportCmd)
}
