// Package artifact serializes sampled data and the provenance manifest
// into the durable object store. Every run writes into a fresh
// timestamped namespace: pre-existing data is never overwritten or merged.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gh-analytics/sft-export/internal/model"
	"github.com/gh-analytics/sft-export/internal/sample"
	"github.com/gh-analytics/sft-export/pkg/blobstore"
)

// uploadConcurrency bounds parallel uploads; artifacts are few but large.
const uploadConcurrency = 4

// Writer persists dataset snapshots.
type Writer struct {
	store    blobstore.Store
	basePath string
}

// NewWriter creates a Writer rooted at basePath in the store.
func NewWriter(store blobstore.Store, basePath string) *Writer {
	return &Writer{store: store, basePath: basePath}
}

// Namespace builds a fresh destination folder name. The second-resolution
// timestamp guarantees distinctness from any prior snapshot.
func Namespace(datasetLabel, sizeLabel string, timeWindowDays int, now time.Time) string {
	return fmt.Sprintf("%s_%s_complete_stratified_deduped_%dd_%s",
		datasetLabel, sizeLabel, timeWindowDays, now.UTC().Format("20060102_150405"))
}

// Write uploads one artifact per non-empty (split, stratum) group plus
// the manifest, all under folder. It returns the written object paths
// (manifest last).
func (w *Writer) Write(ctx context.Context, sampled sample.Result, manifest *model.Manifest, folder string) ([]string, error) {
	type task struct {
		path    string
		records []model.Conversation
	}

	var tasks []task
	for split, strata := range sampled.BySplit {
		for stratum, records := range strata {
			if len(records) == 0 {
				continue
			}
			tasks = append(tasks, task{
				path:    fmt.Sprintf("%s/%s/%s/%s.json", w.basePath, folder, split, stratum),
				records: records,
			})
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].path < tasks[j].path })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, t := range tasks {
		g.Go(func() error {
			data, err := json.MarshalIndent(t.records, "", "  ")
			if err != nil {
				return eris.Wrapf(err, "artifact: marshal %s", t.path)
			}
			if err := w.store.Upload(gctx, t.path, data); err != nil {
				return err
			}
			zap.L().Info("uploaded artifact",
				zap.String("path", t.path),
				zap.Int("records", len(t.records)),
				zap.Int("bytes", len(data)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(tasks)+1)
	for _, t := range tasks {
		paths = append(paths, t.path)
	}

	manifestPath := fmt.Sprintf("%s/%s/metadata.json", w.basePath, folder)
	manifest.OutputFiles = append([]string(nil), paths...)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "artifact: marshal manifest")
	}
	if err := w.store.Upload(ctx, manifestPath, data); err != nil {
		return nil, err
	}
	zap.L().Info("uploaded manifest", zap.String("path", manifestPath))

	return append(paths, manifestPath), nil
}
