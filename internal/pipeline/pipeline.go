// Package pipeline sequences the export: resume from checkpoint, run the
// chunk loop, validate, sample, write artifacts, clear the checkpoint.
// Chunks are processed strictly sequentially; the backend's per-query
// memory budget dominates over throughput, and a single in-flight chunk
// keeps checkpoint correctness trivial.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gh-analytics/sft-export/internal/artifact"
	"github.com/gh-analytics/sft-export/internal/checkpoint"
	"github.com/gh-analytics/sft-export/internal/config"
	"github.com/gh-analytics/sft-export/internal/extract"
	"github.com/gh-analytics/sft-export/internal/model"
	"github.com/gh-analytics/sft-export/internal/partition"
	"github.com/gh-analytics/sft-export/internal/sample"
	"github.com/gh-analytics/sft-export/internal/status"
	"github.com/gh-analytics/sft-export/internal/validate"
)

// Queries holds the query templates loaded from disk.
type Queries struct {
	// Chunked carries {NUM_CHUNKS}/{CHUNK_NUM} placeholders.
	Chunked string
	// Prod is the full-window single-shot production query.
	Prod string
	// Test is the small smoke-test query.
	Test string
	// ChunkedFile / ProdFile / TestFile are the source file names,
	// recorded in the manifest.
	ChunkedFile string
	ProdFile    string
	TestFile    string
}

// RunOptions selects the export mode.
type RunOptions struct {
	// TestMode runs the small test query without chunking.
	TestMode bool
	// TargetSplit restricts the export to one split ("" = all).
	TargetSplit string
	// DryRun stops before writing to the destination store.
	DryRun bool
	// NoChunking runs the production query in one shot.
	NoChunking bool
	// Tracker, when non-nil, receives live progress updates.
	Tracker *status.Tracker
}

// Pipeline orchestrates one export run.
type Pipeline struct {
	cfg      *config.Config
	executor *extract.Executor
	ckpt     *checkpoint.Store
	writer   *artifact.Writer
	queries  Queries
	assigner partition.Assigner
}

// New creates a Pipeline with all dependencies.
func New(cfg *config.Config, executor *extract.Executor, ckpt *checkpoint.Store, writer *artifact.Writer, queries Queries) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		executor: executor,
		ckpt:     ckpt,
		writer:   writer,
		queries:  queries,
		assigner: partition.Default(),
	}
}

// Run executes the full export and returns the manifest describing the
// snapshot. On fatal errors the checkpoint is preserved so a rerun
// resumes after the last completed chunk.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*model.Manifest, error) {
	runID := uuid.NewString()
	chunked := !opts.TestMode && !opts.NoChunking
	log := zap.L().With(zap.String("run_id", runID))
	log.Info("starting export",
		zap.Bool("test_mode", opts.TestMode),
		zap.String("target_split", opts.TargetSplit),
		zap.Bool("dry_run", opts.DryRun),
		zap.Bool("chunking", chunked),
	)

	// Phase 1: extraction.
	opts.Tracker.SetPhase("extracting")
	var candidates []model.Conversation
	var err error
	switch {
	case opts.TestMode:
		candidates, err = p.runSingle(ctx, p.queries.Test)
	case opts.NoChunking:
		candidates, err = p.runSingle(ctx, p.queries.Prod)
	default:
		candidates, err = p.runChunked(ctx, opts.Tracker)
	}
	if err != nil {
		return nil, err
	}
	log.Info("extraction complete", zap.Int("candidates", len(candidates)))

	if opts.TargetSplit != "" {
		filtered := candidates[:0:0]
		for _, rec := range candidates {
			if rec.Split == opts.TargetSplit {
				filtered = append(filtered, rec)
			}
		}
		candidates = filtered
		log.Info("filtered to target split",
			zap.String("split", opts.TargetSplit),
			zap.Int("candidates", len(candidates)),
		)
	}

	// Phase 2: whole-dataset validation.
	opts.Tracker.SetPhase("validating")
	bySplit := make(map[string][]model.Conversation)
	for _, rec := range candidates {
		bySplit[rec.Split] = append(bySplit[rec.Split], rec)
	}

	summaries := make(map[string]model.ValidationSummary, len(bySplit))
	for split, records := range bySplit {
		res := validate.Records(records, split, p.assigner)
		summaries[split] = res.Summary()
		p.reportValidation(split, res)
	}

	exclusive := true
	if len(bySplit) > 1 {
		excl := validate.CrossSplitExclusivity(bySplit)
		exclusive = excl.Exclusive
		if excl.Exclusive {
			log.Info("cross-split exclusivity held", zap.Any("split_sizes", excl.SplitSizes))
		} else {
			// Reported, not fatal: operators decide whether to accept.
			log.Error("cross-split contamination detected; this invalidates train/val/test separation",
				zap.Any("overlaps", excl.Overlaps),
			)
		}
	}

	// Phase 3: stratified sampling.
	opts.Tracker.SetPhase("sampling")
	targets := p.targets(opts.TestMode)
	sampled := sample.Stratified(candidates, targets, p.assigner)
	log.Info("sampling complete",
		zap.Int("sampled", sampled.GrandTotal()),
		zap.Int("shortfalls", len(sampled.Shortfalls)),
	)

	// Phase 4: write artifacts.
	now := time.Now().UTC()
	folder := artifact.Namespace(p.cfg.Export.DatasetLabel, p.sizeLabel(opts.TestMode), p.cfg.Export.TimeWindowDays, now)
	manifest := p.buildManifest(runID, opts, targets, sampled, summaries, exclusive, folder, now)

	if opts.DryRun {
		// The checkpoint survives a dry run: a later real run resumes
		// without re-querying the backend.
		log.Info("dry run: skipping upload",
			zap.String("would_write", folder),
			zap.Int("records", manifest.GrandTotal),
		)
		return manifest, nil
	}

	opts.Tracker.SetPhase("writing")
	paths, err := p.writer.Write(ctx, sampled, manifest, folder)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: write artifacts")
	}

	// The checkpoint belongs to the chunked extraction. Single-query modes
	// never consume it, so a smoke run between an interrupted production
	// run and its resume must leave it alone.
	if chunked {
		if err := p.ckpt.Clear(); err != nil {
			return nil, eris.Wrap(err, "pipeline: clear checkpoint")
		}
	}

	opts.Tracker.SetPhase("done")
	log.Info("export complete",
		zap.String("destination", folder),
		zap.Int("files", len(paths)),
		zap.Int("records", manifest.GrandTotal),
		zap.Bool("splits_exclusive", exclusive),
	)
	return manifest, nil
}

// runSingle executes one non-chunked query, screens it, and annotates
// splits locally.
func (p *Pipeline) runSingle(ctx context.Context, query string) ([]model.Conversation, error) {
	records, err := p.executor.RunQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	rep, err := validate.ScreenChunkTokens(records, 0, p.cfg.Validation.ChunkWarnThreshold)
	if err != nil {
		return nil, err
	}
	p.reportTokenScreen(0, rep)

	for i := range records {
		records[i].Split = p.assigner.Split(records[i].ConversationID)
	}
	return records, nil
}

// runChunked iterates hash chunks sequentially, checkpointing after each
// completed chunk.
func (p *Pipeline) runChunked(ctx context.Context, tracker *status.Tracker) ([]model.Conversation, error) {
	numChunks := p.cfg.Export.NumChunks
	log := zap.L().With(zap.Int("num_chunks", numChunks))

	var results []model.Conversation
	seen := make(map[string]struct{})
	start := 0

	cp, err := p.ckpt.Load()
	if err != nil {
		return nil, err
	}
	if cp != nil {
		results = cp.Results
		for _, id := range cp.SeenConversationIDs {
			seen[id] = struct{}{}
		}
		start = cp.LastCompletedChunk + 1
		log.Info("resuming from checkpoint",
			zap.Int("last_completed_chunk", cp.LastCompletedChunk),
			zap.Int("records", len(results)),
			zap.Time("saved_at", cp.Timestamp),
		)
		tracker.ChunkDone(start, len(results))
	}

	// Pace chunk submissions to respect backend rate limits. Burst 1 with
	// the initial token available means the first chunk starts
	// immediately and each subsequent chunk waits out the delay.
	limiter := rate.NewLimiter(rate.Every(p.cfg.Export.ChunkDelay()), 1)

	var chunkTimes []time.Duration
	for chunk := start; chunk < numChunks; chunk++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "pipeline: cancelled between chunks")
		}

		if len(chunkTimes) > 0 {
			var sum time.Duration
			for _, d := range chunkTimes {
				sum += d
			}
			avg := sum / time.Duration(len(chunkTimes))
			log.Info("chunk progress",
				zap.Int("chunk", chunk),
				zap.Int("completed", chunk),
				zap.Duration("avg_chunk_time", avg),
				zap.Duration("eta", avg*time.Duration(numChunks-chunk)),
			)
		}

		chunkStart := time.Now()
		records, err := p.executor.RunChunk(ctx, p.queries.Chunked, chunk, numChunks)
		if err != nil {
			// The checkpoint from the last completed chunk is intact; the
			// error names the failed chunk so the operator can resume.
			return nil, eris.Wrapf(err, "chunk %d failed (%d chunks checkpointed, %d records preserved)",
				chunk, chunk, len(results))
		}
		chunkTimes = append(chunkTimes, time.Since(chunkStart))

		// Critical screen runs before accumulation: a fully broken chunk
		// must not contaminate the checkpoint.
		rep, err := validate.ScreenChunkTokens(records, chunk, p.cfg.Validation.ChunkWarnThreshold)
		if err != nil {
			return nil, eris.Wrapf(err, "chunk %d failed validation (%d chunks checkpointed)", chunk, chunk)
		}
		p.reportTokenScreen(chunk, rep)

		// Hash chunking makes duplicates impossible; the seen-set guards
		// against operator error such as resuming with a different chunk
		// count.
		newRecords := 0
		for _, rec := range records {
			if rec.ConversationID == "" {
				continue
			}
			if _, dup := seen[rec.ConversationID]; dup {
				continue
			}
			seen[rec.ConversationID] = struct{}{}
			rec.Split = p.assigner.Split(rec.ConversationID)
			results = append(results, rec)
			newRecords++
		}

		if err := p.ckpt.Save(results, chunk, seen); err != nil {
			return nil, err
		}
		tracker.ChunkDone(chunk+1, len(results))

		log.Info("chunk complete",
			zap.Int("chunk", chunk),
			zap.Int("chunk_records", len(records)),
			zap.Int("new_records", newRecords),
			zap.Int("total_records", len(results)),
			zap.Duration("chunk_time", chunkTimes[len(chunkTimes)-1]),
		)

		if (chunk+1)%5 == 0 || chunk == numChunks-1 {
			p.logRunningTotals(results, chunk+1)
		}
	}

	return results, nil
}

func (p *Pipeline) logRunningTotals(results []model.Conversation, chunksDone int) {
	strata := make(map[string]int)
	splits := make(map[string]int)
	for _, rec := range results {
		strata[partition.Normalize(rec.Bucket)]++
		splits[rec.Split]++
	}
	zap.L().Info("running totals",
		zap.Int("chunks_done", chunksDone),
		zap.Any("strata", strata),
		zap.Any("splits", splits),
	)
}

func (p *Pipeline) reportTokenScreen(chunk int, rep validate.TokenReport) {
	if rep.Invalid == 0 {
		zap.L().Info("token validation passed",
			zap.Int("chunk", chunk),
			zap.Int("records", rep.Valid),
		)
		return
	}
	fields := []zap.Field{
		zap.Int("chunk", chunk),
		zap.Int("valid", rep.Valid),
		zap.Int("invalid", rep.Invalid),
		zap.Float64("invalid_fraction", rep.InvalidFraction),
		zap.Strings("sample_errors", rep.SampleErrors),
	}
	if rep.Critical {
		zap.L().Warn("token validation critical: invalid fraction above threshold, possible data quality problem", fields...)
	} else {
		zap.L().Warn("token validation warnings", fields...)
	}
}

func (p *Pipeline) reportValidation(split string, res validate.Result) {
	log := zap.L().With(zap.String("split", split))
	log.Info("validation report",
		zap.Int("total", res.Total),
		zap.Int("valid", res.Valid),
		zap.Int("invalid", res.Invalid),
		zap.Float64("valid_percentage", res.ValidPercentage()),
		zap.Int("duplicates", res.Duplicates),
	)

	if res.Invalid == 0 {
		return
	}
	log.Warn("invalid records found", zap.Any("error_counts", res.ErrorCounts))
	if res.ValidPercentage() < p.cfg.Validation.PassThreshold*100 {
		log.Warn("valid percentage below pass threshold; continuing, operator review required",
			zap.Float64("threshold", p.cfg.Validation.PassThreshold*100),
		)
	}
	if path, err := validate.WriteInvalidReport(res, ".", split); err != nil {
		log.Warn("failed to write invalid-record report", zap.Error(err))
	} else if path != "" {
		log.Info("invalid records saved for post-analysis", zap.String("path", path))
	}
}

func (p *Pipeline) targets(testMode bool) sample.Targets {
	if testMode {
		if len(p.cfg.Sample.Test) > 0 {
			return sample.Targets(p.cfg.Sample.Test)
		}
		return sample.TestTargets()
	}
	if len(p.cfg.Sample.Production) > 0 {
		return sample.Targets(p.cfg.Sample.Production)
	}
	return sample.ProductionTargets()
}

func (p *Pipeline) sizeLabel(testMode bool) string {
	if testMode {
		return "test120"
	}
	return "120k"
}

func (p *Pipeline) buildManifest(
	runID string,
	opts RunOptions,
	targets sample.Targets,
	sampled sample.Result,
	summaries map[string]model.ValidationSummary,
	exclusive bool,
	folder string,
	now time.Time,
) *model.Manifest {
	queryFile := p.queries.ChunkedFile
	if opts.TestMode {
		queryFile = p.queries.TestFile
	} else if opts.NoChunking {
		queryFile = p.queries.ProdFile
	}

	windowDays := p.cfg.Export.TimeWindowDays
	return &model.Manifest{
		CurationInfo: model.CurationInfo{
			RunID:        runID,
			CurationDate: now,
			CurationID:   folder,
			QueryFile:    queryFile,
			DataSource:   p.cfg.Export.DataSource,
			IsTest:       opts.TestMode,
		},
		QueryParameters: model.QueryParameters{
			TimeWindow:      timeWindowLabel(windowDays),
			TimeWindowStart: now.AddDate(0, 0, -windowDays),
			TimeWindowEnd:   now,
			Cluster:         p.cfg.Kusto.ClusterURL,
			Database:        p.cfg.Kusto.Database,
			NumChunks:       p.cfg.Export.NumChunks,
		},
		SplitRatios: p.assigner.Ratios(),
		SplitMethod: model.SplitMethod{
			Algorithm:         "sha256(conversationId) % 100",
			TrainRange:        rangeLabel(0, p.assigner.TrainUpper),
			ValRange:          rangeLabel(p.assigner.TrainUpper, p.assigner.ValUpper),
			TestRange:         rangeLabel(p.assigner.ValUpper, 100),
			MutualExclusivity: "guaranteed by deterministic hash-based partitioning",
		},
		Stratification: model.Stratification{
			Buckets: map[string]model.StratumSpec{
				partition.StratumShort:  {TurnRange: [2]int{3, 5}},
				partition.StratumMedium: {TurnRange: [2]int{6, 10}},
				partition.StratumLong:   {TurnRange: [2]int{11, 20}},
			},
			TargetCounts: map[string]map[string]int(targets),
		},
		ActualCounts:    sampled.Counts(),
		GrandTotal:      sampled.GrandTotal(),
		Validation:      summaries,
		SplitsExclusive: exclusive,
		GeneratedAt:     now,
	}
}

func timeWindowLabel(days int) string {
	return fmt.Sprintf("ago(%dd) to now()", days)
}

func rangeLabel(lo, hi int) string {
	return fmt.Sprintf("%d <= hash < %d", lo, hi)
}
