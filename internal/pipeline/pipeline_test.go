package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gh-analytics/sft-export/internal/artifact"
	"github.com/gh-analytics/sft-export/internal/checkpoint"
	"github.com/gh-analytics/sft-export/internal/config"
	"github.com/gh-analytics/sft-export/internal/extract"
	"github.com/gh-analytics/sft-export/internal/model"
	"github.com/gh-analytics/sft-export/internal/partition"
	"github.com/gh-analytics/sft-export/internal/resilience"
	"github.com/gh-analytics/sft-export/pkg/blobstore"
	"github.com/gh-analytics/sft-export/pkg/kusto"
)

const (
	universeSize    = 1000
	testTotalChunks = 10
	chunkTemplate   = "chunk {CHUNK_NUM} of {NUM_CHUNKS}"
)

// fakeBackend serves a fixed universe of synthetic conversations, slicing
// it by the chunk coordinates parsed back out of the query text.
type fakeBackend struct {
	// failChunk returns a fatal error for that chunk; -1 disables.
	failChunk int
	// invalidChunk serves zero-token records for that chunk; -1 disables.
	invalidChunk int
	calls        int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failChunk: -1, invalidChunk: -1}
}

func universeIDs() []string {
	ids := make([]string, universeSize)
	for i := range ids {
		ids[i] = fmt.Sprintf("conv-%04d", i)
	}
	return ids
}

// turnsFor varies conversation length so every stratum is populated.
func turnsFor(i int) int {
	return 3 + i%18 // 3..20
}

func conversationRow(id string, turnCount int, zeroTokens bool) kusto.Row {
	tokens := 100
	if zeroTokens {
		tokens = 0
	}
	turns := make([]any, turnCount)
	for t := range turns {
		turns[t] = map[string]any{
			"turnIndex":   t + 1,
			"messageId":   fmt.Sprintf("%s-m%d", id, t+1),
			"userMessage": "do the thing",
			"llmCalls": []any{
				map[string]any{"actual_API": map[string]any{
					"promptTokens":     tokens,
					"completionTokens": tokens / 3,
				}},
			},
		}
	}
	return kusto.Row{
		"conversationId":               id,
		"userName":                     "user@example.com",
		"bucket":                       partition.Stratum(turnCount),
		"turnsArray":                   turns,
		"totalPromptTokens_actual":     tokens * turnCount,
		"totalCompletionTokens_actual": tokens / 3 * turnCount,
	}
}

func (f *fakeBackend) Execute(_ context.Context, query string, _ ...kusto.ExecuteOption) ([]kusto.Row, error) {
	f.calls++

	chunk, total := -1, 0
	if strings.HasPrefix(query, "chunk ") {
		if _, err := fmt.Sscanf(query, "chunk %d of %d", &chunk, &total); err != nil {
			return nil, fmt.Errorf("unparseable chunk query %q", query)
		}
	}

	if chunk >= 0 && chunk == f.failChunk {
		return nil, resilience.NewFatalError(fmt.Errorf("injected failure for chunk %d", chunk))
	}

	var rows []kusto.Row
	for i, id := range universeIDs() {
		if chunk >= 0 && partition.Chunk(id, total) != chunk {
			continue
		}
		rows = append(rows, conversationRow(id, turnsFor(i), chunk >= 0 && chunk == f.invalidChunk))
	}
	return rows, nil
}

func keepEverything() map[string]map[string]int {
	targets := make(map[string]map[string]int, len(partition.Splits))
	for _, split := range partition.Splits {
		targets[split] = map[string]int{"short": universeSize, "medium": universeSize, "long": universeSize}
	}
	return targets
}

func newTestPipeline(t *testing.T, backend kusto.Client) (*Pipeline, *checkpoint.Store, blobstore.Store) {
	t.Helper()

	cfg := &config.Config{
		Kusto: config.KustoConfig{
			ClusterURL:        "https://cluster.example.net",
			Database:          "telemetry",
			ServerTimeoutSecs: 60,
			ClientTimeoutSecs: 60,
		},
		Blob: config.BlobConfig{Driver: "local", BasePath: "experiments/testvscode_test/v4"},
		Export: config.ExportConfig{
			NumChunks:      testTotalChunks,
			ChunkDelaySecs: 0,
			TimeWindowDays: 7,
			CheckpointPath: t.TempDir() + "/checkpoint.json",
			DatasetLabel:   "vscodedata",
			DataSource:     "vscode_1p_agent_mode",
		},
		Validation: config.ValidationConfig{ChunkWarnThreshold: 0.10, PassThreshold: 0.95},
		Sample:     config.SampleConfig{Production: keepEverything()},
	}

	retry := resilience.RetryConfig{
		MaxAttempts:    3,
		MinBackoff:     time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
		OnRetry:        func(int, time.Duration, error) {},
	}
	executor := extract.NewExecutor(backend, time.Minute, time.Minute, retry)
	ckpt := checkpoint.NewStore(cfg.Export.CheckpointPath)

	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	writer := artifact.NewWriter(store, cfg.Blob.BasePath)

	queries := Queries{
		Chunked:     chunkTemplate,
		ChunkedFile: "sft_candidates_hash_chunked.kql",
		Prod:        "prod query",
		ProdFile:    "sft_100k_production_with_splits.kql",
		Test:        "test query",
		TestFile:    "sft_test_100_with_trajectory.kql",
	}

	return New(cfg, executor, ckpt, writer, queries), ckpt, store
}

// writtenIDsBySplit reads every data artifact back out of the store and
// maps split -> set of conversation ids.
func writtenIDsBySplit(t *testing.T, store blobstore.Store) map[string]map[string]struct{} {
	t.Helper()
	ctx := context.Background()

	paths, err := store.List(ctx, "")
	require.NoError(t, err)

	out := make(map[string]map[string]struct{})
	for _, p := range paths {
		if strings.HasSuffix(p, "metadata.json") {
			continue
		}
		parts := strings.Split(p, "/")
		require.GreaterOrEqual(t, len(parts), 2, "unexpected artifact path %s", p)
		split := parts[len(parts)-2]

		data, err := store.Download(ctx, p)
		require.NoError(t, err)
		var records []model.Conversation
		require.NoError(t, json.Unmarshal(data, &records))

		if out[split] == nil {
			out[split] = make(map[string]struct{})
		}
		for _, rec := range records {
			out[split][rec.ConversationID] = struct{}{}
		}
	}
	return out
}

func allWrittenIDs(bySplit map[string]map[string]struct{}) map[string]struct{} {
	all := make(map[string]struct{})
	for _, ids := range bySplit {
		for id := range ids {
			all[id] = struct{}{}
		}
	}
	return all
}

func TestRun_FullChunkedExport(t *testing.T) {
	p, ckpt, store := newTestPipeline(t, newFakeBackend())

	manifest, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, manifest)

	assert.Equal(t, universeSize, manifest.GrandTotal)
	assert.True(t, manifest.SplitsExclusive)
	assert.Equal(t, testTotalChunks, manifest.QueryParameters.NumChunks)
	assert.False(t, manifest.CurationInfo.IsTest)
	assert.Contains(t, manifest.CurationInfo.CurationID, "vscodedata_120k_complete_stratified_deduped_7d_")

	// Every split validated clean.
	for split, summary := range manifest.Validation {
		assert.Zero(t, summary.Invalid, "split %s has invalid records", split)
		assert.Zero(t, summary.Duplicates, "split %s has duplicates", split)
	}

	// Written records land exactly where their id hash says.
	a := partition.Default()
	bySplit := writtenIDsBySplit(t, store)
	for split, ids := range bySplit {
		for id := range ids {
			assert.Equal(t, a.Split(id), split, "record %s written to wrong split", id)
		}
	}
	assert.Len(t, allWrittenIDs(bySplit), universeSize, "every universe record must be exported")

	// Success clears the checkpoint.
	cp, err := ckpt.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRun_ResumeAfterChunkFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failChunk = 5
	p, ckpt, store := newTestPipeline(t, backend)

	_, err := p.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 5 failed")

	// The failure left chunks 0-4 checkpointed and nothing written.
	cp, err := ckpt.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 4, cp.LastCompletedChunk)
	assert.NotEmpty(t, cp.Results)

	paths, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, paths, "a failed run must not write artifacts")

	firstCalls := backend.calls

	// The rerun picks up at chunk 5 and produces the complete universe.
	backend.failChunk = -1
	manifest, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, universeSize, manifest.GrandTotal, "resume must be equivalent to an uninterrupted run")

	assert.Equal(t, testTotalChunks-5, backend.calls-firstCalls, "resume must not re-query completed chunks")

	ids := allWrittenIDs(writtenIDsBySplit(t, store))
	assert.Len(t, ids, universeSize)
	for _, id := range universeIDs() {
		_, ok := ids[id]
		assert.True(t, ok, "record %s lost across resume", id)
	}

	cp, err = ckpt.Load()
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint cleared after the successful rerun")
}

func TestRun_FullyInvalidChunkAborts(t *testing.T) {
	backend := newFakeBackend()
	backend.invalidChunk = 3
	p, ckpt, store := newTestPipeline(t, backend)

	_, err := p.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 3 failed validation")
	assert.True(t, resilience.IsFatal(err))

	// The poisoned chunk never reached the checkpoint.
	cp, err := ckpt.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.LastCompletedChunk)

	paths, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestRun_DryRunWritesNothingAndKeepsCheckpoint(t *testing.T) {
	p, ckpt, store := newTestPipeline(t, newFakeBackend())

	manifest, err := p.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, universeSize, manifest.GrandTotal)

	paths, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, paths)

	cp, err := ckpt.Load()
	require.NoError(t, err)
	require.NotNil(t, cp, "dry run keeps the checkpoint so a real run can reuse it")
	assert.Equal(t, testTotalChunks-1, cp.LastCompletedChunk)
}

func TestRun_TestMode(t *testing.T) {
	backend := newFakeBackend()
	p, _, store := newTestPipeline(t, backend)

	manifest, err := p.Run(context.Background(), RunOptions{TestMode: true})
	require.NoError(t, err)

	assert.True(t, manifest.CurationInfo.IsTest)
	assert.Contains(t, manifest.CurationInfo.CurationID, "_test120_")
	assert.Equal(t, "sft_test_100_with_trajectory.kql", manifest.CurationInfo.QueryFile)
	assert.Equal(t, 1, backend.calls, "test mode is a single un-chunked query")

	// Test mode samples down to the smoke-test targets.
	assert.LessOrEqual(t, manifest.GrandTotal, 120)
	assert.Positive(t, manifest.GrandTotal)

	paths, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, paths)
}

func TestRun_SingleQueryModesKeepChunkedCheckpoint(t *testing.T) {
	backend := newFakeBackend()
	backend.failChunk = 5
	p, ckpt, _ := newTestPipeline(t, backend)

	// Interrupt a chunked run at chunk 5, leaving chunks 0-4 checkpointed.
	_, err := p.Run(context.Background(), RunOptions{})
	require.Error(t, err)

	cp, err := ckpt.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, 4, cp.LastCompletedChunk)

	backend.failChunk = -1

	// A successful smoke run in between must not destroy that progress.
	_, err = p.Run(context.Background(), RunOptions{TestMode: true})
	require.NoError(t, err)

	cp, err = ckpt.Load()
	require.NoError(t, err)
	require.NotNil(t, cp, "test-mode run must not clear the chunked run's checkpoint")
	assert.Equal(t, 4, cp.LastCompletedChunk)

	// Same for a full-window un-chunked run.
	_, err = p.Run(context.Background(), RunOptions{NoChunking: true})
	require.NoError(t, err)

	cp, err = ckpt.Load()
	require.NoError(t, err)
	require.NotNil(t, cp, "no-chunking run must not clear the chunked run's checkpoint")

	// The chunked run still resumes where it stopped and completes.
	manifest, err := p.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, universeSize, manifest.GrandTotal)

	cp, err = ckpt.Load()
	require.NoError(t, err)
	assert.Nil(t, cp, "only the completed chunked run clears the checkpoint")
}

func TestRun_TargetSplitFilter(t *testing.T) {
	p, _, store := newTestPipeline(t, newFakeBackend())

	manifest, err := p.Run(context.Background(), RunOptions{TargetSplit: partition.SplitVal})
	require.NoError(t, err)

	a := partition.Default()
	wantVal := 0
	for _, id := range universeIDs() {
		if a.Split(id) == partition.SplitVal {
			wantVal++
		}
	}
	assert.Equal(t, wantVal, manifest.GrandTotal)

	bySplit := writtenIDsBySplit(t, store)
	assert.Len(t, bySplit[partition.SplitVal], wantVal)
	assert.Empty(t, bySplit[partition.SplitTrain])
	assert.Empty(t, bySplit[partition.SplitTest])
}

func TestRun_ManifestDocumentsPartitioning(t *testing.T) {
	p, _, _ := newTestPipeline(t, newFakeBackend())

	manifest, err := p.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, "sha256(conversationId) % 100", manifest.SplitMethod.Algorithm)
	assert.Equal(t, "0 <= hash < 83", manifest.SplitMethod.TrainRange)
	assert.Equal(t, "83 <= hash < 92", manifest.SplitMethod.ValRange)
	assert.Equal(t, "92 <= hash < 100", manifest.SplitMethod.TestRange)
	assert.InDelta(t, 1.0, manifest.SplitRatios["train"]+manifest.SplitRatios["val"]+manifest.SplitRatios["test"], 1e-9)

	assert.Equal(t, [2]int{3, 5}, manifest.Stratification.Buckets[partition.StratumShort].TurnRange)
	assert.Equal(t, "ago(7d) to now()", manifest.QueryParameters.TimeWindow)
	assert.Equal(t, "https://cluster.example.net", manifest.QueryParameters.Cluster)
}
