// Package status exposes live progress of a running export over a small
// HTTP surface, for operators watching a multi-hour run.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Snapshot is one point-in-time view of export progress.
type Snapshot struct {
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	TotalChunks     int       `json:"total_chunks"`
	CompletedChunks int       `json:"completed_chunks"`
	TotalRecords    int       `json:"total_records"`
	Phase           string    `json:"phase"`
	ElapsedSecs     float64   `json:"elapsed_secs"`
}

// Tracker accumulates progress counters. Safe for concurrent use; the
// pipeline writes, the HTTP handler reads.
type Tracker struct {
	mu              sync.Mutex
	runID           string
	startedAt       time.Time
	totalChunks     int
	completedChunks int
	totalRecords    int
	phase           string
}

// NewTracker creates a Tracker for one run.
func NewTracker(runID string, totalChunks int) *Tracker {
	return &Tracker{
		runID:       runID,
		startedAt:   time.Now(),
		totalChunks: totalChunks,
		phase:       "starting",
	}
}

// SetPhase records the pipeline phase currently executing.
func (t *Tracker) SetPhase(phase string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
}

// ChunkDone records a completed chunk and the accumulated record total.
func (t *Tracker) ChunkDone(completedChunks, totalRecords int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.completedChunks = completedChunks
	t.totalRecords = totalRecords
	t.mu.Unlock()
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		RunID:           t.runID,
		StartedAt:       t.startedAt,
		TotalChunks:     t.totalChunks,
		CompletedChunks: t.completedChunks,
		TotalRecords:    t.totalRecords,
		Phase:           t.phase,
		ElapsedSecs:     time.Since(t.startedAt).Seconds(),
	}
}

// Serve starts the progress listener on addr. The returned shutdown
// function stops it.
func Serve(addr string, t *Tracker) func() {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/progress", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(t.Snapshot())
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Warn("progress server stopped", zap.Error(err))
		}
	}()
	zap.L().Info("progress server listening", zap.String("addr", addr))

	return func() { _ = srv.Close() }
}
