package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Snapshot(t *testing.T) {
	tr := NewTracker("run-1", 60)
	tr.SetPhase("extracting")
	tr.ChunkDone(12, 4800)

	snap := tr.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 60, snap.TotalChunks)
	assert.Equal(t, 12, snap.CompletedChunks)
	assert.Equal(t, 4800, snap.TotalRecords)
	assert.Equal(t, "extracting", snap.Phase)
	assert.False(t, snap.StartedAt.IsZero())
}

func TestTracker_NilSafe(t *testing.T) {
	var tr *Tracker
	tr.SetPhase("extracting")
	tr.ChunkDone(1, 10)
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	tr := NewTracker("run-1", 60)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.ChunkDone(i+1, (i+1)*100)
			_ = tr.Snapshot()
		}()
	}
	wg.Wait()

	snap := tr.Snapshot()
	assert.Positive(t, snap.CompletedChunks)
	assert.Equal(t, snap.CompletedChunks*100, snap.TotalRecords)
}

func TestProgressEndpoints(t *testing.T) {
	tr := NewTracker("run-9", 10)
	tr.SetPhase("validating")
	tr.ChunkDone(10, 950)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/progress", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tr.Snapshot())
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "run-9", snap.RunID)
	assert.Equal(t, 10, snap.CompletedChunks)
	assert.Equal(t, "validating", snap.Phase)
}
