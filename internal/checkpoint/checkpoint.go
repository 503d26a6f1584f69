// Package checkpoint persists extraction progress so an interrupted run
// resumes exactly where it stopped. The checkpoint is a single local JSON
// file owned by one pipeline process; saves go through a temp file and an
// atomic rename, so a reader never observes a partial write.
package checkpoint

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gh-analytics/sft-export/internal/model"
)

// Store reads and writes the checkpoint file at a fixed path.
type Store struct {
	path string
}

// NewStore creates a Store for the given checkpoint path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the saved checkpoint, or nil if none exists. A corrupt
// checkpoint is logged and treated as absent rather than failing the run:
// starting over is always safe, refusing to start is not.
func (s *Store) Load() (*model.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: read %s", s.path)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		zap.L().Warn("checkpoint unreadable, starting from scratch",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return nil, nil
	}
	return &cp, nil
}

// Save writes accumulated results and progress. seen holds every
// conversation id accumulated so far, for chunk-local deduplication on
// resume.
func (s *Store) Save(results []model.Conversation, lastCompletedChunk int, seen map[string]struct{}) error {
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cp := model.Checkpoint{
		LastCompletedChunk:  lastCompletedChunk,
		TotalRecords:        len(results),
		SeenConversationIDs: ids,
		Results:             results,
		Timestamp:           time.Now().UTC(),
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "checkpoint: write %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return eris.Wrapf(err, "checkpoint: rename %s", s.path)
	}

	zap.L().Info("checkpoint saved",
		zap.Int("records", len(results)),
		zap.Int("last_completed_chunk", lastCompletedChunk),
	)
	return nil
}

// Clear removes the checkpoint file. Called only after the full pipeline
// succeeds.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "checkpoint: remove %s", s.path)
	}
	zap.L().Info("checkpoint cleared", zap.String("path", s.path))
	return nil
}
