package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gh-analytics/sft-export/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))
}

func TestLoad_AbsentReturnsNil(t *testing.T) {
	s := testStore(t)
	cp, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	s := testStore(t)

	results := []model.Conversation{
		{ConversationID: "conv-0001", UserName: "alice", Bucket: "short_3_to_5_turns"},
		{ConversationID: "conv-0002", UserName: "bob", Bucket: "medium_6_to_10_turns"},
	}
	seen := map[string]struct{}{
		"conv-0002": {},
		"conv-0001": {},
	}

	require.NoError(t, s.Save(results, 7, seen))

	cp, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)

	assert.Equal(t, 7, cp.LastCompletedChunk)
	assert.Equal(t, 2, cp.TotalRecords)
	assert.Equal(t, []string{"conv-0001", "conv-0002"}, cp.SeenConversationIDs)
	require.Len(t, cp.Results, 2)
	assert.Equal(t, "conv-0001", cp.Results[0].ConversationID)
	assert.False(t, cp.Timestamp.IsZero())
}

func TestSave_Overwrites(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Save([]model.Conversation{{ConversationID: "a"}}, 0, map[string]struct{}{"a": {}}))
	require.NoError(t, s.Save([]model.Conversation{
		{ConversationID: "a"},
		{ConversationID: "b"},
	}, 1, map[string]struct{}{"a": {}, "b": {}}))

	cp, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.LastCompletedChunk)
	assert.Equal(t, 2, cp.TotalRecords)
}

func TestSave_NoTempFileLeftBehind(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(nil, 0, nil))

	_, err := os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestLoad_CorruptTreatedAsAbsent(t *testing.T) {
	s := testStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	cp, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, cp, "corrupt checkpoint should start a fresh run, not fail")
}

func TestClear(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(nil, 3, nil))
	require.NoError(t, s.Clear())

	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))

	// Clearing an already-absent checkpoint is not an error.
	require.NoError(t, s.Clear())
}
