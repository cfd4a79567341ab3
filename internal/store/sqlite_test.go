package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStateRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	got, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SaveState(ctx, map[string]any{"a": 1, "nested": map[string]any{"b": "x"}}))
	require.NoError(t, s.SaveState(ctx, map[string]any{"a": 2}))

	got, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(2)}, got)
}

func TestMessages(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, "user_1", "user", "hello"))
	require.NoError(t, s.AppendMessage(ctx, "assistant_1", "assistant", "hi there"))
	require.NoError(t, s.AppendMessage(ctx, "user_2", "user", "bye"))

	all, err := s.ListMessages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "hello", all[0].Content)
	assert.Equal(t, "bye", all[2].Content)

	last, err := s.ListMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "assistant", last[0].Role)
	assert.Equal(t, "user_2", last[1].MessageID)

	require.NoError(t, s.ClearMessages(ctx))
	all, err = s.ListMessages(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRecordRun(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, "run_1", RunStarted, ""))
	require.NoError(t, s.RecordRun(ctx, "run_1", RunFailed, "boom"))
	require.NoError(t, s.RecordRun(ctx, "run_2", RunStarted, ""))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]*RunRecord{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.Equal(t, RunFailed, byID["run_1"].Status)
	assert.Equal(t, "boom", byID["run_1"].Error)
	assert.NotNil(t, byID["run_1"].FinishedAt)
	assert.Equal(t, RunStarted, byID["run_2"].Status)
	assert.Nil(t, byID["run_2"].FinishedAt)
}

func TestAPIKeys(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	n, err := s.CountAPIKeys(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	key := &APIKey{ID: "k1", Name: "ci", KeyHash: "hash1", Prefix: "agsk_abcdefg", CreatedAt: time.Now()}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	got, err := s.VerifyAPIKey(ctx, "hash1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ci", got.Name)
	assert.NotNil(t, got.LastUsed)

	missing, err := s.VerifyAPIKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsed)

	require.NoError(t, s.DeleteAPIKey(ctx, "agsk_abcdefg"))
	require.ErrorIs(t, s.DeleteAPIKey(ctx, "k1"), ErrNotFound)

	n, err = s.CountAPIKeys(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
