package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.Save(ctx, Run{
		StartedAt:           started,
		URL:                 "http://localhost:8080/rest",
		Dialect:             "fcrepo4",
		Action:              "create",
		NumActions:          100,
		NumThreads:          4,
		SizeBytes:           1 << 20,
		Transaction:         "none",
		Count:               100,
		TotalDurationMillis: 5000,
		WallMillis:          1400,
		ThroughputMBps:      20.5,
		Report:              `{"action":"create"}`,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, id, got.ID)
	assert.True(t, started.Equal(got.StartedAt), "started_at = %v, want %v", got.StartedAt, started)
	assert.Equal(t, "fcrepo4", got.Dialect)
	assert.Equal(t, int64(1<<20), got.SizeBytes)
	assert.Equal(t, 20.5, got.ThroughputMBps)
	assert.Equal(t, `{"action":"create"}`, got.Report)
	assert.False(t, got.Failed())
}

func TestSaveFailedRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, Run{
		ID:          "failed-run",
		URL:         "http://localhost:8080/rest",
		Dialect:     "fcrepo4",
		Action:      "delete",
		NumActions:  10,
		NumThreads:  2,
		Transaction: "none",
		Error:       "action 6: DELETE returned 500",
	})
	require.NoError(t, err)
	assert.Equal(t, "failed-run", id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)

	assert.True(t, got.Failed())
	assert.Equal(t, "action 6: DELETE returned 500", got.Error)
	assert.Empty(t, got.Report)
}

func TestSaveDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := Run{ID: "dup", Action: "read", Transaction: "none"}

	_, err := s.Save(ctx, run)
	require.NoError(t, err)

	_, err = s.Save(ctx, run)
	assert.Error(t, err)
}

func TestGetUnknown(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "err = %v, want ErrNotFound", err)
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{"create", "read", "update", "delete"} {
		_, err := s.Save(ctx, Run{
			ID:          action,
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			Action:      action,
			Transaction: "none",
		})
		require.NoError(t, err)
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	got := make([]string, len(all))
	for i, r := range all {
		got[i] = r.ID
	}

	assert.Equal(t, []string{"delete", "update", "read", "create"}, got)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "delete", limited[0].ID)
}

func TestReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)

	id, err := s.Save(ctx, Run{Action: "create", Transaction: "none"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "create", got.Action)
}

func TestNewRunIDUnique(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := NewRunID()
		assert.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}
