package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/domain"
)

func newTestRepository(t *testing.T) *HistoryRepository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history", "boxoffice.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewHistoryRepository(db).(*HistoryRepository)
	require.NoError(t, repo.Init(context.Background()))
	// Init is idempotent
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func TestRecordAndList(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	completed := time.Now().Truncate(time.Second)
	task := domain.Task{
		ID:              "task-1",
		Title:           "Movie Title (2020)",
		Status:          domain.TaskStatusCompleted,
		Progress:        100,
		DownloadedBytes: 42,
		TotalBytes:      42,
		Path:            "/downloads/Movie_Title_(2020)",
		Backend:         "embedded",
		StartedAt:       started,
		CompletedAt:     &completed,
	}
	require.NoError(t, repo.Record(ctx, task))

	task.ArchiveLocation = "s3://bucket/tasks/task-1"
	require.NoError(t, repo.Record(ctx, task))

	entries, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0].Task
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, float64(100), got.Progress)
	assert.Equal(t, "s3://bucket/tasks/task-1", got.ArchiveLocation)
	assert.True(t, started.Equal(got.StartedAt))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))
	assert.Nil(t, entries[0].RemovedAt)
}

func TestMarkRemoved(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, domain.Task{
		ID:        "task-2",
		Title:     "Broken",
		Status:    domain.TaskStatusError,
		Error:     "invalid reference",
		StartedAt: time.Now(),
	}))
	require.NoError(t, repo.MarkRemoved(ctx, "task-2", time.Now()))
	assert.ErrorIs(t, repo.MarkRemoved(ctx, "missing", time.Now()), domain.ErrNotFound)

	entries, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotNil(t, entries[0].RemovedAt)
	assert.Equal(t, "invalid reference", entries[0].Task.Error)
}

func TestCreateTableHasArchiveLocation(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(createHistoryTable)
	require.NoError(t, err)

	columns, err := NewHistoryRepository(db).(*HistoryRepository).columns(context.Background())
	require.NoError(t, err)
	assert.Contains(t, columns, "archive_location")
}

func TestInitUpgradesLegacyTable(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE task_history (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME NULL,
		recorded_at DATETIME NOT NULL,
		removed_at DATETIME NULL
	)`)
	require.NoError(t, err)

	ctx := context.Background()
	repo := NewHistoryRepository(db)
	require.NoError(t, repo.Init(ctx))

	require.NoError(t, repo.Record(ctx, domain.Task{
		ID:              "legacy-1",
		Title:           "Old Movie",
		Status:          domain.TaskStatusCompleted,
		ArchiveLocation: "s3://bucket/tasks/legacy-1",
		StartedAt:       time.Now(),
	}))
	entries, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s3://bucket/tasks/legacy-1", entries[0].Task.ArchiveLocation)
}
