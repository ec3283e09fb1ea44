package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"boxoffice/internal/domain"
	"boxoffice/internal/repository"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS task_history (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	backend TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	archive_location TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	completed_at DATETIME NULL,
	recorded_at DATETIME NOT NULL,
	removed_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_recorded_at ON task_history(recorded_at);
`

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create task_history table: %w", err)
	}
	return r.ensureColumns(ctx)
}

// ensureColumns upgrades tables created before completed downloads were archived.
func (r *HistoryRepository) ensureColumns(ctx context.Context) error {
	columns, err := r.columns(ctx)
	if err != nil {
		return err
	}

	if _, exists := columns["archive_location"]; !exists {
		if _, err := r.db.ExecContext(ctx, `ALTER TABLE task_history ADD COLUMN archive_location TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add column archive_location: %w", err)
		}
	}
	return nil
}

// columns must release its rows before returning: the pool holds a single connection.
func (r *HistoryRepository) columns(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(task_history)`)
	if err != nil {
		return nil, fmt.Errorf("describe task_history table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pragma table info: %w", err)
	}
	return columns, nil
}

// Record inserts or replaces the snapshot for task.ID. A previous removal mark is kept.
func (r *HistoryRepository) Record(ctx context.Context, task domain.Task) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_history (id, title, status, progress, downloaded_bytes, total_bytes, path, backend, archive_location, error_message, started_at, completed_at, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title=excluded.title,
	status=excluded.status,
	progress=excluded.progress,
	downloaded_bytes=excluded.downloaded_bytes,
	total_bytes=excluded.total_bytes,
	path=excluded.path,
	backend=excluded.backend,
	archive_location=excluded.archive_location,
	error_message=excluded.error_message,
	completed_at=excluded.completed_at,
	recorded_at=excluded.recorded_at`,
		task.ID,
		task.Title,
		string(task.Status),
		task.Progress,
		task.DownloadedBytes,
		task.TotalBytes,
		task.Path,
		task.Backend,
		task.ArchiveLocation,
		task.Error,
		task.StartedAt.UTC(),
		nullTime(task.CompletedAt),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record task history: %w", err)
	}
	return nil
}

func (r *HistoryRepository) MarkRemoved(ctx context.Context, id string, removedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE task_history SET removed_at=? WHERE id=?`, removedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark task removed: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task removal rows affected: %w", err)
	}
	if aff == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *HistoryRepository) List(ctx context.Context, limit int) ([]repository.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, title, status, progress, downloaded_bytes, total_bytes, path, backend, archive_location, error_message, started_at, completed_at, recorded_at, removed_at
FROM task_history
ORDER BY recorded_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var entries []repository.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(scanner interface {
	Scan(dest ...any) error
}) (*repository.HistoryEntry, error) {
	var (
		entry       repository.HistoryEntry
		status      string
		startedAt   time.Time
		recordedAt  time.Time
		completedAt sql.NullTime
		removedAt   sql.NullTime
	)
	task := &entry.Task
	if err := scanner.Scan(
		&task.ID,
		&task.Title,
		&status,
		&task.Progress,
		&task.DownloadedBytes,
		&task.TotalBytes,
		&task.Path,
		&task.Backend,
		&task.ArchiveLocation,
		&task.Error,
		&startedAt,
		&completedAt,
		&recordedAt,
		&removedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan task history: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.StartedAt = startedAt.Local()
	entry.RecordedAt = recordedAt.Local()
	if completedAt.Valid {
		t := completedAt.Time.Local()
		task.CompletedAt = &t
	}
	if removedAt.Valid {
		t := removedAt.Time.Local()
		entry.RemovedAt = &t
	}
	return &entry, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
