package repository

import (
	"context"
	"time"

	"boxoffice/internal/domain"
)

// HistoryEntry is a snapshot of a task that reached a terminal state.
type HistoryEntry struct {
	Task       domain.Task
	RecordedAt time.Time
	RemovedAt  *time.Time
}

// HistoryRepository journals finished tasks. It is an audit trail, not a recovery source.
type HistoryRepository interface {
	Init(ctx context.Context) error
	Record(ctx context.Context, task domain.Task) error
	MarkRemoved(ctx context.Context, id string, removedAt time.Time) error
	List(ctx context.Context, limit int) ([]HistoryEntry, error)
}
