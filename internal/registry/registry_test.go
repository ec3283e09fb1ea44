package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/domain"
)

func TestAddGetList(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Add(domain.Task{ID: id, Status: domain.TaskStatusStarting}))
	}

	assert.Error(t, r.Add(domain.Task{ID: "a"}))
	assert.Error(t, r.Add(domain.Task{}))

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusStarting, got.Status)

	var ids []string
	for _, task := range r.List() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Len(t, r.List(), 3)
}

func TestReturnedTasksAreCopies(t *testing.T) {
	r := New()
	now := time.Now()
	require.NoError(t, r.Add(domain.Task{ID: "x", Title: "original", CompletedAt: &now}))

	got, err := r.Get("x")
	require.NoError(t, err)
	got.Title = "mutated"
	*got.CompletedAt = now.Add(time.Hour)

	again, err := r.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Title)
	assert.Equal(t, now, *again.CompletedAt)
}

func TestUpdateIsAtomicAndKeepsID(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(domain.Task{ID: "x"}))

	updated, err := r.Update("x", func(task *domain.Task) {
		task.ID = "hijacked"
		task.Status = domain.TaskStatusDownloading
	})
	require.NoError(t, err)
	assert.Equal(t, "x", updated.ID)
	assert.Equal(t, domain.TaskStatusDownloading, updated.Status)

	_, err = r.Update("missing", func(*domain.Task) {})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteTwiceReturnsNotFound(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(domain.Task{ID: "a"}))
	require.NoError(t, r.Add(domain.Task{ID: "b"}))

	require.NoError(t, r.Delete("a"))
	assert.ErrorIs(t, r.Delete("a"), domain.ErrNotFound)
	assert.ErrorIs(t, r.Delete("never"), domain.ErrNotFound)

	_, err := r.Get("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, r.List(), 1)
	assert.Equal(t, "b", r.List()[0].ID)
}

func TestConcurrentReadersNeverSeeTornWrites(t *testing.T) {
	r := New()
	const tasks = 8
	for i := 0; i < tasks; i++ {
		require.NoError(t, r.Add(domain.Task{ID: fmt.Sprint(i), Status: domain.TaskStatusDownloading}))
	}

	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		id := fmt.Sprint(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := int64(1); n <= 200; n++ {
				_, _ = r.Update(id, func(task *domain.Task) {
					task.ApplyMetrics(domain.Metrics{DownloadedBytes: n, TotalBytes: 200})
				})
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		for _, task := range r.List() {
			assert.LessOrEqual(t, task.DownloadedBytes, task.TotalBytes)
			if task.TotalBytes > 0 {
				assert.InDelta(t, float64(task.DownloadedBytes)*100/float64(task.TotalBytes), task.Progress, 0.0001)
			}
		}
		select {
		case <-done:
			return
		default:
		}
	}
}
