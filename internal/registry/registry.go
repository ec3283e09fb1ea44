// Package registry holds the in-memory set of download tasks. It is the single source of truth
// for status queries and hands out copies only.
package registry

import (
	"fmt"
	"sync"

	"boxoffice/internal/domain"
)

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	order []string
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*domain.Task)}
}

func (r *Registry) Add(task domain.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already registered", task.ID)
	}
	stored := task.Clone()
	r.tasks[task.ID] = &stored
	r.order = append(r.order, task.ID)
	return nil
}

func (r *Registry) Get(id string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return task.Clone(), nil
}

// List returns every task in insertion order.
func (r *Registry) List() []domain.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].Clone())
	}
	return out
}

// Update applies fn to the stored task under the write lock, so readers never observe a
// partially applied change. It returns the updated copy.
func (r *Registry) Update(id string, fn func(*domain.Task)) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	next := task.Clone()
	fn(&next)
	next.ID = id
	*task = next
	return next.Clone(), nil
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.tasks, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}
