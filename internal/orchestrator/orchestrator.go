// Package orchestrator drives download tasks from submission to completion. It picks the
// backend, translates backend events into registry updates and owns the live handle of every
// active transfer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"boxoffice/internal/backend"
	"boxoffice/internal/domain"
	"boxoffice/internal/registry"
	"boxoffice/internal/repository"
	"boxoffice/internal/resolver"
)

// Resolver turns the caller's references into something a backend can consume.
type Resolver interface {
	Resolve(ctx context.Context, primary, secondary string) (resolver.Source, error)
}

// Archiver copies a completed download somewhere durable and returns its location.
type Archiver interface {
	Archive(ctx context.Context, taskID, localPath string) (string, error)
}

type Config struct {
	DownloadRoot   string
	SampleInterval time.Duration
	// ReleaseDelay keeps a completed transfer alive briefly so its final state can be observed.
	ReleaseDelay time.Duration
	Logger       *logrus.Logger
}

type Option func(*Orchestrator)

func WithHistory(repo repository.HistoryRepository) Option {
	return func(o *Orchestrator) { o.history = repo }
}

func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

type Orchestrator struct {
	cfg      Config
	resolver Resolver
	embedded backend.Backend
	remote   backend.Backend
	registry *registry.Registry
	history  repository.HistoryRepository
	archiver Archiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeTask
}

type activeTask struct {
	cancel  context.CancelFunc
	backend backend.Backend
	handle  backend.Handle
}

// New builds an orchestrator. remote may be nil, in which case every task runs on embedded.
func New(cfg Config, res Resolver, embedded, remote backend.Backend, opts ...Option) *Orchestrator {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.ReleaseDelay < 0 {
		cfg.ReleaseDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		resolver: res,
		embedded: embedded,
		remote:   remote,
		registry: registry.New(),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*activeTask),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit registers a new task and returns its id before any network work happens. Only a call
// without any reference fails; later failures are recorded on the task.
func (o *Orchestrator) Submit(ctx context.Context, primary, secondary, title string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	primary, secondary = strings.TrimSpace(primary), strings.TrimSpace(secondary)
	if primary == "" && secondary == "" {
		return "", fmt.Errorf("%w: a magnet link or torrent url is required", domain.ErrInvalidReference)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Unknown"
	}

	task := domain.Task{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    domain.TaskStatusStarting,
		Path:      filepath.Join(o.cfg.DownloadRoot, domain.SanitizeTitle(title)),
		StartedAt: time.Now().UTC(),
	}
	if err := o.registry.Add(task); err != nil {
		return "", err
	}

	taskCtx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.active[task.ID] = &activeTask{cancel: cancel}
	o.mu.Unlock()

	o.logger(task.ID).Infof("task created for %q", title)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(taskCtx, task, primary, secondary)
	}()
	return task.ID, nil
}

func (o *Orchestrator) Get(id string) (domain.Task, error) {
	return o.registry.Get(id)
}

// List returns every known task in submission order.
func (o *Orchestrator) List() []domain.Task {
	return o.registry.List()
}

// Remove stops the task's transfer and forgets it. Backend cancellation is best effort; the
// registry entry is always deleted.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	snapshot, err := o.registry.Get(id)
	if err == nil {
		err = o.registry.Delete(id)
	}
	entry := o.active[id]
	delete(o.active, id)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	logger := o.logger(id)
	if entry != nil {
		entry.cancel()
		if entry.handle != nil {
			o.cancelHandle(logger, entry.backend, entry.handle)
		}
	}

	// only finished tasks are journaled; anything else never reached the history
	if o.history != nil && snapshot.Status.Terminal() {
		if err := o.history.MarkRemoved(ctx, id, time.Now().UTC()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Warnf("mark history removed: %v", err)
		}
	}
	logger.Info("task removed")
	return nil
}

// Shutdown stops every running task and waits for their goroutines to exit.
func (o *Orchestrator) Shutdown() {
	o.cancel()

	o.mu.Lock()
	var pending []*activeTask
	for _, entry := range o.active {
		if entry.handle != nil {
			pending = append(pending, &activeTask{backend: entry.backend, handle: entry.handle})
			entry.backend, entry.handle = nil, nil
		}
	}
	o.mu.Unlock()

	for _, entry := range pending {
		if err := entry.backend.Cancel(entry.handle); err != nil {
			o.cfg.Logger.Warnf("cancel %s transfer: %v", entry.backend.Name(), err)
		}
	}
	o.wg.Wait()
	o.cfg.Logger.Info("orchestrator stopped")
}

func (o *Orchestrator) run(ctx context.Context, task domain.Task, primary, secondary string) {
	logger := o.logger(task.ID)

	// the daemon fetches references itself, so it gets them before any network work here
	if o.remote != nil {
		if ref, err := resolver.Classify(primary, secondary); err == nil {
			h, err := o.remote.Submit(ctx, ref, task.Path)
			if err == nil {
				if o.attach(ctx, task.ID, o.remote, h) {
					o.update(task.ID, func(t *domain.Task) { t.Backend = o.remote.Name() })
					logger.Infof("handed off to %s", o.remote.Name())
					o.retire(task.ID)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("%s unavailable, falling back to %s: %s", o.remote.Name(), o.embedded.Name(), backend.Describe(err))
		}
	}

	src, err := o.resolver.Resolve(ctx, primary, secondary)
	if err != nil {
		o.fail(task.ID, err.Error())
		return
	}
	logger.Debugf("resolved reference to %s", src)

	if err := os.MkdirAll(task.Path, 0o755); err != nil {
		o.fail(task.ID, fmt.Errorf("%w: create destination: %w", domain.ErrTransferFailed, err).Error())
		return
	}

	h, err := o.embedded.Submit(ctx, src, task.Path)
	if err != nil {
		o.fail(task.ID, backend.Describe(err))
		return
	}
	if !o.attach(ctx, task.ID, o.embedded, h) {
		return
	}
	o.update(task.ID, func(t *domain.Task) { t.Backend = o.embedded.Name() })

	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sample(sampleCtx, task.ID, h)
	}()

	o.consume(ctx, task.ID, h, stopSampling)
}

// attach stores the handle in the handle table. A task removed while the backend was
// accepting the transfer gets its handle cancelled straight away.
func (o *Orchestrator) attach(ctx context.Context, id string, b backend.Backend, h backend.Handle) bool {
	o.mu.Lock()
	entry, ok := o.active[id]
	if ok && ctx.Err() == nil {
		entry.backend, entry.handle = b, h
	}
	o.mu.Unlock()
	if ok && ctx.Err() == nil {
		return true
	}
	o.cancelHandle(o.logger(id), b, h)
	return false
}

func (o *Orchestrator) consume(ctx context.Context, id string, h backend.Handle, stopSampling context.CancelFunc) {
	events := h.Events()
	if events == nil {
		<-ctx.Done()
		return
	}
	logger := o.logger(id)

	for {
		var (
			ev backend.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
		}
		if !ok {
			return
		}

		switch ev.Kind {
		case backend.EventMetadata, backend.EventProgress:
			m := h.Metrics()
			task, err := o.registry.Update(id, func(t *domain.Task) {
				t.MarkDownloading()
				t.ApplyMetrics(m)
			})
			if err == nil && ev.Kind == backend.EventMetadata {
				logger.Infof("metadata received, %d bytes to download", task.TotalBytes)
			}
		case backend.EventCompleted:
			stopSampling()
			m := h.Metrics()
			task, err := o.registry.Update(id, func(t *domain.Task) {
				t.ApplyMetrics(m)
				t.MarkCompleted(time.Now())
			})
			if err != nil {
				return
			}
			logger.Info("download completed")
			o.record(task)
			o.finish(ctx, id, task.Path)
			return
		case backend.EventError:
			stopSampling()
			o.fail(id, backend.Describe(ev.Err))
			return
		}
	}
}

// finish releases a completed transfer after the grace delay and archives its files.
func (o *Orchestrator) finish(ctx context.Context, id, path string) {
	defer o.retire(id)

	timer := time.NewTimer(o.cfg.ReleaseDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	o.release(id)

	if o.archiver == nil {
		return
	}
	location, err := o.archiver.Archive(ctx, id, path)
	if err != nil {
		o.logger(id).Errorf("archive failed: %v", err)
		return
	}
	task, err := o.registry.Update(id, func(t *domain.Task) { t.ArchiveLocation = location })
	if err == nil {
		o.record(task)
	}
}

func (o *Orchestrator) sample(ctx context.Context, id string, h backend.Handle) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m := h.Metrics()
		task, err := o.registry.Update(id, func(t *domain.Task) {
			if t.Status == domain.TaskStatusDownloading {
				t.ApplyMetrics(m)
			}
		})
		if err != nil || task.Status.Terminal() || m.Done {
			return
		}
	}
}

func (o *Orchestrator) fail(id, cause string) {
	task, err := o.registry.Update(id, func(t *domain.Task) { t.MarkFailed(cause) })
	if err != nil {
		// removed meanwhile
		return
	}
	o.logger(id).Errorf("task failed: %s", task.Error)
	o.record(task)
	o.release(id)
	o.retire(id)
}

// release detaches the handle from the table and cancels it on its backend.
func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	var (
		b backend.Backend
		h backend.Handle
	)
	if entry, ok := o.active[id]; ok {
		b, h = entry.backend, entry.handle
		entry.backend, entry.handle = nil, nil
	}
	o.mu.Unlock()
	if h != nil {
		o.cancelHandle(o.logger(id), b, h)
	}
}

// retire cancels the task's context once nothing runs for it anymore. The entry stays in the
// table while it still holds a handle, so Remove can reach the backend.
func (o *Orchestrator) retire(id string) {
	o.mu.Lock()
	entry, ok := o.active[id]
	if ok && entry.handle == nil {
		delete(o.active, id)
	}
	o.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

func (o *Orchestrator) cancelHandle(logger *logrus.Entry, b backend.Backend, h backend.Handle) {
	if err := b.Cancel(h); err != nil {
		logger.Warnf("cancel %s transfer: %v", b.Name(), err)
	}
}

func (o *Orchestrator) update(id string, fn func(*domain.Task)) {
	if _, err := o.registry.Update(id, fn); err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.logger(id).Warnf("update task: %v", err)
	}
}

func (o *Orchestrator) record(task domain.Task) {
	if o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.history.Record(ctx, task); err != nil {
		o.logger(task.ID).Warnf("record history: %v", err)
	}
}

func (o *Orchestrator) logger(id string) *logrus.Entry {
	return o.cfg.Logger.WithField("task_id", id)
}
