// Package embedded runs transfers in-process on an anacrolix/torrent client.
package embedded

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"

	"boxoffice/internal/backend"
	"boxoffice/internal/domain"
	"boxoffice/internal/resolver"
)

const Name = "embedded"

type Config struct {
	DataDir    string
	ListenPort int
	NoUpload   bool
	NoDHT      bool
	Seed       bool
	Trackers   []string
	// PollInterval controls how often the completion watcher looks at the torrent.
	PollInterval time.Duration
	// MetadataTimeout fails a transfer whose info never arrives. Zero waits forever.
	MetadataTimeout time.Duration
	Logger          *logrus.Logger
}

type Engine struct {
	cfg    Config
	client *torrent.Client
	mu     sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.Trackers) == 0 {
		cfg.Trackers = DefaultTrackers()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.ListenPort = cfg.ListenPort
	clientConfig.NoUpload = cfg.NoUpload
	clientConfig.NoDHT = cfg.NoDHT
	clientConfig.Seed = cfg.Seed

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	cfg.Logger.Infof("embedded torrent engine started, data dir: %s", cfg.DataDir)
	return &Engine{cfg: cfg, client: client}, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Submit(ctx context.Context, src resolver.Source, destDir string) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, store, err := buildSpec(src, destDir, e.cfg.Trackers)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, exists := e.client.Torrent(spec.InfoHash); exists {
		e.mu.Unlock()
		_ = store.Close()
		return nil, fmt.Errorf("%w: torrent %s is already being downloaded", domain.ErrTransferFailed, spec.InfoHash.HexString())
	}
	t, _, err := e.client.AddTorrentSpec(spec)
	e.mu.Unlock()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%w: add torrent: %w", domain.ErrTransferFailed, err)
	}

	tr := newTransfer(t, store)
	e.cfg.Logger.WithField("info_hash", spec.InfoHash.HexString()).Infof("added %s to %s", src, destDir)
	go tr.watch(e.cfg.PollInterval, e.cfg.MetadataTimeout)
	return tr, nil
}

func (e *Engine) Cancel(h backend.Handle) error {
	tr, ok := h.(*transfer)
	if !ok {
		return fmt.Errorf("handle %T does not belong to the embedded engine", h)
	}
	tr.close()
	return nil
}

// Close stops every transfer and shuts the client down.
func (e *Engine) Close() {
	for _, err := range e.client.Close() {
		e.cfg.Logger.Warnf("close torrent client: %v", err)
	}
	e.cfg.Logger.Info("embedded torrent engine stopped")
}

func buildSpec(src resolver.Source, destDir string, trackers []string) (*torrent.TorrentSpec, storage.ClientImplCloser, error) {
	var (
		spec *torrent.TorrentSpec
		err  error
	)
	switch src.Kind {
	case resolver.SourceMagnet:
		spec, err = torrent.TorrentSpecFromMagnetUri(src.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parse magnet: %w", domain.ErrProtocolIncompatible, err)
		}
	case resolver.SourceTorrentFile:
		mi, err := metainfo.Load(bytes.NewReader(src.Data))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parse torrent file: %w", domain.ErrProtocolIncompatible, err)
		}
		spec, err = torrent.TorrentSpecFromMetaInfoErr(mi)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read torrent info: %w", domain.ErrProtocolIncompatible, err)
		}
	default:
		return nil, nil, fmt.Errorf("%w: unsupported source %s", domain.ErrProtocolIncompatible, src.Kind)
	}
	if spec.InfoHash == (metainfo.Hash{}) {
		return nil, nil, fmt.Errorf("%w: missing info hash", domain.ErrProtocolIncompatible)
	}
	for _, tracker := range trackers {
		spec.Trackers = append(spec.Trackers, []string{tracker})
	}
	store := storage.NewFile(destDir)
	spec.Storage = store
	return spec, store, nil
}

type transfer struct {
	t      *torrent.Torrent
	store  storage.ClientImplCloser
	events chan backend.Event
	stop   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	lastRead int64
	lastSent int64
	lastTime time.Time
}

func newTransfer(t *torrent.Torrent, store storage.ClientImplCloser) *transfer {
	return &transfer{
		t:        t,
		store:    store,
		events:   make(chan backend.Event, 8),
		stop:     make(chan struct{}),
		lastTime: time.Now(),
	}
}

func (tr *transfer) Events() <-chan backend.Event { return tr.events }

func (tr *transfer) Metrics() domain.Metrics {
	if tr.t.Info() == nil {
		return domain.Metrics{}
	}
	downloaded := tr.t.BytesCompleted()
	// speeds count payload exchanged with peers; pieces verified from disk are not traffic
	stats := tr.t.Stats()
	read := stats.BytesReadData.Int64()
	sent := stats.BytesWrittenData.Int64()

	tr.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(tr.lastTime).Seconds()
	var down, up int64
	if elapsed > 0 {
		down = int64(float64(read-tr.lastRead) / elapsed)
		up = int64(float64(sent-tr.lastSent) / elapsed)
	}
	tr.lastRead, tr.lastSent, tr.lastTime = read, sent, now
	tr.mu.Unlock()

	return domain.Metrics{
		DownloadedBytes: downloaded,
		TotalBytes:      tr.t.Length(),
		DownloadSpeed:   max(down, 0),
		UploadSpeed:     max(up, 0),
		Peers:           stats.ActivePeers,
		Done:            tr.t.BytesMissing() == 0,
	}
}

func (tr *transfer) watch(pollInterval, metadataTimeout time.Duration) {
	defer close(tr.events)

	var timeout <-chan time.Time
	if metadataTimeout > 0 {
		timer := time.NewTimer(metadataTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-tr.stop:
		return
	case <-timeout:
		tr.emit(backend.Event{
			Kind: backend.EventError,
			Err:  fmt.Errorf("%w: no metadata received within %s", domain.ErrTransferFailed, metadataTimeout),
		})
		return
	case <-tr.t.GotInfo():
	}

	if tr.t.Info() == nil {
		tr.emit(backend.Event{Kind: backend.EventError, Err: fmt.Errorf("%w: missing torrent info", domain.ErrTransferFailed)})
		return
	}
	tr.t.DownloadAll()
	if !tr.emit(backend.Event{Kind: backend.EventMetadata}) {
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		if tr.t.BytesMissing() == 0 {
			tr.emit(backend.Event{Kind: backend.EventCompleted})
			return
		}
		if done := tr.t.BytesCompleted(); done != last {
			last = done
			tr.offer(backend.Event{Kind: backend.EventProgress})
		}
		select {
		case <-tr.stop:
			return
		case <-ticker.C:
		}
	}
}

// emit delivers lifecycle events that must not be lost.
func (tr *transfer) emit(ev backend.Event) bool {
	select {
	case tr.events <- ev:
		return true
	case <-tr.stop:
		return false
	}
}

// offer drops progress events when the consumer lags; the sampler covers the gap.
func (tr *transfer) offer(ev backend.Event) {
	select {
	case tr.events <- ev:
	default:
	}
}

func (tr *transfer) close() {
	tr.once.Do(func() {
		close(tr.stop)
		tr.t.Drop()
		_ = tr.store.Close()
	})
}

func DefaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}

var (
	_ backend.Backend = (*Engine)(nil)
	_ backend.Handle  = (*transfer)(nil)
)
