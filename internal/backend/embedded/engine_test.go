package embedded

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/backend"
	"boxoffice/internal/domain"
	"boxoffice/internal/resolver"
)

func TestBuildSpecFromMagnet(t *testing.T) {
	src := resolver.MagnetSource("magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=test")

	spec, store, err := buildSpec(src, t.TempDir(), []string{"udp://tracker.example:1337/announce"})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", spec.InfoHash.HexString())
	assert.Equal(t, "test", spec.DisplayName)
	assert.Contains(t, spec.Trackers, []string{"udp://tracker.example:1337/announce"})
	assert.NotNil(t, spec.Storage)
}

func TestBuildSpecRejectsMalformedMagnet(t *testing.T) {
	_, _, err := buildSpec(resolver.MagnetSource("magnet:?xt=urn:btih:AAA"), t.TempDir(), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolIncompatible)
}

func TestBuildSpecRejectsGarbageTorrentFile(t *testing.T) {
	_, _, err := buildSpec(resolver.TorrentFileSource([]byte("<html>not a torrent</html>")), t.TempDir(), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolIncompatible)
}

func TestBuildSpecRejectsEmptySource(t *testing.T) {
	_, _, err := buildSpec(resolver.Source{}, t.TempDir(), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolIncompatible)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	e, err := New(Config{
		DataDir:      t.TempDir(),
		ListenPort:   0,
		NoUpload:     true,
		NoDHT:        true,
		Trackers:     []string{"http://127.0.0.1:1/announce"},
		PollInterval: 10 * time.Millisecond,
		Logger:       logger,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// seededTorrent writes a payload into dir and returns a torrent file describing it.
func seededTorrent(t *testing.T, dir string, size int) []byte {
	t.Helper()
	payload := make([]byte, size)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	path := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	info := metainfo.Info{PieceLength: 256 << 10}
	require.NoError(t, info.BuildFromFilePath(path))
	mi := metainfo.MetaInfo{}
	mi.InfoBytes, err = bencode.Marshal(info)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes()
}

func collect(t *testing.T, events <-chan backend.Event) []backend.EventKind {
	t.Helper()
	var kinds []backend.EventKind
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return kinds
			}
			if ev.Kind != backend.EventProgress {
				kinds = append(kinds, ev.Kind)
			}
		case <-timeout:
			t.Fatalf("events channel still open, got %v", kinds)
			return nil
		}
	}
}

func TestEngineLifecycle(t *testing.T) {
	e := newTestEngine(t)
	destDir := t.TempDir()
	const size = 450000

	h, err := e.Submit(context.Background(), resolver.TorrentFileSource(seededTorrent(t, destDir, size)), destDir)
	require.NoError(t, err)

	// the payload is already on disk, so verification alone completes the transfer
	assert.Equal(t, []backend.EventKind{backend.EventMetadata, backend.EventCompleted}, collect(t, h.Events()))

	m := h.Metrics()
	assert.True(t, m.Done)
	assert.Equal(t, int64(size), m.DownloadedBytes)
	assert.Equal(t, int64(size), m.TotalBytes)
	assert.Zero(t, m.DownloadSpeed, "verified pieces are not download traffic")

	assert.NoError(t, e.Cancel(h))
	assert.NoError(t, e.Cancel(h))
	assert.Error(t, e.Cancel(backend.Ack{Backend: "qbittorrent"}))
}

func TestEngineCancelClosesEvents(t *testing.T) {
	e := newTestEngine(t)

	src := resolver.MagnetSource("magnet:?xt=urn:btih:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa&dn=nobody")
	h, err := e.Submit(context.Background(), src, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, domain.Metrics{}, h.Metrics())

	_, err = e.Submit(context.Background(), src, t.TempDir())
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	require.NoError(t, e.Cancel(h))
	assert.Empty(t, collect(t, h.Events()))
}
