package qbittorrent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/backend"
	"boxoffice/internal/domain"
	"boxoffice/internal/resolver"
)

const testMagnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=test"

type fakeDaemon struct {
	logins      atomic.Int32
	adds        atomic.Int32
	rejectLogin bool

	mu       sync.Mutex
	urls     []string
	files    [][]byte
	category string
}

func (d *fakeDaemon) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		d.logins.Add(1)
		if d.rejectLogin {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.NoError(t, r.ParseForm())
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			_, _ = io.WriteString(w, "Fails.")
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "session", Path: "/"})
		_, _ = io.WriteString(w, "Ok.")
	})
	mux.HandleFunc("/api/v2/torrents/add", func(w http.ResponseWriter, r *http.Request) {
		d.adds.Add(1)
		if c, err := r.Cookie("SID"); err != nil || c.Value != "session" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		d.mu.Lock()
		d.category = r.FormValue("category")
		if u := r.FormValue("urls"); u != "" {
			d.urls = append(d.urls, u)
		}
		if fhs := r.MultipartForm.File["torrents"]; len(fhs) > 0 {
			f, err := fhs[0].Open()
			assert.NoError(t, err)
			data, _ := io.ReadAll(f)
			_ = f.Close()
			d.files = append(d.files, data)
		}
		d.mu.Unlock()
		_, _ = io.WriteString(w, "Ok.")
	})
	return mux
}

func newTestClient(t *testing.T, url, password string) *Client {
	c, err := New(Config{BaseURL: url, Username: "admin", Password: password, Category: "movies"})
	require.NoError(t, err)
	return c
}

func TestSubmitMagnetReusesSession(t *testing.T) {
	daemon := &fakeDaemon{}
	srv := httptest.NewServer(daemon.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "secret")

	h, err := c.Submit(context.Background(), resolver.MagnetSource(testMagnet), "")
	require.NoError(t, err)
	assert.Equal(t, backend.Ack{Backend: Name}, h)
	assert.Nil(t, h.Events())

	_, err = c.Submit(context.Background(), resolver.MagnetSource(testMagnet), "")
	require.NoError(t, err)

	assert.Equal(t, int32(1), daemon.logins.Load())
	assert.Equal(t, int32(2), daemon.adds.Load())
	assert.Equal(t, []string{testMagnet, testMagnet}, daemon.urls)
	assert.Equal(t, "movies", daemon.category)
	assert.NoError(t, c.Cancel(h))
}

func TestSubmitTorrentFileUploadsBytes(t *testing.T) {
	daemon := &fakeDaemon{}
	srv := httptest.NewServer(daemon.handler(t))
	defer srv.Close()

	data := []byte("d4:infod4:name4:testee")
	_, err := newTestClient(t, srv.URL, "secret").Submit(context.Background(), resolver.TorrentFileSource(data), "")
	require.NoError(t, err)

	require.Len(t, daemon.files, 1)
	assert.Equal(t, data, daemon.files[0])
}

func TestSubmitURLPassesReferenceThrough(t *testing.T) {
	daemon := &fakeDaemon{}
	srv := httptest.NewServer(daemon.handler(t))
	defer srv.Close()

	link := "https://indexer.example/download?id=42"
	_, err := newTestClient(t, srv.URL, "secret").Submit(context.Background(), resolver.URLSource(link), "")
	require.NoError(t, err)

	assert.Equal(t, []string{link}, daemon.urls)
	assert.Empty(t, daemon.files)
}

func TestLoginUnauthorized(t *testing.T) {
	daemon := &fakeDaemon{rejectLogin: true}
	srv := httptest.NewServer(daemon.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "secret")
	_, err := c.Submit(context.Background(), resolver.MagnetSource(testMagnet), "")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	assert.Zero(t, daemon.adds.Load())
}

func TestLoginWrongPassword(t *testing.T) {
	daemon := &fakeDaemon{}
	srv := httptest.NewServer(daemon.handler(t))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, "wrong").Submit(context.Background(), resolver.MagnetSource(testMagnet), "")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
}

func TestDaemonUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url, "secret").Submit(context.Background(), resolver.MagnetSource(testMagnet), "")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestNewRejectsInvalidURL(t *testing.T) {
	_, err := New(Config{BaseURL: "localhost"})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}
