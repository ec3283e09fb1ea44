// Package qbittorrent hands transfers to a remote qBittorrent daemon through its Web UI API.
package qbittorrent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"boxoffice/internal/backend"
	"boxoffice/internal/domain"
	"boxoffice/internal/resolver"
)

const Name = "qbittorrent"

type Config struct {
	BaseURL  string
	Username string
	Password string
	// SavePath is the download directory as seen by the daemon. Empty uses the daemon default.
	SavePath     string
	Category     string
	LoginTimeout time.Duration
	AddTimeout   time.Duration
	Transport    http.RoundTripper
	Logger       *logrus.Logger
}

// Client submits torrents to qBittorrent. The daemon owns the transfer lifecycle afterwards.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logins singleflight.Group

	mu     sync.Mutex
	authed bool
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid qbittorrent url %q", domain.ErrBackendUnavailable, cfg.BaseURL)
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 5 * time.Second
	}
	if cfg.AddTimeout <= 0 {
		cfg.AddTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Transport: cfg.Transport, Jar: jar},
	}, nil
}

func (c *Client) Name() string { return Name }

func (c *Client) Submit(ctx context.Context, src resolver.Source, _ string) (backend.Handle, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	body, contentType, err := c.addForm(src)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.AddTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "/api/v2/torrents/add", body, contentType)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: add torrent: %w", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	text := readBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		c.setAuthed(false)
		return nil, fmt.Errorf("%w: qbittorrent rejected the session (%s)", domain.ErrAuthenticationFailed, resp.Status)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: qbittorrent API error: %s - %s", domain.ErrTransferFailed, resp.Status, text)
	case text == "Fails.":
		return nil, fmt.Errorf("%w: qbittorrent refused the torrent", domain.ErrTransferFailed)
	}

	c.cfg.Logger.WithField("backend", Name).Infof("added %s to qbittorrent", src)
	return backend.Ack{Backend: Name}, nil
}

// Cancel is a no-op: the daemon keeps managing transfers it accepted.
func (c *Client) Cancel(backend.Handle) error { return nil }

func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if authed {
		return nil
	}
	_, err, _ := c.logins.Do("login", func() (any, error) {
		return nil, c.login(ctx)
	})
	return err
}

func (c *Client) login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LoginTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)
	req, err := c.newRequest(ctx, "/api/v2/auth/login", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: cannot connect to qbittorrent at %s: %w", domain.ErrBackendUnavailable, c.base, err)
	}
	defer resp.Body.Close()
	text := readBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: qbittorrent login returned %s", domain.ErrAuthenticationFailed, resp.Status)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: qbittorrent login returned %s", domain.ErrBackendUnavailable, resp.Status)
	case text != "Ok.":
		return fmt.Errorf("%w: qbittorrent rejected the credentials", domain.ErrAuthenticationFailed)
	}
	if len(c.http.Jar.Cookies(c.base)) == 0 {
		return fmt.Errorf("%w: qbittorrent login did not set a session cookie", domain.ErrAuthenticationFailed)
	}

	c.setAuthed(true)
	c.cfg.Logger.WithField("backend", Name).Debug("logged in to qbittorrent")
	return nil
}

func (c *Client) addForm(src resolver.Source) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	switch src.Kind {
	case resolver.SourceMagnet, resolver.SourceURL:
		if err := w.WriteField("urls", src.URI); err != nil {
			return nil, "", err
		}
	case resolver.SourceTorrentFile:
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="torrents"; filename="download.torrent"`)
		header.Set("Content-Type", "application/x-bittorrent")
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(src.Data); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", fmt.Errorf("%w: unsupported source %s", domain.ErrProtocolIncompatible, src.Kind)
	}

	fields := map[string]string{
		"savepath": c.cfg.SavePath,
		"category": c.cfg.Category,
		"paused":   "false",
	}
	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := w.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Client) newRequest(ctx context.Context, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", domain.ErrBackendUnavailable, err)
	}
	req.Header.Set("Content-Type", contentType)
	// qBittorrent's CSRF protection requires a Referer matching the Web UI origin.
	req.Header.Set("Referer", c.base.String())
	req.Header.Set("User-Agent", "BoxOffice/1.0")
	return req, nil
}

func (c *Client) setAuthed(v bool) {
	c.mu.Lock()
	c.authed = v
	c.mu.Unlock()
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(b))
}

var _ backend.Backend = (*Client)(nil)
