// Package resolver turns the download references handed out by search results and indexer
// proxies into something a torrent engine can consume directly: either a magnet URI or the
// raw bytes of a .torrent file.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"boxoffice/internal/domain"
)

type SourceKind int

const (
	SourceMagnet SourceKind = iota + 1
	SourceTorrentFile
	// SourceURL is an http(s) reference that has not been fetched yet. Only backends that
	// download references themselves accept it.
	SourceURL
)

func (k SourceKind) String() string {
	switch k {
	case SourceMagnet:
		return "magnet"
	case SourceTorrentFile:
		return "torrent-file"
	case SourceURL:
		return "url"
	default:
		return "unknown"
	}
}

// Source is a resolved reference. URI is set for magnets and urls, Data for torrent files.
type Source struct {
	Kind SourceKind
	URI  string
	Data []byte
}

func MagnetSource(uri string) Source {
	return Source{Kind: SourceMagnet, URI: uri}
}

func TorrentFileSource(data []byte) Source {
	return Source{Kind: SourceTorrentFile, Data: data}
}

func URLSource(uri string) Source {
	return Source{Kind: SourceURL, URI: uri}
}

func (s Source) String() string {
	switch s.Kind {
	case SourceMagnet:
		return "magnet " + truncate(s.URI, 100)
	case SourceTorrentFile:
		return fmt.Sprintf("torrent file (%d bytes)", len(s.Data))
	case SourceURL:
		return "url " + truncate(s.URI, 100)
	default:
		return "empty source"
	}
}

const (
	defaultProbeTimeout = 10 * time.Second
	defaultFetchTimeout = 30 * time.Second
	maxRedirectHops     = 5
	maxTorrentFileSize  = 16 << 20
)

type Config struct {
	// ProbeTimeout bounds the header-only request used to detect magnet redirects.
	ProbeTimeout time.Duration
	// FetchTimeout bounds the full download of a torrent file.
	FetchTimeout time.Duration
	// APIKey is sent as X-Api-Key to hosts matching IndexerHosts.
	APIKey       string
	IndexerHosts []string
	Transport    http.RoundTripper
	Logger       *logrus.Logger
}

type Resolver struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Resolver {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if len(cfg.IndexerHosts) == 0 {
		cfg.IndexerHosts = []string{"localhost:9696", "prowlarr"}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Resolver{
		cfg: cfg,
		client: &http.Client{
			Transport: cfg.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// IsMagnet reports whether raw is a magnet URI.
func IsMagnet(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, "magnet") {
		return false
	}
	return u.Opaque != "" || u.RawQuery != ""
}

// IsHTTPURL reports whether raw is an absolute http or https URL.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Classify picks the reference to use without touching the network: a magnet in primary, else
// an http(s) URL in primary, else an http(s) URL in secondary.
func Classify(primary, secondary string) (Source, error) {
	primary = strings.TrimSpace(primary)
	secondary = strings.TrimSpace(secondary)

	switch {
	case IsMagnet(primary):
		return MagnetSource(primary), nil
	case IsHTTPURL(primary):
		return URLSource(primary), nil
	case IsHTTPURL(secondary):
		return URLSource(secondary), nil
	default:
		return Source{}, invalidReference(primary, secondary)
	}
}

// Resolve classifies the two candidate references and resolves them to a magnet or torrent
// file. The primary reference wins when both are usable.
func (r *Resolver) Resolve(ctx context.Context, primary, secondary string) (Source, error) {
	ref, err := Classify(primary, secondary)
	if err != nil || ref.Kind == SourceMagnet {
		return ref, err
	}
	candidate := ref.URI

	logger := r.cfg.Logger.WithField("url", truncate(candidate, 100))

	if magnet, ok := embeddedMagnet(candidate); ok {
		logger.Debug("found magnet link in url parameter")
		return MagnetSource(magnet), nil
	}

	if location := r.probe(ctx, candidate); IsMagnet(location) {
		logger.Debug("indexer redirected to magnet link")
		return MagnetSource(location), nil
	}

	src, err := r.fetch(ctx, candidate)
	if err != nil {
		if isMagnetSchemeError(err) {
			if magnet, ok := embeddedMagnet(candidate); ok {
				return MagnetSource(magnet), nil
			}
		}
		return Source{}, fmt.Errorf("%w: %w", domain.ErrInvalidReference, err)
	}
	return src, nil
}

func invalidReference(primary, secondary string) error {
	switch {
	case primary != "":
		return fmt.Errorf("%w: not a magnet link or http(s) url: %s", domain.ErrInvalidReference, truncate(primary, 100))
	case secondary != "":
		return fmt.Errorf("%w: torrent url must be http:// or https://: %s", domain.ErrInvalidReference, truncate(secondary, 100))
	default:
		return fmt.Errorf("%w: no magnet link or torrent url provided", domain.ErrInvalidReference)
	}
}

// embeddedMagnet looks for a query parameter carrying a magnet URI, as indexer proxies put the
// real reference in "link".
func embeddedMagnet(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	values := u.Query()
	if link := values.Get("link"); IsMagnet(link) {
		return link, true
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, v := range values[key] {
			if IsMagnet(v) {
				return v, true
			}
		}
	}
	return "", false
}

// probe issues a header-only request and returns the redirect target, if any.
func (r *Resolver) probe(ctx context.Context, target string) string {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	for _, method := range []string{http.MethodHead, http.MethodGet} {
		resp, err := r.do(ctx, method, target)
		if err != nil {
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 400 {
			continue
		}
		if isRedirect(resp.StatusCode) {
			return resp.Header.Get("Location")
		}
		return ""
	}
	return ""
}

func (r *Resolver) fetch(ctx context.Context, target string) (Source, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	current := target
	for hop := 0; ; hop++ {
		resp, err := r.do(ctx, http.MethodGet, current)
		if err != nil {
			return Source{}, fmt.Errorf("download torrent file: %w", err)
		}

		if isRedirect(resp.StatusCode) {
			_ = resp.Body.Close()
			location := resp.Header.Get("Location")
			if IsMagnet(location) {
				return MagnetSource(location), nil
			}
			next, err := resp.Request.URL.Parse(location)
			if location == "" || err != nil || (next.Scheme != "http" && next.Scheme != "https") {
				return Source{}, fmt.Errorf("unexpected redirect to: %s", truncate(location, 100))
			}
			if hop+1 >= maxRedirectHops {
				return Source{}, fmt.Errorf("stopped after %d redirects", maxRedirectHops)
			}
			current = next.String()
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return Source{}, fmt.Errorf("torrent fetch error: %s - %s", resp.Status, string(bytes.TrimSpace(body)))
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentFileSize+1))
		if err != nil {
			return Source{}, fmt.Errorf("read torrent file: %w", err)
		}
		if len(data) == 0 {
			return Source{}, errors.New("empty torrent file")
		}
		if len(data) > maxTorrentFileSize {
			return Source{}, fmt.Errorf("torrent file exceeds %d bytes", maxTorrentFileSize)
		}
		return TorrentFileSource(data), nil
	}
}

func (r *Resolver) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	if r.cfg.APIKey != "" && r.isIndexer(req.URL) {
		req.Header.Set("X-Api-Key", r.cfg.APIKey)
	}
	return r.client.Do(req)
}

func (r *Resolver) isIndexer(u *url.URL) bool {
	host := strings.ToLower(u.Host)
	for _, fragment := range r.cfg.IndexerHosts {
		if fragment != "" && strings.Contains(host, strings.ToLower(fragment)) {
			return true
		}
	}
	return false
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

func isMagnetSchemeError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unsupported protocol scheme") || strings.Contains(msg, "magnet:")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
