// Package weights resolves pretrained checkpoint names to URLs and fetches
// them into a local cache directory.
package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/born-ml/bolts/internal/fetch"
)

// ErrWeightsNotFound is returned when a name has no registered URL.
var ErrWeightsNotFound = errors.New("pretrained weights not found")

var defaultURLs = map[string]string{
	"vae-imagenet":   "https://pl-bolts-weights.s3.us-east-2.amazonaws.com/vae/version_0/checkpoints/epoch%3D2.ckpt",
	"CPCV2-resnet18": "https://pl-bolts-weights.s3.us-east-2.amazonaws.com/cpc/resnet18_version_6/checkpoints/epoch%3D85.ckpt",
}

// DefaultURLs returns a copy of the built-in name-to-URL table.
func DefaultURLs() map[string]string {
	out := make(map[string]string, len(defaultURLs))
	for k, v := range defaultURLs {
		out[k] = v
	}
	return out
}

// Store maps checkpoint names to locations and caches downloads under Dir.
// The URL table is copied at construction and never changes afterwards.
type Store struct {
	dir    string
	urls   map[string]string
	client *http.Client
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option { return func(s *Store) { s.client = c } }

// WithLogger sets the logger used for download progress.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// NewStore returns a store caching into dir. A nil urls map selects
// DefaultURLs.
func NewStore(dir string, urls map[string]string, opts ...Option) *Store {
	if urls == nil {
		urls = defaultURLs
	}
	s := &Store{
		dir:    dir,
		urls:   make(map[string]string, len(urls)),
		client: http.DefaultClient,
		logger: slog.Default(),
	}
	for k, v := range urls {
		s.urls[k] = v
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Names returns the registered names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.urls))
	for k := range s.urls {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// URL returns the location registered under name.
func (s *Store) URL(name string) (string, error) {
	u, ok := s.urls[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrWeightsNotFound, name)
	}
	return u, nil
}

// Fetch returns a local path to the checkpoint registered under name.
//
// Local paths and file:// URLs are returned as-is. http(s) URLs are
// downloaded into the cache directory once; later calls reuse the file.
func (s *Store) Fetch(ctx context.Context, name string) (string, error) {
	raw, err := s.URL(name)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("weights %q: %w", name, err)
	}

	switch u.Scheme {
	case "", "file":
		p := u.Path
		if u.Scheme == "" {
			p = raw
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("weights %q: %w", name, err)
		}
		return p, nil
	case "http", "https":
	default:
		return "", fmt.Errorf("weights %q: unsupported scheme %q", name, u.Scheme)
	}

	dst := filepath.Join(s.dir, cacheName(name, u))
	if _, err := os.Stat(dst); err == nil {
		s.logger.Debug("weights cache hit", "name", name, "path", dst)
		return dst, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("weights cache: %w", err)
	}

	s.logger.Info("downloading weights", "name", name, "url", raw)
	dl := fetch.Client{HTTP: s.client, Logger: s.logger}
	if _, err := dl.Download(ctx, raw, dst); err != nil {
		return "", fmt.Errorf("weights %q: %w", name, err)
	}
	return dst, nil
}

// cacheName derives a file name that is unique per registry key.
func cacheName(name string, u *url.URL) string {
	base, err := url.PathUnescape(path.Base(u.Path))
	if err != nil || base == "/" || base == "." {
		base = "checkpoint"
	}
	base = strings.NewReplacer("=", "-", "/", "-").Replace(base)
	return name + "-" + base
}
