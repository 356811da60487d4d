package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FetcherConfig configures the blob fetcher.
type FetcherConfig struct {
	// Root confines file fetches to a directory. Empty disables file URIs.
	Root string

	// AllowHTTP permits http(s) URIs.
	AllowHTTP bool

	// MaxBytes caps fetched blob size. Default: 16 MiB.
	MaxBytes int64

	// Timeout bounds HTTP fetches. Default: 30s.
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *FetcherConfig) ApplyDefaults() {
	if c.MaxBytes == 0 {
		c.MaxBytes = 16 << 20
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Fetcher resolves resource URIs to bytes. file:// URIs are confined to the
// configured root; http(s) is opt-in.
type Fetcher struct {
	config FetcherConfig
	client *http.Client
}

var _ BlobFetcher = (*Fetcher)(nil)

// NewFetcher creates a blob fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	cfg.ApplyDefaults()
	return &Fetcher{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch implements BlobFetcher.
func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file", "":
		return f.fetchFile(u.Path)
	case "http", "https":
		if !f.config.AllowHTTP {
			return nil, fmt.Errorf("http fetching is disabled")
		}
		return f.fetchHTTP(ctx, uri)
	default:
		return nil, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
}

func (f *Fetcher) fetchFile(path string) ([]byte, error) {
	if f.config.Root == "" {
		return nil, fmt.Errorf("file fetching is disabled")
	}
	abs, err := filepath.Abs(filepath.Join(f.config.Root, path))
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(f.config.Root)
	if err != nil {
		return nil, err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q escapes fetch root", path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", abs, err)
	}
	if int64(len(data)) > f.config.MaxBytes {
		return nil, fmt.Errorf("blob exceeds %d byte limit", f.config.MaxBytes)
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	const op = "fetcher.FetchHTTP"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, Transient(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, Transient(op, fmt.Errorf("fetching %s: status %d", uri, resp.StatusCode))
		}
		return nil, fmt.Errorf("fetching %s: status %d", uri, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		return nil, Transient(op, err)
	}
	if int64(len(data)) > f.config.MaxBytes {
		return nil, fmt.Errorf("blob exceeds %d byte limit", f.config.MaxBytes)
	}
	return data, nil
}
