// Package datafile fetches project datafiles from HTTP, S3 or the local
// filesystem and publishes parsed snapshots to the decision service.
package datafile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxDatafileSize    = 32 << 20
)

// ErrNotModified is returned by a Source when the datafile has not changed
// since the previous successful fetch.
var ErrNotModified = errors.New("datafile not modified")

// Source fetches raw datafile bytes.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// Watcher is implemented by sources that can push change signals. Watch
// calls onChange until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// SourceConfig carries the settings needed to build any Source.
type SourceConfig struct {
	HTTPClient *http.Client
	S3         S3Config
}

// NewSource picks a Source for location: http(s) URLs, s3://bucket/key, or a
// filesystem path.
func NewSource(ctx context.Context, location string, cfg SourceConfig) (Source, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("datafile source is required")
	}

	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return NewHTTPSource(location, cfg.HTTPClient)
	case strings.HasPrefix(location, "s3://"):
		bucket, key, err := parseS3Location(location)
		if err != nil {
			return nil, err
		}
		s3cfg := cfg.S3
		s3cfg.Bucket, s3cfg.Key = bucket, key
		return NewS3Source(ctx, s3cfg)
	default:
		return NewFileSource(location)
	}
}

// HTTPSource polls a URL, using ETag and If-None-Match to skip unchanged
// datafiles.
type HTTPSource struct {
	url    string
	client *http.Client

	mu   sync.Mutex
	etag string
}

// NewHTTPSource creates an HTTPSource. A nil client gets an otelhttp
// instrumented client with a 30s timeout.
func NewHTTPSource(rawURL string, client *http.Client) (*HTTPSource, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid datafile url %q", rawURL)
	}
	if client == nil {
		client = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPSource{url: parsed.String(), client: client}, nil
}

func (s *HTTPSource) String() string { return s.url }

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build datafile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	s.mu.Lock()
	etag := s.etag
	s.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch datafile: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, ErrNotModified
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("fetch datafile: unexpected status %d", resp.StatusCode)
	}

	payload, err := readLimited(resp.Body)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.etag = resp.Header.Get("ETag")
	s.mu.Unlock()

	return payload, nil
}

// FileSource reads a datafile from disk.
type FileSource struct {
	path string
}

func NewFileSource(path string) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("datafile path is required")
	}
	return &FileSource{path: filepath.Clean(path)}, nil
}

func (s *FileSource) String() string { return s.path }

func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open datafile: %w", err)
	}
	defer f.Close()
	return readLimited(f)
}

func readLimited(r io.Reader) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r, maxDatafileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read datafile: %w", err)
	}
	if len(payload) > maxDatafileSize {
		return nil, fmt.Errorf("read datafile: larger than %d bytes", maxDatafileSize)
	}
	return payload, nil
}
