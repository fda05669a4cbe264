// Package fetch retrieves attachment bytes by URL and enforces the size bounds
// of the preview pipeline. It never retries; retry is a user action.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"previewd/internal/failure"
	"previewd/internal/metrics"
)

// MaxFileBytes is the largest payload accepted for preview (50 MiB).
const MaxFileBytes = 50 << 20

// Source opens the byte stream behind a URL of one scheme. Errors that are
// not already a *failure.Error are reported as network failures.
type Source interface {
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, u *url.URL) (io.ReadCloser, error)

func (f SourceFunc) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	return f(ctx, u)
}

// Fetcher routes URLs to a Source by scheme and buffers the whole payload.
type Fetcher struct {
	mu      sync.RWMutex
	sources map[string]Source
	logger  *zap.Logger
}

// New creates a Fetcher with no sources registered.
func New(logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		sources: make(map[string]Source),
		logger:  logger,
	}
}

// Register binds scheme (case-insensitive) to src.
func (f *Fetcher) Register(scheme string, src Source) {
	f.mu.Lock()
	f.sources[strings.ToLower(scheme)] = src
	f.mu.Unlock()
}

func (f *Fetcher) source(scheme string) (Source, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	src, ok := f.sources[strings.ToLower(scheme)]
	return src, ok
}

// FetchBytes retrieves the payload at rawURL. It fails with a network
// failure when the transport reports non-success, an empty-file failure for
// zero bytes and a too-large failure past MaxFileBytes.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return nil, f.fail("", failure.New(failure.KindNetwork, "invalid url %q", rawURL))
	}
	scheme := strings.ToLower(u.Scheme)
	src, ok := f.source(scheme)
	if !ok {
		return nil, f.fail(scheme, failure.New(failure.KindNetwork, "unsupported url scheme %q", u.Scheme))
	}

	rc, err := src.Open(ctx, u)
	if err != nil {
		return nil, f.fail(scheme, asNetwork(err, "open "+redact(u)))
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxFileBytes+1))
	if err != nil {
		return nil, f.fail(scheme, asNetwork(err, "read "+redact(u)))
	}
	if len(data) == 0 {
		return nil, f.fail(scheme, failure.New(failure.KindEmptyFile, "%s returned no bytes", redact(u)))
	}
	if len(data) > MaxFileBytes {
		return nil, f.fail(scheme, failure.New(failure.KindFileTooLarge, "payload exceeds %d bytes", MaxFileBytes))
	}
	metrics.RecordFetch(scheme, len(data))
	f.logger.Debug("fetched attachment", zap.String("scheme", scheme), zap.Int("bytes", len(data)))
	return data, nil
}

func (f *Fetcher) fail(scheme string, err *failure.Error) error {
	metrics.RecordFetchFailure(scheme, string(err.Kind))
	f.logger.Info("fetch failed", zap.String("scheme", scheme), zap.Error(err))
	return err
}

func asNetwork(err error, msg string) *failure.Error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}
	return failure.Wrap(failure.KindNetwork, err, msg)
}

// redact drops query strings, which often carry signed credentials.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return fmt.Sprintf("%s://%s%s", c.Scheme, c.Host, c.Path)
}
