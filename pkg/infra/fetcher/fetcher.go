// Package fetcher materializes model artifacts on disk: it downloads a
// descriptor's backing file with retry and resume, and unpacks archives
// into the canonical per-model layout under the artifact directory.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/model"
)

const partialDirName = ".partial"

// Fetcher downloads and unpacks model artifacts. Side effects are
// filesystem writes only; there is no shared mutable state beyond the
// returned paths.
type Fetcher struct {
	client      *http.Client
	attempts    int
	backoffUnit time.Duration
	token       string
	log         *slog.Logger
}

type Option func(*Fetcher)

// WithHTTPClient replaces the default client (30 minute timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithAttempts sets the per-download attempt cap.
func WithAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// WithToken sets a bearer token sent to artifact sources.
func WithToken(token string) Option {
	return func(f *Fetcher) { f.token = token }
}

// WithBackoffUnit scales the exponential backoff base. The default is one
// second (delay 2^attempt seconds); tests shrink it.
func WithBackoffUnit(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.backoffUnit = d
		}
	}
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:      &http.Client{Timeout: 30 * time.Minute},
		attempts:    3,
		backoffUnit: time.Second,
		log:         logger.Default().With("component", "fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Download fetches sourceURL into <baseDir>/<model-id>/<filename>, making
// up to the configured number of attempts with exponential backoff. An
// interrupted transfer leaves a partial file that the next attempt resumes
// with a Range request. The error surfaced after exhausting attempts is
// the last one encountered.
func (f *Fetcher) Download(ctx context.Context, desc *model.Descriptor, sourceURL, baseDir string, progressFn func(done, total int64)) (string, error) {
	filename, err := artifactFilename(desc, sourceURL)
	if err != nil {
		return "", err
	}

	// The run context carries run/model ids for log correlation.
	log := logger.WithContext(ctx).With("component", "fetcher")

	destDir := filepath.Join(baseDir, desc.ID)
	final := filepath.Join(destDir, filename)
	if _, err := os.Stat(final); err == nil {
		log.Debug("artifact already present", "model_id", desc.ID, "path", final)
		return final, nil
	}

	partial := filepath.Join(destDir, partialDirName, filename)
	if err := os.MkdirAll(filepath.Dir(partial), 0755); err != nil {
		return "", fmt.Errorf("create partial dir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			delay := f.backoffUnit * (1 << attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		err := f.downloadOnce(ctx, sourceURL, partial, progressFn)
		if err == nil {
			if err := os.Rename(partial, final); err != nil {
				return "", fmt.Errorf("finalize download: %w", err)
			}
			return final, nil
		}

		lastErr = err
		log.Warn("download attempt failed",
			"model_id", desc.ID, "attempt", attempt+1, "error", err)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (f *Fetcher) downloadOnce(ctx context.Context, sourceURL, partial string, progressFn func(done, total int64)) error {
	var offset int64
	if st, err := os.Stat(partial); err == nil {
		offset = st.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return model.ErrNetworkFailure.WithCause(err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.ErrDownloadTimeout.WithCause(err)
		}
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return model.ErrDownloadTimeout.WithCause(err)
		}
		return model.ErrNetworkFailure.WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// resuming at offset
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range (or none was requested): restart.
		if offset > 0 {
			if err := os.Truncate(partial, 0); err != nil {
				return fmt.Errorf("truncate partial: %w", err)
			}
			offset = 0
		}
	case resp.StatusCode >= 400:
		return model.ErrNetworkFailure.
			WithDetails("status", resp.StatusCode).
			WithCause(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, sourceURL))
	default:
		return model.ErrNetworkFailure.
			WithCause(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, sourceURL))
	}

	total := offset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = -1
	}

	file, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open partial: %w", err)
	}
	defer file.Close()

	done := offset
	buf := make([]byte, 128*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write partial: %w", werr)
			}
			done += int64(n)
			if progressFn != nil {
				progressFn(done, total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
				return rerr
			}
			return &model.PartialDownloadError{URL: sourceURL, Offset: done, Cause: rerr}
		}
	}
}

// ClearPartial removes any interrupted transfer state so the next download
// restarts from byte zero. Used by recovery when resume keeps failing.
func (f *Fetcher) ClearPartial(desc *model.Descriptor, baseDir string) error {
	return os.RemoveAll(filepath.Join(baseDir, desc.ID, partialDirName))
}

// RemoveArtifacts deletes the model's entire on-disk layout. Used by
// recovery after a validation failure to force a clean re-fetch.
func (f *Fetcher) RemoveArtifacts(desc *model.Descriptor, baseDir string) error {
	return os.RemoveAll(filepath.Join(baseDir, desc.ID))
}

func artifactFilename(desc *model.Descriptor, sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", model.ErrNetworkFailure.WithCause(fmt.Errorf("parse source url: %w", err))
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = desc.ID
	}
	return name, nil
}
