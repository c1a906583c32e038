package upscale

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DownloadState tracks one in-flight weight download.
type DownloadState struct {
	// Dest is the final file path.
	Dest string

	// Total is the expected length in bytes, or -1 if unknown.
	Total int64

	// Received is the byte count of the current attempt.
	Received int64

	// Attempt is the current attempt number, starting at 1.
	Attempt int
}

// partPath is where an attempt streams to before it is renamed into place.
func (s *DownloadState) partPath() string {
	return s.Dest + ".part"
}

func (s *DownloadState) percent() int {
	if s.Total <= 0 {
		return 0
	}
	return int(s.Received * 100 / s.Total)
}

// transientError marks a failure worth another attempt.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Downloader fetches weight files over HTTP with retries.
type Downloader struct {
	client      HTTPClient
	logger      Logger
	retry       RetryConfig
	chunkSize   int
	lockTimeout time.Duration

	// inflight collapses concurrent fetches of the same destination.
	inflight singleflight.Group

	// chunkLog throttles per-chunk debug lines.
	chunkLog rate.Sometimes
}

// NewDownloader returns a Downloader using client for requests. A nil
// logger disables logging.
func NewDownloader(client HTTPClient, logger Logger, retry RetryConfig) *Downloader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Downloader{
		client:      client,
		logger:      logger,
		retry:       retry,
		chunkSize:   DownloadChunkSize,
		lockTimeout: DefaultLockTimeout,
		chunkLog:    rate.Sometimes{Interval: time.Second},
	}
}

// Fetch downloads url to dest unless dest already exists. progress, if
// set, receives percentages after each chunk when the length is known, and
// 100 on completion. Transient failures are retried with exponential
// backoff; a partial file never survives a failed attempt.
func (d *Downloader) Fetch(ctx context.Context, url, dest string, progress func(percent int)) error {
	report := ProgressFunc(progress)
	if fileExists(dest) {
		report.report(100)
		return nil
	}

	led := false
	_, err, _ := d.inflight.Do(dest, func() (any, error) {
		led = true
		return nil, d.fetch(ctx, url, dest, report)
	})
	if err == nil && !led {
		// joined another caller's download
		report.report(100)
	}
	return err
}

func (d *Downloader) fetch(ctx context.Context, url, dest string, report ProgressFunc) (err error) {
	ctx, span := tracer.Start(ctx, "upscale.Download", trace.WithAttributes(
		attribute.String("url", url),
		attribute.String("dest", dest),
	))
	defer func() { endSpan(span, err) }()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrNetwork, filepath.Dir(dest), err)
	}

	lockFile := lockPath(dest)
	if err := os.MkdirAll(filepath.Dir(lockFile), 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrNetwork, filepath.Dir(lockFile), err)
	}
	lock, err := newFileLock(lockFile, d.lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if err := lock.Lock(); err != nil {
		lock.Unlock()
		return fmt.Errorf("%w: waiting for download lock on %s: %w", ErrNetwork, dest, err)
	}
	defer lock.Unlock()

	// another process may have finished while we waited for the lock
	if fileExists(dest) {
		report.report(100)
		return nil
	}

	state := &DownloadState{Dest: dest, Total: -1}
	d.logger.Info("downloading weights", "url", url, "dest", dest)

	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		state.Attempt = attempt
		lastErr = d.attempt(ctx, url, state, report)
		if lastErr == nil {
			break
		}
		os.Remove(state.partPath())

		if !isTransient(lastErr) {
			downloadAttemptsTotal.WithLabelValues("error").Inc()
			d.logger.Error("download failed", "url", url, "attempt", attempt, "error", lastErr)
			return lastErr
		}
		if attempt == d.retry.MaxAttempts {
			downloadAttemptsTotal.WithLabelValues("error").Inc()
			break
		}

		downloadAttemptsTotal.WithLabelValues("retry").Inc()
		wait := d.retry.backoff(attempt)
		d.logger.Warn("download attempt failed, retrying",
			"url", url, "attempt", attempt, "max_attempts", d.retry.MaxAttempts,
			"retry_in", wait, "error", lastErr)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNetwork, url, ctx.Err())
		case <-time.After(wait):
		}
	}
	if lastErr != nil {
		d.logger.Error("download failed", "url", url, "attempts", d.retry.MaxAttempts, "error", lastErr)
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, url, d.retry.MaxAttempts, lastErr)
	}

	if err := os.Rename(state.partPath(), dest); err != nil {
		os.Remove(state.partPath())
		return fmt.Errorf("%w: moving download into place: %w", ErrNetwork, err)
	}
	downloadAttemptsTotal.WithLabelValues("ok").Inc()
	if state.Total <= 0 {
		report.report(100)
	}
	d.logger.Info("download complete", "dest", dest, "bytes", state.Received, "attempts", state.Attempt)
	return nil
}

// attempt performs one GET into the partial file.
func (d *Downloader) attempt(ctx context.Context, url string, state *DownloadState, report ProgressFunc) error {
	state.Received, state.Total = 0, -1

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", ErrNetwork, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
		}
		return transient(fmt.Errorf("%w: %w", ErrNetwork, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return transient(fmt.Errorf("%w: %s: %s", ErrHTTPStatus, url, resp.Status))
	default:
		return fmt.Errorf("%w: %s: %s", ErrHTTPStatus, url, resp.Status)
	}
	state.Total = resp.ContentLength

	f, err := os.Create(state.partPath())
	if err != nil {
		return fmt.Errorf("%w: creating partial file: %w", ErrNetwork, err)
	}
	defer f.Close()

	body := &progressReader{reader: resp.Body, onProgress: func(delta int64) {
		downloadBytesTotal.Add(float64(delta))
	}}
	buf := make([]byte, d.chunkSize)
	for {
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: writing partial file: %w", ErrNetwork, err)
			}
			state.Received += int64(n)
			if state.Total > 0 {
				report.report(state.percent())
			}
			d.chunkLog.Do(func() {
				d.logger.Debug("download progress", "dest", state.Dest, "received", state.Received, "total", state.Total)
			})
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
			}
			return transient(fmt.Errorf("%w: reading body: %w", ErrNetwork, rerr))
		}
	}

	if state.Total >= 0 && state.Received != state.Total {
		return transient(fmt.Errorf("%w: truncated body: received %d of %d bytes", ErrNetwork, state.Received, state.Total))
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing partial file: %w", ErrNetwork, err)
	}
	return f.Close()
}

// progressReader wraps an io.Reader and reports each read's byte count.
type progressReader struct {
	reader     io.Reader
	onProgress func(delta int64)
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 && pr.onProgress != nil {
		pr.onProgress(int64(n))
	}
	return
}
