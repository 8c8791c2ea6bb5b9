// Package downloader saves remote images to local storage with filename
// derivation, content-type verification, and retrying streamed transfers.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ahmaddeeb/go-scrape-images/config"
)

// allowedExtensions is the extension allow-list for saved files. Anything
// outside it is coerced to .jpg.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

var unsafeChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// BackoffFunc returns the delay to sleep before a retry. The attempt index
// is zero-based: the delay after the first failed attempt is BackoffFunc(0).
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff doubles base for each attempt, capped at max when
// max > 0.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		if attempt > 30 {
			attempt = 30
		}
		delay := base * time.Duration(1<<uint(attempt))
		if max > 0 && delay > max {
			delay = max
		}
		return delay
	}
}

// RetryObserver is notified each time a retry is scheduled.
type RetryObserver interface {
	IncRetries()
}

// Downloader streams remote images into a local directory.
type Downloader struct {
	client      *http.Client
	headers     http.Header
	saveDir     string
	chunkSize   int
	retries     int
	headTimeout time.Duration
	backoff     BackoffFunc
	observer    RetryObserver
	logger      *slog.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewDownloader builds a downloader configured from cfg. The observer may be
// nil.
func NewDownloader(cfg *config.Config, observer RetryObserver, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}

	headers := make(http.Header)
	headers.Set("User-Agent", cfg.UserAgent)
	headers.Set("Accept-Language", cfg.AcceptLanguage)

	return &Downloader{
		client: &http.Client{
			Timeout: cfg.DownloadTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.DownloadTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		headers:     headers,
		saveDir:     cfg.SaveDir,
		chunkSize:   cfg.ChunkSize,
		retries:     cfg.MaxRetries,
		headTimeout: cfg.HeadTimeout,
		backoff:     ExponentialBackoff(cfg.RetryBackoff, cfg.RetryBackoffMax),
		observer:    observer,
		logger:      logger,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// WithTransport replaces the HTTP transport, primarily for tests.
func (d *Downloader) WithTransport(rt http.RoundTripper) {
	d.client.Transport = rt
}

// WithBackoff replaces the retry backoff policy.
func (d *Downloader) WithBackoff(fn BackoffFunc) {
	if fn != nil {
		d.backoff = fn
	}
}

// Download fetches rawURL and stores it under the configured directory,
// deriving the filename from the URL.
func (d *Downloader) Download(ctx context.Context, rawURL string) (string, error) {
	return d.DownloadAs(ctx, rawURL, "")
}

// DownloadAs is Download with an explicit base filename. The extension is
// still derived and coerced to the allow-list. An existing file with the
// same derived path is overwritten.
func (d *Downloader) DownloadAs(ctx context.Context, rawURL, customName string) (string, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		err := ErrInvalidURL{URL: rawURL}
		d.logger.Error("invalid url protocol", slog.String("url", rawURL))
		return "", err
	}

	if err := os.MkdirAll(d.saveDir, 0o755); err != nil {
		return "", fmt.Errorf("create save directory %q: %w", d.saveDir, err)
	}

	fullPath := filepath.Join(d.saveDir, d.deriveFilename(ctx, rawURL, customName))

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			delay := d.backoff(attempt - 1)
			d.logger.Warn("retrying download",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
			)
			if d.observer != nil {
				d.observer.IncRetries()
			}
			d.sleep(delay)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		d.logger.Info("download attempt",
			slog.Int("attempt", attempt+1),
			slog.String("url", rawURL),
		)

		err := d.attempt(ctx, rawURL, fullPath)
		if err == nil {
			d.logger.Info("download complete", slog.String("path", fullPath))
			return fullPath, nil
		}

		var mismatch ErrContentType
		if errors.As(err, &mismatch) {
			d.logger.Error("url does not point to an image",
				slog.String("url", rawURL),
				slog.String("content_type", mismatch.ContentType),
			)
			return "", err
		}

		lastErr = err
		d.logger.Warn("download attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("url", rawURL),
			slog.Any("error", err),
		)
	}

	exhausted := ErrExhaustedRetries{Attempts: d.retries + 1, Err: lastErr}
	d.logger.Error("all download attempts failed",
		slog.String("url", rawURL),
		slog.Any("error", exhausted),
	)
	return "", exhausted
}

// attempt performs one streamed GET. Non-2xx statuses and transport errors
// are retryable; a non-image content type is not.
func (d *Downloader) attempt(ctx context.Context, rawURL, fullPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = d.headers.Clone()

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return ErrContentType{ContentType: contentType}
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("create file %q: %w", fullPath, err)
	}

	buf := make([]byte, d.chunkSize)
	if _, err := io.CopyBuffer(f, resp.Body, buf); err != nil {
		f.Close()
		return fmt.Errorf("stream body: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file %q: %w", fullPath, err)
	}
	return nil
}

// deriveFilename builds the final file name: custom name or the decoded last
// path segment, time-based fallback when neither yields a usable name,
// sanitized, with the extension forced into the allow-list.
func (d *Downloader) deriveFilename(ctx context.Context, rawURL, customName string) string {
	name := customName
	if name == "" {
		decoded, err := url.PathUnescape(rawURL)
		if err != nil {
			decoded = rawURL
		}
		if parsed, err := url.Parse(decoded); err == nil {
			name = path.Base(parsed.Path)
		}
		if name == "." || name == "/" {
			name = ""
		}
		// a decoded segment may still carry a query remainder
		name, _, _ = strings.Cut(name, "?")
		if name == "" || !strings.Contains(name, ".") {
			name = fmt.Sprintf("image_%d", d.now().Unix())
		}
	}

	name = unsafeChars.ReplaceAllString(name, "_")

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = d.probeExtension(ctx, rawURL)
	}
	if ext == "" || !allowedExtensions[ext] {
		ext = ".jpg"
	}

	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}

// probeExtension issues a metadata-only HEAD request and derives an
// extension from an image content type. Any failure yields "", which the
// caller turns into the .jpg default. The probe is attempted exactly once.
func (d *Downloader) probeExtension(ctx context.Context, rawURL string) string {
	ctx, cancel := context.WithTimeout(ctx, d.headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ""
	}
	req.Header = d.headers.Clone()

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("extension probe failed",
			slog.String("url", rawURL),
			slog.Any("error", err),
		)
		return ""
	}
	resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return ""
	}
	subtype := strings.TrimPrefix(contentType, "image/")
	subtype, _, _ = strings.Cut(subtype, ";")
	return "." + strings.TrimSpace(subtype)
}
