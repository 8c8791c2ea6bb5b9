// Package fetcher retrieves web pages and parses them into traversable
// documents.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ahmaddeeb/go-scrape-images/config"
	"github.com/gocolly/colly/v2"
)

// Fetcher issues page requests through a synchronous colly collector and
// parses each body into a goquery document. A Fetcher is safe for use from
// multiple goroutines, but requests are serialized.
type Fetcher struct {
	collector *colly.Collector
	headers   http.Header
	logger    *slog.Logger

	mu       sync.Mutex
	lastDoc  *goquery.Document
	lastErr  error
	lastCode int
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	// Non-2xx responses are handed to OnResponse so the status check below
	// owns the classification.
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	headers := make(http.Header)
	headers.Set("User-Agent", cfg.UserAgent)
	headers.Set("Accept-Language", cfg.AcceptLanguage)

	f := &Fetcher{
		collector: collector,
		headers:   headers,
		logger:    logger,
	}
	f.registerHandlers()
	return f
}

// WithTransport replaces the underlying HTTP transport, primarily for tests.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// Fetch retrieves pageURL and returns the parsed document. The URL must be
// syntactically complete (scheme and host). Failures are classified as
// ErrTimeout, ErrHTTPStatus, ErrConnection, or ErrRequest so callers can
// branch on cause; a nil error guarantees a non-nil document.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", pageURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("url must include scheme and host: %q", pageURL)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDoc = nil
	f.lastErr = nil
	f.lastCode = 0

	f.logger.Info("requesting page", slog.String("url", pageURL))
	if err := f.collector.Visit(pageURL); err != nil && f.lastErr == nil {
		f.lastErr = classifyError(err, 0)
	}

	if f.lastErr != nil {
		f.logger.Error("page fetch failed",
			slog.String("url", pageURL),
			slog.String("category", ErrorTypeLabel(f.lastErr)),
			slog.Any("error", f.lastErr),
		)
		return nil, f.lastErr
	}
	if f.lastDoc == nil {
		err := ErrRequest{Err: fmt.Errorf("no response received for %s", pageURL)}
		f.logger.Error("page fetch failed", slog.String("url", pageURL), slog.Any("error", err))
		return nil, err
	}

	f.logger.Info("page parsed", slog.String("url", pageURL), slog.Int("status", f.lastCode))
	return f.lastDoc, nil
}

// registerHandlers wires the collector callbacks once. The collector is
// synchronous, so the callbacks run inside Visit and the fields they touch
// are protected by the mutex held in Fetch.
func (f *Fetcher) registerHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		for key, values := range f.headers {
			for _, value := range values {
				r.Headers.Set(key, value)
			}
		}
	})

	f.collector.OnResponse(func(r *colly.Response) {
		f.lastCode = r.StatusCode
		if r.StatusCode < http.StatusOK || r.StatusCode >= http.StatusMultipleChoices {
			f.lastErr = ErrHTTPStatus{Code: r.StatusCode}
			return
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			f.lastErr = ErrRequest{Err: fmt.Errorf("parse page body: %w", err)}
			return
		}
		f.lastDoc = doc
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		f.lastErr = classifyError(err, statusCode)
	})
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 && (statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices) {
		return ErrHTTPStatus{Code: statusCode, Err: err}
	}

	if err == nil {
		return nil
	}
	return ErrRequest{Err: err}
}
