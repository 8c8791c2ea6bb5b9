package scraper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ahmaddeeb/go-scrape-images/config"
	"github.com/ahmaddeeb/go-scrape-images/models"
	"github.com/jarcoal/httpmock"
)

type collectingWriter struct {
	mu      sync.Mutex
	records []*models.ImageRecord
}

func (cw *collectingWriter) Write(records []*models.ImageRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.records = append(cw.records, records...)
	return nil
}

func (cw *collectingWriter) Close() error {
	return nil
}

func (cw *collectingWriter) Validate() error {
	return nil
}

func (cw *collectingWriter) byStatus(status string) []*models.ImageRecord {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	var out []*models.ImageRecord
	for _, record := range cw.records {
		if record.Status == status {
			out = append(out, record)
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.PagePattern = "http://example.test/list?start=%d"
	cfg.StartPage = 1
	cfg.EndPage = 2
	cfg.SaveDir = t.TempDir()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func imageResponder(contentType string, body []byte) httpmock.Responder {
	resp := httpmock.NewBytesResponse(200, body)
	resp.Header.Set("Content-Type", contentType)
	return httpmock.ResponderFromResponse(resp)
}

func TestScraper_Integration(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/list?start=1",
		htmlResponder(`<html><body>
			<img src="img/a.jpg" alt="first">
			<img alt="missing">
			<img src="http://cdn.test/logo.png">
		</body></html>`))
	transport.RegisterResponder("GET", "http://example.test/list?start=2",
		htmlResponder(`<html><body>
			<img src="http://cdn.test/logo.png">
			<img data-src="http://cdn.test/broken.jpg">
		</body></html>`))
	transport.RegisterResponder("GET", "http://example.test/img/a.jpg",
		imageResponder("image/jpeg", []byte("a-bytes")))
	transport.RegisterResponder("GET", "http://cdn.test/logo.png",
		imageResponder("image/png", []byte("logo-bytes")))
	transport.RegisterResponder("GET", "http://cdn.test/broken.jpg",
		httpmock.NewStringResponder(404, "gone"))

	writer := &collectingWriter{}
	s, err := NewScraper(cfg, writer, nil)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.Fetcher().WithTransport(transport)
	s.Downloader().WithTransport(transport)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.PageCount != 2 || result.PageFailures != 0 {
		t.Fatalf("pages=%d failures=%d, want 2/0", result.PageCount, result.PageFailures)
	}
	if result.ImageCount != 5 {
		t.Fatalf("images=%d, want 5", result.ImageCount)
	}
	if result.Downloaded != 2 {
		t.Fatalf("downloaded=%d, want 2", result.Downloaded)
	}
	if result.MissingSource != 1 {
		t.Fatalf("missing=%d, want 1", result.MissingSource)
	}
	if result.Duplicates != 1 {
		t.Fatalf("duplicates=%d, want 1", result.Duplicates)
	}
	if len(result.FailedURLs) != 1 || result.FailedURLs[0] != "http://cdn.test/broken.jpg" {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
	if result.ErrorsByType["exhausted_retries"] != 1 {
		t.Fatalf("errors by type = %v, want exhausted_retries once", result.ErrorsByType)
	}
	if result.RetryCount != cfg.MaxRetries {
		t.Fatalf("retries=%d, want %d", result.RetryCount, cfg.MaxRetries)
	}

	for _, name := range []string{"a.jpg", "logo.png"} {
		if _, err := os.Stat(filepath.Join(cfg.SaveDir, name)); err != nil {
			t.Fatalf("expected saved file %s: %v", name, err)
		}
	}

	if got := len(writer.records); got != 5 {
		t.Fatalf("manifest records = %d, want 5", got)
	}
	if got := len(writer.byStatus(models.StatusDownloaded)); got != 2 {
		t.Fatalf("downloaded records = %d, want 2", got)
	}
	if got := len(writer.byStatus(models.StatusDuplicate)); got != 1 {
		t.Fatalf("duplicate records = %d, want 1", got)
	}
	dupes := writer.byStatus(models.StatusDuplicate)
	if dupes[0].SavedPath == "" {
		t.Fatalf("duplicate record should carry the original saved path")
	}
	if got := len(writer.byStatus(models.StatusFailed)); got != 1 {
		t.Fatalf("failed records = %d, want 1", got)
	}
}

func TestScraperContinuesPastPageFailure(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/list?start=1",
		httpmock.NewStringResponder(500, "boom"))
	transport.RegisterResponder("GET", "http://example.test/list?start=2",
		htmlResponder(`<html><body><img src="http://cdn.test/only.gif"></body></html>`))
	transport.RegisterResponder("GET", "http://cdn.test/only.gif",
		imageResponder("image/gif", []byte("gif-bytes")))

	s, err := NewScraper(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.Fetcher().WithTransport(transport)
	s.Downloader().WithTransport(transport)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.PageFailures != 1 {
		t.Fatalf("page failures = %d, want 1", result.PageFailures)
	}
	if result.ErrorsByType["http_status"] != 1 {
		t.Fatalf("errors by type = %v, want http_status once", result.ErrorsByType)
	}
	if result.PageCount != 1 || result.Downloaded != 1 {
		t.Fatalf("pages=%d downloaded=%d, want 1/1 (run must continue)", result.PageCount, result.Downloaded)
	}
}

func TestScraperCancelledContextStopsEarly(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	s, err := NewScraper(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.Fetcher().WithTransport(transport)
	s.Downloader().WithTransport(transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 0 || result.RequestCount != 0 {
		t.Fatalf("cancelled run should do no work, got %+v", result)
	}
}

func TestScraperContentMismatchIsRecorded(t *testing.T) {
	cfg := testConfig(t)
	cfg.EndPage = 1

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/list?start=1",
		htmlResponder(`<html><body><img src="http://cdn.test/fake.jpg"></body></html>`))
	transport.RegisterResponder("GET", "http://cdn.test/fake.jpg",
		htmlResponder("<html>interstitial</html>"))

	writer := &collectingWriter{}
	s, err := NewScraper(cfg, writer, nil)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.Fetcher().WithTransport(transport)
	s.Downloader().WithTransport(transport)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.ErrorsByType["content_type"] != 1 {
		t.Fatalf("errors by type = %v, want content_type once", result.ErrorsByType)
	}
	if result.RetryCount != 0 {
		t.Fatalf("content mismatch must not retry, got %d retries", result.RetryCount)
	}
	failed := writer.byStatus(models.StatusFailed)
	if len(failed) != 1 || failed[0].Error != "content_type" {
		t.Fatalf("unexpected failed records: %+v", failed)
	}
}
