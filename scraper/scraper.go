// Package scraper drives the page-by-page image scraping run.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmaddeeb/go-scrape-images/config"
	"github.com/ahmaddeeb/go-scrape-images/downloader"
	"github.com/ahmaddeeb/go-scrape-images/extractor"
	"github.com/ahmaddeeb/go-scrape-images/fetcher"
	"github.com/ahmaddeeb/go-scrape-images/manifest"
	"github.com/ahmaddeeb/go-scrape-images/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Scraper wires the fetcher, extractor, and downloader into a strictly
// sequential run over a paginated site. Each page is fully processed before
// the next begins; each image download, including its retries, completes
// before the next starts.
type Scraper struct {
	cfg        *config.Config
	fetcher    *fetcher.Fetcher
	extractor  *extractor.Extractor
	downloader *downloader.Downloader
	writer     manifest.OutputWriter
	logger     *slog.Logger
	Metrics    *Metrics

	// seen maps image URLs already downloaded this run to their saved path,
	// so a logo repeated on every page is fetched once.
	seen *lru.Cache[string, string]

	retryCount int
}

// NewScraper builds a scraper instance configured from cfg. The writer may
// be nil to disable the manifest.
func NewScraper(cfg *config.Config, writer manifest.OutputWriter, logger *slog.Logger) (*Scraper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seen, err := lru.New[string, string](cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}

	s := &Scraper{
		cfg:       cfg,
		writer:    writer,
		logger:    logger,
		Metrics:   NewMetrics(),
		seen:      seen,
		fetcher:   fetcher.NewFetcher(cfg, logger),
		extractor: extractor.NewExtractor(logger),
	}
	s.downloader = downloader.NewDownloader(cfg, s, logger)
	return s, nil
}

// Fetcher exposes the page fetcher, primarily for transport injection in
// tests.
func (s *Scraper) Fetcher() *fetcher.Fetcher {
	return s.fetcher
}

// Downloader exposes the image downloader, primarily for transport injection
// in tests.
func (s *Scraper) Downloader() *downloader.Downloader {
	return s.downloader
}

// IncRetries implements downloader.RetryObserver.
func (s *Scraper) IncRetries() {
	s.retryCount++
	s.Metrics.IncRetries()
}

// Run executes the paginated scrape. Failures at page or image granularity
// are logged and skipped; Run itself fails only on setup-level problems.
func (s *Scraper) Run(ctx context.Context) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.ScrapeResult{
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}

	s.logger.Info("starting image scraping run",
		slog.Int("start_page", s.cfg.StartPage),
		slog.Int("end_page", s.cfg.EndPage),
		slog.String("save_dir", s.cfg.SaveDir),
	)

	for page := s.cfg.StartPage; page <= s.cfg.EndPage; page++ {
		if ctx.Err() != nil {
			s.logger.Info("run cancelled", slog.Int("page", page))
			break
		}
		pageURL := s.cfg.PageURL(page)
		s.logger.Info("processing page",
			slog.Int("page", page),
			slog.String("url", pageURL),
		)
		s.scrapePage(ctx, pageURL, result)
	}

	result.EndTime = time.Now()
	result.RetryCount = s.retryCount
	s.logger.Info("scraping process completed",
		slog.Int("pages", result.PageCount),
		slog.Int("images", result.ImageCount),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("missing_source", result.MissingSource),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("failed", len(result.FailedURLs)),
	)
	return result, nil
}

func (s *Scraper) scrapePage(ctx context.Context, pageURL string, result *models.ScrapeResult) {
	start := time.Now()
	result.RequestCount++
	s.Metrics.IncRequest("page")

	doc, err := s.fetcher.Fetch(ctx, pageURL)
	s.Metrics.ObserveFetchDuration(time.Since(start))
	if err != nil {
		label := fetcher.ErrorTypeLabel(err)
		result.PageFailures++
		result.ErrorsByType[label]++
		s.Metrics.IncError(label)
		s.Metrics.IncPage("failed")
		return
	}
	s.Metrics.IncPage("ok")
	result.PageCount++

	refs, err := s.extractor.Extract(pageURL, doc)
	if err != nil {
		s.logger.Error("extraction failed",
			slog.String("url", pageURL),
			slog.Any("error", err),
		)
		result.PageFailures++
		result.ErrorsByType["extract"]++
		s.Metrics.IncError("extract")
		return
	}
	result.ImageCount += len(refs)
	s.Metrics.AddImages(len(refs))

	for i := range refs {
		if ctx.Err() != nil {
			return
		}
		s.processImage(ctx, refs[i], result)
	}
}

func (s *Scraper) processImage(ctx context.Context, ref models.ImageReference, result *models.ScrapeResult) {
	record := &models.ImageRecord{
		Position:  ref.Position,
		PageURL:   ref.PageURL,
		ImageURL:  ref.URL,
		Alt:       ref.Alt,
		ScrapedAt: time.Now(),
	}

	switch {
	case ref.URL == "":
		result.MissingSource++
		s.Metrics.IncDownload(models.StatusMissingSource)
		record.Status = models.StatusMissingSource

	default:
		if savedPath, ok := s.seen.Get(ref.URL); ok {
			result.Duplicates++
			s.Metrics.IncDownload(models.StatusDuplicate)
			record.Status = models.StatusDuplicate
			record.SavedPath = savedPath
			break
		}

		result.RequestCount++
		s.Metrics.IncRequest("image")

		savedPath, err := s.downloader.Download(ctx, ref.URL)
		if err != nil {
			label := downloader.ErrorTypeLabel(err)
			result.FailedURLs = append(result.FailedURLs, ref.URL)
			result.ErrorsByType[label]++
			s.Metrics.IncError(label)
			s.Metrics.IncDownload(models.StatusFailed)
			record.Status = models.StatusFailed
			record.Error = label
			break
		}

		s.seen.Add(ref.URL, savedPath)
		result.Downloaded++
		s.Metrics.IncDownload(models.StatusDownloaded)
		record.Status = models.StatusDownloaded
		record.SavedPath = savedPath
	}

	if s.writer != nil {
		if err := s.writer.Write([]*models.ImageRecord{record}); err != nil {
			s.logger.Error("manifest write failed", slog.Any("error", err))
		}
	}
}
