package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ahmaddeeb/go-scrape-images/config"
	"github.com/ahmaddeeb/go-scrape-images/manifest"
	"github.com/ahmaddeeb/go-scrape-images/models"
	"github.com/ahmaddeeb/go-scrape-images/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	defaultCfg := config.DefaultConfig()
	startDefault := defaultCfg.StartPage
	if value, ok, err := config.EnvInt("SCRAPER_START_PAGE"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_START_PAGE: %v\n", err)
		os.Exit(1)
	} else if ok {
		startDefault = value
	}
	endDefault := defaultCfg.EndPage
	if value, ok, err := config.EnvInt("SCRAPER_END_PAGE"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_END_PAGE: %v\n", err)
		os.Exit(1)
	} else if ok {
		endDefault = value
	}
	saveDirDefault := defaultCfg.SaveDir
	if value, ok := config.EnvString("SCRAPER_SAVE_DIR"); ok {
		saveDirDefault = value
	}
	outputDefault := defaultCfg.ManifestFile
	if value, ok := config.EnvString("SCRAPER_OUTPUT"); ok {
		outputDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	pagePattern := flag.String("page-pattern", defaultCfg.PagePattern, "Page URL template with a single %d placeholder")
	startPage := flag.Int("start-page", startDefault, "First page number to scrape")
	endPage := flag.Int("end-page", endDefault, "Last page number to scrape (inclusive)")
	saveDir := flag.String("save-dir", saveDirDefault, "Directory for downloaded images")
	manifestFile := flag.String("output", outputDefault, "Manifest output file path")
	manifestFormat := flag.String("format", "csv", "Manifest format: csv, json, or dual")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per image download")
	retryBackoffMs := flag.Int("retry-backoff", 1000, "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", 0, "Maximum retry backoff (milliseconds, 0 = uncapped)")
	chunkSize := flag.Int("chunk-size", defaultCfg.ChunkSize, "Streaming download chunk size (bytes)")
	dedupeSize := flag.Int("dedupe-size", defaultCfg.DedupeMaxSize, "Within-run duplicate URL cache size")
	logFile := flag.String("log-file", defaultCfg.LogFile, "Append-only log file path (empty disables)")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, closeLog := newLogger(*verbose, *logFile)
	defer closeLog()
	slog.SetDefault(logger)

	cfg := buildConfigFromFlags(*pagePattern, *startPage, *endPage, *saveDir, *manifestFile,
		strings.ToLower(*manifestFormat), *maxRetries, *retryBackoffMs, *retryBackoffMaxMs,
		*chunkSize, *dedupeSize, *logFile, *metricsAddr, *verbose)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting image scraping process",
		slog.String("page_pattern", cfg.PagePattern),
		slog.Int("start_page", cfg.StartPage),
		slog.Int("end_page", cfg.EndPage),
		slog.String("save_dir", cfg.SaveDir),
	)

	writer, err := createWriter(cfg.ManifestFormat, cfg.ManifestFile)
	if err != nil {
		slog.Error("creating manifest writer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close manifest writer", slog.Any("error", err))
		}
	}()

	s, err := scraper.NewScraper(cfg, writer, logger)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing current unit of work")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	startTime := time.Now()
	result, err := s.Run(ctx)
	if err != nil {
		slog.Error("scraping failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := writer.Validate(); err != nil {
		slog.Error("manifest validation failed", slog.Any("error", err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, time.Since(startTime), cfg.ManifestFile, cfg.SaveDir)
}

func buildConfigFromFlags(pagePattern string, startPage, endPage int, saveDir, manifestFile, manifestFormat string,
	maxRetries, retryBackoffMs, retryBackoffMaxMs, chunkSize, dedupeSize int, logFile, metricsAddr string, verbose bool) *config.Config {
	cfg := config.DefaultConfig()
	cfg.PagePattern = pagePattern
	cfg.StartPage = startPage
	cfg.EndPage = endPage
	cfg.SaveDir = saveDir
	cfg.ManifestFile = manifestFile
	cfg.ManifestFormat = manifestFormat
	cfg.MaxRetries = maxRetries
	cfg.RetryBackoff = time.Duration(retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(retryBackoffMaxMs) * time.Millisecond
	cfg.ChunkSize = chunkSize
	cfg.DedupeMaxSize = dedupeSize
	cfg.LogFile = logFile
	cfg.MetricsAddr = metricsAddr
	cfg.Verbose = verbose
	return cfg
}

func createWriter(format, filename string) (manifest.OutputWriter, error) {
	switch format {
	case "json":
		return manifest.NewJSONWriter(filename)
	case "csv":
		return manifest.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".json"
		return manifest.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(result *models.ScrapeResult, duration time.Duration, manifestFile, saveDir string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	fmt.Printf("  Pages:          %d (%d failed)\n", result.PageCount, result.PageFailures)
	fmt.Printf("  Images found:   %d\n", result.ImageCount)
	fmt.Printf("  Downloaded:     %d\n", result.Downloaded)
	fmt.Printf("  Missing source: %d\n", result.MissingSource)
	fmt.Printf("  Duplicates:     %d\n", result.Duplicates)
	fmt.Printf("  Failed URLs:    %d\n", len(result.FailedURLs))
	fmt.Printf("  Retries:        %d\n", result.RetryCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:    %v\n", result.ErrorsByType)
	}
	successRate := 0.0
	if result.RequestCount > 0 {
		failures := result.PageFailures + len(result.FailedURLs)
		successRate = float64(result.RequestCount-failures) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Success rate:   %.2f%%\n", successRate)
	fmt.Printf("  Duration:       %v\n", duration)
	fmt.Printf("  Images dir:     %s\n", saveDir)
	fmt.Printf("  Manifest:       %s\n", manifestFile)
	fmt.Println(separator)
}

func newLogger(verbose bool, logFile string) (*slog.Logger, func()) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	out := io.Writer(os.Stdout)
	closeLog := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file %s: %v\n", logFile, err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
			closeLog = func() { f.Close() }
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) && logFile == "" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closeLog
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
