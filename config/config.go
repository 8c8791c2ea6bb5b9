package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	PagePattern     string // page URL template with a single %d placeholder
	StartPage       int
	EndPage         int
	Timeout         time.Duration // page fetch timeout
	DownloadTimeout time.Duration // per-attempt image download timeout
	HeadTimeout     time.Duration // extension probe timeout
	ChunkSize       int           // streaming copy buffer size in bytes
	MaxRetries      int
	RetryBackoff    time.Duration // initial backoff, doubled per retry
	RetryBackoffMax time.Duration // 0 disables the cap
	SaveDir         string
	ManifestFile    string
	ManifestFormat  string // csv, json, or dual
	DedupeMaxSize   int    // bounded seen-URL cache size
	UserAgent       string
	AcceptLanguage  string
	LogFile         string
	MetricsAddr     string
	Verbose         bool
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		PagePattern:     "https://safmcd.com/martyr/index.php?id=&start=%d",
		StartPage:       2,
		EndPage:         54,
		Timeout:         10 * time.Second,
		DownloadTimeout: 30 * time.Second,
		HeadTimeout:     5 * time.Second,
		ChunkSize:       1024,
		MaxRetries:      2,
		RetryBackoff:    time.Second,
		RetryBackoffMax: 0,
		SaveDir:         "downloads",
		ManifestFile:    "output/images.csv",
		ManifestFormat:  "csv",
		DedupeMaxSize:   4096,
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		AcceptLanguage:  "en-US,en;q=0.9",
		LogFile:         "scraper.log",
		MetricsAddr:     "",
		Verbose:         false,
	}
}

// PageURL renders the page pattern for a single page number.
func (c *Config) PageURL(page int) string {
	return fmt.Sprintf(c.PagePattern, page)
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.PagePattern == "" {
		return fmt.Errorf("page pattern cannot be empty")
	}
	if strings.Count(c.PagePattern, "%d") != 1 {
		return fmt.Errorf("page pattern must contain exactly one %%d placeholder")
	}

	parsedURL, err := url.Parse(c.PageURL(c.StartPage))
	if err != nil {
		return fmt.Errorf("invalid page pattern: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("page pattern must include scheme and host")
	}

	if c.StartPage <= 0 {
		return fmt.Errorf("start page must be positive")
	}
	if c.EndPage < c.StartPage {
		return fmt.Errorf("end page (%d) cannot precede start page (%d)", c.EndPage, c.StartPage)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("download timeout must be positive")
	}
	if c.HeadTimeout <= 0 {
		return fmt.Errorf("head timeout must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.SaveDir == "" {
		return fmt.Errorf("save directory cannot be empty")
	}
	if c.ManifestFile == "" {
		return fmt.Errorf("manifest file cannot be empty")
	}
	if c.ManifestFormat != "csv" && c.ManifestFormat != "json" && c.ManifestFormat != "dual" {
		return fmt.Errorf("manifest format must be csv, json, or dual")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// EnvInt reads an integer override from the environment. The second return
// reports whether the variable was set.
func EnvInt(key string) (int, bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return value, true, nil
}

// EnvString reads a string override from the environment.
func EnvString(key string) (string, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}
