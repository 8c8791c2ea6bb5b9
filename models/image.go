// Package models defines data structures for the image scraper.
package models

import "time"

// ImageReference describes one <img> element discovered on a page.
// URL is empty when the element carried no usable source attribute; such
// references are still emitted so callers can count missing-source images.
type ImageReference struct {
	Position int    // 1-based document order
	URL      string // absolute image URL, empty if no source attribute resolved
	Alt      string
	PageURL  string
}

// Manifest status values.
const (
	StatusDownloaded    = "downloaded"
	StatusMissingSource = "missing_source"
	StatusDuplicate     = "duplicate"
	StatusFailed        = "failed"
)

// ImageRecord is one manifest row: a discovered image and what became of it.
type ImageRecord struct {
	Position  int       `csv:"position" json:"position"`
	PageURL   string    `csv:"page_url" json:"page_url"`
	ImageURL  string    `csv:"image_url" json:"image_url"`
	Alt       string    `csv:"alt" json:"alt"`
	Status    string    `csv:"status" json:"status"`
	SavedPath string    `csv:"saved_path" json:"saved_path"`
	Error     string    `csv:"error" json:"error"`
	ScrapedAt time.Time `csv:"scraped_at" json:"scraped_at"`
}

// ScrapeResult holds the overall result of a scraping run
type ScrapeResult struct {
	StartTime     time.Time
	EndTime       time.Time
	PageCount     int
	PageFailures  int
	ImageCount    int
	MissingSource int
	Downloaded    int
	Duplicates    int
	FailedURLs    []string
	ErrorsByType  map[string]int
	RetryCount    int
	RequestCount  int
}
