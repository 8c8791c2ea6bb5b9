// Package extractor derives normalized image references from parsed pages.
package extractor

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ahmaddeeb/go-scrape-images/models"
)

// sourceAttrs is the fallback precedence for image source attributes.
// The first non-empty attribute wins.
var sourceAttrs = []string{"src", "data-src", "data-lazy-src"}

// Extractor walks parsed documents and produces image references.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor builds an extractor. A nil logger falls back to the default.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract enumerates every <img> element of doc in document order, 1-indexed
// by position. Elements without any source attribute are still emitted with
// an empty URL so callers can count them. Relative sources are resolved
// against pageURL. An element whose source cannot be resolved is logged and
// skipped without aborting the rest of the document. A page without images
// yields an empty slice, not an error.
func (e *Extractor) Extract(pageURL string, doc *goquery.Document) ([]models.ImageReference, error) {
	if doc == nil {
		return nil, fmt.Errorf("document cannot be nil")
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}

	images := doc.Find("img")
	if images.Length() == 0 {
		e.logger.Info("no images found", slog.String("page_url", pageURL))
		return []models.ImageReference{}, nil
	}
	e.logger.Info("images found",
		slog.Int("count", images.Length()),
		slog.String("page_url", pageURL),
	)

	refs := make([]models.ImageReference, 0, images.Length())
	images.Each(func(i int, sel *goquery.Selection) {
		position := i + 1
		alt := strings.TrimSpace(sel.AttrOr("alt", ""))

		src := ""
		for _, attr := range sourceAttrs {
			if value, ok := sel.Attr(attr); ok && value != "" {
				src = value
				break
			}
		}

		if src == "" {
			e.logger.Debug("image has no source attribute",
				slog.Int("position", position),
				slog.String("page_url", pageURL),
			)
			refs = append(refs, models.ImageReference{
				Position: position,
				Alt:      alt,
				PageURL:  pageURL,
			})
			return
		}

		if !strings.HasPrefix(src, "http") {
			resolved, err := base.Parse(src)
			if err != nil {
				e.logger.Error("skipping image with malformed source",
					slog.Int("position", position),
					slog.String("src", src),
					slog.Any("error", err),
				)
				return
			}
			src = resolved.String()
		}

		refs = append(refs, models.ImageReference{
			Position: position,
			URL:      src,
			Alt:      alt,
			PageURL:  pageURL,
		})
	})

	return refs, nil
}
