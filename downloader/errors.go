package downloader

import (
	"errors"
	"fmt"
)

// ErrInvalidURL indicates a URL whose scheme can never be downloaded.
// It is never retried.
type ErrInvalidURL struct {
	URL string
}

func (e ErrInvalidURL) Error() string {
	return fmt.Sprintf("invalid url protocol: %s", e.URL)
}

// ErrContentType indicates the server answered with a non-image body.
// It aborts the download without consuming the retry budget.
type ErrContentType struct {
	ContentType string
}

func (e ErrContentType) Error() string {
	return fmt.Sprintf("content type %q is not an image", e.ContentType)
}

// ErrExhaustedRetries indicates every attempt failed at the transport level.
type ErrExhaustedRetries struct {
	Attempts int
	Err      error
}

func (e ErrExhaustedRetries) Error() string {
	return fmt.Errorf("all %d download attempts failed: %w", e.Attempts, e.Err).Error()
}

func (e ErrExhaustedRetries) Unwrap() error {
	return e.Err
}

// ErrorTypeLabel maps a download error to a stable metric label.
func ErrorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var invalid ErrInvalidURL
	if errors.As(err, &invalid) {
		return "invalid_url"
	}
	var content ErrContentType
	if errors.As(err, &content) {
		return "content_type"
	}
	var exhausted ErrExhaustedRetries
	if errors.As(err, &exhausted) {
		return "exhausted_retries"
	}
	return "other"
}
