// Package ingest drives the track ingestion pipeline: fetch, classify,
// extract, upload, record, with retries, per-source deduplication and the
// orphan sweep.
package ingest

import (
	"github.com/loist/loist/internal/errors"
)

// SourceTypeHTTPURL is the only source variant currently accepted; the tag
// leaves room for upload-by-value sources later.
const SourceTypeHTTPURL = "http_url"

// Source is the tagged ingestion source.
type Source struct {
	Type     string            `json:"type"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Filename string            `json:"filename,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
}

// Validate checks the source variant and its required fields.
func (s *Source) Validate() error {
	if s.Type != SourceTypeHTTPURL {
		return errors.NewValidationError("unsupported source type", "source.type").
			WithContext("type", s.Type)
	}
	if s.URL == "" {
		return errors.NewValidationError("source url is required", "source.url")
	}
	return nil
}

// Options tune a single ingestion.
type Options struct {
	MaxSizeMB int `json:"maxSizeMB,omitempty"`
}
