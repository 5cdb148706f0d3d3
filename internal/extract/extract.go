package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"lumina/backend/internal/apperr"
)

// Extractor turns a document buffer into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

type ExtractorFunc func(ctx context.Context, data []byte) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, data []byte) (string, error) {
	return f(ctx, data)
}

var extensionTypes = map[string]string{
	".pdf":      "application/pdf",
	".html":     "text/html",
	".htm":      "text/html",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".csv":      "text/csv",
	".json":     "application/json",
}

// Set selects an Extractor by content type.
type Set struct {
	byType map[string]Extractor
}

// NewSet returns a Set with the built-in strategies registered.
func NewSet() *Set {
	s := &Set{byType: make(map[string]Extractor)}
	s.Register("application/pdf", PDF{})
	s.Register("text/html", HTML{})
	s.Register("application/xhtml+xml", HTML{})
	s.Register("text/markdown", Markdown{})
	s.Register("text/x-markdown", Markdown{})
	s.Register("text/plain", PlainText{})
	s.Register("text/csv", PlainText{})
	s.Register("application/json", JSON{})
	return s
}

func (s *Set) Register(contentType string, e Extractor) {
	s.byType[contentType] = e
}

// Normalize maps a MIME type or file extension onto a registered key.
// Parameters such as charset are dropped.
func Normalize(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(ct, ".") {
		if mapped, ok := extensionTypes[ct]; ok {
			return mapped
		}
		return ct
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return ct
}

// TypeFromName guesses a content type from a file name.
func TypeFromName(name string) string {
	return Normalize(filepath.Ext(name))
}

func (s *Set) Supports(contentType string) bool {
	_, ok := s.byType[Normalize(contentType)]
	return ok
}

// Extract runs the strategy registered for contentType. Unknown types and
// strategy failures are reported as non-retryable extraction errors, unless
// the strategy already classified the failure.
func (s *Set) Extract(ctx context.Context, data []byte, contentType string) (text string, err error) {
	ct := Normalize(contentType)
	ex, ok := s.byType[ct]
	if !ok {
		return "", apperr.Extraction("extract", fmt.Errorf("unsupported content type %q", contentType))
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "extractor panicked", "content_type", ct, "panic", r)
			text, err = "", apperr.Extraction("extract "+ct, fmt.Errorf("extractor panic: %v", r))
		}
	}()

	text, err = ex.Extract(ctx, data)
	if err != nil {
		var classified *apperr.Error
		if errors.As(err, &classified) {
			return "", err
		}
		return "", apperr.Extraction("extract "+ct, err)
	}
	return text, nil
}
