package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/text"
)

var (
	utf8BOM   = []byte{0xEF, 0xBB, 0xBF}
	errBinary = errors.New("buffer looks binary")
	headingRe = regexp.MustCompile(`(?m)^#\s+\S`)
)

type PlainText struct{}

func (PlainText) Extract(_ context.Context, data []byte) (string, error) {
	s, err := decodeText(data)
	if err != nil {
		return "", apperr.Extraction("extract text", err)
	}
	return s, nil
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if bytes.IndexByte(data[:min(len(data), 8192)], 0) >= 0 {
		return "", errBinary
	}
	if !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), "\uFFFD"), nil
	}
	return string(data), nil
}

// Markdown drops YAML frontmatter and documentation-site noise. A frontmatter
// title is kept as a heading when the body has none.
type Markdown struct{}

func (Markdown) Extract(_ context.Context, data []byte) (string, error) {
	s, err := decodeText(data)
	if err != nil {
		return "", apperr.Extraction("extract markdown", err)
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")

	body := s
	var front map[string]any
	if strings.HasPrefix(s, "---\n") {
		if end := strings.Index(s[4:], "\n---"); end >= 0 {
			// Malformed frontmatter is dropped without failing the document.
			_ = yaml.Unmarshal([]byte(s[4:4+end]), &front)
			body = strings.TrimPrefix(s[4+end+4:], "\n")
		}
	}

	body = strings.TrimSpace(text.CleanMarkdownNoise(body))
	if title, ok := front["title"].(string); ok && title != "" && !headingRe.MatchString(body) {
		body = "# " + title + "\n\n" + body
	}
	return body, nil
}

// JSON flattens every string value, visiting object keys in sorted order.
type JSON struct{}

func (JSON) Extract(_ context.Context, data []byte) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", apperr.Extraction("extract json", fmt.Errorf("decode: %w", err))
	}

	var parts []string
	collectStrings(v, "", &parts)
	return strings.Join(parts, "\n"), nil
}

func collectStrings(v any, path string, out *[]string) {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return
		}
		if path == "" {
			*out = append(*out, val)
			return
		}
		*out = append(*out, path+": "+val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(val[k], join(path, k), out)
		}
	case []any:
		for _, item := range val {
			collectStrings(item, path, out)
		}
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
