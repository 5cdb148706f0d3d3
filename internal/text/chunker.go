package text

import (
	"regexp"

	"lumina/backend/internal/apperr"
)

const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
)

type Chunk struct {
	Text          string
	SequenceIndex int
}

// Split cuts text into fixed windows of size characters, each starting
// size-overlap characters after the previous one. The final window may be
// shorter. Output depends only on the inputs.
func Split(text string, size, overlap int) ([]Chunk, error) {
	if size <= 0 {
		return nil, apperr.Validationf("chunk", "size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, apperr.Validationf("chunk", "overlap must be in [0, %d), got %d", size, overlap)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	step := size - overlap
	chunks := make([]Chunk, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, Chunk{Text: string(runes[start:end]), SequenceIndex: len(chunks)})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

var (
	editLinkRe = regexp.MustCompile(`(?mi)^\[edit[^\]]*\]\([^\)]+\)\s*$`)
	tocRe      = regexp.MustCompile(`(?mi)^#{1,3}\s+(?:table of )?contents?\s*\n(?:\s*[-*]\s*\[.*?\]\(#.*?\)\s*\n)*`)
)

// CleanMarkdownNoise strips "edit this page" links and generated tables of contents.
func CleanMarkdownNoise(text string) string {
	text = editLinkRe.ReplaceAllString(text, "")
	return tocRe.ReplaceAllString(text, "")
}
