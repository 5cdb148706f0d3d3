package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"code.sajari.com/docconv"

	"lumina/backend/internal/apperr"
)

var errNotPDF = errors.New("missing %PDF header")

const pdfTool = "pdftotext"

// CheckPDFTool reports whether the pdftotext binary docconv shells out to
// is on PATH.
func CheckPDFTool() error {
	if _, err := exec.LookPath(pdfTool); err != nil {
		return fmt.Errorf("pdf extraction unavailable: %w", err)
	}
	return nil
}

// PDF extracts text with pdftotext through docconv. Pages that cannot be
// decoded are skipped by the converter. A missing pdftotext is a deployment
// fault, so it fails the job as retryable.
type PDF struct{}

func (PDF) Extract(ctx context.Context, data []byte) (string, error) {
	head := data[:min(len(data), 1024)]
	if !bytes.Contains(head, []byte("%PDF-")) {
		return "", apperr.Extraction("extract pdf", errNotPDF)
	}
	if err := ctx.Err(); err != nil {
		return "", apperr.Transient("extract pdf", err)
	}
	if err := CheckPDFTool(); err != nil {
		return "", apperr.Transient("extract pdf", err)
	}

	res, err := docconv.Convert(bytes.NewReader(data), "application/pdf", false)
	if err != nil {
		return "", apperr.Extraction("extract pdf", err)
	}
	return strings.TrimSpace(res.Body), nil
}

type HTML struct {
	Readability bool
}

func (h HTML) Extract(_ context.Context, data []byte) (string, error) {
	res, err := docconv.Convert(bytes.NewReader(data), "text/html", h.Readability)
	if err != nil {
		return "", apperr.Extraction("extract html", err)
	}
	return strings.TrimSpace(res.Body), nil
}
