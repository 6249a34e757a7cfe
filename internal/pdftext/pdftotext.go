// Package pdftext pulls plain text out of permit PDFs with the pdftotext CLI.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrEmptyDocument is returned for empty input or a document with no text layer.
var ErrEmptyDocument = errors.New("pdf has no extractable text")

// PdfToText implements permit.PDFExtractor.
type PdfToText struct {
	binPath string
	tempDir string
}

// New creates a PdfToText extractor. An empty binPath uses "pdftotext" from PATH.
func New(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText writes pdf to a temp file and runs pdftotext -layout on it.
func (p *PdfToText) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	if len(pdf) == 0 {
		return "", ErrEmptyDocument
	}
	f, err := os.CreateTemp(p.tempDir, "permit-*.pdf")
	if err != nil {
		return "", fmt.Errorf("pdftext: create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(pdf); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("pdftext: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("pdftext: close temp file: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", path, "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftext: pdftotext failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	text := stdout.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}
