package extract

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrPDFToolNotFound indicates the pdftotext binary is not installed.
var ErrPDFToolNotFound = errors.New("pdftotext not found in PATH (install poppler-utils)")

// CommandRunner executes an external command and returns its stdout.
// Injectable so tests can run without poppler installed.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// PDF extracts text from PDF files by shelling out to pdftotext, one
// entry per page.
type PDF struct {
	runner CommandRunner
}

// NewPDF creates a PDF extractor using the real pdftotext binary.
func NewPDF() *PDF {
	return &PDF{runner: execRunner{}}
}

// NewPDFWithRunner creates a PDF extractor with a custom runner.
func NewPDFWithRunner(runner CommandRunner) *PDF {
	return &PDF{runner: runner}
}

// CheckPDFToolAvailable reports whether pdftotext is installed.
func CheckPDFToolAvailable() error {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return ErrPDFToolNotFound
	}
	return nil
}

// Extract runs pdftotext over the file at ref and splits its output on
// the form feeds pdftotext emits between pages. Pages with no text are
// dropped; a PDF with no text at all (e.g. scanned images) is an error.
func (p *PDF) Extract(ctx context.Context, ref string) ([]Entry, error) {
	out, err := p.runner.Run(ctx, "pdftotext", "-layout", "-enc", "UTF-8", ref, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext failed for %s: %w", ref, err)
	}

	var entries []Entry
	for i, page := range strings.Split(string(out), "\f") {
		text := strings.TrimSpace(page)
		if text == "" {
			continue
		}
		entries = append(entries, Entry{
			Text:     text,
			Metadata: map[string]any{MetaPageNumber: i + 1},
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w from %s", ErrNoContent, ref)
	}
	return entries, nil
}
