package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Docx extracts Word documents. A .docx file is a ZIP archive; the text
// lives in word/document.xml as paragraphs of runs.
type Docx struct{}

// NewDocx creates a Word document extractor.
func NewDocx() *Docx { return &Docx{} }

type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Text []struct {
			Content string `xml:",chardata"`
		} `xml:"t"`
	} `xml:"r"`
}

// Extract reads the archive at ref and returns the document text as a
// single entry, paragraphs joined by newlines.
func (Docx) Extract(_ context.Context, ref string) ([]Entry, error) {
	reader, err := zip.OpenReader(ref)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref, err)
	}
	defer reader.Close()

	raw, err := readZipFile(&reader.Reader, "word/document.xml")
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: not a Word document (missing word/document.xml)", ref)
	}

	var doc docxDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing document XML in %s: %w", ref, err)
	}

	var b strings.Builder
	for _, para := range doc.Body.Paragraphs {
		var line strings.Builder
		for _, run := range para.Runs {
			for _, t := range run.Text {
				line.WriteString(t.Content)
			}
		}
		if line.Len() > 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(line.String())
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, fmt.Errorf("%w from %s", ErrNoContent, ref)
	}
	return []Entry{{Text: text, Metadata: map[string]any{}}}, nil
}

func readZipFile(reader *zip.Reader, name string) ([]byte, error) {
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, nil
}
