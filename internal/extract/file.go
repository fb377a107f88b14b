package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// Text extracts a plain text file as a single entry.
type Text struct{}

// NewText creates a plain text extractor.
func NewText() *Text { return &Text{} }

// Extract reads the whole file at ref as one entry.
func (Text) Extract(_ context.Context, ref string) ([]Entry, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("%w from %s", ErrNoContent, ref)
	}
	return []Entry{{Text: text, Metadata: map[string]any{}}}, nil
}

// CSV extracts tabular files, one entry per data row, with the header
// row folded into each entry as "column: value" context.
type CSV struct{}

// NewCSV creates a CSV extractor.
func NewCSV() *CSV { return &CSV{} }

// Extract reads the file at ref. Row numbers are 1-based over data rows
// (the header is row 0 and never emitted). Cells with empty values are
// omitted from the row text; fully empty rows are dropped.
func (CSV) Extract(_ context.Context, ref string) ([]Entry, error) {
	f, err := os.Open(ref)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ref, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w from %s", ErrNoContent, ref)
	}

	header := records[0]
	var entries []Entry
	for i, record := range records[1:] {
		text := rowText(header, record)
		if text == "" {
			continue
		}
		entries = append(entries, Entry{
			Text:     text,
			Metadata: map[string]any{MetaRowNumber: i + 1},
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w from %s", ErrNoContent, ref)
	}
	return entries, nil
}

// rowText renders a row as "col: val | col: val", skipping empty cells.
func rowText(header, record []string) string {
	parts := make([]string, 0, len(record))
	for i, value := range record {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		name := fmt.Sprintf("column_%d", i+1)
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			name = strings.TrimSpace(header[i])
		}
		parts = append(parts, name+": "+value)
	}
	return strings.Join(parts, " | ")
}
