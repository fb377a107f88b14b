// Package extract converts heterogeneous source documents into plain
// text entries for chunking and indexing. Each extractor emits one entry
// per natural unit of its source: a PDF page, a CSV or spreadsheet row,
// a whole web page. Empty units are dropped silently; a source that
// yields nothing at all is an extraction failure.
package extract

import (
	"context"
	"errors"
	"fmt"
)

// Metadata keys attached by extractors. Downstream code preserves these
// through chunking so citations can point back into the source.
const (
	MetaPageNumber   = "page_number"
	MetaRowNumber    = "row_number"
	MetaSheetName    = "sheet_name"
	MetaSourceURL    = "source_url"
	MetaGDocID       = "gdoc_id"
	MetaNotionPageID = "notion_page_id"
)

// ErrNoContent indicates the whole source yielded no usable text.
var ErrNoContent = errors.New("no text content extracted")

// Entry is one unit of extracted text with its positional metadata.
type Entry struct {
	Text     string
	Metadata map[string]any
}

// Extractor converts one source reference into text entries. The
// meaning of ref depends on the source type: a file path for uploaded
// files, a URL for websites, a document or page id for hosted sources.
type Extractor interface {
	Extract(ctx context.Context, ref string) ([]Entry, error)
}

// Registry maps source types to their extractors.
type Registry map[string]Extractor

// ForType returns the extractor registered for a source type.
func (r Registry) ForType(sourceType string) (Extractor, error) {
	e, ok := r[sourceType]
	if !ok {
		return nil, fmt.Errorf("no extractor for source type %q", sourceType)
	}
	return e, nil
}
