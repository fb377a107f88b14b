// Package chunk splits extracted text into bounded, overlapping segments
// for indexing. The splitter walks a priority list of separators from
// paragraph down to single characters, preferring the largest separator
// that keeps a segment within the size limit, and carries a configured
// overlap from the tail of each segment into the head of the next.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators orders split points from coarsest to finest. The
// empty string is the character-level last resort.
var DefaultSeparators = []string{"\n\n", "\n", ". ", ", ", " ", ""}

// Piece is one output chunk with its merged metadata.
type Piece struct {
	Text     string
	Metadata map[string]any
}

// Splitter produces deterministic chunk boundaries for a given size and
// overlap configuration. Safe for concurrent use.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

// NewSplitter creates a Splitter with the default separator ladder.
// Sizes are measured in runes. overlap must be smaller than size; the
// config layer validates this before construction.
func NewSplitter(size, overlap int) *Splitter {
	return &Splitter{
		chunkSize:  size,
		overlap:    overlap,
		separators: DefaultSeparators,
	}
}

// Chunk splits text and stamps each piece with base metadata plus its
// position. Empty or whitespace-only input yields no pieces; input
// within the size limit yields exactly one piece equal to the input.
func (s *Splitter) Chunk(text string, base map[string]any) []Piece {
	texts := s.Split(text)
	pieces := make([]Piece, 0, len(texts))
	for i, t := range texts {
		metadata := make(map[string]any, len(base)+2)
		for k, v := range base {
			metadata[k] = v
		}
		metadata["chunk_index"] = i
		metadata["total_chunks"] = len(texts)
		pieces = append(pieces, Piece{Text: t, Metadata: metadata})
	}
	return pieces
}

// Split returns the raw chunk texts without metadata.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	// Pick the coarsest separator present in the text; the rest stay
	// available for recursing into oversized fragments.
	separator := separators[len(separators)-1]
	var remaining []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	splits := splitWithSeparator(text, separator)

	var chunks []string
	var fitting []string
	for _, fragment := range splits {
		if utf8.RuneCountInString(fragment) < s.chunkSize {
			fitting = append(fitting, fragment)
			continue
		}
		if len(fitting) > 0 {
			chunks = append(chunks, s.merge(fitting)...)
			fitting = nil
		}
		if len(remaining) == 0 {
			chunks = append(chunks, fragment)
		} else {
			chunks = append(chunks, s.split(fragment, remaining)...)
		}
	}
	if len(fitting) > 0 {
		chunks = append(chunks, s.merge(fitting)...)
	}
	return chunks
}

// splitWithSeparator splits text keeping each separator attached to the
// start of the fragment that follows it, so rejoining fragments loses
// nothing.
func splitWithSeparator(text, separator string) []string {
	if separator == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}

	parts := strings.Split(text, separator)
	out := make([]string, 0, len(parts))
	for i, part := range parts {
		if i > 0 {
			part = separator + part
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// merge greedily packs fragments into chunks up to the size limit, then
// rewinds by the overlap so consecutive chunks share a tail.
func (s *Splitter) merge(fragments []string) []string {
	var chunks []string
	var window []string
	total := 0

	for _, fragment := range fragments {
		length := utf8.RuneCountInString(fragment)
		if total+length > s.chunkSize && len(window) > 0 {
			if doc := strings.TrimSpace(strings.Join(window, "")); doc != "" {
				chunks = append(chunks, doc)
			}
			// Drop fragments from the front until the retained tail
			// fits the overlap budget and leaves room for the new one.
			for total > s.overlap || (total+length > s.chunkSize && total > 0) {
				total -= utf8.RuneCountInString(window[0])
				window = window[1:]
			}
		}
		window = append(window, fragment)
		total += length
	}

	if doc := strings.TrimSpace(strings.Join(window, "")); doc != "" {
		chunks = append(chunks, doc)
	}
	return chunks
}
