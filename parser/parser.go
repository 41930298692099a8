// Package parser turns input files into source texts for ingestion. Each
// format decides what one text is: a whole article for PDF, HTML and
// plain text, one row for spreadsheets, one record for JSON and JSONL.
package parser

import (
	"context"
	"errors"
	"strings"
)

// ErrNoText is returned when a file yields no usable text.
var ErrNoText = errors.New("parser: no text found")

// ParseResult is what a parser produces from a file.
type ParseResult struct {
	Documents []Document
	Method    string // "native", "html", "json"
	Metadata  map[string]string
}

// Document is one source text found in a file.
type Document struct {
	Text string
	// Ref locates the text inside the file ("row 3", "line 12"); empty
	// when the file holds a single text.
	Ref      string
	Title    string
	Metadata map[string]string
}

// Parser can parse a specific file format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}

// normalizeText collapses runs of blank lines and trims trailing spaces
// from every line.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\u00a0")
		if strings.TrimSpace(line) == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		blank = 0
		b.WriteString(line)
	}
	return b.String()
}
