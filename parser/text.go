package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TextParser handles plain text and markdown files. The whole file is one
// document.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	content := normalizeText(strings.TrimPrefix(string(data), "\ufeff"))
	if content == "" {
		return &ParseResult{Method: "native"}, nil
	}

	return &ParseResult{
		Documents: []Document{{
			Text:  content,
			Title: filepath.Base(path),
		}},
		Method: "native",
	}, nil
}
