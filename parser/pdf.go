package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts the text of every page. A PDF is one document.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var pages []string
	for i := 1; i <= totalPages; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		if text = normalizeText(text); text != "" {
			pages = append(pages, unwrapLines(text))
		}
	}

	res := &ParseResult{
		Method:   "native",
		Metadata: map[string]string{"pages": fmt.Sprintf("%d", totalPages)},
	}
	if len(pages) > 0 {
		res.Documents = []Document{{
			Text:  strings.Join(pages, "\n\n"),
			Title: filepath.Base(path),
		}}
	}
	return res, nil
}

// unwrapLines joins hard-wrapped lines inside a paragraph. A line ending
// in sentence punctuation, or followed by a blank line, ends a paragraph.
func unwrapLines(text string) string {
	paras := strings.Split(text, "\n\n")
	for i, para := range paras {
		lines := strings.Split(para, "\n")
		var b strings.Builder
		for j, line := range lines {
			line = strings.TrimSpace(line)
			if j > 0 {
				prev := b.String()
				switch {
				case strings.HasSuffix(prev, "-") && !strings.HasSuffix(prev, " -"):
					// word hyphenated across the line break
					b.Reset()
					b.WriteString(strings.TrimSuffix(prev, "-"))
				case endsSentence(prev):
					b.WriteByte('\n')
				default:
					b.WriteByte(' ')
				}
			}
			b.WriteString(line)
		}
		paras[i] = b.String()
	}
	return strings.Join(paras, "\n\n")
}

func endsSentence(line string) bool {
	if line == "" {
		return true
	}
	switch line[len(line)-1] {
	case '.', '!', '?', ':', ';':
		return true
	}
	return false
}
