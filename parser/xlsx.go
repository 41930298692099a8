package parser

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// textColumns are header names recognised as holding the article text,
// in order of preference.
var textColumns = []string{"source_text", "text", "content", "body", "article", "description"}

var (
	titleColumns = []string{"title", "headline"}
	urlColumns   = []string{"url", "link", "source_uri", "source"}
)

// XLSXParser reads one document per row of every sheet.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx", "xlsm"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	res := &ParseResult{Method: "native", Metadata: map[string]string{}}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		docs := tableDocuments(rows, sheet+"!")
		for i := range docs {
			docs[i].Metadata["sheet_name"] = sheet
		}
		res.Documents = append(res.Documents, docs...)
		res.Metadata["rows:"+sheet] = fmt.Sprintf("%d", len(rows))
	}
	return res, nil
}

// CSVParser reads one document per CSV row.
type CSVParser struct{}

func (p *CSVParser) SupportedFormats() []string { return []string{"csv", "tsv"} }

func (p *CSVParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if strings.HasSuffix(strings.ToLower(path), ".tsv") {
		r.Comma = '\t'
	}
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV: %w", err)
		}
		rows = append(rows, rec)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return &ParseResult{Documents: tableDocuments(rows, ""), Method: "native"}, nil
}

// tableDocuments turns rows into documents. With a recognised header the
// text, title and url columns are used; otherwise every row is one text
// with its cells joined.
func tableDocuments(rows [][]string, refPrefix string) []Document {
	if len(rows) == 0 {
		return nil
	}
	header := make(map[string]int)
	for i, h := range rows[0] {
		h = strings.ToLower(strings.TrimSpace(h))
		if _, dup := header[h]; !dup {
			header[h] = i
		}
	}
	find := func(names []string) int {
		for _, n := range names {
			if i, ok := header[n]; ok {
				return i
			}
		}
		return -1
	}
	cell := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	textCol := find(textColumns)
	titleCol, urlCol := -1, -1
	start := 0
	if textCol >= 0 {
		titleCol = find(titleColumns)
		urlCol = find(urlColumns)
		start = 1
	}

	var docs []Document
	for n, row := range rows[start:] {
		var text string
		if textCol >= 0 {
			text = cell(row, textCol)
		} else {
			var parts []string
			for _, c := range row {
				if c = strings.TrimSpace(c); c != "" {
					parts = append(parts, c)
				}
			}
			text = strings.Join(parts, " ")
		}
		text = normalizeText(text)
		if text == "" {
			continue
		}
		d := Document{
			Text:     text,
			Ref:      fmt.Sprintf("%srow %d", refPrefix, start+n+1),
			Title:    cell(row, titleCol),
			Metadata: map[string]string{},
		}
		if u := cell(row, urlCol); u != "" {
			d.Metadata["url"] = u
		}
		docs = append(docs, d)
	}
	return docs
}
