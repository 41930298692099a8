package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// JSONParser reads .json files holding an array of records, or an object
// with such an array under "items", "articles" or "data", and .jsonl files
// with one record per line. A record is a string or an object with a text
// field.
type JSONParser struct{}

func (p *JSONParser) SupportedFormats() []string { return []string{"json", "jsonl", "ndjson"} }

func (p *JSONParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading JSON: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var docs []Document
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		docs, err = jsonDocuments(data)
	} else {
		docs, err = jsonlDocuments(data)
	}
	if err != nil {
		return nil, err
	}
	return &ParseResult{Documents: docs, Method: "json"}, nil
}

func jsonDocuments(data []byte) ([]Document, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		var wrapped map[string]json.RawMessage
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
		found := false
		for _, key := range []string{"items", "articles", "data", "texts"} {
			if raw, ok := wrapped[key]; ok {
				if err := json.Unmarshal(raw, &records); err != nil {
					return nil, fmt.Errorf("parsing JSON %q array: %w", key, err)
				}
				found = true
				break
			}
		}
		if !found {
			// A single record object.
			records = []json.RawMessage{data}
		}
	}

	var docs []Document
	for i, raw := range records {
		d, ok := recordDocument(raw)
		if !ok {
			continue
		}
		d.Ref = fmt.Sprintf("item %d", i+1)
		docs = append(docs, d)
	}
	return docs, nil
}

func jsonlDocuments(data []byte) ([]Document, error) {
	var docs []Document
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("parsing JSONL line %d: invalid JSON", line)
		}
		d, ok := recordDocument(raw)
		if !ok {
			continue
		}
		d.Ref = fmt.Sprintf("line %d", line)
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading JSONL: %w", err)
	}
	return docs, nil
}

// recordDocument extracts the text of one record. The text fields follow
// the same preference as spreadsheet columns, plus "original_text" used
// by the unknown-events log.
func recordDocument(raw json.RawMessage) (Document, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = normalizeText(s)
		return Document{Text: s, Metadata: map[string]string{}}, s != ""
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Document{}, false
	}
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	text := normalizeText(str(append(append([]string(nil), textColumns...), "original_text")...))
	if text == "" {
		return Document{}, false
	}
	d := Document{Text: text, Title: str(titleColumns...), Metadata: map[string]string{}}
	if u := str(urlColumns...); u != "" {
		d.Metadata["url"] = u
	}
	if pub := str("published", "published_at", "date"); pub != "" {
		d.Metadata["published"] = pub
	}
	return d, true
}
