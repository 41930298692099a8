package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Registry tests
// ---------------------------------------------------------------------------

func TestRegistryBuiltInParsers(t *testing.T) {
	reg := NewRegistry()

	formats := []string{"pdf", "xlsx", "csv", "tsv", "txt", "md", "html", "htm", "json", "jsonl", "PDF"}
	for _, format := range formats {
		t.Run(format, func(t *testing.T) {
			p, err := reg.Get(format)
			if err != nil {
				t.Fatalf("Get(%q) returned error: %v", format, err)
			}
			found := false
			for _, f := range p.SupportedFormats() {
				if f == strings.ToLower(format) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("parser for %q does not list it in SupportedFormats(): %v", format, p.SupportedFormats())
			}
		})
	}
}

func TestRegistryUnknown(t *testing.T) {
	reg := NewRegistry()
	for _, format := range []string{"docx", "pptx", "rtf", ""} {
		t.Run("format_"+format, func(t *testing.T) {
			p, err := reg.Get(format)
			if !errors.Is(err, ErrUnsupportedFormat) {
				t.Errorf("Get(%q) expected ErrUnsupportedFormat, got %v", format, err)
			}
			if p != nil {
				t.Errorf("Get(%q) expected nil parser", format)
			}
		})
	}
}

func TestRegistryCustomParser(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("custom"); err == nil {
		t.Fatal("expected error for unregistered format")
	}
	reg.Register("CUSTOM", &TextParser{})
	if _, err := reg.Get("custom"); err != nil {
		t.Fatalf("Get(\"custom\") after Register returned error: %v", err)
	}
}

func TestParseFileEmpty(t *testing.T) {
	path := writeFile(t, "empty.txt", "  \n\n \n")
	if _, err := NewRegistry().ParseFile(context.Background(), path); !errors.Is(err, ErrNoText) {
		t.Errorf("expected ErrNoText, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Text helpers
// ---------------------------------------------------------------------------

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "a\r\nb", "a\nb"},
		{"blank runs", "a\n\n\n\nb", "a\n\nb"},
		{"trailing spaces", "a  \t\nb\u00a0", "a\nb"},
		{"leading blanks", "\n\n  \na", "a"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeText(tt.in); got != tt.want {
				t.Errorf("normalizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnwrapLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"joins wrapped", "Acme said on\nMonday it would", "Acme said on Monday it would"},
		{"keeps sentence breaks", "It closed.\nShares rose", "It closed.\nShares rose"},
		{"dehyphenates", "acqui-\nsition", "acquisition"},
		{"keeps dash", "Acme -\nGlobex", "Acme - Globex"},
		{"keeps paragraphs", "one\ntwo\n\nthree", "one two\n\nthree"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := unwrapLines(tt.in); got != tt.want {
				t.Errorf("unwrapLines(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Format parsers
// ---------------------------------------------------------------------------

func TestTextParser(t *testing.T) {
	path := writeFile(t, "story.txt", "\ufeffAcme acquires Globex.\n\n\nThe deal closes in May.  \n")
	res, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("got %d documents, want 1", len(res.Documents))
	}
	want := "Acme acquires Globex.\n\nThe deal closes in May."
	if res.Documents[0].Text != want {
		t.Errorf("text = %q, want %q", res.Documents[0].Text, want)
	}
}

func TestCSVParserWithHeader(t *testing.T) {
	path := writeFile(t, "news.csv", "\ufeffTitle,Text,URL\n"+
		"Deal,\"Acme acquires Globex, a rival.\",https://example.com/1\n"+
		"Empty,,\n"+
		"CEO,Globex CEO resigns.,\n")
	res, err := (&CSVParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("got %d documents, want 2: %+v", len(res.Documents), res.Documents)
	}
	d := res.Documents[0]
	if d.Text != "Acme acquires Globex, a rival." || d.Title != "Deal" || d.Metadata["url"] != "https://example.com/1" {
		t.Errorf("first document: %+v", d)
	}
	if d.Ref != "row 2" || res.Documents[1].Ref != "row 4" {
		t.Errorf("refs: %q, %q", d.Ref, res.Documents[1].Ref)
	}
}

func TestCSVParserWithoutHeader(t *testing.T) {
	path := writeFile(t, "plain.csv", "Acme,acquires,Globex\nGlobex CEO resigns.\n")
	res, err := (&CSVParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Documents) != 2 || res.Documents[0].Text != "Acme acquires Globex" || res.Documents[0].Ref != "row 1" {
		t.Errorf("documents: %+v", res.Documents)
	}
}

func TestXLSXParser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "news.xlsx")
	f := excelize.NewFile()
	rows := [][]any{
		{"headline", "content"},
		{"Deal", "Acme acquires Globex."},
		{"CEO", "Globex CEO resigns."},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	f.Close()

	res, err := (&XLSXParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("got %d documents, want 2", len(res.Documents))
	}
	d := res.Documents[1]
	if d.Text != "Globex CEO resigns." || d.Title != "CEO" || d.Ref != "Sheet1!row 3" || d.Metadata["sheet_name"] != "Sheet1" {
		t.Errorf("second document: %+v", d)
	}
}

func TestHTMLParser(t *testing.T) {
	page := `<html><head><title>Site | Acme</title>
<meta property="og:url" content="https://news.example.com/acme">
<meta property="article:published_time" content="2024-05-01">
<script>var x = "ignore me";</script></head>
<body><nav><p>Home</p></nav>
<article><h1>Acme acquires Globex</h1>
<p>Acme   said on Monday it would buy Globex.</p>
<div><p>The deal closes in May.</p></div>
</article><footer><p>Copyright</p></footer></body></html>`
	res, err := parseHTML(strings.NewReader(page))
	if err != nil {
		t.Fatalf("parseHTML: %v", err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("got %d documents, want 1", len(res.Documents))
	}
	d := res.Documents[0]
	if d.Title != "Acme acquires Globex" {
		t.Errorf("title = %q", d.Title)
	}
	want := "Acme acquires Globex\n\nAcme said on Monday it would buy Globex.\n\nThe deal closes in May."
	if d.Text != want {
		t.Errorf("text = %q, want %q", d.Text, want)
	}
	for _, bad := range []string{"ignore me", "Home", "Copyright"} {
		if strings.Contains(d.Text, bad) {
			t.Errorf("text should not contain %q", bad)
		}
	}
	if d.Metadata["url"] != "https://news.example.com/acme" || d.Metadata["published"] != "2024-05-01" {
		t.Errorf("metadata: %v", d.Metadata)
	}
}

func TestJSONParser(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantText []string
		wantRef  string
	}{
		{"array of strings", "a.json", `["Acme acquires Globex.", "", "Globex CEO resigns."]`,
			[]string{"Acme acquires Globex.", "Globex CEO resigns."}, "item 1"},
		{"wrapped objects", "b.json", `{"articles": [{"title": "Deal", "text": "Acme acquires Globex."}, {"title": "no text"}]}`,
			[]string{"Acme acquires Globex."}, "item 1"},
		{"single object", "c.json", `{"content": "Acme acquires Globex."}`,
			[]string{"Acme acquires Globex."}, "item 1"},
		{"jsonl", "d.jsonl", "{\"original_text\": \"Acme acquires Globex.\"}\n\n{\"source_text\": \"Globex CEO resigns.\"}\n",
			[]string{"Acme acquires Globex.", "Globex CEO resigns."}, "line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			res, err := (&JSONParser{}).Parse(context.Background(), path)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(res.Documents) != len(tt.wantText) {
				t.Fatalf("got %d documents, want %d", len(res.Documents), len(tt.wantText))
			}
			for i, want := range tt.wantText {
				if res.Documents[i].Text != want {
					t.Errorf("document %d = %q, want %q", i, res.Documents[i].Text, want)
				}
			}
			if res.Documents[0].Ref != tt.wantRef {
				t.Errorf("ref = %q, want %q", res.Documents[0].Ref, tt.wantRef)
			}
		})
	}
}

func TestJSONLInvalidLine(t *testing.T) {
	path := writeFile(t, "bad.jsonl", "{\"text\": \"ok\"}\n{not json\n")
	if _, err := (&JSONParser{}).Parse(context.Background(), path); err == nil {
		t.Error("expected error for invalid JSONL line")
	}
}
