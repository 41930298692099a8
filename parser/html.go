package parser

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// contentSelectors are tried in order to find the article body.
var contentSelectors = []string{"article", "main", "[role=main]", "#content", ".content", "body"}

// HTMLParser extracts the readable article text of a saved web page.
type HTMLParser struct{}

func (p *HTMLParser) SupportedFormats() []string { return []string{"html", "htm"} }

func (p *HTMLParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening HTML: %w", err)
	}
	defer f.Close()
	return parseHTML(f)
}

func parseHTML(r io.Reader) (*ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer, aside, form, iframe").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		title = h1
	}

	meta := map[string]string{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("property")
		if name == "" {
			name, _ = s.Attr("name")
		}
		content, _ := s.Attr("content")
		switch name {
		case "og:url", "article:published_time", "description", "og:site_name":
			if content != "" {
				meta[name] = strings.TrimSpace(content)
			}
		}
	})
	if href, ok := doc.Find("link[rel=canonical]").Attr("href"); ok && meta["og:url"] == "" {
		meta["og:url"] = href
	}

	var root *goquery.Selection
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			root = s
			break
		}
	}

	var blocks []string
	if root != nil {
		root.Find("h1, h2, h3, h4, p, li, blockquote, td").Each(func(_ int, s *goquery.Selection) {
			// Nested blocks are collected through their own element.
			if s.Find("p, li").Length() > 0 {
				return
			}
			if t := collapseSpaces(s.Text()); t != "" {
				blocks = append(blocks, t)
			}
		})
		if len(blocks) == 0 {
			if t := collapseSpaces(root.Text()); t != "" {
				blocks = append(blocks, t)
			}
		}
	}

	res := &ParseResult{Method: "html", Metadata: meta}
	if len(blocks) > 0 {
		d := Document{Text: strings.Join(blocks, "\n\n"), Title: title, Metadata: map[string]string{}}
		if u := meta["og:url"]; u != "" {
			d.Metadata["url"] = u
		}
		if pub := meta["article:published_time"]; pub != "" {
			d.Metadata["published"] = pub
		}
		res.Documents = []Document{d}
	}
	return res, nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
