package retrieval

import (
	"context"
	"strings"
	"unicode"

	"github.com/brunobiangulo/eventgraph/store"
)

// snippetMaxLen is the approximate maximum character length of a quote.
const snippetMaxLen = 300

// quoteSnippet returns the one or two sentences of text sharing the most
// significant words with words. Empty when nothing overlaps.
func quoteSnippet(text string, words map[string]bool) string {
	if len(words) == 0 || text == "" {
		return ""
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	scores := make([]int, len(sentences))
	best := 0
	for i, s := range sentences {
		for w := range significantWords(s) {
			if words[w] {
				scores[i]++
			}
		}
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[best] == 0 {
		return ""
	}

	quote := sentences[best]
	if len(quote) >= snippetMaxLen {
		return quote
	}
	// Add the better scoring neighbour when it still fits.
	adj, adjScore := -1, 0
	for _, d := range []int{1, -1} {
		i := best + d
		if i >= 0 && i < len(sentences) && scores[i] > adjScore {
			adj, adjScore = i, scores[i]
		}
	}
	if adj < 0 {
		return quote
	}
	combined := quote + " " + sentences[adj]
	if adj < best {
		combined = sentences[adj] + " " + quote
	}
	if len(combined) <= snippetMaxLen {
		return combined
	}
	return quote
}

// significantWords returns the lower-cased words of four or more
// characters that are not stop words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !isStopWord(w) {
			words[w] = true
		}
	}
	return words
}

// splitSentences splits at . ? or ! followed by whitespace or the end.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// attachQuotes fills Source.Quote from the source text of each event's
// work item, matched against the question and the answer.
func (e *Engine) attachQuotes(ctx context.Context, ans *Answer, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}
	itemIDs := make([]string, 0, len(events))
	for _, ev := range events {
		itemIDs = append(itemIDs, ev.ItemID)
	}
	items, err := e.store.ListWorkItems(ctx, store.ItemFilter{IDs: dedupe(itemIDs)})
	if err != nil {
		return err
	}
	texts := make(map[string]string, len(items))
	for _, it := range items {
		texts[it.ID] = it.SourceText
	}

	words := significantWords(ans.Question + " " + ans.Answer)
	for i, ev := range events {
		ans.Sources[i].Quote = quoteSnippet(texts[ev.ItemID], words)
	}
	return nil
}
