package retrieval

import (
	"strings"
	"unicode"
)

var punctuation = strings.NewReplacer(
	"\"", "", "*", "", "(", "", ")", "",
	"+", "", "^", "", ":", "",
	"?", "", "[", "", "]", "", "{", "",
	"}", "", "!", "", ".", "", ",", "",
	";", "",
)

// extractSignificantTerms returns the meaningful words from a query,
// filtering out short words and stop words. The result feeds the FTS
// search so that filler words do not match every event.
func extractSignificantTerms(query string) []string {
	words := strings.Fields(punctuation.Replace(query))

	seen := make(map[string]bool)
	var terms []string
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) > 2 && !isStopWord(lower) && !seen[lower] {
			seen[lower] = true
			terms = append(terms, lower)
		}
	}
	return terms
}

// extractQueryEntities does simple entity extraction from a query string:
// quoted terms, capitalized phrases, and significant single words.
func extractQueryEntities(query string) []string {
	var entities []string
	seen := make(map[string]bool)

	add := func(s string) {
		s = strings.TrimSpace(s)
		lower := strings.ToLower(s)
		if s != "" && !seen[lower] && len(s) > 1 {
			seen[lower] = true
			entities = append(entities, s)
		}
	}

	// Quoted terms
	inQuote := false
	var quoted strings.Builder
	for _, r := range query {
		if r == '"' {
			if inQuote {
				add(quoted.String())
				quoted.Reset()
			}
			inQuote = !inQuote
			continue
		}
		if inQuote {
			quoted.WriteRune(r)
		}
	}

	// Capitalized multi-word phrases ("Federal Reserve", "Acme Corp")
	words := strings.Fields(query)
	var phrase []string
	for _, w := range words {
		clean := strings.Trim(w, ".,;:!?\"'()[]")
		if clean == "" {
			if len(phrase) > 0 {
				add(strings.Join(phrase, " "))
				phrase = nil
			}
			continue
		}
		firstRune := []rune(clean)[0]
		if unicode.IsUpper(firstRune) && !isStopWord(clean) {
			phrase = append(phrase, clean)
			continue
		}
		if len(phrase) > 0 {
			add(strings.Join(phrase, " "))
			phrase = nil
		}
	}
	if len(phrase) > 0 {
		add(strings.Join(phrase, " "))
	}

	// Significant individual words; entity names are matched
	// case-insensitively so lowercase mentions count too.
	for _, w := range words {
		clean := strings.Trim(w, ".,;:!?\"'()[]")
		if len(clean) > 3 && !isStopWord(clean) {
			add(clean)
		}
	}

	return entities
}

// isSynthesisQuery returns true if the query has exhaustive intent
// (all events, every acquisition, a complete timeline). These queries
// get a wider retrieval window.
func isSynthesisQuery(query string) bool {
	lower := strings.ToLower(query)

	exhaustivePatterns := []string{
		"all the", "all of the", "every ", "each of",
		"complete list", "comprehensive", "list all",
		"what are all", "name all", "list every",
		"enumerate", "full list", "timeline", "history of",
	}
	for _, p := range exhaustivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	// Long queries with several question words are broad synthesis
	// questions rather than point lookups.
	words := strings.Fields(lower)
	if len(words) >= 15 {
		qWords := 0
		for _, w := range words {
			switch w {
			case "what", "which", "how", "where", "when", "why", "list", "describe", "name":
				qWords++
			}
		}
		if qWords >= 2 {
			return true
		}
	}

	return false
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"shall": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "how": true, "why": true, "not": true,
	"no": true, "nor": true, "if": true, "then": true, "than": true,
	"so": true, "as": true, "about": true, "into": true, "between": true,
	"tell": true, "me": true, "happened": true, "there": true, "any": true,
}

func isStopWord(w string) bool {
	return stopWords[strings.ToLower(w)]
}
