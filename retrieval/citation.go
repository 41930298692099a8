package retrieval

import (
	"regexp"
	"strconv"
	"strings"
)

// Citation is an event reference found in an answer.
type Citation struct {
	Text    string `json:"text"`
	EventID string `json:"event_id,omitempty"`
	// Verified is true when the reference resolves to one of the events
	// the answer was given.
	Verified bool `json:"verified"`
}

var (
	eventRefPattern  = regexp.MustCompile(`\[(evt_[0-9a-f]+_\d+)\]`)
	sourceRefPattern = regexp.MustCompile(`\[(?i:source|event)\s*(\d+)\]`)
)

// ExtractCitations finds the event references in answer and checks them
// against sources. Two styles are recognised: [evt_<item>_<seq>] and
// [Source N] counting from one.
func ExtractCitations(answer string, sources []Source) []Citation {
	byID := make(map[string]bool, len(sources))
	for _, s := range sources {
		byID[s.EventID] = true
	}

	var out []Citation
	seen := make(map[string]bool)
	for _, m := range eventRefPattern.FindAllStringSubmatch(answer, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, Citation{Text: m[0], EventID: m[1], Verified: byID[m[1]]})
	}
	for _, m := range sourceRefPattern.FindAllStringSubmatch(answer, -1) {
		ref := strings.TrimSpace(m[0])
		if seen[ref] {
			continue
		}
		seen[ref] = true
		c := Citation{Text: ref}
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 && n <= len(sources) {
			c.EventID = sources[n-1].EventID
			c.Verified = true
		}
		out = append(out, c)
	}
	return out
}
