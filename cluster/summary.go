package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/brunobiangulo/eventgraph/store"
)

const (
	summaryMaxEntities = 5
	summaryDescLen     = 100
)

// Summarize builds the heuristic story summary: time range, up to five
// entities, event types and the first description, joined by " | ".
func Summarize(events []store.Event) string {
	var (
		dates    []string
		entities []string
		types    []string
		desc     string
		seenDate = map[string]bool{}
		seenEnt  = map[string]bool{}
		seenType = map[string]bool{}
	)
	for _, e := range events {
		if d := strings.TrimSpace(e.EventDate); d != "" && !seenDate[d] {
			seenDate[d] = true
			dates = append(dates, d)
		}
		for _, ent := range e.Entities {
			if n := strings.TrimSpace(ent.Name); n != "" && !seenEnt[n] {
				seenEnt[n] = true
				entities = append(entities, n)
			}
		}
		if t := strings.TrimSpace(e.EventType); t != "" && !seenType[t] {
			seenType[t] = true
			types = append(types, t)
		}
		if desc == "" {
			desc = strings.TrimSpace(e.Description)
		}
	}

	var parts []string
	if len(dates) > 0 {
		sort.Strings(dates)
		switch len(dates) {
		case 1:
			parts = append(parts, "Time: "+dates[0])
		case 2:
			parts = append(parts, fmt.Sprintf("Time: %s ~ %s", dates[0], dates[1]))
		default:
			parts = append(parts, fmt.Sprintf("Time: %s ~ %s (%d dates)", dates[0], dates[len(dates)-1], len(dates)))
		}
	}
	if len(entities) > 0 {
		parts = append(parts, "Entities: "+strings.Join(entities[:min(len(entities), summaryMaxEntities)], ", "))
	}
	if len(types) > 0 {
		parts = append(parts, "Types: "+strings.Join(types, ", "))
	}
	if desc != "" {
		if r := []rune(desc); len(r) > summaryDescLen {
			desc = string(r[:summaryDescLen]) + "..."
		}
		parts = append(parts, "Key event: "+desc)
	}
	return strings.Join(parts, " | ")
}
