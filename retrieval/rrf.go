package retrieval

import (
	"sort"
)

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods   []string `json:"methods"`
	VecRank   int      `json:"vec_rank,omitempty"`   // 1-based, 0 = not present
	FTSRank   int      `json:"fts_rank,omitempty"`   // 1-based, 0 = not present
	GraphRank int      `json:"graph_rank,omitempty"` // 1-based, 0 = not present
}

type fusedID struct {
	ID    string
	Score float64
}

// fuseRRF combines ranked event id lists with weighted Reciprocal Rank
// Fusion: score = sum(weight_i / (k + rank_i)). Equal scores are ordered
// by id. It also returns per-result method contribution info.
func fuseRRF(
	vecIDs, ftsIDs, graphIDs []string,
	weightVec, weightFTS, weightGraph float64,
	maxResults int,
) ([]fusedID, map[string]FusedResultInfo) {
	type fusedEntry struct {
		score float64
		info  FusedResultInfo
	}
	fused := make(map[string]*fusedEntry)

	add := func(ids []string, weight float64, method string, setRank func(*FusedResultInfo, int)) {
		for rank, id := range ids {
			entry, ok := fused[id]
			if !ok {
				entry = &fusedEntry{}
				fused[id] = entry
			}
			entry.score += weight / float64(rrfK+rank+1)
			entry.info.Methods = append(entry.info.Methods, method)
			setRank(&entry.info, rank+1)
		}
	}
	add(vecIDs, weightVec, "vector", func(i *FusedResultInfo, r int) { i.VecRank = r })
	add(ftsIDs, weightFTS, "fts", func(i *FusedResultInfo, r int) { i.FTSRank = r })
	add(graphIDs, weightGraph, "graph", func(i *FusedResultInfo, r int) { i.GraphRank = r })

	results := make([]fusedID, 0, len(fused))
	for id, e := range fused {
		if e.score <= 0 {
			continue
		}
		results = append(results, fusedID{ID: id, Score: e.score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}

	infoMap := make(map[string]FusedResultInfo, len(results))
	for _, r := range results {
		infoMap[r.ID] = fused[r.ID].info
	}
	return results, infoMap
}

// dedupe keeps the first occurrence of each id.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
