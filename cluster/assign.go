package cluster

import (
	"github.com/brunobiangulo/eventgraph/graph"
)

// AttachNoise returns a copy of labels where each noise point joins the
// cluster whose members it shares the most entities with on average,
// provided that mean Jaccard exceeds threshold. Only the original
// cluster members are compared, so attachment order does not matter.
func AttachNoise(labels []int, points []Point, threshold float64) []int {
	out := append([]int(nil), labels...)
	groups := Groups(labels)
	if len(groups) == 0 {
		return out
	}
	for i, l := range labels {
		if l != Noise || len(points[i].Entities) == 0 {
			continue
		}
		best, bestScore := Noise, threshold
		for label, members := range groups {
			if len(members) == 0 {
				continue
			}
			sum := 0.0
			for _, m := range members {
				sum += Jaccard(points[i].Entities, points[m].Entities)
			}
			if mean := sum / float64(len(members)); mean > bestScore {
				best, bestScore = label, mean
			}
		}
		out[i] = best
	}
	return out
}

// Split breaks members into chunks of at most maxSize. Modularity
// communities over the similarity graph (1 - distance) come first; any
// community still too large is cut sequentially. Members of a small
// enough group come back as a single chunk.
func Split(members []int, dist [][]float64, maxSize int) [][]int {
	if maxSize <= 0 || len(members) <= maxSize {
		return [][]int{members}
	}

	var edges []graph.Edge
	for a := range members {
		for b := a + 1; b < len(members); b++ {
			if w := 1 - dist[members[a]][members[b]]; w > 0 {
				edges = append(edges, graph.Edge{A: a, B: b, Weight: w})
			}
		}
	}

	var chunks [][]int
	for _, comm := range graph.Communities(len(members), edges) {
		for start := 0; start < len(comm); start += maxSize {
			end := min(start+maxSize, len(comm))
			chunk := make([]int, 0, end-start)
			for _, local := range comm[start:end] {
				chunk = append(chunk, members[local])
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}
