package graph

import "sort"

// minComponentSplit is the minimum component size eligible for further
// modularity-based splitting.
const minComponentSplit = 6

// maxModularityNodes caps the node count for the modularity optimisation.
// Components larger than this are returned unsplit.
const maxModularityNodes = 200

// Edge is an undirected weighted edge between node indices.
type Edge struct {
	A, B   int
	Weight float64
}

type adjEdge struct {
	to     int
	weight float64
}

// Communities groups the nodes 0..n-1 of a weighted graph. Connected
// components come first; components of at least minComponentSplit nodes
// are then split by greedy modularity optimisation. Every node appears in
// exactly one group. Groups are sorted by their smallest node and list
// their nodes in ascending order.
func Communities(n int, edges []Edge) [][]int {
	if n <= 0 {
		return nil
	}
	adj := make([][]adjEdge, n)
	totalWeight := 0.0
	for _, e := range edges {
		if e.A == e.B || e.A < 0 || e.B < 0 || e.A >= n || e.B >= n || e.Weight <= 0 {
			continue
		}
		adj[e.A] = append(adj[e.A], adjEdge{to: e.B, weight: e.Weight})
		adj[e.B] = append(adj[e.B], adjEdge{to: e.A, weight: e.Weight})
		totalWeight += e.Weight
	}

	var groups [][]int
	for _, comp := range components(adj) {
		if len(comp) >= minComponentSplit && len(comp) <= maxModularityNodes && totalWeight > 0 {
			groups = append(groups, modularitySplit(comp, adj, totalWeight)...)
			continue
		}
		groups = append(groups, comp)
	}

	for _, g := range groups {
		sort.Ints(g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

// components returns the connected components found by BFS.
func components(adj [][]adjEdge) [][]int {
	visited := make([]bool, len(adj))
	var comps [][]int
	for i := range adj {
		if visited[i] {
			continue
		}
		var comp []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			comp = append(comp, node)
			for _, e := range adj[node] {
				if !visited[e.to] {
					visited[e.to] = true
					queue = append(queue, e.to)
				}
			}
		}
		comps = append(comps, comp)
	}
	return comps
}

// modularitySplit applies greedy local moving (the first phase of
// Louvain) to a connected component. Each node moves to the neighbouring
// community with the largest gain k_i,in - sigma_tot*k_i/2m, staying put
// on ties. If every node ends in one community the component is returned
// as-is.
func modularitySplit(comp []int, adj [][]adjEdge, totalWeight float64) [][]int {
	n := len(comp)
	localIdx := make(map[int]int, n)
	for i, node := range comp {
		localIdx[node] = i
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}

	strength := make([]float64, n)
	for i, node := range comp {
		for _, e := range adj[node] {
			if _, ok := localIdx[e.to]; ok {
				strength[i] += e.weight
			}
		}
	}

	m2 := 2.0 * totalWeight
	commStrength := make(map[int]float64, n)
	for i := range comp {
		commStrength[community[i]] += strength[i]
	}

	const maxPasses = 20
	for pass := 0; pass < maxPasses; pass++ {
		moved := false
		for i, node := range comp {
			commWeights := make(map[int]float64)
			for _, e := range adj[node] {
				li, ok := localIdx[e.to]
				if !ok || li == i {
					continue
				}
				commWeights[community[li]] += e.weight
			}

			current := community[i]
			ki := strength[i]
			commStrength[current] -= ki

			// Candidates in a fixed order so ties resolve the same way on
			// every run.
			candidates := make([]int, 0, len(commWeights))
			for c := range commWeights {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)

			best := current
			bestGain := commWeights[current] - commStrength[current]*ki/m2
			for _, c := range candidates {
				if gain := commWeights[c] - commStrength[c]*ki/m2; gain > bestGain {
					best, bestGain = c, gain
				}
			}

			commStrength[best] += ki
			if best != current {
				community[i] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	byLabel := make(map[int][]int)
	var labels []int
	for i, node := range comp {
		if _, ok := byLabel[community[i]]; !ok {
			labels = append(labels, community[i])
		}
		byLabel[community[i]] = append(byLabel[community[i]], node)
	}
	if len(labels) <= 1 {
		return [][]int{comp}
	}
	result := make([][]int, 0, len(labels))
	for _, l := range labels {
		result = append(result, byLabel[l])
	}
	return result
}
