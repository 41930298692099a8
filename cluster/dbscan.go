package cluster

import (
	"fmt"
	"math"

	"github.com/mpraski/clusters"
)

// Noise is the label of points that belong to no cluster.
const Noise = -1

// DBSCAN clusters points given a precomputed symmetric distance matrix.
// A point is a core point when at least minSamples points, itself
// included, lie within eps. Labels are numbered from 0 in order of
// discovery; unreached points are Noise.
//
// Each point is handed to the clusterer as its row index and the distance
// function looks the pair up in dist.
func DBSCAN(dist [][]float64, eps float64, minSamples int) ([]int, error) {
	n := len(dist)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = Noise
	}
	if eps <= 0 {
		return labels, fmt.Errorf("cluster: dbscan: eps must be positive, got %g", eps)
	}
	if n == 0 {
		return labels, nil
	}
	if minSamples < 1 {
		minSamples = 1
	}

	lookup := func(a, b []float64) float64 {
		return dist[int(a[0])][int(b[0])]
	}
	// The clusterer compares with <, so widen eps by one ulp to keep
	// points at exactly eps inside the neighbourhood.
	c, err := clusters.DBSCAN(minSamples, math.Nextafter(eps, math.Inf(1)), 1, lookup)
	if err != nil {
		return labels, fmt.Errorf("cluster: dbscan: %w", err)
	}
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{float64(i)}
	}
	if err := c.Learn(rows); err != nil {
		return labels, fmt.Errorf("cluster: dbscan: %w", err)
	}

	// Renumber from 0 in order of first appearance; non-positive guesses
	// are noise.
	renumber := make(map[int]int)
	for i, g := range c.Guesses() {
		if g <= 0 {
			continue
		}
		l, ok := renumber[g]
		if !ok {
			l = len(renumber)
			renumber[g] = l
		}
		labels[i] = l
	}
	attachBorder(labels, dist, eps, minSamples)
	return labels, nil
}

// attachBorder gives a noise point within eps of a core point that core
// point's cluster. The clusterer only labels points it reaches before
// they were visited on their own, so a border point seen first keeps its
// noise label.
func attachBorder(labels []int, dist [][]float64, eps float64, minSamples int) {
	core := make([]bool, len(dist))
	for p, row := range dist {
		count := 0
		for _, d := range row {
			if d <= eps {
				count++
			}
		}
		core[p] = count >= minSamples
	}
	for p, l := range labels {
		if l != Noise {
			continue
		}
		for q, d := range dist[p] {
			if q != p && core[q] && labels[q] != Noise && d <= eps {
				labels[p] = labels[q]
				break
			}
		}
	}
}

// Groups returns the member indices of each cluster label in label
// order, skipping Noise.
func Groups(labels []int) [][]int {
	max := -1
	for _, l := range labels {
		if l > max {
			max = l
		}
	}
	groups := make([][]int, max+1)
	for i, l := range labels {
		if l != Noise {
			groups[l] = append(groups[l], i)
		}
	}
	return groups
}
