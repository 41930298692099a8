// Package cluster groups work items into stories: a blended
// semantic/entity/time/type distance, DBSCAN over the precomputed
// matrix, noise attachment and splitting of oversized clusters.
package cluster

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EntitySet normalises entity names for set comparison.
func EntitySet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Jaccard returns |a AND b| / |a OR b|, or 0 when both are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Weights balances the terms of the distance. Time and Type are off
// unless set.
type Weights struct {
	Semantic float64
	Entity   float64
	Time     float64
	Type     float64

	// TimeWindow is the date gap at which the time term saturates.
	// Zero means DefaultTimeWindow.
	TimeWindow time.Duration
}

// DefaultTimeWindow is the date gap beyond which two items count as
// unrelated in time.
const DefaultTimeWindow = 30 * 24 * time.Hour

// DefaultWeights favours text similarity over shared entities.
var DefaultWeights = Weights{Semantic: 0.6, Entity: 0.4}

// normalized scales the weights to sum to 1. Non-positive sums fall back
// to DefaultWeights.
func (w Weights) normalized() Weights {
	window := w.TimeWindow
	if window <= 0 {
		window = DefaultTimeWindow
	}
	w.Semantic = math.Max(0, w.Semantic)
	w.Entity = math.Max(0, w.Entity)
	w.Time = math.Max(0, w.Time)
	w.Type = math.Max(0, w.Type)
	sum := w.Semantic + w.Entity + w.Time + w.Type
	if sum <= 0 {
		w = DefaultWeights
		sum = 1
	}
	return Weights{
		Semantic:   w.Semantic / sum,
		Entity:     w.Entity / sum,
		Time:       w.Time / sum,
		Type:       w.Type / sum,
		TimeWindow: window,
	}
}

// Point is one item's clustering feature. A zero Time means the date is
// unknown.
type Point struct {
	Vector   []float32
	Entities map[string]struct{}
	Time     time.Time
	Type     string
}

// TimeDistance is the date gap scaled by window and capped at 1. An
// unknown date on either side gives 0.5.
func TimeDistance(a, b time.Time, window time.Duration) float64 {
	if a.IsZero() || b.IsZero() {
		return 0.5
	}
	if window <= 0 {
		window = DefaultTimeWindow
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return math.Min(1, float64(gap)/float64(window))
}

// TypeDistance is 0 for two equal non-empty event types and 1 otherwise.
func TypeDistance(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a != "" && a == b {
		return 0
	}
	return 1
}

// DistanceMatrix computes the symmetric blended distance
// w_sem*(1-cos) + w_ent*(1-jaccard) + w_time*dt + w_type*dtype for every
// pair. Cosine is clamped to [0, 1] so distances stay in [0, 1].
func DistanceMatrix(points []Point, w Weights) [][]float64 {
	w = w.normalized()
	n := len(points)
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := points[i], points[j]
			cos := math.Max(0, math.Min(1, Cosine(a.Vector, b.Vector)))
			v := w.Semantic*(1-cos) + w.Entity*(1-Jaccard(a.Entities, b.Entities))
			if w.Time > 0 {
				v += w.Time * TimeDistance(a.Time, b.Time, w.TimeWindow)
			}
			if w.Type > 0 {
				v += w.Type * TypeDistance(a.Type, b.Type)
			}
			d[i][j], d[j][i] = v, v
		}
	}
	return d
}

var (
	reFullDate  = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})`)
	reYearMonth = regexp.MustCompile(`^(\d{4})-(\d{1,2})$`)
	reHalf      = regexp.MustCompile(`^(\d{4})-H([12])`)
	reQuarter   = regexp.MustCompile(`^(\d{4})-Q([1-4])`)
	reYearOnly  = regexp.MustCompile(`^(\d{4})$`)
	reAnyYear   = regexp.MustCompile(`(\d{4})`)
	reAnyMonth  = regexp.MustCompile(`-(\d{1,2})`)
)

// ParseEventDate reads the loose dates events carry: 2024-03-15, 2024-03,
// 2024-H2, 2024-Q3 or 2024. Anything else falls back to the first
// four-digit year found, plus a month when one follows a dash. The result
// is the start of the period; ok is false when no year is present.
func ParseEventDate(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	date := func(y, m, d int) (time.Time, bool) {
		if m < 1 || m > 12 || d < 1 || d > 31 {
			return time.Time{}, false
		}
		t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
		if t.Day() != d {
			return time.Time{}, false
		}
		return t, true
	}
	if m := reFullDate.FindStringSubmatch(s); m != nil {
		if t, ok := date(atoi(m[1]), atoi(m[2]), atoi(m[3])); ok {
			return t, true
		}
	}
	if m := reYearMonth.FindStringSubmatch(s); m != nil {
		if t, ok := date(atoi(m[1]), atoi(m[2]), 1); ok {
			return t, true
		}
	}
	if m := reHalf.FindStringSubmatch(s); m != nil {
		month := 1
		if m[2] == "2" {
			month = 7
		}
		return date(atoi(m[1]), month, 1)
	}
	if m := reQuarter.FindStringSubmatch(s); m != nil {
		return date(atoi(m[1]), (atoi(m[2])-1)*3+1, 1)
	}
	if m := reYearOnly.FindStringSubmatch(s); m != nil {
		return date(atoi(m[1]), 1, 1)
	}
	y := reAnyYear.FindStringSubmatch(s)
	if y == nil {
		return time.Time{}, false
	}
	if m := reAnyMonth.FindStringSubmatch(s); m != nil {
		if t, ok := date(atoi(y[1]), atoi(m[1]), 1); ok {
			return t, true
		}
	}
	return date(atoi(y[1]), 1, 1)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
