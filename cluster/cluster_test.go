package cluster

import (
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/brunobiangulo/eventgraph/store"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2}, []float32{1, 2}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		if got := Cosine(tt.a, tt.b); !approx(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b []string
		want float64
	}{
		{[]string{"Acme", "Globex"}, []string{"acme ", "Initech"}, 1.0 / 3},
		{[]string{"Acme"}, []string{"ACME"}, 1},
		{nil, nil, 0},
		{[]string{"a"}, nil, 0},
		{[]string{"", "  "}, []string{"b"}, 0},
	}
	for _, tt := range tests {
		if got := Jaccard(EntitySet(tt.a), EntitySet(tt.b)); !approx(got, tt.want) {
			t.Errorf("Jaccard(%v, %v): got %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDistanceMatrix(t *testing.T) {
	points := []Point{
		{Vector: []float32{1, 0}, Entities: EntitySet([]string{"a"})},
		{Vector: []float32{1, 0}, Entities: EntitySet([]string{"a"})},
		{Vector: []float32{-1, 0}, Entities: EntitySet([]string{"b"})},
	}
	d := DistanceMatrix(points, Weights{Semantic: 3, Entity: 2})
	if d[0][1] != 0 || d[1][0] != 0 {
		t.Errorf("identical points: got %v", d[0][1])
	}
	// Negative cosine is clamped, so the farthest pair sits at exactly 1.
	if !approx(d[0][2], 1) || d[0][2] != d[2][0] {
		t.Errorf("opposite points: got %v / %v", d[0][2], d[2][0])
	}

	half := DistanceMatrix([]Point{
		{Vector: []float32{1, 0}, Entities: EntitySet([]string{"x"})},
		{Vector: []float32{0, 1}, Entities: EntitySet([]string{"x"})},
	}, Weights{})
	if !approx(half[0][1], DefaultWeights.Semantic) {
		t.Errorf("default weights: got %v, want %v", half[0][1], DefaultWeights.Semantic)
	}
}

func TestDistanceMatrixTimeAndType(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	points := []Point{
		{Vector: []float32{1, 0}, Entities: EntitySet([]string{"a"}), Time: day(1), Type: "Merger"},
		{Vector: []float32{1, 0}, Entities: EntitySet([]string{"a"}), Time: day(16), Type: "merger"},
		{Vector: []float32{1, 0}, Entities: EntitySet([]string{"a"}), Type: "Recall"},
	}

	// Zero time and type weights leave the two-term distance unchanged.
	if d := DistanceMatrix(points, DefaultWeights); d[0][1] != 0 || d[0][2] != 0 {
		t.Errorf("default weights: got %v", d)
	}

	w := Weights{Semantic: 0.4, Entity: 0.3, Time: 0.2, Type: 0.1, TimeWindow: 30 * 24 * time.Hour}
	d := DistanceMatrix(points, w)
	// Half the window apart, same type.
	if !approx(d[0][1], 0.2*0.5) {
		t.Errorf("dated pair: got %v, want %v", d[0][1], 0.1)
	}
	// Unknown date and different type.
	if !approx(d[0][2], 0.2*0.5+0.1) || d[0][2] != d[2][0] {
		t.Errorf("undated pair: got %v / %v", d[0][2], d[2][0])
	}
}

func TestTimeDistance(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		a, b   time.Time
		window time.Duration
		want   float64
	}{
		{"same day", base, base, DefaultTimeWindow, 0},
		{"ten days", base, base.AddDate(0, 0, 10), 20 * 24 * time.Hour, 0.5},
		{"order independent", base.AddDate(0, 0, 10), base, 20 * 24 * time.Hour, 0.5},
		{"beyond window", base, base.AddDate(1, 0, 0), DefaultTimeWindow, 1},
		{"default window", base, base.AddDate(0, 0, 15), 0, 0.5},
		{"unknown", base, time.Time{}, DefaultTimeWindow, 0.5},
	}
	for _, tt := range tests {
		if got := TimeDistance(tt.a, tt.b, tt.window); !approx(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTypeDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Merger", " merger", 0},
		{"Merger", "Recall", 1},
		{"", "", 1},
		{"Merger", "", 1},
	}
	for _, tt := range tests {
		if got := TypeDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("TypeDistance(%q, %q): got %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseEventDate(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"2024-03-15", "2024-03-15", true},
		{"2024-3-5", "2024-03-05", true},
		{"2024-03-15T10:00:00Z", "2024-03-15", true},
		{"2024-03", "2024-03-01", true},
		{"2024-H1", "2024-01-01", true},
		{"2024-H2", "2024-07-01", true},
		{"2024-Q3", "2024-07-01", true},
		{"2024", "2024-01-01", true},
		{"late 2023", "2023-01-01", true},
		{"2023-13", "2023-01-01", true},
		{"2024-02-30", "2024-02-01", true},
		{"spring", "", false},
		{"  ", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseEventDate(tt.in)
		if ok != tt.wantOK {
			t.Errorf("ParseEventDate(%q): ok %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if ok && got.Format("2006-01-02") != tt.want {
			t.Errorf("ParseEventDate(%q): got %s, want %s", tt.in, got.Format("2006-01-02"), tt.want)
		}
	}
}

func TestDBSCAN(t *testing.T) {
	// 0,1,2 tight; 3 near 2 only; 4 isolated.
	d := [][]float64{
		{0, .1, .2, .9, .9},
		{.1, 0, .1, .9, .9},
		{.2, .1, 0, .3, .9},
		{.9, .9, .3, 0, .9},
		{.9, .9, .9, .9, 0},
	}
	tests := []struct {
		name       string
		eps        float64
		minSamples int
		want       []int
	}{
		{"border point joins", 0.3, 3, []int{0, 0, 0, 0, Noise}},
		{"strict eps", 0.15, 3, []int{0, 0, 0, Noise, Noise}},
		{"min samples counts self", 0.3, 2, []int{0, 0, 0, 0, Noise}},
		{"singletons", 0.05, 1, []int{0, 1, 2, 3, 4}},
		{"too dense a requirement", 0.3, 6, []int{Noise, Noise, Noise, Noise, Noise}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DBSCAN(d, tt.eps, tt.minSamples)
			if err != nil {
				t.Fatalf("DBSCAN: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDBSCANTwoClusters(t *testing.T) {
	d := [][]float64{
		{0, .1, .9, .9},
		{.1, 0, .9, .9},
		{.9, .9, 0, .1},
		{.9, .9, .1, 0},
	}
	got, err := DBSCAN(d, 0.45, 2)
	if err != nil {
		t.Fatalf("DBSCAN: %v", err)
	}
	if want := []int{0, 0, 1, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if g := Groups(got); !reflect.DeepEqual(g, [][]int{{0, 1}, {2, 3}}) {
		t.Errorf("Groups: got %v", g)
	}
}

func TestDBSCANBorderPointVisitedFirst(t *testing.T) {
	// 0 is only near 1, so it is not a core point, but it is visited
	// before the dense group 1,2,3 is found.
	d := [][]float64{
		{0, .15, .9, .9},
		{.15, 0, .1, .1},
		{.9, .1, 0, .1},
		{.9, .1, .1, 0},
	}
	got, err := DBSCAN(d, 0.2, 3)
	if err != nil {
		t.Fatalf("DBSCAN: %v", err)
	}
	if want := []int{0, 0, 0, 0}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDBSCANEmpty(t *testing.T) {
	got, err := DBSCAN(nil, 0.3, 2)
	if err != nil || len(got) != 0 {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestDBSCANInvalidEps(t *testing.T) {
	d := [][]float64{{0, .1}, {.1, 0}}
	got, err := DBSCAN(d, 0, 2)
	if err == nil {
		t.Fatal("expected an error for eps 0")
	}
	if !reflect.DeepEqual(got, []int{Noise, Noise}) {
		t.Errorf("labels on error: got %v", got)
	}
}

func TestAttachNoise(t *testing.T) {
	points := []Point{
		{Entities: EntitySet([]string{"acme", "globex"})},
		{Entities: EntitySet([]string{"acme", "initech"})},
		{Entities: EntitySet([]string{"acme"})},     // noise, overlaps cluster 0
		{Entities: EntitySet([]string{"umbrella"})}, // noise, overlaps nothing
		{}, // noise without entities
	}
	labels := []int{0, 0, Noise, Noise, Noise}
	got := AttachNoise(labels, points, 0.1)
	want := []int{0, 0, 0, Noise, Noise}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if labels[2] != Noise {
		t.Error("input labels modified")
	}

	if got := AttachNoise(labels, points, 0.9); got[2] != Noise {
		t.Errorf("high threshold: got %v", got)
	}
}

func TestSplit(t *testing.T) {
	members := []int{0, 1, 2, 3, 4, 5, 6, 7}
	d := make([][]float64, 8)
	for i := range d {
		d[i] = make([]float64, 8)
		for j := range d[i] {
			switch {
			case i == j:
			case (i < 4) == (j < 4):
				d[i][j] = 0.1
			default:
				d[i][j] = 0.99
			}
		}
	}

	if got := Split(members, d, 10); len(got) != 1 || len(got[0]) != 8 {
		t.Errorf("under the cap: got %v", got)
	}

	got := Split(members, d, 4)
	want := [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	for _, c := range Split(members, d, 3) {
		if len(c) > 3 {
			t.Errorf("chunk over cap: %v", c)
		}
	}
}

func TestSummarize(t *testing.T) {
	long := strings.Repeat("x", 150)
	events := []store.Event{
		{EventType: "financial/executive_change", EventDate: "2024-03-05", Description: long,
			Entities: []store.EventEntity{{Name: "Acme"}, {Name: "Jane"}}},
		{EventType: "financial/executive_change", EventDate: "2024-01-01",
			Entities: []store.EventEntity{{Name: "Acme"}, {Name: "B"}, {Name: "C"}, {Name: "D"}, {Name: "E"}}},
		{EventType: "financial/legal_proceeding", EventDate: "2024-02-01"},
	}
	got := Summarize(events)
	want := "Time: 2024-01-01 ~ 2024-03-05 (3 dates)" +
		" | Entities: Acme, Jane, B, C, D" +
		" | Types: financial/executive_change, financial/legal_proceeding" +
		" | Key event: " + strings.Repeat("x", 100) + "..."
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
	if Summarize(nil) != "" {
		t.Error("expected empty summary for no events")
	}
}
