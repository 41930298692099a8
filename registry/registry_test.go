package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	if len(r.List()) == 0 {
		t.Fatal("expected built-in types")
	}
	if !r.Has("financial/company_merger_and_acquisition") {
		t.Error("expected financial/company_merger_and_acquisition")
	}
}

func TestLookup(t *testing.T) {
	r := Default()
	tests := []struct {
		in       string
		wantName string
		wantErr  bool
	}{
		{"financial/executive_change", "financial/executive_change", false},
		{"executive_change", "financial/executive_change", false},
		{" circuit / capacity_expansion ", "circuit/capacity_expansion", false},
		{"circuit/executive_change", "", true},
		{"nonsense", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		name, _, err := r.Lookup(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownType) {
				t.Errorf("Lookup(%q): expected ErrUnknownType, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Lookup(%q): %v", tt.in, err)
			continue
		}
		if name != tt.wantName {
			t.Errorf("Lookup(%q): got %q, want %q", tt.in, name, tt.wantName)
		}
	}
}

func TestAddAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "event_schemas.json")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("loading missing registry: %v", err)
	}

	added, err := r.Add("energy", "plant_outage", Schema{Title: "PlantOutage", Description: "A power plant goes offline"})
	if err != nil || !added {
		t.Fatalf("Add: added=%v err=%v", added, err)
	}
	added, err = r.Add("energy", "plant_outage", Schema{Title: "Other"})
	if err != nil || added {
		t.Errorf("duplicate Add: added=%v err=%v", added, err)
	}
	if _, err := r.Add("bad/domain", "x", Schema{}); err == nil {
		t.Error("expected error for domain containing '/'")
	}

	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("registry file not written: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reloading: %v", err)
	}
	_, s, err := reloaded.Lookup("energy/plant_outage")
	if err != nil {
		t.Fatalf("lookup after reload: %v", err)
	}
	if s.Title != "PlantOutage" {
		t.Errorf("title: got %q, want PlantOutage", s.Title)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json"), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDescribe(t *testing.T) {
	r := &Registry{domains: map[string]map[string]Schema{
		"b": {"y": {Description: "why"}},
		"a": {"x": {}},
	}}
	got := r.Describe()
	want := "- a/x: No description\n- b/y: why\n"
	if got != want {
		t.Errorf("Describe: got %q, want %q", got, want)
	}
	if !strings.HasPrefix(got, "- a/x") {
		t.Error("expected sorted output")
	}
}
