// Package registry holds the event-type schema registry: a JSON document
// mapping domain -> event type -> schema.
package registry

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

//go:embed default_schemas.json
var defaultSchemas []byte

// ErrUnknownType is returned when looking up an unregistered event type.
var ErrUnknownType = errors.New("registry: unknown event type")

// Schema describes the fields of one event type.
type Schema struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties,omitempty"`
	Required    []string       `json:"required,omitempty"`
}

// Registry is safe for concurrent use. The zero value is not usable; call
// Load or Default.
type Registry struct {
	path string

	mu      sync.RWMutex
	domains map[string]map[string]Schema
}

// Default returns the built-in registry, not bound to a file.
func Default() *Registry {
	r := &Registry{domains: make(map[string]map[string]Schema)}
	if err := json.Unmarshal(defaultSchemas, &r.domains); err != nil {
		panic(fmt.Sprintf("registry: decoding built-in schemas: %v", err))
	}
	return r
}

// Load reads the registry at path. A missing file yields the built-in
// registry bound to path, so the first Save creates it.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		r := Default()
		r.path = path
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading schema registry: %w", err)
	}
	r := &Registry{path: path, domains: make(map[string]map[string]Schema)}
	if err := json.Unmarshal(data, &r.domains); err != nil {
		return nil, fmt.Errorf("parsing schema registry %s: %w", path, err)
	}
	return r, nil
}

// Path returns the file the registry saves to.
func (r *Registry) Path() string { return r.path }

// Save writes the registry atomically to its file.
func (r *Registry) Save() error {
	if r.path == "" {
		return errors.New("registry: no file path")
	}
	r.mu.RLock()
	data, err := json.MarshalIndent(r.domains, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(r.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating registry directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".schemas-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

// SplitType splits "domain/event_type" into its parts. A bare type has an
// empty domain.
func SplitType(name string) (domain, eventType string) {
	name = strings.TrimSpace(name)
	if i := strings.Index(name, "/"); i >= 0 {
		return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
	}
	return "", name
}

// JoinType is the inverse of SplitType.
func JoinType(domain, eventType string) string {
	if domain == "" {
		return eventType
	}
	return domain + "/" + eventType
}

// Lookup resolves "domain/event_type" or a bare event type. A bare type
// matches the first domain (in sorted order) that defines it. The
// canonical "domain/event_type" name is returned with the schema.
func (r *Registry) Lookup(name string) (string, Schema, error) {
	domain, eventType := SplitType(name)
	if eventType == "" {
		return "", Schema{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if domain != "" {
		if s, ok := r.domains[domain][eventType]; ok {
			return JoinType(domain, eventType), s, nil
		}
		return "", Schema{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	for _, d := range sortedKeys(r.domains) {
		if s, ok := r.domains[d][eventType]; ok {
			return JoinType(d, eventType), s, nil
		}
	}
	return "", Schema{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Has reports whether name resolves to a registered type.
func (r *Registry) Has(name string) bool {
	_, _, err := r.Lookup(name)
	return err == nil
}

// Add registers a schema. It reports false, leaving the registry
// unchanged, when the type already exists.
func (r *Registry) Add(domain, eventType string, s Schema) (bool, error) {
	domain = strings.TrimSpace(domain)
	eventType = strings.TrimSpace(eventType)
	if domain == "" || eventType == "" || strings.Contains(domain, "/") || strings.Contains(eventType, "/") {
		return false, fmt.Errorf("registry: invalid type name %q/%q", domain, eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.domains[domain][eventType]; ok {
		return false, nil
	}
	if r.domains[domain] == nil {
		r.domains[domain] = make(map[string]Schema)
	}
	r.domains[domain][eventType] = s
	return true, nil
}

// Entry is one registered type.
type Entry struct {
	Name   string `json:"name"` // domain/event_type
	Schema Schema `json:"schema"`
}

// List returns every registered type sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, d := range sortedKeys(r.domains) {
		for _, t := range sortedKeys(r.domains[d]) {
			out = append(out, Entry{Name: JoinType(d, t), Schema: r.domains[d][t]})
		}
	}
	return out
}

// Describe renders one "- domain/event_type: description" line per type.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, e := range r.List() {
		desc := e.Schema.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.Name, desc)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
