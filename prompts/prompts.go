// Package prompts renders the LLM prompt templates. Built-in templates
// are embedded; a directory of same-named *.tmpl files overrides them.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates/*.tmpl
var builtin embed.FS

// Template names.
const (
	Triage           = "triage"
	Extraction       = "extraction"
	Relationship     = "relationship"
	SchemaGeneration = "schema_generation"
	Summarization    = "summarization"
	Answer           = "answer"
)

// ErrUnknownTemplate is returned for a name with no built-in or override file.
var ErrUnknownTemplate = errors.New("prompts: unknown template")

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Manager loads and caches templates.
type Manager struct {
	dir string

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewManager returns a manager that prefers templates in dir (may be
// empty) over the built-in ones.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, cache: make(map[string]*template.Template)}
}

// Render executes the named template with data.
func (m *Manager) Render(name string, data any) (string, error) {
	tmpl, err := m.load(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (m *Manager) load(name string) (*template.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.cache[name]; ok {
		return t, nil
	}

	src, err := m.source(name)
	if err != nil {
		return nil, err
	}
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parsing prompt %s: %w", name, err)
	}
	m.cache[name] = t
	return t, nil
}

func (m *Manager) source(name string) ([]byte, error) {
	file := name + ".tmpl"
	if m.dir != "" {
		data, err := os.ReadFile(filepath.Join(m.dir, file))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading prompt override %s: %w", file, err)
		}
	}
	data, err := builtin.ReadFile("templates/" + file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return data, nil
}
