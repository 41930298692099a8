package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// jsonlWriter appends JSON lines to files. Appends from concurrent
// workers are serialised.
type jsonlWriter struct {
	mu sync.Mutex
}

func (w *jsonlWriter) append(path string, records ...any) error {
	if path == "" || len(records) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
