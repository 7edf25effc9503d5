package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// fileFormat is the on-disk layout of the widgets file.
type fileFormat struct {
	Version string   `json:"version"`
	Widgets []Widget `json:"widgets"`
}

// FileProvider serves widgets from a JSON file. Reads are lock-free;
// Reload swaps the whole set atomically after a successful parse.
type FileProvider struct {
	widgets atomic.Pointer[map[string]*Widget]
	path    string
	logger  *slog.Logger
}

// NewFileProvider loads path and returns a provider over it.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &FileProvider{path: path, logger: logger}
	if err := p.Reload(); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return p, nil
}

// Get implements Provider.
func (p *FileProvider) Get(_ context.Context, id string) (*Widget, error) {
	widgets := p.widgets.Load()
	if widgets == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	w, ok := (*widgets)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	clone := *w
	return &clone, nil
}

// Len returns the number of loaded widgets.
func (p *FileProvider) Len() int {
	widgets := p.widgets.Load()
	if widgets == nil {
		return 0
	}
	return len(*widgets)
}

// Reload re-reads the file. On error the previous set stays active.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read widgets: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse widgets: %w", err)
	}

	widgets := make(map[string]*Widget, len(f.Widgets))
	for i := range f.Widgets {
		w := &f.Widgets[i]
		if err := Validate(w); err != nil {
			return fmt.Errorf("widget %d: %w", i, err)
		}
		if _, dup := widgets[w.ID]; dup {
			return fmt.Errorf("widget %d: duplicate id %q", i, w.ID)
		}
		widgets[w.ID] = w
	}

	p.widgets.Store(&widgets)
	p.logger.Info("[Widgets] Loaded widget file",
		"path", p.path,
		"version", f.Version,
		"widgets", len(widgets))
	return nil
}
