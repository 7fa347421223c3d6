package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWorkflowNotFound is returned for unknown workflow ids.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Registry holds the workflow graphs loaded from a directory of YAML
// definitions, keyed by workflow id.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu     sync.RWMutex
	graphs map[string]*Graph
	files  map[string]string // path -> workflow id
}

// NewRegistry creates an empty registry for dir. Call Load to populate it.
func NewRegistry(dir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:    dir,
		logger: logger,
		graphs: make(map[string]*Graph),
		files:  make(map[string]string),
	}
}

func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads every definition in the directory. Files that fail to parse are
// skipped and reported together in the returned error.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading workflows directory: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		if err := r.loadFile(filepath.Join(r.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) loadFile(path string) error {
	def, err := LoadFile(path)
	if err != nil {
		registryReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	g, err := def.Graph()
	if err != nil {
		registryReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%s: %w", path, err)
	}
	// A structurally broken edit must not replace the last good version.
	if err := g.Validate(); err != nil {
		registryReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for p, id := range r.files {
		if id == g.ID() && p != path {
			registryReloadsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("%s: workflow id %s already defined in %s", path, g.ID(), p)
		}
	}
	if prev, ok := r.files[path]; ok && prev != g.ID() {
		delete(r.graphs, prev)
	}
	r.graphs[g.ID()] = g
	r.files[path] = g.ID()
	registryReloadsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("workflow loaded",
		zap.String("workflow.id", g.ID()),
		zap.String("path", path),
		zap.Int("nodes", len(g.nodes)))
	return nil
}

func (r *Registry) removeFile(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.files[path]
	if !ok {
		return
	}
	delete(r.files, path)
	delete(r.graphs, id)
	r.logger.Info("workflow removed", zap.String("workflow.id", id), zap.String("path", path))
}

// Register adds a graph that was built in code.
func (r *Registry) Register(g *Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.ID()] = g
}

// Get returns the graph with the given id.
func (r *Registry) Get(id string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return g, nil
}

// IDs returns the registered workflow ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch reloads definitions as files in the directory change. It blocks
// until ctx is cancelled. A definition that fails to reload keeps its last
// good version.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating workflow watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watching %s: %w", r.dir, err)
	}
	r.logger.Info("watching workflow definitions", zap.String("dir", r.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				r.removeFile(event.Name)
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if err := r.loadFile(event.Name); err != nil {
					r.logger.Warn("workflow reload failed", zap.String("path", event.Name), zap.Error(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("workflow watcher error", zap.Error(err))
		}
	}
}
