package store

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/woq/internal/logger"
)

// Ext is the file extension of packed weight files.
const Ext = ".wqf"

// Registry holds the layers of a directory of WQF files, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	files map[string]*File
	log   logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{files: make(map[string]*File), log: log}
}

// OpenDir opens every WQF file in dir. A layer without a stored name is
// registered under its file name without the extension.
func OpenDir(dir string, log logger.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(log)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		if err := r.Load(filepath.Join(dir, e.Name())); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Load opens path and registers its layer. Loading a name twice replaces
// the earlier file.
func (r *Registry) Load(path string) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	l := f.Layer()
	if l.Name == "" {
		l.Name = strings.TrimSuffix(filepath.Base(path), Ext)
	}

	r.mu.Lock()
	old := r.files[l.Name]
	r.files[l.Name] = f
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			r.log.Warn("close replaced layer", "name", l.Name, "error", err)
		}
	}
	r.log.Info("layer loaded",
		"name", l.Name,
		"qtype", l.Weight.QType.String(),
		"n", l.Weight.N,
		"k", l.Weight.K,
		"path", path,
	)
	return nil
}

// Get returns the layer registered under name.
func (r *Registry) Get(name string) (*Layer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, name)
	}
	return f.Layer(), nil
}

// List returns the registered layers sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, f.Layer().Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}

// Close releases every file. Layers obtained from the registry must not be
// used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, f := range r.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.files, name)
	}
	return first
}
