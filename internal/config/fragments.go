package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Fragments is the in-memory store of named config fragments loaded from
// the fragments directory. A fragment's name is its filename minus the
// extension; loading a name that already exists replaces it.
type Fragments struct {
	mu sync.RWMutex
	m  map[string]map[string]any
}

func NewFragments() *Fragments {
	return &Fragments{m: make(map[string]map[string]any)}
}

// FragmentName derives the fragment key from a file path.
func FragmentName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsFragmentFile reports whether the path names a recognized fragment file.
func IsFragmentFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFile parses one fragment file and installs it under its derived name.
func (f *Fragments) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fragment: %w", err)
	}
	values := make(map[string]any)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse fragment %s: %w", filepath.Base(path), err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[FragmentName(path)] = values
	return nil
}

// LoadDir loads every recognized fragment file in dir. A missing directory
// is not an error.
func (f *Fragments) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read fragments dir: %w", err)
	}
	var errs []string
	for _, ent := range entries {
		if ent.IsDir() || !IsFragmentFile(ent.Name()) {
			continue
		}
		if err := f.LoadFile(filepath.Join(dir, ent.Name())); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("load fragments: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Unload removes a fragment by name. Unloading an unknown name is a no-op.
func (f *Fragments) Unload(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, name)
}

// Get returns the fragment's values, or nil if not loaded.
func (f *Fragments) Get(name string) map[string]any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.m[name]
}

// Names returns the loaded fragment names, sorted.
func (f *Fragments) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for name := range f.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
