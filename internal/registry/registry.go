package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/quartermaster/internal/notify"
)

// pathKey is the cache-eviction identity of a definition: its filename
// minus extension. The definition's declared name is the lookup key; the
// two need not match, so each catalog keeps a path index for unloads
// (an unlinked file can no longer be read for its name).
func pathKey(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Commands is the audience-keyed command catalog.
type Commands struct {
	mu        sync.RWMutex
	table     *HandlerTable
	logger    *slog.Logger
	byAud     map[string]map[string]*Command
	pathNames map[string]string // path key -> declared name
}

// NewCommands builds an empty catalog over the given audiences.
func NewCommands(table *HandlerTable, audiences []string, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	byAud := make(map[string]map[string]*Command, len(audiences))
	for _, aud := range audiences {
		byAud[aud] = make(map[string]*Command)
	}
	return &Commands{
		table:     table,
		logger:    logger,
		byAud:     byAud,
		pathNames: make(map[string]string),
	}
}

// Load parses, validates, and installs the definition at path into the
// audience's map under its declared name. Loading an existing name
// replaces it in place. On any failure the previous definition (if any)
// stays installed.
func (c *Commands) Load(audience, path string) error {
	cmd, err := parseCommandFile(path, c.table)
	if err != nil {
		c.logger.Error("command load failed", "audience", audience, "path", path, "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byAud[audience]
	if !ok {
		err := fmt.Errorf("unknown audience %q", audience)
		c.logger.Error("command load failed", "path", path, "error", err)
		return err
	}
	m[cmd.Schema.Name] = cmd
	c.pathNames[audience+"/"+pathKey(path)] = cmd.Schema.Name
	c.logger.Info("command loaded", "audience", audience, "name", cmd.Schema.Name)
	return nil
}

// Unload removes the definition that was loaded from path. Unloading a
// path that was never loaded is a no-op.
func (c *Commands) Unload(audience, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byAud[audience]
	if !ok {
		return
	}
	key := audience + "/" + pathKey(path)
	name, indexed := c.pathNames[key]
	if !indexed {
		// Tooling assumes filename matches the declared name; fall back
		// to that for files that vanished before we ever loaded them.
		name = pathKey(path)
	}
	delete(c.pathNames, key)
	if _, present := m[name]; present {
		delete(m, name)
		c.logger.Info("command unloaded", "audience", audience, "name", name)
	}
}

// Lookup returns a snapshot of the audience's map. Unknown audiences get
// an empty map and a warning, never nil.
func (c *Commands) Lookup(audience string) map[string]*Command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byAud[audience]
	if !ok {
		c.logger.Warn("unknown command audience", "audience", audience)
		return map[string]*Command{}
	}
	out := make(map[string]*Command, len(m))
	for name, cmd := range m {
		out[name] = cmd
	}
	return out
}

// Get resolves one command.
func (c *Commands) Get(audience, name string) (*Command, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byAud[audience]
	if !ok {
		return nil, false
	}
	cmd, ok := m[name]
	return cmd, ok
}

// Schemas returns the audience's publishable command surface, sorted by
// name for deterministic publishes.
func (c *Commands) Schemas(audience string) []notify.CommandSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.byAud[audience]
	schemas := make([]notify.CommandSchema, 0, len(m))
	for _, cmd := range m {
		schemas = append(schemas, cmd.Schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Count returns how many commands the audience has loaded.
func (c *Commands) Count(audience string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byAud[audience])
}

// Tasks is the audience-keyed task catalog. It preserves insertion order
// so runner scans are deterministic.
type Tasks struct {
	mu        sync.RWMutex
	table     *HandlerTable
	logger    *slog.Logger
	loc       *time.Location
	byAud     map[string]map[string]*Task
	order     map[string][]string
	pathNames map[string]string
}

// NewTasks builds an empty task catalog. loc is the civil timezone used
// for load-time auto-activation.
func NewTasks(table *HandlerTable, audiences []string, loc *time.Location, logger *slog.Logger) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	byAud := make(map[string]map[string]*Task, len(audiences))
	order := make(map[string][]string, len(audiences))
	for _, aud := range audiences {
		byAud[aud] = make(map[string]*Task)
		order[aud] = nil
	}
	return &Tasks{
		table:     table,
		logger:    logger,
		loc:       loc,
		byAud:     byAud,
		order:     order,
		pathNames: make(map[string]string),
	}
}

// Load parses, validates, and installs the task definition at path.
// Replacing an existing name keeps its scan position. When the new
// definition sets KeepStateOnReload, the old task's runtime schedule
// survives; otherwise runtime state is reset and the task is
// auto-activated if its flags ask for it. On any failure the previous
// definition stays installed.
func (t *Tasks) Load(audience, path string, now time.Time) (*Task, error) {
	task, err := parseTaskFile(path, t.table)
	if err != nil {
		t.logger.Error("task load failed", "audience", audience, "path", path, "error", err)
		return nil, err
	}

	t.mu.Lock()
	m, ok := t.byAud[audience]
	if !ok {
		t.mu.Unlock()
		err := fmt.Errorf("unknown audience %q", audience)
		t.logger.Error("task load failed", "path", path, "error", err)
		return nil, err
	}

	name := task.Data.Name
	old, replacing := m[name]
	m[name] = task
	if !replacing {
		t.order[audience] = append(t.order[audience], name)
	}
	t.pathNames[audience+"/"+pathKey(path)] = name
	t.mu.Unlock()

	adopted := false
	if replacing && task.Data.KeepStateOnReload {
		task.adoptState(old)
		adopted = task.State().Activated
	}

	if !adopted && (task.Data.AutoStart || task.Data.RunOnStart) {
		if err := task.Activate(now, t.loc); err != nil {
			// Activation failure is fatal to the active state only; the
			// definition stays loaded for explicit activation later.
			t.logger.Error("task auto-activation failed", "audience", audience, "name", name, "error", err)
		}
	}

	t.logger.Info("task loaded", "audience", audience, "name", name, "replaced", replacing)
	return task, nil
}

// Unload removes the task that was loaded from path. Unloading a path
// that was never loaded is a no-op.
func (t *Tasks) Unload(audience, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byAud[audience]
	if !ok {
		return
	}
	key := audience + "/" + pathKey(path)
	name, indexed := t.pathNames[key]
	if !indexed {
		name = pathKey(path)
	}
	delete(t.pathNames, key)
	if _, present := m[name]; !present {
		return
	}
	delete(m, name)
	order := t.order[audience]
	for i, n := range order {
		if n == name {
			t.order[audience] = append(order[:i], order[i+1:]...)
			break
		}
	}
	t.logger.Info("task unloaded", "audience", audience, "name", name)
}

// Ordered returns the audience's tasks in insertion order. Unknown
// audiences get an empty slice and a warning.
func (t *Tasks) Ordered(audience string) []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byAud[audience]
	if !ok {
		t.logger.Warn("unknown task audience", "audience", audience)
		return nil
	}
	out := make([]*Task, 0, len(m))
	for _, name := range t.order[audience] {
		if task, ok := m[name]; ok {
			out = append(out, task)
		}
	}
	return out
}

// Get resolves one task.
func (t *Tasks) Get(audience, name string) (*Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byAud[audience]
	if !ok {
		return nil, false
	}
	task, ok := m[name]
	return task, ok
}

// Audiences returns the catalog's audience names, sorted.
func (t *Tasks) Audiences() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.byAud))
	for name := range t.byAud {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns how many tasks the audience has loaded.
func (t *Tasks) Count(audience string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byAud[audience])
}
