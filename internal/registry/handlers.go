// Package registry holds the hot-reloadable command and task catalogs.
//
// A definition on disk is a data record (YAML): a declarative schema plus
// the names of its entry points. The executable side lives in a compiled-in
// HandlerTable; loading a definition resolves its handler names against
// the table, so a reload re-reads the data and re-binds the function
// pointers without restarting the process.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/basket/quartermaster/internal/config"
	"github.com/basket/quartermaster/internal/notify"
	"github.com/basket/quartermaster/internal/store"
)

// HandlerContext carries the injected collaborators every handler runs
// with. It is built once in main; handlers must not stash it.
type HandlerContext struct {
	State     *config.State
	Fragments *config.Fragments
	Store     *store.Store
	Notifier  notify.Notifier
	Logger    *slog.Logger
	Location  *time.Location
}

// CommandFunc is the fixed signature for command entry points and named
// sub-handlers (button, menu, and modal callbacks).
type CommandFunc func(ctx context.Context, ic *notify.Interaction, hc *HandlerContext) error

// TaskFunc is the fixed signature for task entry points.
type TaskFunc func(ctx context.Context, task *Task, hc *HandlerContext) error

// HandlerTable is the compiled-in mapping from handler names (as they
// appear in definition files) to functions. It is populated at startup
// and read-only afterwards.
type HandlerTable struct {
	commands map[string]CommandFunc
	tasks    map[string]TaskFunc
}

func NewHandlerTable() *HandlerTable {
	return &HandlerTable{
		commands: make(map[string]CommandFunc),
		tasks:    make(map[string]TaskFunc),
	}
}

// RegisterCommand installs a command handler under name. Duplicate names
// are a programming error.
func (t *HandlerTable) RegisterCommand(name string, fn CommandFunc) {
	if _, exists := t.commands[name]; exists {
		panic(fmt.Sprintf("duplicate command handler %q", name))
	}
	t.commands[name] = fn
}

// RegisterTask installs a task handler under name.
func (t *HandlerTable) RegisterTask(name string, fn TaskFunc) {
	if _, exists := t.tasks[name]; exists {
		panic(fmt.Sprintf("duplicate task handler %q", name))
	}
	t.tasks[name] = fn
}

// Command resolves a command handler name.
func (t *HandlerTable) Command(name string) (CommandFunc, bool) {
	fn, ok := t.commands[name]
	return fn, ok
}

// Task resolves a task handler name.
func (t *HandlerTable) Task(name string) (TaskFunc, bool) {
	fn, ok := t.tasks[name]
	return fn, ok
}

// CommandNames returns the registered command handler names, sorted.
func (t *HandlerTable) CommandNames() []string {
	names := make([]string, 0, len(t.commands))
	for name := range t.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
