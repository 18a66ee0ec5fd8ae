// Package reload watches definition directories and drives the hot-reload
// cycle: lock, swap the changed definition, republish the command surface,
// unlock. Watching is either inotify-backed (fsnotify) or a portable
// mtime poller for filesystems that do not deliver change events.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/quartermaster/internal/config"
)

// Kind classifies what a changed file defines.
type Kind string

const (
	KindCommand Kind = "command"
	KindTask    Kind = "task"
	KindConfig  Kind = "config"
)

// Change is one debounced filesystem change.
type Change struct {
	Audience string // empty for config fragments
	Kind     Kind
	Path     string
	Removed  bool
}

// Source is one watched directory and what its files mean.
type Source struct {
	Audience string
	Kind     Kind
	Dir      string
}

// Sources derives the watch set from the runtime config: each audience's
// command and task directories plus the shared config fragment directory.
func Sources(cfg config.Config) []Source {
	var sources []Source
	for _, name := range cfg.AudienceNames() {
		aud := cfg.Audiences[name]
		sources = append(sources,
			Source{Audience: name, Kind: KindCommand, Dir: aud.CommandsDir},
			Source{Audience: name, Kind: KindTask, Dir: aud.TasksDir},
		)
	}
	if cfg.FragmentsDir != "" {
		sources = append(sources, Source{Kind: KindConfig, Dir: cfg.FragmentsDir})
	}
	return sources
}

// ChangeSource is implemented by both the fsnotify watcher and the poller.
type ChangeSource interface {
	Start(ctx context.Context) error
	Events() <-chan Change
}

// NewChangeSource picks the watch strategy from config.
func NewChangeSource(cfg config.Config, logger *slog.Logger) ChangeSource {
	sources := Sources(cfg)
	if cfg.Watch.Mode == "poll" {
		return NewPoller(sources, cfg.PollInterval(), logger)
	}
	return NewWatcher(sources, cfg.Debounce(), logger)
}

// Watcher emits debounced Change events from fsnotify. Bursts of writes to
// the same path within the debounce window coalesce into one event.
type Watcher struct {
	sources  []Source
	debounce time.Duration
	logger   *slog.Logger
	events   chan Change
}

func NewWatcher(sources []Source, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 150 * time.Millisecond
	}
	return &Watcher{
		sources:  sources,
		debounce: debounce,
		logger:   logger,
		events:   make(chan Change, 32),
	}
}

func (w *Watcher) Events() <-chan Change {
	return w.events
}

// Start registers the source directories and begins the event loop. A
// missing directory is skipped, not fatal; it can be created later and
// picked up on restart.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	for _, src := range w.sources {
		if src.Dir == "" {
			continue
		}
		abs, err := filepath.Abs(src.Dir)
		if err != nil {
			w.logger.Warn("watcher: abs failed", "dir", src.Dir, "error", err)
			continue
		}
		if err := fsw.Add(abs); err != nil {
			if os.IsNotExist(err) {
				w.logger.Warn("watcher: directory missing, not watched", "dir", abs)
				continue
			}
			w.logger.Warn("watcher: add failed", "dir", abs, "error", err)
		}
	}

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	// Coalesce bursts: pending changes keyed by path, flushed together
	// when the debounce timer fires.
	pending := make(map[string]Change)
	var timer *time.Timer
	var timerC <-chan time.Time

	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.debounce)
		timerC = timer.C
	}

	flush := func() {
		for path, change := range pending {
			select {
			case w.events <- change:
			default:
				w.logger.Warn("watcher: event buffer full, change dropped", "path", path)
			}
			delete(pending, path)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			change, ok := w.classify(ev.Name)
			if !ok {
				continue
			}
			change.Removed = ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0
			pending[ev.Name] = change
			arm()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timerC:
			flush()
			timerC = nil
		}
	}
}

// classify maps a changed path back to its source directory.
func (w *Watcher) classify(path string) (Change, bool) {
	if !isDefinitionPath(path) {
		return Change{}, false
	}
	dir := filepath.Dir(path)
	for _, src := range w.sources {
		absDir, err := filepath.Abs(src.Dir)
		if err != nil {
			continue
		}
		if dir == absDir || dir == src.Dir {
			return Change{Audience: src.Audience, Kind: src.Kind, Path: path}, true
		}
	}
	return Change{}, false
}

func isDefinitionPath(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
