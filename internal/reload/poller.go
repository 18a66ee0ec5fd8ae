package reload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Poller is the fallback change source for filesystems without usable
// inotify (network mounts, some containers). It rescans the source
// directories on a fixed interval and diffs modification times.
type Poller struct {
	sources  []Source
	interval time.Duration
	logger   *slog.Logger
	events   chan Change

	seen map[string]pollEntry
}

type pollEntry struct {
	source  Source
	modTime time.Time
}

func NewPoller(sources []Source, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		sources:  sources,
		interval: interval,
		logger:   logger,
		events:   make(chan Change, 32),
		seen:     make(map[string]pollEntry),
	}
}

func (p *Poller) Events() <-chan Change {
	return p.events
}

// Start primes the baseline from the current directory contents, then
// polls. Files already present at startup do not emit events; the initial
// bulk load handles those.
func (p *Poller) Start(ctx context.Context) error {
	for _, src := range p.sources {
		p.scanDir(src, func(path string, mod time.Time) {
			p.seen[path] = pollEntry{source: src, modTime: mod}
		})
	}

	go p.loop(ctx)
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.events)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep diffs the current directory contents against the last scan and
// emits one Change per added, modified, or removed definition file.
func (p *Poller) sweep() {
	current := make(map[string]pollEntry, len(p.seen))
	for _, src := range p.sources {
		p.scanDir(src, func(path string, mod time.Time) {
			current[path] = pollEntry{source: src, modTime: mod}
		})
	}

	for path, entry := range current {
		prev, existed := p.seen[path]
		if existed && prev.modTime.Equal(entry.modTime) {
			continue
		}
		p.emit(Change{
			Audience: entry.source.Audience,
			Kind:     entry.source.Kind,
			Path:     path,
		})
	}
	for path, entry := range p.seen {
		if _, still := current[path]; still {
			continue
		}
		p.emit(Change{
			Audience: entry.source.Audience,
			Kind:     entry.source.Kind,
			Path:     path,
			Removed:  true,
		})
	}

	p.seen = current
}

func (p *Poller) emit(change Change) {
	select {
	case p.events <- change:
	default:
		p.logger.Warn("poller: event buffer full, change dropped", "path", change.Path)
	}
}

func (p *Poller) scanDir(src Source, visit func(path string, mod time.Time)) {
	if src.Dir == "" {
		return
	}
	entries, err := os.ReadDir(src.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("poller: read dir failed", "dir", src.Dir, "error", err)
		}
		return
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(src.Dir, ent.Name())
		if !isDefinitionPath(path) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		visit(path, info.ModTime())
	}
}
