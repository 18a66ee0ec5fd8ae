package reload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/quartermaster/internal/bus"
	"github.com/basket/quartermaster/internal/config"
	"github.com/basket/quartermaster/internal/notify"
	qmotel "github.com/basket/quartermaster/internal/otel"
	"github.com/basket/quartermaster/internal/registry"
)

// ControllerConfig holds the dependencies for the reload controller.
type ControllerConfig struct {
	State     *config.State
	Commands  *registry.Commands
	Tasks     *registry.Tasks
	Fragments *config.Fragments
	Publisher CommandPublisher
	ChatIDs   map[string]int64 // audience -> chat to republish into
	Events    *bus.Bus
	Metrics   *qmotel.Metrics
	Logger    *slog.Logger
	Location  *time.Location
}

// CommandPublisher is the slice of the chat platform the controller needs:
// replacing a chat's registered command surface after a swap.
type CommandPublisher interface {
	ReplaceCommands(ctx context.Context, chatID int64, schemas []notify.CommandSchema) error
}

// Controller applies debounced changes to the catalogs. Every applied
// change runs inside the advisory lock window so interactive handlers
// never observe a half-swapped catalog.
type Controller struct {
	state     *config.State
	commands  *registry.Commands
	tasks     *registry.Tasks
	fragments *config.Fragments
	publisher CommandPublisher
	chatIDs   map[string]int64
	events    *bus.Bus
	metrics   *qmotel.Metrics
	logger    *slog.Logger
	loc       *time.Location
}

func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Controller{
		state:     cfg.State,
		commands:  cfg.Commands,
		tasks:     cfg.Tasks,
		fragments: cfg.Fragments,
		publisher: cfg.Publisher,
		chatIDs:   cfg.ChatIDs,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    logger,
		loc:       loc,
	}
}

// Run consumes changes until the channel closes or the context ends.
// Apply failures are logged and contained; the loop keeps serving.
func (c *Controller) Run(ctx context.Context, changes <-chan Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := c.Apply(ctx, change); err != nil {
				c.logger.Error("reload failed", "path", change.Path,
					"kind", string(change.Kind), "error", err)
			}
		}
	}
}

// Apply runs one reload cycle: lock, swap, republish, unlock. When the
// lock is already held (an admin froze the bot), the swap happens under
// the existing lock and leaves it in place.
func (c *Controller) Apply(ctx context.Context, change Change) error {
	start := time.Now()
	kind := string(change.Kind)

	c.publish(bus.TopicReloadStarted, bus.ReloadEvent{
		Audience: change.Audience, Path: change.Path, Kind: kind,
	})
	if c.metrics != nil {
		c.metrics.ReloadTotal.Add(ctx, 1,
			metric.WithAttributes(qmotel.AttrReloadKind.String(kind)))
	}

	acquired := c.state.Lock()
	defer func() {
		if acquired {
			c.state.Unlock()
		}
	}()

	err := c.swap(ctx, change)

	if c.metrics != nil {
		c.metrics.ReloadDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(qmotel.AttrReloadKind.String(kind)))
	}

	if err != nil {
		c.publish(bus.TopicReloadFailed, bus.ReloadEvent{
			Audience: change.Audience, Path: change.Path, Kind: kind, Err: err.Error(),
		})
		return err
	}

	c.logger.Info("reload applied", "audience", change.Audience, "kind", kind,
		"path", filepath.Base(change.Path), "removed", change.Removed,
		"duration", time.Since(start))
	c.publish(bus.TopicReloadCompleted, bus.ReloadEvent{
		Audience: change.Audience, Path: change.Path, Kind: kind,
	})
	return nil
}

func (c *Controller) swap(ctx context.Context, change Change) error {
	switch change.Kind {
	case KindConfig:
		if change.Removed {
			c.fragments.Unload(config.FragmentName(change.Path))
			return nil
		}
		return c.fragments.LoadFile(change.Path)

	case KindCommand:
		if change.Removed {
			c.commands.Unload(change.Audience, change.Path)
		} else if err := c.commands.Load(change.Audience, change.Path); err != nil {
			return err
		}
		return c.republish(ctx, change.Audience)

	case KindTask:
		if change.Removed {
			c.tasks.Unload(change.Audience, change.Path)
			return nil
		}
		_, err := c.tasks.Load(change.Audience, change.Path, time.Now())
		return err

	default:
		return fmt.Errorf("unknown change kind %q", change.Kind)
	}
}

// republish pushes the audience's current command schemas to its chat.
func (c *Controller) republish(ctx context.Context, audience string) error {
	if c.publisher == nil {
		return nil
	}
	chatID, ok := c.chatIDs[audience]
	if !ok || chatID == 0 {
		return nil
	}
	if err := c.publisher.ReplaceCommands(ctx, chatID, c.commands.Schemas(audience)); err != nil {
		return fmt.Errorf("republish commands for %q: %w", audience, err)
	}
	return nil
}

// LoadAll performs the startup bulk load: every definition in every source
// directory, then one command publish per audience. Individual file
// failures are logged and skipped so one bad definition cannot hold the
// whole catalog hostage.
func (c *Controller) LoadAll(ctx context.Context, sources []Source) error {
	now := time.Now()
	loaded := 0
	for _, src := range sources {
		entries, err := os.ReadDir(src.Dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", src.Dir, err)
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			path := filepath.Join(src.Dir, ent.Name())
			if !isDefinitionPath(path) {
				continue
			}
			var loadErr error
			switch src.Kind {
			case KindCommand:
				loadErr = c.commands.Load(src.Audience, path)
			case KindTask:
				_, loadErr = c.tasks.Load(src.Audience, path, now)
			case KindConfig:
				loadErr = c.fragments.LoadFile(path)
			}
			if loadErr != nil {
				c.logger.Error("startup load skipped definition",
					"path", path, "error", loadErr)
				continue
			}
			loaded++
		}
	}
	c.logger.Info("startup load complete", "definitions", loaded)

	for audience := range c.chatIDs {
		if err := c.republish(ctx, audience); err != nil {
			c.logger.Error("startup command publish failed",
				"audience", audience, "error", err)
		}
	}
	return nil
}

func (c *Controller) publish(topic string, payload any) {
	if c.events != nil {
		c.events.Publish(topic, payload)
	}
}
