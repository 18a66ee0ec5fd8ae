// Command quartermaster runs the community trading bot: hot-reloadable
// commands and scheduled tasks over Telegram, backed by sqlite.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/quartermaster/internal/bus"
	"github.com/basket/quartermaster/internal/config"
	"github.com/basket/quartermaster/internal/gate"
	"github.com/basket/quartermaster/internal/handlers"
	"github.com/basket/quartermaster/internal/notify"
	otelPkg "github.com/basket/quartermaster/internal/otel"
	"github.com/basket/quartermaster/internal/recovery"
	"github.com/basket/quartermaster/internal/registry"
	"github.com/basket/quartermaster/internal/reload"
	"github.com/basket/quartermaster/internal/runner"
	"github.com/basket/quartermaster/internal/store"
	"github.com/basket/quartermaster/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// dispatchRelay breaks the construction cycle between the chat adapter
// (which needs a dispatcher) and the gate (which needs the adapter as its
// notifier). The adapter gets the relay; the gate is bound afterwards.
type dispatchRelay struct {
	gate *gate.Gate
}

func (r *dispatchRelay) Dispatch(ctx context.Context, ic *notify.Interaction) {
	if r.gate == nil {
		return
	}
	r.gate.Dispatch(ctx, ic)
}

func main() {
	home := flag.String("home", config.HomeDir(), "data directory")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("quartermaster", Version)
		return
	}

	if err := run(*home); err != nil {
		fmt.Fprintln(os.Stderr, "quartermaster:", err)
		os.Exit(1)
	}
}

func run(home string) error {
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return err
	}

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	events := bus.New()
	state := config.NewState(cfg.Admins, events)

	fragments := config.NewFragments()
	if err := fragments.LoadDir(cfg.FragmentsDir); err != nil {
		logger.Warn("config fragments partially loaded", "error", err)
	}

	status := handlers.NewStatus()
	go status.Watch(events.Subscribe("reload."))

	table := registry.NewHandlerTable()
	loc := cfg.Location()
	audiences := cfg.AudienceNames()
	commands := registry.NewCommands(table, audiences, logger)
	tasks := registry.NewTasks(table, audiences, loc, logger)
	handlers.Register(table, handlers.Deps{Status: status, Commands: commands, Tasks: tasks})

	// Chat adapter. The relay is bound to the gate below.
	relay := &dispatchRelay{}
	chatIDs := make(map[string]int64, len(cfg.Audiences))
	inbound := make(map[int64]string, len(cfg.Audiences))
	for name, aud := range cfg.Audiences {
		chatIDs[name] = aud.ChatID
		inbound[aud.ChatID] = name
	}
	var notifier notify.Notifier
	var publisher notify.Publisher
	var telegram *notify.Telegram
	if cfg.Telegram.Enabled {
		telegram = notify.NewTelegram(cfg.Telegram.Token, inbound, relay, logger)
		notifier = telegram
		publisher = telegram
	} else {
		logger.Warn("telegram disabled, running without a chat surface")
		notifier = notify.Discard{}
	}

	handlerCtx := &registry.HandlerContext{
		State:     state,
		Fragments: fragments,
		Store:     st,
		Notifier:  notifier,
		Logger:    logger,
		Location:  loc,
	}

	buffer := recovery.NewBuffer(recovery.Config{
		State:    state,
		Notifier: notifier,
		Events:   events,
		Metrics:  metrics,
		Logger:   logger,
	})

	relay.gate = gate.New(gate.Config{
		State:         state,
		Commands:      commands,
		Recovery:      buffer,
		Notifier:      notifier,
		Handlers:      handlerCtx,
		UnlockCommand: cfg.UnlockCommand,
		Events:        events,
		Metrics:       metrics,
		Provider:      provider,
		Logger:        logger,
	})

	controller := reload.NewController(reload.ControllerConfig{
		State:     state,
		Commands:  commands,
		Tasks:     tasks,
		Fragments: fragments,
		Publisher: publisher,
		ChatIDs:   chatIDs,
		Events:    events,
		Metrics:   metrics,
		Logger:    logger,
		Location:  loc,
	})

	sources := reload.Sources(cfg)
	if err := controller.LoadAll(ctx, sources); err != nil {
		return fmt.Errorf("startup load: %w", err)
	}

	source := reload.NewChangeSource(cfg, logger)
	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	go controller.Run(ctx, source.Events())

	taskRunner := runner.New(runner.Config{
		Tasks:    tasks,
		Handlers: handlerCtx,
		Events:   events,
		Metrics:  metrics,
		Provider: provider,
		Logger:   logger,
		Location: loc,
		Interval: cfg.Tick(),
	})
	taskRunner.Start(ctx)
	defer taskRunner.Stop()

	logger.Info("quartermaster started", "version", Version,
		"home", cfg.HomeDir, "audiences", audiences, "timezone", cfg.Timezone)

	if telegram != nil {
		if err := telegram.Start(ctx); err != nil {
			return err
		}
		telegram.Wait()
		return nil
	}

	<-ctx.Done()
	return nil
}
