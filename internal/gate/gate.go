// Package gate is the single entry point for inbound interactions. It
// checks the reload lock before touching the catalogs, routes commands and
// correlation ids to their handlers, and contains every handler failure so
// one bad definition cannot take the dispatch loop down.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/quartermaster/internal/bus"
	"github.com/basket/quartermaster/internal/config"
	"github.com/basket/quartermaster/internal/corrid"
	"github.com/basket/quartermaster/internal/notify"
	qmotel "github.com/basket/quartermaster/internal/otel"
	"github.com/basket/quartermaster/internal/recovery"
	"github.com/basket/quartermaster/internal/registry"
	"github.com/basket/quartermaster/internal/shared"
)

// lockedNotice is what non-admin users see while a reload holds the lock.
const lockedNotice = "Commands are being reloaded, give it a moment and try again."

// Config holds the dependencies for the gate.
type Config struct {
	State         *config.State
	Commands      *registry.Commands
	Recovery      *recovery.Buffer
	Notifier      notify.Notifier
	Handlers      *registry.HandlerContext
	UnlockCommand string
	Events        *bus.Bus
	Metrics       *qmotel.Metrics
	Provider      *qmotel.Provider
	Logger        *slog.Logger
}

// Gate dispatches normalized interactions.
type Gate struct {
	state         *config.State
	commands      *registry.Commands
	recovery      *recovery.Buffer
	notifier      notify.Notifier
	handlers      *registry.HandlerContext
	unlockCommand string
	events        *bus.Bus
	metrics       *qmotel.Metrics
	provider      *qmotel.Provider
	logger        *slog.Logger
}

func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		state:         cfg.State,
		commands:      cfg.Commands,
		recovery:      cfg.Recovery,
		notifier:      cfg.Notifier,
		handlers:      cfg.Handlers,
		unlockCommand: cfg.UnlockCommand,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		provider:      cfg.Provider,
		logger:        logger,
	}
}

// Ack sends msg as the interaction's first response, or as a follow-up if
// something already responded. Handlers go through this instead of
// tracking acknowledgment state themselves.
func Ack(ctx context.Context, n notify.Notifier, ic *notify.Interaction, msg notify.Message) error {
	if ic.Acked {
		return n.FollowUp(ctx, ic, msg)
	}
	if ic.Deferred {
		ic.Acked = true
		return n.EditReply(ctx, ic, msg)
	}
	if err := n.Reply(ctx, ic, msg); err != nil {
		return err
	}
	ic.Acked = true
	return nil
}

// Dispatch routes one interaction. It never returns an error to the
// transport: every failure is logged, surfaced to the user where
// possible, and otherwise swallowed.
func (g *Gate) Dispatch(ctx context.Context, ic *notify.Interaction) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithAudience(ctx, ic.Audience)
	ctx = shared.WithUserID(ctx, ic.UserID)

	if g.provider != nil {
		spanCtx, span := qmotel.StartServerSpan(ctx, g.provider.Tracer, "gate.dispatch",
			qmotel.AttrAudience.String(ic.Audience),
			qmotel.AttrUserID.String(ic.UserID))
		defer span.End()
		ctx = spanCtx
	}

	if g.state.Locked() && !g.admitDuringLock(ctx, ic) {
		return
	}

	switch ic.Kind {
	case notify.KindCommand:
		g.dispatchCommand(ctx, ic)
	case notify.KindModal, notify.KindComponent:
		g.dispatchCorrelated(ctx, ic)
	default:
		g.reject(ctx, ic, "unknown interaction kind", "")
	}
}

// admitDuringLock decides what happens to an interaction that arrives
// while the lock is held. Only the admin unlock command passes through;
// modal submissions are captured for replay, everything else is turned
// away with a notice.
func (g *Gate) admitDuringLock(ctx context.Context, ic *notify.Interaction) bool {
	if ic.Kind == notify.KindCommand &&
		ic.Command == g.unlockCommand && g.state.IsAdmin(ic.UserID) {
		return true
	}

	if ic.Kind == notify.KindModal && g.recovery != nil {
		g.recovery.Capture(ctx, ic, modalDefFromValues(ic))
		go g.recovery.WaitAndReplay(context.WithoutCancel(ctx))
		g.reject(ctx, ic, "locked, submission captured",
			"Commands are being reloaded. Your submission was saved; you will get a resend prompt shortly.")
		return false
	}

	g.reject(ctx, ic, "locked", lockedNotice)
	return false
}

// modalDefFromValues rebuilds a minimal form definition from the
// submitted values. The reload that holds the lock may be swapping the
// owning command out from under us, so the live definition cannot be
// trusted mid-window.
func modalDefFromValues(ic *notify.Interaction) notify.ModalDef {
	names := make([]string, 0, len(ic.Values))
	for name := range ic.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]notify.ModalField, len(names))
	for i, name := range names {
		fields[i] = notify.ModalField{Name: name, Label: name}
	}
	title := "form"
	if id, err := corrid.Decode(ic.CorrelationID); err == nil {
		title = id.Command
	}
	return notify.ModalDef{CorrelationID: ic.CorrelationID, Title: title, Fields: fields}
}

func (g *Gate) dispatchCommand(ctx context.Context, ic *notify.Interaction) {
	if ic.Command == g.unlockCommand && g.state.IsAdmin(ic.UserID) {
		g.handleUnlock(ctx, ic)
		return
	}

	cmd, ok := g.commands.Get(ic.Audience, ic.Command)
	if !ok {
		g.reject(ctx, ic, "unknown command",
			fmt.Sprintf("Unknown command %q.", ic.Command))
		return
	}
	g.run(ctx, ic, ic.Command, cmd.Run)
}

// handleUnlock is built into the gate rather than loaded from a
// definition: it must work even when the catalogs are empty or mid-swap.
func (g *Gate) handleUnlock(ctx context.Context, ic *notify.Interaction) {
	g.state.Unlock()
	g.logger.Info("lock cleared by admin", "user", ic.UserID)
	if err := Ack(ctx, g.notifier, ic, notify.Message{Text: "Unlocked.", Ephemeral: true}); err != nil {
		g.logger.Warn("unlock ack failed", "error", err)
	}
	g.handled(ctx, ic, g.unlockCommand)
	if g.recovery != nil {
		go g.recovery.WaitAndReplay(context.WithoutCancel(ctx))
	}
}

// dispatchCorrelated routes modal submissions and component presses by
// their correlation id: audience and command name resolve the owning
// command, the handler field picks its sub-handler.
func (g *Gate) dispatchCorrelated(ctx context.Context, ic *notify.Interaction) {
	id, err := corrid.Decode(ic.CorrelationID)
	if err != nil {
		g.reject(ctx, ic, "malformed correlation id", "")
		return
	}

	if originalID, ok := recovery.IsResend(id); ok && g.recovery != nil {
		if err := g.recovery.Resend(ctx, ic, originalID); err != nil {
			g.logger.Error("resend failed", "error", err, "user", ic.UserID)
		}
		g.handled(ctx, ic, id.Command)
		return
	}

	cmd, ok := g.commands.Get(id.Audience, id.Command)
	if !ok {
		g.reject(ctx, ic, "correlation id names unknown command",
			"That button belongs to a command that is no longer installed.")
		return
	}
	fn, ok := cmd.Sub(id.Handler)
	if !ok {
		g.reject(ctx, ic, "correlation id names unknown sub-handler", "")
		return
	}
	g.run(ctx, ic, id.Command, fn)
}

// run executes one handler with failure containment. A panicking or
// erroring handler is logged and answered with a generic apology; the
// dispatch loop itself never sees the failure.
func (g *Gate) run(ctx context.Context, ic *notify.Interaction, name string, fn registry.CommandFunc) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panicked", "command", name, "panic", r)
			g.apologize(ctx, ic)
		}
	}()

	if err := fn(ctx, ic, g.handlers); err != nil {
		g.logger.Error("handler failed", "command", name,
			"duration", time.Since(start), "error", err)
		g.apologize(ctx, ic)
		g.handled(ctx, ic, name)
		return
	}

	g.logger.Debug("interaction handled", "kind", ic.Kind.String(),
		"command", name, "duration", time.Since(start))
	g.handled(ctx, ic, name)
}

func (g *Gate) apologize(ctx context.Context, ic *notify.Interaction) {
	err := Ack(ctx, g.notifier, ic, notify.Message{
		Text:      "Something went wrong handling that. The details are in the log.",
		Ephemeral: true,
	})
	if err != nil {
		g.logger.Warn("failure notice not delivered", "error", err)
	}
}

func (g *Gate) handled(ctx context.Context, ic *notify.Interaction, name string) {
	if g.events != nil {
		g.events.Publish(bus.TopicDispatchHandled, bus.DispatchEvent{
			Kind: ic.Kind.String(), Audience: ic.Audience, Name: name,
		})
	}
	if g.metrics != nil {
		g.metrics.DispatchTotal.Add(ctx, 1, metric.WithAttributes(
			qmotel.AttrAudience.String(ic.Audience),
			qmotel.AttrCommand.String(name)))
	}
}

// reject logs a refusal, optionally tells the user why, and counts it.
func (g *Gate) reject(ctx context.Context, ic *notify.Interaction, reason, userText string) {
	g.logger.Warn("interaction rejected", "kind", ic.Kind.String(),
		"audience", ic.Audience, "user", ic.UserID, "reason", reason)
	if userText != "" {
		if err := Ack(ctx, g.notifier, ic, notify.Message{Text: userText, Ephemeral: true}); err != nil {
			g.logger.Warn("rejection notice not delivered", "error", err)
		}
	}
	if g.events != nil {
		g.events.Publish(bus.TopicDispatchRejected, bus.DispatchEvent{
			Kind: ic.Kind.String(), Audience: ic.Audience, Reason: reason,
		})
	}
	if g.metrics != nil {
		g.metrics.DispatchRejected.Add(ctx, 1, metric.WithAttributes(
			qmotel.AttrAudience.String(ic.Audience)))
	}
}
