package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/quartermaster/internal/gate"
	"github.com/basket/quartermaster/internal/notify"
	"github.com/basket/quartermaster/internal/registry"
)

func registerAdminHandlers(table *registry.HandlerTable, deps Deps) {
	table.RegisterCommand("admin.lock", lockBot)
	table.RegisterCommand("admin.status", func(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
		return reloadStatus(ctx, ic, hc, deps)
	})
}

// lockBot lets an admin freeze dispatch manually, for maintenance beyond
// what the automatic reload window covers. The matching unlock is built
// into the gate so it works while the lock is held.
func lockBot(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	if !hc.State.IsAdmin(ic.UserID) {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "Admins only.", Ephemeral: true,
		})
	}
	if !hc.State.Lock() {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "Already locked.", Ephemeral: true,
		})
	}
	hc.Logger.Info("lock set by admin", "user", ic.UserID)
	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text: "Locked. Interactions are held until unlock.", Ephemeral: true,
	})
}

// reloadStatus reports the lock state, loaded definition counts, config
// fragments, and recent reload outcomes.
func reloadStatus(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext, deps Deps) error {
	if !hc.State.IsAdmin(ic.UserID) {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "Admins only.", Ephemeral: true,
		})
	}

	var b strings.Builder
	if hc.State.Locked() {
		b.WriteString("Lock: held\n")
	} else {
		b.WriteString("Lock: clear\n")
	}
	if deps.Commands != nil && deps.Tasks != nil {
		for _, audience := range deps.Tasks.Audiences() {
			fmt.Fprintf(&b, "%s: %d commands, %d tasks\n", audience,
				deps.Commands.Count(audience), deps.Tasks.Count(audience))
		}
	}
	if names := hc.Fragments.Names(); len(names) > 0 {
		fmt.Fprintf(&b, "Config fragments: %s\n", strings.Join(names, ", "))
	}

	if status := deps.Status; status != nil {
		entries := status.snapshot()
		if len(entries) == 0 {
			b.WriteString("No reloads since startup.")
		} else {
			b.WriteString("Recent reloads:")
			for _, e := range entries {
				outcome := "ok"
				if e.Err != "" {
					outcome = "failed: " + e.Err
				}
				scope := e.Kind
				if e.Audience != "" {
					scope = e.Audience + "/" + e.Kind
				}
				fmt.Fprintf(&b, "\n- %s %s", scope, outcome)
			}
		}
	}

	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text: b.String(), Ephemeral: true,
	})
}
