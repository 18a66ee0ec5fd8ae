package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/quartermaster/internal/gate"
	"github.com/basket/quartermaster/internal/notify"
	"github.com/basket/quartermaster/internal/registry"
	"github.com/basket/quartermaster/internal/store"
)

func registerSupplierHandlers(table *registry.HandlerTable) {
	table.RegisterCommand("supplier.register", registerSupplier)
	table.RegisterCommand("supplier.list", listSuppliers)
}

// registerSupplier enrolls the caller as a supplier, or updates their
// specialty if they already are one.
func registerSupplier(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	name := strings.TrimSpace(ic.Options["name"])
	if name == "" {
		user, err := hc.Notifier.FetchUser(ctx, ic.UserID)
		if err == nil && user.Name != "" {
			name = user.Name
		} else {
			name = ic.UserID
		}
	}
	specialty := strings.TrimSpace(ic.Options["specialty"])

	existing, err := hc.Store.SelectWhere(ctx, "suppliers", map[string]any{"user_id": ic.UserID}, 1)
	if err != nil {
		return fmt.Errorf("look up supplier: %w", err)
	}
	if len(existing) > 0 {
		if err := hc.Store.UpdateRow(ctx, "suppliers", []any{ic.UserID}, store.Row{
			"name":      name,
			"specialty": specialty,
		}); err != nil {
			return fmt.Errorf("update supplier: %w", err)
		}
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "Supplier profile updated.", Ephemeral: true,
		})
	}

	if _, err := hc.Store.InsertRow(ctx, "suppliers", store.Row{
		"user_id":       ic.UserID,
		"name":          name,
		"specialty":     specialty,
		"rating":        0,
		"registered_at": time.Now().In(hc.Location).Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("register supplier: %w", err)
	}

	hc.Logger.Info("supplier registered", "user", ic.UserID, "name", name)
	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text: fmt.Sprintf("Welcome aboard, %s. You will get a digest of open orders.", name),
	})
}

func listSuppliers(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	rows, err := hc.Store.SelectWhere(ctx, "suppliers", nil, 25)
	if err != nil {
		return fmt.Errorf("list suppliers: %w", err)
	}
	if len(rows) == 0 {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "No suppliers registered yet.", Ephemeral: true,
		})
	}
	var lines []string
	for _, row := range rows {
		name, _ := row["name"].(string)
		specialty, _ := row["specialty"].(string)
		if specialty == "" {
			lines = append(lines, name)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%s)", name, specialty))
	}
	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text: "Suppliers:\n" + strings.Join(lines, "\n"),
	})
}
