package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/quartermaster/internal/notify"
	"github.com/basket/quartermaster/internal/registry"
	"github.com/basket/quartermaster/internal/store"
)

// expireOrdersTask sweeps open orders whose expiry has passed.
func expireOrdersTask(ctx context.Context, task *registry.Task, hc *registry.HandlerContext) error {
	rows, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"status": "open"}, 0)
	if err != nil {
		return fmt.Errorf("scan open orders: %w", err)
	}

	now := time.Now().In(hc.Location)
	expired := 0
	for _, row := range rows {
		raw, _ := row["expires_at"].(string)
		if raw == "" {
			continue
		}
		expiresAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			hc.Logger.Warn("order has unparseable expiry", "order_id", row["id"], "expires_at", raw)
			continue
		}
		if expiresAt.After(now) {
			continue
		}
		if err := hc.Store.UpdateRow(ctx, "orders", []any{rowInt64(row, "id")}, store.Row{
			"status": "expired",
		}); err != nil {
			return fmt.Errorf("expire order %v: %w", row["id"], err)
		}
		expired++
	}

	if expired > 0 {
		hc.Logger.Info("orders expired", "count", expired)
	}
	return nil
}

// supplierDigestTask DMs every registered supplier a summary of the
// current open orders. Delivery failures are logged per supplier and do
// not abort the digest.
func supplierDigestTask(ctx context.Context, task *registry.Task, hc *registry.HandlerContext) error {
	open, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"status": "open"}, 0)
	if err != nil {
		return fmt.Errorf("scan open orders: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	suppliers, err := hc.Store.SelectWhere(ctx, "suppliers", nil, 0)
	if err != nil {
		return fmt.Errorf("scan suppliers: %w", err)
	}

	text := fmt.Sprintf("%d open orders are waiting for a supplier. Use the order list to claim one.", len(open))
	for _, row := range suppliers {
		userID, _ := row["user_id"].(string)
		if userID == "" {
			continue
		}
		if _, err := hc.Notifier.SendDirectMessage(ctx, userID, notify.Message{Text: text}); err != nil {
			hc.Logger.Warn("digest not delivered", "user", userID, "error", err)
		}
	}
	return nil
}

// refreshSkillsTask recomputes supplier-facing skill levels from resolved
// claims: every five approved deliveries of an item raise its skill level.
func refreshSkillsTask(ctx context.Context, task *registry.Task, hc *registry.HandlerContext) error {
	approved, err := hc.Store.SelectWhere(ctx, "claims", map[string]any{"status": "approved"}, 0)
	if err != nil {
		return fmt.Errorf("scan approved claims: %w", err)
	}
	counts := make(map[string]int)
	for _, claim := range approved {
		rows, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"id": rowInt64(claim, "order_id")}, 1)
		if err != nil {
			return fmt.Errorf("look up claimed order: %w", err)
		}
		if len(rows) == 0 {
			continue
		}
		if item, ok := rows[0]["item"].(string); ok {
			counts[item]++
		}
	}

	now := time.Now().In(hc.Location).Format(time.RFC3339)
	for item, n := range counts {
		level := n / 5
		existing, err := hc.Store.SelectWhere(ctx, "skills", map[string]any{"name": item}, 1)
		if err != nil {
			return fmt.Errorf("look up skill: %w", err)
		}
		if len(existing) > 0 {
			err = hc.Store.UpdateRow(ctx, "skills", []any{item}, store.Row{
				"level": level, "updated_at": now,
			})
		} else {
			_, err = hc.Store.InsertRow(ctx, "skills", store.Row{
				"name":        item,
				"description": fmt.Sprintf("supply record for %s", item),
				"level":       level,
				"updated_at":  now,
			})
		}
		if err != nil {
			return fmt.Errorf("record skill %q: %w", item, err)
		}
	}
	return nil
}
