package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/quartermaster/internal/corrid"
	"github.com/basket/quartermaster/internal/gate"
	"github.com/basket/quartermaster/internal/notify"
	"github.com/basket/quartermaster/internal/registry"
	"github.com/basket/quartermaster/internal/store"
)

// defaultOrderTTL bounds how long an unclaimed order stays open before the
// expiry sweep closes it.
const defaultOrderTTL = 72 * time.Hour

func registerOrderHandlers(table *registry.HandlerTable) {
	table.RegisterCommand("order.create", createOrder)
	table.RegisterCommand("order.submit", submitOrder)
	table.RegisterCommand("order.list", listOrders)
	table.RegisterCommand("order.claim", claimOrder)
	table.RegisterCommand("claim.resolve", resolveClaim)
}

// createOrder opens the order form, pre-filled from any inline options the
// user typed with the command.
func createOrder(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	submitID, err := corrid.Encode(ic.Audience, "order", "submit")
	if err != nil {
		return err
	}
	return hc.Notifier.ShowModal(ctx, ic, notify.ModalDef{
		CorrelationID: submitID,
		Title:         "New order",
		Fields: []notify.ModalField{
			{Name: "item", Label: "Item", Default: ic.Options["item"]},
			{Name: "quantity", Label: "Quantity", Default: ic.Options["quantity"]},
			{Name: "price", Label: "Price per unit", Default: ic.Options["price"]},
		},
	})
}

// submitOrder handles the form submission and records the order.
func submitOrder(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	item := strings.TrimSpace(ic.Values["item"])
	if item == "" {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "An order needs an item.", Ephemeral: true,
		})
	}
	quantity := parsePositiveInt(ic.Values["quantity"], 1)
	price := parsePositiveInt(ic.Values["price"], 0)

	now := time.Now().In(hc.Location)
	id, err := hc.Store.InsertRow(ctx, "orders", store.Row{
		"item":       item,
		"quantity":   quantity,
		"price":      price,
		"status":     "open",
		"created_by": ic.UserID,
		"created_at": now.Format(time.RFC3339),
		"expires_at": now.Add(defaultOrderTTL).Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}

	hc.Logger.Info("order created", "order_id", id, "item", item, "user", ic.UserID)
	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text: fmt.Sprintf("Order #%d placed: %d x %s.", id, quantity, item),
	})
}

// listOrders shows open orders, each with a claim button.
func listOrders(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	rows, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"status": "open"}, 10)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	if len(rows) == 0 {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "No open orders.", Ephemeral: true,
		})
	}

	var lines []string
	var buttons []notify.Button
	for _, row := range rows {
		id := rowInt64(row, "id")
		item, _ := row["item"].(string)
		lines = append(lines, fmt.Sprintf("#%d  %v x %s at %v each",
			id, row["quantity"], item, row["price"]))
		claimID, err := corrid.Encode(ic.Audience, "order", "claim", strconv.FormatInt(id, 10))
		if err != nil {
			return err
		}
		buttons = append(buttons, notify.Button{
			Label:         fmt.Sprintf("Claim #%d", id),
			CorrelationID: claimID,
		})
	}
	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text:    "Open orders:\n" + strings.Join(lines, "\n"),
		Buttons: buttons,
	})
}

// claimOrder handles a claim button press. The order id rides in the
// correlation id's extra field.
func claimOrder(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	id, err := corrid.Decode(ic.CorrelationID)
	if err != nil {
		return err
	}
	if len(id.Extra) == 0 {
		return fmt.Errorf("claim without an order id")
	}
	orderID, err := strconv.ParseInt(id.Extra[0], 10, 64)
	if err != nil {
		return fmt.Errorf("claim order id %q: %w", id.Extra[0], err)
	}

	rows, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"id": orderID}, 1)
	if err != nil {
		return fmt.Errorf("look up order: %w", err)
	}
	if len(rows) == 0 {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: fmt.Sprintf("Order #%d no longer exists.", orderID), Ephemeral: true,
		})
	}
	if status, _ := rows[0]["status"].(string); status != "open" {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: fmt.Sprintf("Order #%d is already %s.", orderID, status), Ephemeral: true,
		})
	}

	now := time.Now().In(hc.Location).Format(time.RFC3339)
	if _, err := hc.Store.InsertRow(ctx, "claims", store.Row{
		"order_id":   orderID,
		"user_id":    ic.UserID,
		"status":     "pending",
		"created_at": now,
	}); err != nil {
		return fmt.Errorf("record claim: %w", err)
	}
	if err := hc.Store.UpdateRow(ctx, "orders", []any{orderID}, store.Row{
		"status":     "claimed",
		"claimed_by": ic.UserID,
	}); err != nil {
		return fmt.Errorf("mark order claimed: %w", err)
	}

	hc.Logger.Info("order claimed", "order_id", orderID, "user", ic.UserID)
	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text: fmt.Sprintf("Order #%d is yours. An admin will resolve the claim on delivery.", orderID),
	})
}

// resolveClaim closes out a claimed order: admins approve (order done) or
// reject (order reopens).
func resolveClaim(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	if !hc.State.IsAdmin(ic.UserID) {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "Only admins resolve claims.", Ephemeral: true,
		})
	}
	orderID, err := strconv.ParseInt(ic.Options["order"], 10, 64)
	if err != nil {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "Usage: order=<id> outcome=approve|reject", Ephemeral: true,
		})
	}
	approve := ic.Options["outcome"] != "reject"

	rows, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"id": orderID}, 1)
	if err != nil {
		return fmt.Errorf("look up order: %w", err)
	}
	if len(rows) == 0 {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: fmt.Sprintf("No order #%d.", orderID), Ephemeral: true,
		})
	}
	claimedBy, _ := rows[0]["claimed_by"].(string)

	claimStatus, orderStatus := "approved", "done"
	if !approve {
		claimStatus, orderStatus = "rejected", "open"
	}
	if claimedBy != "" {
		if err := hc.Store.UpdateRow(ctx, "claims", []any{orderID, claimedBy}, store.Row{
			"status": claimStatus,
		}); err != nil {
			return fmt.Errorf("resolve claim: %w", err)
		}
	}
	fields := store.Row{"status": orderStatus}
	if !approve {
		fields["claimed_by"] = nil
	}
	if err := hc.Store.UpdateRow(ctx, "orders", []any{orderID}, fields); err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	hc.Logger.Info("claim resolved", "order_id", orderID, "outcome", claimStatus, "admin", ic.UserID)
	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text: fmt.Sprintf("Order #%d: claim %s.", orderID, claimStatus),
	})
}

func parsePositiveInt(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// rowInt64 reads a numeric column that the driver may surface as int64 or
// as a plain int in tests.
func rowInt64(row store.Row, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
