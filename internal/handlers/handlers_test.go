package handlers

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/quartermaster/internal/bus"
	"github.com/basket/quartermaster/internal/config"
	"github.com/basket/quartermaster/internal/corrid"
	"github.com/basket/quartermaster/internal/notify"
	"github.com/basket/quartermaster/internal/registry"
	"github.com/basket/quartermaster/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	replies []notify.Message
	dms     []notify.Message
	dmUsers []string
	modals  []notify.ModalDef
}

func (f *fakeNotifier) Reply(ctx context.Context, ic *notify.Interaction, msg notify.Message) error {
	f.replies = append(f.replies, msg)
	return nil
}
func (f *fakeNotifier) DeferReply(ctx context.Context, ic *notify.Interaction) error { return nil }
func (f *fakeNotifier) EditReply(ctx context.Context, ic *notify.Interaction, msg notify.Message) error {
	return nil
}
func (f *fakeNotifier) FollowUp(ctx context.Context, ic *notify.Interaction, msg notify.Message) error {
	f.replies = append(f.replies, msg)
	return nil
}
func (f *fakeNotifier) SendDirectMessage(ctx context.Context, userID string, msg notify.Message) (notify.MessageRef, error) {
	f.dms = append(f.dms, msg)
	f.dmUsers = append(f.dmUsers, userID)
	return notify.MessageRef{}, nil
}
func (f *fakeNotifier) DeleteMessage(ctx context.Context, ref notify.MessageRef) error { return nil }
func (f *fakeNotifier) ShowModal(ctx context.Context, ic *notify.Interaction, def notify.ModalDef) error {
	f.modals = append(f.modals, def)
	return nil
}
func (f *fakeNotifier) FetchUser(ctx context.Context, userID string) (notify.User, error) {
	return notify.User{ID: userID, Name: "Tester " + userID}, nil
}

func newContext(t *testing.T) (*registry.HandlerContext, *fakeNotifier) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "qm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	notifier := &fakeNotifier{}
	return &registry.HandlerContext{
		State:     config.NewState([]string{"admin"}, bus.New()),
		Fragments: config.NewFragments(),
		Store:     st,
		Notifier:  notifier,
		Logger:    discardLogger(),
		Location:  time.UTC,
	}, notifier
}

func TestRegisterInstallsAllHandlers(t *testing.T) {
	table := registry.NewHandlerTable()
	Register(table, Deps{Status: NewStatus()})

	for _, name := range []string{"order.create", "order.submit", "order.list",
		"order.claim", "claim.resolve", "supplier.register", "supplier.list",
		"skill.lookup", "admin.lock", "admin.status"} {
		if _, ok := table.Command(name); !ok {
			t.Errorf("command handler %q not registered", name)
		}
	}
	for _, name := range []string{"order.expire", "supplier.digest", "skill.refresh"} {
		if _, ok := table.Task(name); !ok {
			t.Errorf("task handler %q not registered", name)
		}
	}
}

func TestOrderLifecycle(t *testing.T) {
	hc, notifier := newContext(t)
	ctx := context.Background()

	// Create opens the form with the routing id for submit.
	ic := &notify.Interaction{Kind: notify.KindCommand, Audience: "production",
		Command: "order", UserID: "buyer", Options: map[string]string{"item": "iron"}}
	if err := createOrder(ctx, ic, hc); err != nil {
		t.Fatal(err)
	}
	if len(notifier.modals) != 1 || notifier.modals[0].Fields[0].Default != "iron" {
		t.Fatalf("modals = %v", notifier.modals)
	}

	// Submit records the order.
	submit := &notify.Interaction{Kind: notify.KindModal, Audience: "production",
		UserID:        "buyer",
		CorrelationID: notifier.modals[0].CorrelationID,
		Values:        map[string]string{"item": "iron", "quantity": "20", "price": "3"},
	}
	if err := submitOrder(ctx, submit, hc); err != nil {
		t.Fatal(err)
	}
	rows, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"status": "open"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["item"] != "iron" {
		t.Fatalf("orders = %v", rows)
	}

	// List shows a claim button for the open order.
	list := &notify.Interaction{Kind: notify.KindCommand, Audience: "production",
		Command: "orders", UserID: "seller"}
	if err := listOrders(ctx, list, hc); err != nil {
		t.Fatal(err)
	}
	last := notifier.replies[len(notifier.replies)-1]
	if len(last.Buttons) != 1 {
		t.Fatalf("buttons = %v", last.Buttons)
	}

	// Pressing the button claims it.
	press := &notify.Interaction{Kind: notify.KindComponent, Audience: "production",
		UserID: "seller", CorrelationID: last.Buttons[0].CorrelationID}
	if err := claimOrder(ctx, press, hc); err != nil {
		t.Fatal(err)
	}
	rows, err = hc.Store.SelectWhere(ctx, "orders", map[string]any{"status": "claimed"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["claimed_by"] != "seller" {
		t.Fatalf("claimed orders = %v", rows)
	}

	// A second claim of the same order is refused.
	if err := claimOrder(ctx, press, hc); err != nil {
		t.Fatal(err)
	}
	last = notifier.replies[len(notifier.replies)-1]
	if !strings.Contains(last.Text, "already") {
		t.Errorf("second claim reply = %q", last.Text)
	}

	// Admin approval closes it out.
	resolve := &notify.Interaction{Kind: notify.KindCommand, Audience: "production",
		UserID: "admin", Options: map[string]string{"order": "1", "outcome": "approve"}}
	if err := resolveClaim(ctx, resolve, hc); err != nil {
		t.Fatal(err)
	}
	rows, err = hc.Store.SelectWhere(ctx, "orders", map[string]any{"status": "done"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("done orders = %v", rows)
	}
	claims, err := hc.Store.SelectWhere(ctx, "claims", map[string]any{"status": "approved"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(claims) != 1 {
		t.Fatalf("claims = %v", claims)
	}
}

func TestResolveClaimRejectReopens(t *testing.T) {
	hc, notifier := newContext(t)
	ctx := context.Background()

	submit := &notify.Interaction{UserID: "buyer",
		Values: map[string]string{"item": "coal", "quantity": "5"}}
	if err := submitOrder(ctx, submit, hc); err != nil {
		t.Fatal(err)
	}
	claimID := corrid.MustEncode("production", "order", "claim", "1")
	press := &notify.Interaction{UserID: "seller", CorrelationID: claimID}
	if err := claimOrder(ctx, press, hc); err != nil {
		t.Fatal(err)
	}

	resolve := &notify.Interaction{UserID: "admin",
		Options: map[string]string{"order": "1", "outcome": "reject"}}
	if err := resolveClaim(ctx, resolve, hc); err != nil {
		t.Fatal(err)
	}

	rows, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"id": int64(1)}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0]["status"] != "open" {
		t.Errorf("status = %v, want reopened", rows[0]["status"])
	}
	if rows[0]["claimed_by"] != nil {
		t.Errorf("claimed_by = %v, want cleared", rows[0]["claimed_by"])
	}
	_ = notifier
}

func TestResolveClaimRequiresAdmin(t *testing.T) {
	hc, notifier := newContext(t)
	resolve := &notify.Interaction{UserID: "mallory",
		Options: map[string]string{"order": "1"}}
	if err := resolveClaim(context.Background(), resolve, hc); err != nil {
		t.Fatal(err)
	}
	if len(notifier.replies) != 1 || !strings.Contains(notifier.replies[0].Text, "admins") {
		t.Errorf("replies = %v", notifier.replies)
	}
}

func TestSupplierRegisterAndUpdate(t *testing.T) {
	hc, notifier := newContext(t)
	ctx := context.Background()

	ic := &notify.Interaction{UserID: "s1", Options: map[string]string{"specialty": "ore"}}
	if err := registerSupplier(ctx, ic, hc); err != nil {
		t.Fatal(err)
	}
	rows, err := hc.Store.SelectWhere(ctx, "suppliers", map[string]any{"user_id": "s1"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Tester s1" {
		t.Fatalf("suppliers = %v", rows)
	}

	// Registering again updates instead of failing on the primary key.
	ic.Options["specialty"] = "timber"
	if err := registerSupplier(ctx, ic, hc); err != nil {
		t.Fatal(err)
	}
	rows, err = hc.Store.SelectWhere(ctx, "suppliers", map[string]any{"user_id": "s1"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0]["specialty"] != "timber" {
		t.Errorf("specialty = %v", rows[0]["specialty"])
	}
	if !strings.Contains(notifier.replies[1].Text, "updated") {
		t.Errorf("replies = %v", notifier.replies)
	}
}

func TestSkillLookupFallsBackToFragments(t *testing.T) {
	hc, notifier := newContext(t)
	ctx := context.Background()

	if _, err := hc.Store.InsertRow(ctx, "skills", store.Row{
		"name": "smelting", "description": "turns ore into ingots",
		"level": 2, "updated_at": "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	ic := &notify.Interaction{UserID: "u1", Options: map[string]string{"name": "smelting"}}
	if err := lookupSkill(ctx, ic, hc); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(notifier.replies[0].Text, "ingots") {
		t.Errorf("reply = %q", notifier.replies[0].Text)
	}

	// Unknown in the table but present in a reference fragment.
	hc.Fragments = fragmentsWith(t, "skills", map[string]any{"fishing": "patience, mostly"})
	ic = &notify.Interaction{UserID: "u1", Options: map[string]string{"name": "fishing"}}
	if err := lookupSkill(ctx, ic, hc); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(notifier.replies[1].Text, "patience") {
		t.Errorf("reply = %q", notifier.replies[1].Text)
	}
}

func TestExpireOrdersTask(t *testing.T) {
	hc, _ := newContext(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	for _, expiry := range []string{past, future} {
		if _, err := hc.Store.InsertRow(ctx, "orders", store.Row{
			"item": "iron", "quantity": 1, "price": 1, "status": "open",
			"created_by": "buyer", "created_at": past, "expires_at": expiry,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := expireOrdersTask(ctx, nil, hc); err != nil {
		t.Fatal(err)
	}
	expired, err := hc.Store.SelectWhere(ctx, "orders", map[string]any{"status": "expired"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 {
		t.Errorf("expired = %d, want only the past-due order", len(expired))
	}
}

func TestSupplierDigestTask(t *testing.T) {
	hc, notifier := newContext(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := hc.Store.InsertRow(ctx, "orders", store.Row{
		"item": "iron", "quantity": 1, "price": 1, "status": "open",
		"created_by": "buyer", "created_at": now,
	}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"s1", "s2"} {
		if _, err := hc.Store.InsertRow(ctx, "suppliers", store.Row{
			"user_id": id, "name": id, "registered_at": now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := supplierDigestTask(ctx, nil, hc); err != nil {
		t.Fatal(err)
	}
	if len(notifier.dms) != 2 {
		t.Errorf("dms = %d, want one per supplier", len(notifier.dms))
	}
}

func TestRefreshSkillsTask(t *testing.T) {
	hc, _ := newContext(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339)
	for i := 0; i < 6; i++ {
		orderID, err := hc.Store.InsertRow(ctx, "orders", store.Row{
			"item": "iron", "quantity": 1, "price": 1, "status": "done",
			"created_by": "buyer", "created_at": now,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := hc.Store.InsertRow(ctx, "claims", store.Row{
			"order_id": orderID, "user_id": "s1", "status": "approved", "created_at": now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := refreshSkillsTask(ctx, nil, hc); err != nil {
		t.Fatal(err)
	}
	rows, err := hc.Store.SelectWhere(ctx, "skills", map[string]any{"name": "iron"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatal("skill row not created")
	}
	if got := rows[0]["level"]; got != int64(1) {
		t.Errorf("level = %v, want 1 for six approved deliveries", got)
	}
}

// fragmentsWith builds a Fragments store holding one named fragment.
func fragmentsWith(t *testing.T, name string, values map[string]any) *config.Fragments {
	t.Helper()
	f := config.NewFragments()
	dir := t.TempDir()
	body := ""
	for k, v := range values {
		body += k + ": " + v.(string) + "\n"
	}
	path := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	return f
}
