package reload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/quartermaster/internal/bus"
	"github.com/basket/quartermaster/internal/config"
	"github.com/basket/quartermaster/internal/notify"
	"github.com/basket/quartermaster/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	calls   int
	chatIDs []int64
	last    []notify.CommandSchema
	err     error
}

func (p *fakePublisher) ReplaceCommands(ctx context.Context, chatID int64, schemas []notify.CommandSchema) error {
	p.calls++
	p.chatIDs = append(p.chatIDs, chatID)
	p.last = schemas
	return p.err
}

func testTable(t *testing.T) *registry.HandlerTable {
	t.Helper()
	table := registry.NewHandlerTable()
	table.RegisterCommand("noop", func(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
		return nil
	})
	table.RegisterTask("tick", func(ctx context.Context, task *registry.Task, hc *registry.HandlerContext) error {
		return nil
	})
	return table
}

type fixture struct {
	dir        string
	controller *Controller
	state      *config.State
	commands   *registry.Commands
	tasks      *registry.Tasks
	fragments  *config.Fragments
	publisher  *fakePublisher
	events     *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	table := testTable(t)
	events := bus.New()
	f := &fixture{
		dir:       t.TempDir(),
		state:     config.NewState(nil, events),
		commands:  registry.NewCommands(table, []string{"production"}, discardLogger()),
		tasks:     registry.NewTasks(table, []string{"production"}, time.UTC, discardLogger()),
		fragments: config.NewFragments(),
		publisher: &fakePublisher{},
		events:    events,
	}
	f.controller = NewController(ControllerConfig{
		State:     f.state,
		Commands:  f.commands,
		Tasks:     f.tasks,
		Fragments: f.fragments,
		Publisher: f.publisher,
		ChatIDs:   map[string]int64{"production": 42},
		Events:    events,
		Logger:    discardLogger(),
		Location:  time.UTC,
	})
	return f
}

func (f *fixture) write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyCommandChangeRepublishes(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "orders.yaml", "name: orders\nhandler: noop\n")

	err := f.controller.Apply(context.Background(), Change{
		Audience: "production", Kind: KindCommand, Path: path,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, ok := f.commands.Get("production", "orders"); !ok {
		t.Error("command not installed")
	}
	if f.publisher.calls != 1 {
		t.Errorf("publisher calls = %d, want 1", f.publisher.calls)
	}
	if f.publisher.chatIDs[0] != 42 {
		t.Errorf("chatID = %d", f.publisher.chatIDs[0])
	}
	if f.state.Locked() {
		t.Error("lock left held after a successful cycle")
	}
}

func TestApplyFailureKeepsOldAndUnlocks(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "orders.yaml", "name: orders\nhelp: old\nhandler: noop\n")
	if err := f.controller.Apply(context.Background(), Change{
		Audience: "production", Kind: KindCommand, Path: path,
	}); err != nil {
		t.Fatal(err)
	}

	sub := f.events.Subscribe(bus.TopicReloadFailed)
	defer f.events.Unsubscribe(sub)

	f.write(t, "orders.yaml", "name: orders\nhandler: missing\n")
	err := f.controller.Apply(context.Background(), Change{
		Audience: "production", Kind: KindCommand, Path: path,
	})
	if err == nil {
		t.Fatal("expected swap error")
	}

	cmd, ok := f.commands.Get("production", "orders")
	if !ok || cmd.Help != "old" {
		t.Error("failed swap evicted the old definition")
	}
	if f.state.Locked() {
		t.Error("lock leaked after failed cycle")
	}
	select {
	case <-sub.Ch():
	default:
		t.Error("no reload.failed event")
	}
}

func TestApplyUnderExistingLockLeavesItHeld(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "orders.yaml", "name: orders\nhandler: noop\n")

	if !f.state.Lock() {
		t.Fatal("Lock")
	}
	if err := f.controller.Apply(context.Background(), Change{
		Audience: "production", Kind: KindCommand, Path: path,
	}); err != nil {
		t.Fatal(err)
	}
	if !f.state.Locked() {
		t.Error("cycle released a lock it did not take")
	}
}

func TestApplyRemovalUnloadsAndRepublishes(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "orders.yaml", "name: orders\nhandler: noop\n")
	if err := f.controller.Apply(context.Background(), Change{
		Audience: "production", Kind: KindCommand, Path: path,
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.controller.Apply(context.Background(), Change{
		Audience: "production", Kind: KindCommand, Path: path, Removed: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.commands.Get("production", "orders"); ok {
		t.Error("command survived removal")
	}
	if len(f.publisher.last) != 0 {
		t.Errorf("republished %d schemas after removal", len(f.publisher.last))
	}
}

func TestApplyConfigFragmentSkipsRepublish(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "prices.yaml", "iron: 12\ncoal: 3\n")

	if err := f.controller.Apply(context.Background(), Change{
		Kind: KindConfig, Path: path,
	}); err != nil {
		t.Fatal(err)
	}
	if f.publisher.calls != 0 {
		t.Error("config fragment triggered a command republish")
	}
	if got := f.fragments.Get("prices"); got["iron"] != 12 {
		t.Errorf("fragment not loaded: %v", got)
	}

	if err := f.controller.Apply(context.Background(), Change{
		Kind: KindConfig, Path: path, Removed: true,
	}); err != nil {
		t.Fatal(err)
	}
	if f.fragments.Get("prices") != nil {
		t.Error("fragment survived removal")
	}
}

func TestApplyTaskChange(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "sweep.yaml", "name: sweep\ninterval_minutes: 5\nauto_start: true\nhandler: tick\n")

	if err := f.controller.Apply(context.Background(), Change{
		Audience: "production", Kind: KindTask, Path: path,
	}); err != nil {
		t.Fatal(err)
	}
	task, ok := f.tasks.Get("production", "sweep")
	if !ok {
		t.Fatal("task not installed")
	}
	if !task.State().Activated {
		t.Error("auto_start task not activated")
	}
	if f.publisher.calls != 0 {
		t.Error("task change triggered a command republish")
	}
}

func TestLoadAll(t *testing.T) {
	f := newFixture(t)
	cmdDir := filepath.Join(f.dir, "commands")
	taskDir := filepath.Join(f.dir, "tasks")
	for _, d := range []string{cmdDir, taskDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(cmdDir, "orders.yaml"), []byte("name: orders\nhandler: noop\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// One broken definition must not block the rest.
	if err := os.WriteFile(filepath.Join(cmdDir, "broken.yaml"), []byte("name: broken\nhandler: missing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "sweep.yaml"), []byte("name: sweep\ninterval_minutes: 5\nhandler: tick\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sources := []Source{
		{Audience: "production", Kind: KindCommand, Dir: cmdDir},
		{Audience: "production", Kind: KindTask, Dir: taskDir},
		{Kind: KindConfig, Dir: filepath.Join(f.dir, "no-such-dir")},
	}
	if err := f.controller.LoadAll(context.Background(), sources); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if f.commands.Count("production") != 1 {
		t.Errorf("commands = %d, want the one valid definition", f.commands.Count("production"))
	}
	if f.tasks.Count("production") != 1 {
		t.Errorf("tasks = %d", f.tasks.Count("production"))
	}
	if f.publisher.calls != 1 {
		t.Errorf("publisher calls = %d, want one startup publish", f.publisher.calls)
	}
}

func TestWatcherCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.yaml")
	if err := os.WriteFile(path, []byte("name: orders\nhandler: noop\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher([]Source{{Audience: "production", Kind: KindCommand, Dir: dir}},
		100*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("name: orders\nhandler: noop\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	count := 0
	drain := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case change := <-w.Events():
			if change.Audience != "production" || change.Kind != KindCommand {
				t.Errorf("change = %+v", change)
			}
			count++
		case <-drain:
			break loop
		}
	}
	if count != 1 {
		t.Errorf("events = %d, want writes coalesced into 1", count)
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher([]Source{{Audience: "production", Kind: KindCommand, Dir: dir}},
		50*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case change := <-w.Events():
		t.Errorf("unexpected event for %q", change.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPollerDetectsAddModifyRemove(t *testing.T) {
	dir := t.TempDir()
	src := Source{Audience: "production", Kind: KindTask, Dir: dir}
	p := NewPoller([]Source{src}, time.Hour, discardLogger())

	// Pre-existing files form the baseline and emit nothing.
	existing := filepath.Join(dir, "old.yaml")
	if err := os.WriteFile(existing, []byte("name: old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	added := filepath.Join(dir, "new.yaml")
	if err := os.WriteFile(added, []byte("name: new\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.sweep()
	select {
	case change := <-p.Events():
		if change.Path != added || change.Removed {
			t.Errorf("change = %+v", change)
		}
	default:
		t.Fatal("no event for added file")
	}

	// Push the mtime forward explicitly; coarse filesystem timestamps can
	// otherwise swallow a quick rewrite.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(existing, future, future); err != nil {
		t.Fatal(err)
	}
	p.sweep()
	select {
	case change := <-p.Events():
		if change.Path != existing || change.Removed {
			t.Errorf("change = %+v", change)
		}
	default:
		t.Fatal("no event for modified file")
	}

	if err := os.Remove(added); err != nil {
		t.Fatal(err)
	}
	p.sweep()
	select {
	case change := <-p.Events():
		if change.Path != added || !change.Removed {
			t.Errorf("change = %+v", change)
		}
	default:
		t.Fatal("no event for removed file")
	}
}
