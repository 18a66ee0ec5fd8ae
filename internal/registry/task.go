package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/quartermaster/internal/clock"
)

// TaskData is the declarative half of a task definition.
type TaskData struct {
	Name       string
	Recurrence clock.Recurrence
	AutoStart  bool
	RunOnStart bool

	// Repeat is how many times the task fires before deactivating.
	// 0 means unbounded.
	Repeat int

	// KeepStateOnReload preserves nextFireAt/remainingRepeats (and the
	// activation flag they only make sense with) across a reload.
	KeepStateOnReload bool
}

// Task is a loaded task definition plus its runtime scheduling state.
// Runtime fields are guarded by the task's own mutex; the catalogs only
// guard their maps.
type Task struct {
	Data TaskData
	Run  TaskFunc

	mu               sync.Mutex
	activated        bool
	nextFireAt       *time.Time // nil = absent; zero time = fire immediately
	remainingRepeats int        // 0 = unbounded
	running          bool
}

// Activate moves the task to the activated state and computes its first
// fire time. With RunOnStart the task fires on the next tick; otherwise
// the recurrence must be computable or activation fails and the task
// stays inactive.
func (t *Task) Activate(now time.Time, loc *time.Location) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var next time.Time
	if t.Data.RunOnStart {
		// Zero time: already elapsed, fires on the first scan.
	} else {
		computed, err := clock.NextFire(now, t.Data.Recurrence, loc)
		if err != nil {
			return fmt.Errorf("activate task %q: %w", t.Data.Name, err)
		}
		next = computed
	}

	t.activated = true
	t.nextFireAt = &next
	if t.Data.Repeat > 0 {
		t.remainingRepeats = t.Data.Repeat
	} else {
		t.remainingRepeats = 0
	}
	return nil
}

// Deactivate clears the activation flag and the pending fire time.
func (t *Task) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activated = false
	t.nextFireAt = nil
}

// Due reports whether the task should fire at now.
func (t *Task) Due(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activated && t.nextFireAt != nil && !t.nextFireAt.After(now)
}

// TryBeginRun sets the reentrancy guard. It returns false when a previous
// run is still executing; the caller skips (and logs) the fire.
func (t *Task) TryBeginRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	t.running = true
	return true
}

// FinishRun clears the reentrancy guard and performs repeat bookkeeping:
// the final repeat deactivates the task, otherwise the next fire time is
// recomputed. A recompute failure force-deactivates so a stale fire time
// can never re-trigger immediately. It returns (exhausted, err).
func (t *Task) FinishRun(now time.Time, loc *time.Location) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false

	if t.remainingRepeats == 1 {
		t.activated = false
		t.nextFireAt = nil
		return true, nil
	}
	if t.remainingRepeats > 1 {
		t.remainingRepeats--
	}

	if !t.activated {
		return false, nil
	}

	next, err := clock.NextFire(now, t.Data.Recurrence, loc)
	if err != nil {
		t.activated = false
		t.nextFireAt = nil
		return false, fmt.Errorf("reschedule task %q: %w", t.Data.Name, err)
	}
	t.nextFireAt = &next
	return false, nil
}

// TaskState is a point-in-time copy of the runtime fields.
type TaskState struct {
	Activated        bool
	NextFireAt       *time.Time
	RemainingRepeats int
	Running          bool
}

// State returns a snapshot of the runtime fields.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var next *time.Time
	if t.nextFireAt != nil {
		cp := *t.nextFireAt
		next = &cp
	}
	return TaskState{
		Activated:        t.activated,
		NextFireAt:       next,
		RemainingRepeats: t.remainingRepeats,
		Running:          t.running,
	}
}

// adoptState carries the surviving runtime fields from a replaced task
// when KeepStateOnReload is set.
func (t *Task) adoptState(old *Task) {
	old.mu.Lock()
	state := TaskState{
		Activated:        old.activated,
		NextFireAt:       old.nextFireAt,
		RemainingRepeats: old.remainingRepeats,
	}
	old.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.activated = state.Activated
	t.nextFireAt = state.NextFireAt
	t.remainingRepeats = state.RemainingRepeats
}

// taskFile is the on-disk YAML shape of a task definition.
type taskFile struct {
	Name              string   `yaml:"name"`
	IntervalMinutes   int      `yaml:"interval_minutes"`
	Times             []string `yaml:"times"`
	Cron              string   `yaml:"cron"`
	AutoStart         bool     `yaml:"auto_start"`
	RunOnStart        bool     `yaml:"run_on_start"`
	Repeat            int      `yaml:"repeat"`
	KeepStateOnReload bool     `yaml:"keep_state_on_reload"`
	Handler           string   `yaml:"handler"`
}

// parseTaskFile reads and fully validates one task definition. Nothing is
// installed here.
func parseTaskFile(path string, table *HandlerTable) (*Task, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat definition: %w", err)
	}
	if fi.Size() > maxDefinitionSize {
		return nil, fmt.Errorf("definition too large: %d bytes (max %d)", fi.Size(), maxDefinitionSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	var file taskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	if strings.TrimSpace(file.Name) == "" {
		return nil, fmt.Errorf("%s: missing name", filepath.Base(path))
	}
	if file.Handler == "" {
		return nil, fmt.Errorf("task %q: missing handler", file.Name)
	}
	run, ok := table.Task(file.Handler)
	if !ok {
		return nil, fmt.Errorf("task %q: unknown handler %q", file.Name, file.Handler)
	}
	if file.Repeat < 0 {
		return nil, fmt.Errorf("task %q: negative repeat", file.Name)
	}

	rec := clock.Recurrence{
		IntervalMinutes: file.IntervalMinutes,
		Times:           file.Times,
		Cron:            file.Cron,
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("task %q: %w", file.Name, err)
	}

	return &Task{
		Data: TaskData{
			Name:              file.Name,
			Recurrence:        rec,
			AutoStart:         file.AutoStart,
			RunOnStart:        file.RunOnStart,
			Repeat:            file.Repeat,
			KeepStateOnReload: file.KeepStateOnReload,
		},
		Run: run,
	}, nil
}
