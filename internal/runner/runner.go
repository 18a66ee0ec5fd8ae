// Package runner drives task execution off a fixed tick. Each tick scans
// every audience's tasks in load order and fires the ones whose time has
// elapsed, strictly one at a time.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/quartermaster/internal/bus"
	qmotel "github.com/basket/quartermaster/internal/otel"
	"github.com/basket/quartermaster/internal/registry"
)

// Config holds the dependencies for the runner.
type Config struct {
	Tasks    *registry.Tasks
	Handlers *registry.HandlerContext
	Events   *bus.Bus
	Metrics  *qmotel.Metrics
	Provider *qmotel.Provider
	Logger   *slog.Logger
	Location *time.Location
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Runner periodically scans the task catalog and executes due tasks.
type Runner struct {
	tasks    *registry.Tasks
	handlers *registry.HandlerContext
	events   *bus.Bus
	metrics  *qmotel.Metrics
	provider *qmotel.Provider
	logger   *slog.Logger
	loc      *time.Location
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner with the given config.
func New(cfg Config) *Runner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{
		tasks:    cfg.Tasks,
		handlers: cfg.Handlers,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		provider: cfg.Provider,
		logger:   logger,
		loc:      loc,
		interval: interval,
	}
}

// Start begins the tick loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("task runner started", "interval", r.interval)
}

// Stop cancels the tick loop and waits for any in-flight task to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Scan immediately on startup so run-on-start tasks fire without
	// waiting out the first interval.
	r.Tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx, time.Now())
		}
	}
}

// Tick scans every audience in load order and fires due tasks
// sequentially. A slow task delays later ones within the same tick rather
// than overlapping them.
func (r *Runner) Tick(ctx context.Context, now time.Time) {
	for _, audience := range r.tasks.Audiences() {
		for _, task := range r.tasks.Ordered(audience) {
			if ctx.Err() != nil {
				return
			}
			if !task.Due(now) {
				continue
			}
			r.fire(ctx, audience, task, now)
		}
	}
}

// fire executes one due task. Handler failures are logged and contained;
// a failing task stays scheduled and retries on its next recurrence.
func (r *Runner) fire(ctx context.Context, audience string, task *registry.Task, now time.Time) {
	name := task.Data.Name

	if !task.TryBeginRun() {
		r.logger.Warn("task still running, skipping fire", "audience", audience, "task", name)
		if r.events != nil {
			r.events.Publish(bus.TopicTaskSkipped, bus.TaskEvent{
				Audience: audience, Name: name, Reason: "previous run still executing",
			})
		}
		if r.metrics != nil {
			r.metrics.TaskSkips.Add(ctx, 1, metric.WithAttributes(
				qmotel.AttrAudience.String(audience), qmotel.AttrTaskName.String(name)))
		}
		return
	}

	runCtx := ctx
	var endSpan func()
	if r.provider != nil {
		spanCtx, span := qmotel.StartSpan(ctx, r.provider.Tracer, "task.run",
			qmotel.AttrAudience.String(audience), qmotel.AttrTaskName.String(name))
		runCtx = spanCtx
		endSpan = func() { span.End() }
	}

	start := time.Now()
	err := r.runTask(runCtx, task)
	elapsed := time.Since(start)
	if endSpan != nil {
		endSpan()
	}

	if r.metrics != nil {
		attrs := metric.WithAttributes(
			qmotel.AttrAudience.String(audience), qmotel.AttrTaskName.String(name))
		r.metrics.TaskRuns.Add(ctx, 1, attrs)
		r.metrics.TaskRunDuration.Record(ctx, elapsed.Seconds(), attrs)
	}

	if err != nil {
		r.logger.Error("task run failed", "audience", audience, "task", name,
			"duration", elapsed, "error", err)
		if r.events != nil {
			r.events.Publish(bus.TopicTaskFailed, bus.TaskEvent{
				Audience: audience, Name: name, Reason: err.Error(),
			})
		}
	} else {
		r.logger.Info("task ran", "audience", audience, "task", name, "duration", elapsed)
		if r.events != nil {
			r.events.Publish(bus.TopicTaskFired, bus.TaskEvent{Audience: audience, Name: name})
		}
	}

	exhausted, finishErr := task.FinishRun(now, r.loc)
	if finishErr != nil {
		r.logger.Error("task reschedule failed, deactivated", "audience", audience,
			"task", name, "error", finishErr)
	}
	if exhausted {
		r.logger.Info("task repeat count exhausted", "audience", audience, "task", name)
		if r.events != nil {
			r.events.Publish(bus.TopicTaskExhausted, bus.TaskEvent{Audience: audience, Name: name})
		}
	}
}

// runTask invokes the task entry point, converting a panic into an
// error. The tick loop shares a goroutine across every task; an
// escaping panic would take all of them down.
func (r *Runner) runTask(ctx context.Context, task *registry.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return task.Run(ctx, task, r.handlers)
}
