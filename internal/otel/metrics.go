package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Quartermaster metrics instruments.
type Metrics struct {
	ReloadTotal      metric.Int64Counter
	ReloadDuration   metric.Float64Histogram
	DispatchTotal    metric.Int64Counter
	DispatchRejected metric.Int64Counter
	TaskRuns         metric.Int64Counter
	TaskRunDuration  metric.Float64Histogram
	TaskSkips        metric.Int64Counter
	ModalCaptures    metric.Int64Counter
	ModalReplays     metric.Int64Counter
	LockWaitDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ReloadTotal, err = meter.Int64Counter("quartermaster.reload.total",
		metric.WithDescription("Hot-reload cycles started"),
	)
	if err != nil {
		return nil, err
	}

	m.ReloadDuration, err = meter.Float64Histogram("quartermaster.reload.duration",
		metric.WithDescription("Reload window duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchTotal, err = meter.Int64Counter("quartermaster.dispatch.total",
		metric.WithDescription("Interactions dispatched to a handler"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchRejected, err = meter.Int64Counter("quartermaster.dispatch.rejected",
		metric.WithDescription("Interactions rejected (locked, unknown, malformed)"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRuns, err = meter.Int64Counter("quartermaster.task.runs",
		metric.WithDescription("Task executions triggered by the runner"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunDuration, err = meter.Float64Histogram("quartermaster.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskSkips, err = meter.Int64Counter("quartermaster.task.skips",
		metric.WithDescription("Task fires skipped by the reentrancy guard"),
	)
	if err != nil {
		return nil, err
	}

	m.ModalCaptures, err = meter.Int64Counter("quartermaster.modal.captures",
		metric.WithDescription("Modal submissions buffered during a reload window"),
	)
	if err != nil {
		return nil, err
	}

	m.ModalReplays, err = meter.Int64Counter("quartermaster.modal.replays",
		metric.WithDescription("Buffered modals replayed to their submitter"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWaitDuration, err = meter.Float64Histogram("quartermaster.lock.wait",
		metric.WithDescription("Time spent waiting for the global lock to clear"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
