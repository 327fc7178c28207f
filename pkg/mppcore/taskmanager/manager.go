// Package taskmanager implements the process-wide registry of MPP
// tasks and the background hang monitor that cancels queries whose
// fragments stop making progress.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/mpperr"
	"github.com/grafana/mppcore/pkg/mppcore/plansource"
	"github.com/grafana/mppcore/pkg/mppcore/task"
	"github.com/grafana/mppcore/pkg/mppcore/transport"
	"github.com/grafana/mppcore/pkg/mppcore/tunnel"
)

const (
	// DefaultMonitorInterval is how often the hang monitor ticks.
	DefaultMonitorInterval = time.Second
	// DefaultWaitingTimeout is the hang threshold applied to tasks that
	// have produced no rows yet.
	DefaultWaitingTimeout = time.Minute
)

var errShuttingDown = errors.New("mpp task manager shutting down")

// Settings holds the process-wide knobs of a Manager. The zero value
// is usable; zero fields fall back to defaults.
type Settings struct {
	// MonitorInterval is the hang monitor's tick period.
	MonitorInterval time.Duration
	// WaitingTimeout is the hang threshold while a task has produced no
	// rows.
	WaitingTimeout time.Duration
	// RunningTimeout, when nonzero, overrides the request-derived hang
	// threshold applied after a task's first row.
	RunningTimeout time.Duration
	// TunnelBufferDepth bounds each outgoing tunnel's chunk buffer.
	TunnelBufferDepth int
	// RecordsPerChunk is the pipeline batch size and tunnel flush
	// threshold handed to every task.
	RecordsPerChunk int64
	// Registerer, when non-nil, receives each task's tunnel set metrics
	// for the task's lifetime.
	Registerer prometheus.Registerer
}

func (s Settings) withDefaults() Settings {
	if s.MonitorInterval <= 0 {
		s.MonitorInterval = DefaultMonitorInterval
	}
	if s.WaitingTimeout <= 0 {
		s.WaitingTimeout = DefaultWaitingTimeout
	}
	return s
}

// Manager is the process-wide registry of live tasks, keyed by
// (QueryID, TaskID), plus the hang monitor. One Manager exists per
// host process, constructed at startup and injected into the
// transport. It implements both task.Registry and transport.Core.
type Manager struct {
	logger   log.Logger
	settings Settings
	source   plansource.PlanSource
	metrics  *metrics

	mu      sync.Mutex
	queries map[ids.QueryID]map[ids.TaskID]*task.Task

	svc services.Service
	wg  sync.WaitGroup
}

var (
	_ task.Registry  = (*Manager)(nil)
	_ transport.Core = (*Manager)(nil)
)

// New builds a Manager over the given plan source. Use
// [Manager.Service] to manage the lifecycle of the hang monitor.
func New(source plansource.PlanSource, settings Settings, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	settings = settings.withDefaults()

	m := &Manager{
		logger:   logger,
		settings: settings,
		source:   source,
		metrics:  newMetrics(),
		queries:  make(map[ids.QueryID]map[ids.TaskID]*task.Task),
	}
	m.svc = services.
		NewTimerService(settings.MonitorInterval, nil, m.monitorTick, m.stopping).
		WithName("mpp task hang monitor")
	return m
}

// Service returns the service used to manage the lifecycle of the
// hang monitor. Dispatch works whether or not the service is running;
// without it, hanging queries are simply never reaped.
func (m *Manager) Service() services.Service { return m.svc }

// RegisterMetrics registers metrics about m to report to reg.
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) error {
	return m.metrics.Register(reg)
}

// UnregisterMetrics unregisters metrics about m from reg.
func (m *Manager) UnregisterMetrics(reg prometheus.Registerer) {
	m.metrics.Unregister(reg)
}

// Dispatch accepts one plan fragment: it constructs a task, prepares
// it synchronously, and on success launches its run on a worker
// goroutine. The response carries the first fatal captured during
// prepare, or ok, meaning accepted and launched, not completed.
func (m *Manager) Dispatch(ctx context.Context, req *transport.DispatchRequest) *transport.DispatchResponse {
	start := time.Now()
	defer func() {
		m.metrics.dispatchSeconds.Observe(time.Since(start).Seconds())
	}()

	trace := ulid.Make()
	logger := log.With(m.logger, "dispatch", trace.String())

	t := task.New(req.Meta.TaskID(), m, m.source, task.Settings{
		WaitingTimeout:    m.settings.WaitingTimeout,
		RunningTimeout:    m.settings.RunningTimeout,
		TunnelBufferDepth: m.settings.TunnelBufferDepth,
		RecordsPerChunk:   m.settings.RecordsPerChunk,
		Registerer:        m.settings.Registerer,
	}, logger)

	if err := t.Prepare(ctx, req); err != nil {
		m.metrics.dispatchErrorsTotal.Inc()
		level.Warn(logger).Log("msg", "dispatch rejected", "task", t.ID.String(), "err", err)
		return &transport.DispatchResponse{Error: err.Error()}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.Run(context.Background())
	}()

	level.Debug(logger).Log("msg", "task dispatched", "task", t.ID.String(), "compile_time", t.CompileTime())
	return &transport.DispatchResponse{}
}

// Register implements task.Registry. It returns false on collision.
func (m *Manager) Register(t *task.Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, ok := m.queries[t.ID.Query]
	if !ok {
		tasks = make(map[ids.TaskID]*task.Task)
		m.queries[t.ID.Query] = tasks
	}
	if _, exists := tasks[t.ID]; exists {
		return false
	}
	tasks[t.ID] = t
	m.metrics.tasksActive.Inc()
	return true
}

// Unregister implements task.Registry. The query entry is dropped once
// its last task is removed.
func (m *Manager) Unregister(t *task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, ok := m.queries[t.ID.Query]
	if !ok {
		return
	}
	if _, exists := tasks[t.ID]; !exists {
		return
	}
	delete(tasks, t.ID)
	m.metrics.tasksActive.Dec()
	if len(tasks) == 0 {
		delete(m.queries, t.ID.Query)
	}
}

// Find returns the registered task with the given id.
func (m *Manager) Find(q ids.QueryID, id ids.TaskID) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, ok := m.queries[q]
	if !ok {
		return nil, false
	}
	t, ok := tasks[id]
	return t, ok
}

// Attach connects a downstream peer to the identified tunnel of its
// producer task. Called by the transport when a peer's RPC arrives.
func (m *Manager) Attach(ctx context.Context, id ids.TunnelID) (tunnel.Receiver, error) {
	t, ok := m.Find(id.Sender.Query, id.Sender)
	if !ok {
		return nil, fmt.Errorf("%w: %s", mpperr.ErrTaskNotFound, id.Sender)
	}
	tn, ok := t.Tunnel(id)
	if !ok {
		return nil, fmt.Errorf("%w: task %s has no tunnel %s", mpperr.ErrTaskNotFound, t.ID, id)
	}
	return tn.Attach(ctx)
}

// CancelQuery cancels every task of the query. The task set is
// snapshotted under the lock; the cancellations themselves run
// without it, fanned out concurrently.
func (m *Manager) CancelQuery(q ids.QueryID, reason error) {
	tasks := m.Tasks(q)
	if len(tasks) == 0 {
		return
	}
	level.Info(m.logger).Log("msg", "cancelling query", "query", q.String(), "tasks", len(tasks), "reason", reason)

	var g errgroup.Group
	for _, t := range tasks {
		g.Go(func() error {
			t.Cancel(reason)
			return nil
		})
	}
	_ = g.Wait()
	m.metrics.queriesCancelledTotal.Inc()
}

// QueryIDs returns the ids of all queries with live tasks, in
// ascending order.
func (m *Manager) QueryIDs() []ids.QueryID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ids.QueryID, 0, len(m.queries))
	for q := range m.queries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tasks returns the query's live tasks, copied out under the lock.
func (m *Manager) Tasks(q ids.QueryID) []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := m.queries[q]
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	return out
}

// monitorTick is one pass of the hang monitor: snapshot queries, then
// tasks, and cancel any query with a hanging task. It always returns
// nil; failures are logged so the monitor keeps running.
func (m *Manager) monitorTick(context.Context) error {
	now := time.Now()
	for _, q := range m.QueryIDs() {
		for _, t := range m.Tasks(q) {
			if !m.taskIsHanging(t, now) {
				continue
			}
			level.Warn(m.logger).Log("msg", "hanging task detected", "query", q.String(), "task", t.ID.String(), "rows", t.Progress())
			m.metrics.hangCancelsTotal.Inc()
			m.CancelQuery(q, mpperr.ErrHanging)
			break
		}
	}
	return nil
}

// taskIsHanging shields the monitor from a panicking task: one bad
// task must not kill the monitor goroutine.
func (m *Manager) taskIsHanging(t *task.Task, now time.Time) (hanging bool) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(m.logger).Log("msg", "hang check panicked", "task", t.ID.String(), "panic", r)
			hanging = false
		}
	}()
	return t.IsHanging(now)
}

// stopping cancels everything still registered and waits for the
// launched run goroutines to drain before the monitor service reports
// terminated.
func (m *Manager) stopping(_ error) error {
	for _, q := range m.QueryIDs() {
		m.CancelQuery(q, errShuttingDown)
	}
	m.wg.Wait()
	return nil
}
