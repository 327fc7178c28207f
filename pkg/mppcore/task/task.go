// Package task implements the lifecycle of one MPP fragment: prepare
// from a dispatch request, run the pipeline to completion while routing
// output through the fragment's outgoing tunnels, cancel cooperatively,
// and report hang status to the manager's monitor.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/mppcore/pkg/mppcore/ids"
	"github.com/grafana/mppcore/pkg/mppcore/mpperr"
	"github.com/grafana/mppcore/pkg/mppcore/plansource"
	"github.com/grafana/mppcore/pkg/mppcore/transport"
	"github.com/grafana/mppcore/pkg/mppcore/tunnel"
	"github.com/grafana/mppcore/pkg/mppcore/tunnelset"
)

// Status is the lifecycle state of a Task. Valid transitions are
// Initializing -> Running -> Finished and Initializing|Running ->
// Cancelled; Finished and Cancelled are terminal.
type Status int32

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusFinished
	StatusCancelled
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Test-mode timeouts, selected by a negative request timeout.
const (
	testModeAttachTimeout  = 5 * time.Second
	testModeRunningTimeout = 10 * time.Second
)

// runningTimeoutSlack is added to a positive request timeout to form
// the running timeout, so a producer is reported hanging strictly
// after its attach deadline has passed.
const runningTimeoutSlack = 30 * time.Second

// Registry is the subset of the TaskManager a Task interacts with. It
// is an interface so the task package does not depend on the manager
// package that constructs it.
type Registry interface {
	// Register inserts the task, returning false on collision.
	Register(t *Task) bool
	// Unregister removes the task. Removing an unknown task is a no-op.
	Unregister(t *Task)
}

// Settings holds the per-process knobs a Task is created with. The
// zero value is usable; fields left zero fall back to defaults.
type Settings struct {
	// WaitingTimeout is the hang threshold applied while the task has
	// produced no rows yet. Zero disables waiting-hang detection.
	WaitingTimeout time.Duration
	// RunningTimeout, when nonzero, overrides the request-derived hang
	// threshold applied after the first row.
	RunningTimeout time.Duration
	// TunnelBufferDepth bounds each outgoing tunnel's chunk buffer.
	TunnelBufferDepth int
	// RecordsPerChunk is both the pipeline's requested batch size and
	// the tunnel set's flush threshold.
	RecordsPerChunk int64
	// Registerer, when non-nil, receives the tunnel set's metrics for
	// the lifetime of the task.
	Registerer prometheus.Registerer
}

// Task owns one fragment's lifecycle, pipeline, progress counter and
// error slot.
type Task struct {
	ID ids.TaskID

	logger   log.Logger
	registry Registry
	source   plansource.PlanSource
	settings Settings

	status   atomic.Int32
	progress atomic.Uint64

	attachTimeout  time.Duration
	runningTimeout time.Duration
	waitingTimeout time.Duration

	// mu guards the fields assembled during Prepare, which Cancel and
	// the transport's attach path may observe concurrently.
	mu       sync.Mutex
	err      error
	tunnels  map[ids.TunnelID]*tunnel.Tunnel
	set      *tunnelset.Set
	pipeline plansource.Pipeline
	pctx     context.Context
	abort    context.CancelFunc

	// hangMu guards the no-progress clock, touched only by the monitor.
	hangMu          sync.Mutex
	lastSeen        uint64
	noProgressSince time.Time

	compileTime atomic.Duration
	memoryPeak  atomic.Uint64
}

// New builds a Task in the Initializing state. It is inert until
// Prepare is called.
func New(id ids.TaskID, registry Registry, source plansource.PlanSource, settings Settings, logger log.Logger) *Task {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Task{
		ID:       id,
		logger:   log.With(logger, "task", id.String()),
		registry: registry,
		source:   source,
		settings: settings,
		tunnels:  make(map[ids.TunnelID]*tunnel.Tunnel),
	}
}

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// Progress returns the number of rows the pipeline has produced so far.
func (t *Task) Progress() uint64 { return t.progress.Load() }

// Err returns the first fatal error captured by the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// CompileTime returns the wall-clock duration of the Prepare call.
func (t *Task) CompileTime() time.Duration { return t.compileTime.Load() }

// MemoryPeak returns the highest heap usage observed at the task's
// exit paths. Observation only.
func (t *Task) MemoryPeak() uint64 { return t.memoryPeak.Load() }

// Tunnel returns the outgoing tunnel with the given id, used by the
// transport when a downstream peer connects.
func (t *Task) Tunnel(id ids.TunnelID) (*tunnel.Tunnel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tn, ok := t.tunnels[id]
	return tn, ok
}

// timeoutsFromRequest derives the attach and running timeouts from the
// request's timeout field, given in seconds. Negative selects the
// fixed test-mode pair, zero disables both, positive sets the attach
// timeout directly and pads the running timeout past it.
func timeoutsFromRequest(seconds int64) (attach, running time.Duration) {
	switch {
	case seconds < 0:
		return testModeAttachTimeout, testModeRunningTimeout
	case seconds == 0:
		return 0, 0
	default:
		attach = time.Duration(seconds) * time.Second
		return attach, attach + runningTimeoutSlack
	}
}

// Prepare decodes the request, registers the task and its outgoing
// tunnels, and builds the pipeline. It is synchronous and may block
// for a long time during pipeline construction. Any failure after
// registration rolls back: the task is unregistered and every tunnel
// already created is closed, so no half-registered state survives.
func (t *Task) Prepare(ctx context.Context, req *transport.DispatchRequest) (err error) {
	start := time.Now()
	defer func() {
		if err == nil {
			t.compileTime.Store(time.Since(start))
		}
	}()

	if err := plansource.ValidateRegions(req.Regions); err != nil {
		return err
	}

	plan, err := t.source.Decode(req.EncodedPlan)
	if err != nil {
		if !errors.Is(err, mpperr.ErrBadRequest) {
			err = fmt.Errorf("%w: %v", mpperr.ErrBadRequest, err)
		}
		return err
	}
	if len(plan.Exchange.Destinations) == 0 {
		return fmt.Errorf("%w: plan has no exchange destinations", mpperr.ErrBadRequest)
	}

	t.attachTimeout, t.runningTimeout = timeoutsFromRequest(req.Timeout)
	if t.settings.RunningTimeout > 0 {
		t.runningTimeout = t.settings.RunningTimeout
	}
	t.waitingTimeout = t.settings.WaitingTimeout

	psettings := plansource.Settings{
		ReadTimestamp:   req.Meta.StartTS,
		SchemaVersion:   req.SchemaVer,
		RecordsPerChunk: t.settings.RecordsPerChunk,
	}

	if !t.registry.Register(t) {
		return fmt.Errorf("%w: %s", mpperr.ErrDuplicateTask, t.ID)
	}
	defer func() {
		if err != nil {
			t.rollback(err)
		}
	}()

	tunnels := make([]*tunnel.Tunnel, 0, len(plan.Exchange.Destinations))
	for _, dest := range plan.Exchange.Destinations {
		id := ids.TunnelID{Sender: t.ID, Receiver: dest}
		tn := tunnel.New(id, t.attachTimeout, t.settings.TunnelBufferDepth, t.logger)
		tunnels = append(tunnels, tn)
	}

	set, err := tunnelset.New(tunnelset.Settings{
		Policy:            plan.Exchange.Policy,
		PartitionColumns:  plan.Exchange.PartitionColumns,
		Encoding:          plan.Exchange.Encoding,
		ChunkRowThreshold: t.settings.RecordsPerChunk,
		Schema:            plan.Schema,
	}, tunnels, t.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", mpperr.ErrBadRequest, err)
	}
	if t.settings.Registerer != nil {
		if rerr := set.Register(t.settings.Registerer); rerr != nil {
			level.Warn(t.logger).Log("msg", "registering tunnel set metrics", "err", rerr)
		}
	}

	pctx, abort := context.WithCancel(context.WithoutCancel(ctx))

	t.mu.Lock()
	for _, tn := range tunnels {
		t.tunnels[tn.ID] = tn
	}
	t.set = set
	t.pctx = pctx
	t.abort = abort
	t.mu.Unlock()

	// This may take a long time.
	pipeline, err := t.source.Build(pctx, plan, req.Regions, psettings)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	t.mu.Lock()
	t.pipeline = pipeline
	cancelled := t.Status() == StatusCancelled
	t.mu.Unlock()

	if cancelled {
		pipeline.Close()
		return mpperr.ErrCancelled
	}
	return nil
}

// rollback undoes a partially-completed Prepare after registration.
func (t *Task) rollback(cause error) {
	t.mu.Lock()
	tunnels := t.tunnels
	t.tunnels = make(map[ids.TunnelID]*tunnel.Tunnel)
	set := t.set
	t.set = nil
	abort := t.abort
	t.mu.Unlock()

	for _, tn := range tunnels {
		tn.Close(cause)
	}
	if abort != nil {
		abort()
	}
	if set != nil && t.settings.Registerer != nil {
		set.Unregister(t.settings.Registerer)
	}
	t.registry.Unregister(t)
}

// Run drives the pipeline to completion. It does not run the pipeline
// unless the task is still Initializing; a task cancelled before Run
// only has its pipeline, tunnel set metrics and registry entry
// released, and any other status returns without effect. Every exit
// path that starts the pipeline, and the cancelled-before-run path,
// unregisters the task and records peak memory.
func (t *Task) Run(ctx context.Context) {
	if !t.status.CompareAndSwap(int32(StatusInitializing), int32(StatusRunning)) {
		// Cancelled before the worker picked the task up; the pipeline,
		// metrics, and registry entry still need releasing.
		if t.Status() == StatusCancelled {
			t.observeMemoryPeak()
			t.mu.Lock()
			set := t.set
			pipeline := t.pipeline
			t.mu.Unlock()
			if set != nil && t.settings.Registerer != nil {
				set.Unregister(t.settings.Registerer)
			}
			t.registry.Unregister(t)
			if pipeline != nil {
				pipeline.Close()
			}
		}
		return
	}

	t.mu.Lock()
	set := t.set
	pipeline := t.pipeline
	pctx := t.pctx
	t.mu.Unlock()

	defer func() {
		t.observeMemoryPeak()
		if set != nil && t.settings.Registerer != nil {
			set.Unregister(t.settings.Registerer)
		}
		t.registry.Unregister(t)
		if pipeline != nil {
			pipeline.Close()
		}
	}()

	if set == nil || pipeline == nil {
		t.fail(set, fmt.Errorf("%w: task was not prepared", mpperr.ErrPipelineFatal))
		return
	}

	err := t.runLoop(pctx, set, pipeline)
	switch {
	case err == nil:
		if ferr := set.Finish(pctx); ferr != nil {
			t.fail(set, ferr)
			return
		}
		t.status.CompareAndSwap(int32(StatusRunning), int32(StatusFinished))
		level.Debug(t.logger).Log("msg", "task finished", "rows", t.Progress(), "compile_time", t.CompileTime())

	case t.Status() == StatusCancelled:
		// Cancel already closed the tunnels; the error here is just the
		// pipeline observing the abort.
		level.Debug(t.logger).Log("msg", "task run exited after cancellation", "err", err)

	default:
		t.fail(set, err)
	}
}

// runLoop pulls batches from the pipeline and routes them into the
// tunnel set, counting rows. A panic anywhere below is trapped here
// and converted into a fatal error.
func (t *Task) runLoop(ctx context.Context, set *tunnelset.Set, pipeline plansource.Pipeline) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", mpperr.ErrPipelineFatal, r)
		}
	}()

	for {
		rec, rerr := pipeline.Read(ctx)
		if errors.Is(rerr, plansource.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%w: %v", mpperr.ErrPipelineFatal, rerr)
		}

		t.progress.Add(uint64(rec.NumRows()))
		if werr := set.Route(ctx, rec); werr != nil {
			return werr
		}
	}
}

// fail records the first fatal error and broadcasts it to every
// outgoing tunnel. Later errors are logged, not re-broadcast.
func (t *Task) fail(set *tunnelset.Set, cause error) {
	t.mu.Lock()
	first := t.err == nil
	if first {
		t.err = cause
	}
	t.mu.Unlock()

	if !first {
		level.Warn(t.logger).Log("msg", "dropping subsequent task error", "err", cause)
		return
	}

	level.Warn(t.logger).Log("msg", "task failed", "err", cause)
	if set != nil {
		set.CloseAll(cause)
	}
	t.status.CompareAndSwap(int32(StatusRunning), int32(StatusFinished))
}

// Cancel performs a query-level cancellation. It is idempotent, safe
// from any goroutine, and does not wait for Run to exit: the pipeline
// observes cancellation through its aborted context, and blocked
// tunnel writers are woken by the tunnel closures.
func (t *Task) Cancel(reason error) {
	for {
		s := t.Status()
		if s == StatusFinished || s == StatusCancelled {
			return
		}
		// Status moves first so a concurrent Run observes the change
		// before any stream is touched.
		if t.status.CompareAndSwap(int32(s), int32(StatusCancelled)) {
			break
		}
	}

	if reason == nil {
		reason = mpperr.ErrCancelled
	}
	level.Info(t.logger).Log("msg", "cancelling task", "reason", reason)

	t.mu.Lock()
	if t.err == nil {
		t.err = reason
	}
	abort := t.abort
	set := t.set
	tunnels := make([]*tunnel.Tunnel, 0, len(t.tunnels))
	for _, tn := range t.tunnels {
		tunnels = append(tunnels, tn)
	}
	t.mu.Unlock()

	if abort != nil {
		abort()
	}
	if set != nil {
		set.CloseAll(reason)
	} else {
		for _, tn := range tunnels {
			tn.Close(reason)
		}
	}
}

// IsHanging reports whether the task is Running but has made no
// progress for longer than its applicable timeout: the waiting
// threshold while no rows have been produced, the running threshold
// afterward. The no-progress clock starts on the first observation of
// an unchanged counter and resets whenever progress advances.
func (t *Task) IsHanging(now time.Time) bool {
	if t.Status() != StatusRunning {
		return false
	}

	cur := t.progress.Load()

	t.hangMu.Lock()
	defer t.hangMu.Unlock()

	if cur != t.lastSeen || t.noProgressSince.IsZero() {
		if cur != t.lastSeen {
			t.lastSeen = cur
		}
		t.noProgressSince = now
		return false
	}

	timeout := t.runningTimeout
	if cur == 0 {
		timeout = t.waitingTimeout
	}
	if timeout <= 0 {
		return false
	}
	return now.Sub(t.noProgressSince) > timeout
}

// observeMemoryPeak samples heap usage and keeps the maximum seen.
// Observation only; never a correctness gate.
func (t *Task) observeMemoryPeak() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	for {
		prev := t.memoryPeak.Load()
		if ms.HeapInuse <= prev || t.memoryPeak.CompareAndSwap(prev, ms.HeapInuse) {
			return
		}
	}
}
