// Package unit drives a task through its setup, task and closure phases
// under a chosen execution mode: in-process or separate-process,
// blocking or cooperative.
package unit

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"taskplane/internal/logger"
	"taskplane/internal/proc"
	"taskplane/internal/task"
	"taskplane/pkg/dispatch"
)

// PhaseFunc is a blocking setup or closure callable bound to a unit.
type PhaseFunc func(kw task.Kwargs) error

// CoopPhaseFunc is the cooperative form of PhaseFunc. Registering one
// switches the unit's execution mode to cooperative.
type CoopPhaseFunc func(ctx context.Context, kw task.Kwargs) error

// Config holds construction-time settings for a processing unit.
type Config struct {
	Name string

	// SeparateProcess runs the task phase in an isolated OS process
	// via the unit's process handle.
	SeparateProcess bool
	// Daemon marks the isolated process as detached from this one.
	Daemon bool

	AllowSetup   bool
	AllowClosure bool
	// AwaitClosure, in separate-process mode, waits for the process to
	// exit before running closure. When false the closure races the
	// process and a warning is emitted.
	AwaitClosure bool

	// PollInterval is the suspension interval of the cooperative join
	// loops. Zero reschedules immediately.
	PollInterval time.Duration

	// Backend and Dispatcher configure the process handle; both are
	// optional and only meaningful with SeparateProcess.
	Backend    proc.Backend
	Dispatcher []string

	Logger *slog.Logger
}

// Unit owns exactly one task object and, optionally, one isolated
// process handle, and executes the phase sequence setup, task, closure
// according to its flags.
//
// A unit is not internally guarded: re-invoking Run or Start before the
// previous execution has joined is a caller error.
type Unit struct {
	name string
	task task.Task
	proc *proc.Handle
	cfg  Config
	mode task.ExecMode
	log  *slog.Logger

	setup         PhaseFunc
	setupCoop     CoopPhaseFunc
	setupKwargs   task.Kwargs
	closure       PhaseFunc
	closureCoop   CoopPhaseFunc
	closureKwargs task.Kwargs

	// joined flips false at dispatch and true only once the full
	// allowed phase sequence completes. processing tracks in-process
	// execution; separate-process liveness is read off the handle.
	joined     atomic.Bool
	processing atomic.Bool

	executions   metric.Int64Counter
	raceWarnings metric.Int64Counter
}

// New creates a processing unit owning t. The task must not be nil.
func New(t task.Task, cfg Config) *Unit {
	u := &Unit{
		name: cfg.Name,
		task: t,
		cfg:  cfg,
		log:  cfg.Logger,
	}
	if u.name == "" && t != nil {
		u.name = t.Name()
	}
	if u.log == nil {
		u.log = logger.Nop()
	}
	u.log = u.log.With("unit", u.name)
	u.joined.Store(true)

	if cfg.SeparateProcess {
		u.proc = u.newHandle(u.name, cfg.Daemon)
	}

	meter := otel.Meter("taskplane-unit")
	u.executions, _ = meter.Int64Counter("taskplane_unit_executions_total")
	u.raceWarnings, _ = meter.Int64Counter("taskplane_closure_race_warnings_total")

	u.recomputeMode()
	return u
}

func (u *Unit) newHandle(name string, daemon bool) *proc.Handle {
	opts := []proc.Option{proc.WithLogger(u.log)}
	if u.cfg.Backend != nil {
		opts = append(opts, proc.WithBackend(u.cfg.Backend))
	}
	if u.cfg.Dispatcher != nil {
		opts = append(opts, proc.WithDispatcher(u.cfg.Dispatcher))
	}
	return proc.New(proc.Config{Name: name, Daemon: proc.Bool(daemon)}, opts...)
}

// recomputeMode derives the execution mode once, at configuration time.
// The unit is cooperative when a cooperative setup or closure callable
// is registered, or when it is in-process and its task is cooperative.
func (u *Unit) recomputeMode() {
	switch {
	case u.setupCoop != nil || u.closureCoop != nil:
		u.mode = task.Cooperative
	case !u.cfg.SeparateProcess && u.task != nil && u.task.Mode() == task.Cooperative:
		u.mode = task.Cooperative
	default:
		u.mode = task.Blocking
	}
}

// Name returns the unit's name.
func (u *Unit) Name() string { return u.name }

// Mode reports the cached execution mode.
func (u *Unit) Mode() task.ExecMode { return u.mode }

// Task returns the owned task object.
func (u *Unit) Task() task.Task { return u.task }

// SetTask replaces the owned task object. Swapping the task while the
// unit is processing is a caller error.
func (u *Unit) SetTask(t task.Task) {
	u.task = t
	u.recomputeMode()
}

// Process returns the isolated process handle, nil for in-process units.
func (u *Unit) Process() *proc.Handle { return u.proc }

// SetProcess replaces the unit's process handle.
func (u *Unit) SetProcess(h *proc.Handle) { u.proc = h }

// NewProcess reconfigures the unit with a fresh process handle built
// from the unit's backend and dispatcher settings.
func (u *Unit) NewProcess(name string, daemon bool) {
	if name == "" {
		name = u.name
	}
	u.proc = u.newHandle(name, daemon)
}

// Joined reports whether the most recent dispatched execution has fully
// completed. It is true for a unit that never dispatched.
func (u *Unit) Joined() bool { return u.joined.Load() }

// IsProcessing reports whether the unit is executing. For
// separate-process units this reflects the isolated process's liveness.
func (u *Unit) IsProcessing() bool {
	if u.cfg.SeparateProcess && u.proc != nil {
		return u.proc.Alive()
	}
	return u.processing.Load()
}

// SetAwaitClosure toggles waiting for the separate process before the
// closure phase.
func (u *Unit) SetAwaitClosure(v bool) { u.cfg.AwaitClosure = v }

// SetSetup registers a blocking setup callable with its bound keyword
// arguments.
func (u *Unit) SetSetup(fn PhaseFunc, kw task.Kwargs) {
	u.setup = fn
	u.setupCoop = nil
	if kw != nil {
		u.setupKwargs = kw
	}
	u.recomputeMode()
}

// SetCooperativeSetup registers a cooperative setup callable; the unit
// becomes cooperative.
func (u *Unit) SetCooperativeSetup(fn CoopPhaseFunc, kw task.Kwargs) {
	u.setupCoop = fn
	u.setup = nil
	if kw != nil {
		u.setupKwargs = kw
	}
	u.recomputeMode()
}

// SetClosure registers a blocking closure callable with its bound
// keyword arguments.
func (u *Unit) SetClosure(fn PhaseFunc, kw task.Kwargs) {
	u.closure = fn
	u.closureCoop = nil
	if kw != nil {
		u.closureKwargs = kw
	}
	u.recomputeMode()
}

// SetCooperativeClosure registers a cooperative closure callable; the
// unit becomes cooperative.
func (u *Unit) SetCooperativeClosure(fn CoopPhaseFunc, kw task.Kwargs) {
	u.closureCoop = fn
	u.closure = nil
	if kw != nil {
		u.closureKwargs = kw
	}
	u.recomputeMode()
}

// UseTaskSetup points the unit's setup phase at the task's own Setup.
func (u *Unit) UseTaskSetup() error {
	st, ok := u.task.(task.SetupTask)
	if !ok {
		return fmt.Errorf("unit %q: task %T does not implement Setup", u.name, u.task)
	}
	u.SetSetup(func(task.Kwargs) error { return st.Setup() }, nil)
	return nil
}

// UseTaskClosure points the unit's closure phase at the task's own
// Closure.
func (u *Unit) UseTaskClosure() error {
	ct, ok := u.task.(task.ClosureTask)
	if !ok {
		return fmt.Errorf("unit %q: task %T does not implement Closure", u.name, u.task)
	}
	u.SetClosure(func(task.Kwargs) error { return ct.Closure() }, nil)
	return nil
}

// Run executes the full phase sequence on the calling goroutine,
// dispatching the task's Run method. Cooperative units take the
// cooperative path internally.
func (u *Unit) Run(kw task.PhaseKwargs) error {
	if u.mode == task.Cooperative {
		return u.sequence(context.Background(), dispatch.MethodRun, kw, true)
	}
	return u.sequence(context.Background(), dispatch.MethodRun, kw, false)
}

// Start executes the full phase sequence on the calling goroutine,
// dispatching the task's Start method.
func (u *Unit) Start(kw task.PhaseKwargs) error {
	if u.mode == task.Cooperative {
		return u.sequence(context.Background(), dispatch.MethodStart, kw, true)
	}
	return u.sequence(context.Background(), dispatch.MethodStart, kw, false)
}

// RunCooperative executes the cooperative phase sequence under ctx,
// dispatching Run.
func (u *Unit) RunCooperative(ctx context.Context, kw task.PhaseKwargs) error {
	return u.sequence(ctx, dispatch.MethodRun, kw, true)
}

// StartCooperative executes the cooperative phase sequence under ctx,
// dispatching Start.
func (u *Unit) StartCooperative(ctx context.Context, kw task.PhaseKwargs) error {
	return u.sequence(ctx, dispatch.MethodStart, kw, true)
}

// RunAsync schedules the cooperative phase sequence as an independent
// unit and returns its handle immediately.
func (u *Unit) RunAsync(ctx context.Context, kw task.PhaseKwargs) *Async {
	return u.async(ctx, dispatch.MethodRun, kw)
}

// StartAsync schedules the cooperative phase sequence (dispatching
// Start) and returns its handle immediately.
func (u *Unit) StartAsync(ctx context.Context, kw task.PhaseKwargs) *Async {
	return u.async(ctx, dispatch.MethodStart, kw)
}

func (u *Unit) async(ctx context.Context, method dispatch.Method, kw task.PhaseKwargs) *Async {
	ctx, cancel := context.WithCancel(ctx)
	a := &Async{done: make(chan struct{}), cancel: cancel}
	go func() {
		a.err = u.sequence(ctx, method, kw, true)
		close(a.done)
	}()
	return a
}

// sequence is the single phase driver shared by every mode: setup, task
// dispatch, closure, in that order, each gated by its allow-flag.
// joined turns true only when the whole allowed sequence completes; on
// error it stays false.
func (u *Unit) sequence(ctx context.Context, method dispatch.Method, kw task.PhaseKwargs, coop bool) error {
	u.joined.Store(false)
	if !u.cfg.SeparateProcess {
		u.processing.Store(true)
		defer u.processing.Store(false)
	}

	tracer := otel.Tracer("processing-unit")
	ctx, span := tracer.Start(ctx, "unit.sequence",
		trace.WithAttributes(
			attribute.String("unit.name", u.name),
			attribute.String("unit.method", string(method)),
			attribute.String("unit.mode", u.mode.String()),
			attribute.Bool("unit.separate_process", u.cfg.SeparateProcess),
		),
	)
	defer span.End()
	u.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(method))))

	if u.cfg.AllowSetup {
		u.log.Debug("running setup")
		if err := u.execSetup(ctx, coop); err != nil {
			span.RecordError(err)
			return fmt.Errorf("unit %q setup: %w", u.name, err)
		}
	}

	if err := u.dispatchTask(ctx, method, kw, coop); err != nil {
		span.RecordError(err)
		return fmt.Errorf("unit %q task: %w", u.name, err)
	}

	if u.cfg.AllowClosure {
		if u.cfg.SeparateProcess {
			if u.cfg.AwaitClosure {
				u.log.Debug("waiting for process before closure")
				if coop {
					if err := u.proc.JoinCooperative(ctx, 0, u.cfg.PollInterval); err != nil {
						span.RecordError(err)
						return err
					}
				} else {
					u.proc.Join(0)
				}
			} else {
				u.raceWarnings.Add(ctx, 1)
				u.log.Warn("running closure without awaiting process; process may still be running")
			}
		}
		u.log.Debug("running closure")
		if err := u.execClosure(ctx, coop); err != nil {
			span.RecordError(err)
			return fmt.Errorf("unit %q closure: %w", u.name, err)
		}
	}

	u.joined.Store(true)
	return nil
}

func (u *Unit) dispatchTask(ctx context.Context, method dispatch.Method, kw task.PhaseKwargs, coop bool) error {
	if u.cfg.SeparateProcess {
		portable, ok := u.task.(dispatch.Portable)
		if !ok {
			return fmt.Errorf("task %T is not portable across a process boundary", u.task)
		}
		u.log.Debug("dispatching task in separate process", "method", method)
		if err := u.proc.TargetMethod(ctx, portable, method, kw); err != nil {
			return err
		}
		// Start returns once the process is launched; it does not wait
		// for task completion.
		return u.proc.Start()
	}

	u.log.Debug("dispatching task in process", "method", method)
	useCoop := coop && u.task.Mode() == task.Cooperative
	switch method {
	case dispatch.MethodStart:
		if useCoop {
			return u.task.StartCooperative(ctx, kw)
		}
		return u.task.Start(kw)
	default:
		if useCoop {
			return u.task.RunCooperative(ctx, kw)
		}
		return u.task.Run(kw)
	}
}

func (u *Unit) execSetup(ctx context.Context, coop bool) error {
	switch {
	case u.setupCoop != nil:
		if !coop {
			ctx = context.Background()
		}
		return u.setupCoop(ctx, u.setupKwargs)
	case u.setup != nil:
		return u.setup(u.setupKwargs)
	default:
		u.log.Debug("setup not configured")
		return nil
	}
}

func (u *Unit) execClosure(ctx context.Context, coop bool) error {
	switch {
	case u.closureCoop != nil:
		if !coop {
			ctx = context.Background()
		}
		return u.closureCoop(ctx, u.closureKwargs)
	case u.closure != nil:
		return u.closure(u.closureKwargs)
	default:
		u.log.Debug("closure not configured")
		return nil
	}
}

// Join busy-polls the joined flag, yielding between checks, until the
// sequence completes or timeout elapses; timeout <= 0 waits
// indefinitely. On completion a separate-process unit additionally
// joins its process handle with whatever budget remains. Callers
// distinguish timeout from success by checking Joined or IsProcessing.
func (u *Unit) Join(timeout time.Duration) {
	start := time.Now()
	for !u.joined.Load() {
		if timeout > 0 && time.Since(start) >= timeout {
			return
		}
		yield(u.cfg.PollInterval)
	}

	if u.cfg.SeparateProcess && u.proc != nil {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = timeout - time.Since(start)
			if remaining <= 0 {
				return
			}
		}
		u.proc.Join(remaining)
	}
}

// JoinCooperative is the cooperative form of Join: each poll iteration
// suspends for interval (zero reschedules immediately) and honors ctx.
func (u *Unit) JoinCooperative(ctx context.Context, timeout, interval time.Duration) error {
	start := time.Now()
	for !u.joined.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if timeout > 0 && time.Since(start) >= timeout {
			return nil
		}
		yield(interval)
	}

	if u.cfg.SeparateProcess && u.proc != nil {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = timeout - time.Since(start)
			if remaining <= 0 {
				return nil
			}
		}
		return u.proc.JoinCooperative(ctx, remaining, interval)
	}
	return nil
}

// Stop signals the task to stop and, when join is true, waits up to
// timeout for the sequence to complete. Stopping a unit that was never
// started is a no-op.
func (u *Unit) Stop(join bool, timeout time.Duration) {
	u.log.Debug("stopping unit")
	u.task.Stop()
	if join {
		u.Join(timeout)
	}
}

// StopCooperative is the cooperative form of Stop.
func (u *Unit) StopCooperative(ctx context.Context, join bool, timeout, interval time.Duration) error {
	u.log.Debug("stopping unit cooperatively")
	u.task.Stop()
	if join {
		return u.JoinCooperative(ctx, timeout, interval)
	}
	return nil
}

// Reset delegates to the task. Resetting mid-execution is a caller
// error; Stop and Join first.
func (u *Unit) Reset() { u.task.Reset() }

// Terminate hard-kills the isolated process without running closure.
// It is the only non-graceful exit path and is meaningful only in
// separate-process mode.
func (u *Unit) Terminate() error {
	if !u.cfg.SeparateProcess || u.proc == nil {
		return nil
	}
	return u.proc.Terminate()
}

// Async is the handle for a scheduled phase sequence.
type Async struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Done is closed when the sequence finishes.
func (a *Async) Done() <-chan struct{} { return a.done }

// Wait blocks until the sequence finishes and returns its error.
func (a *Async) Wait() error {
	<-a.done
	return a.err
}

// Err returns the sequence error; valid after Done is closed.
func (a *Async) Err() error { return a.err }

// Cancel cancels the sequence's context. Phases already past their
// suspension points finish on their own.
func (a *Async) Cancel() { a.cancel() }

// yield is a cooperative suspension point; zero interval reschedules
// immediately.
func yield(interval time.Duration) {
	if interval <= 0 {
		runtime.Gosched()
		return
	}
	time.Sleep(interval)
}
