// Package proc provides the isolated process handle: it owns one OS
// process slot, the launch configuration to (re)create it from, and the
// join/restart/close lifecycle around it.
package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"taskplane/internal/logger"
	"taskplane/internal/task"
	"taskplane/pkg/dispatch"
)

// CPUCount is the number of parallel execution units available on this
// host, computed once at process start. Exposed for callers sizing
// process pools; this package does not schedule pools itself.
var CPUCount = runtime.NumCPU()

// Config is the launch configuration for an isolated process. It is
// the serialized-handle layout: everything needed to reconstruct an
// equivalent, not-yet-started process on the other side of a
// serialization boundary.
type Config struct {
	// Entry is the argv prefix of the child, Entry[0] being the
	// executable. The target-as-method helper sets it to the
	// dispatcher command.
	Entry []string `json:"entry"`
	// Name labels the process in logs and spans.
	Name string `json:"name,omitempty"`
	// Args are positional arguments appended after Entry.
	Args []string `json:"args,omitempty"`
	// Kwargs is the opaque payload delivered to the child (stdin for
	// the exec backend, environment for the docker backend).
	Kwargs json.RawMessage `json:"kwargs,omitempty"`
	// Daemon, when true, detaches the child from the parent's fate.
	// Nil means "inherit from the previous configuration".
	Daemon *bool `json:"daemon,omitempty"`
}

func (c Config) daemon() bool { return c.Daemon != nil && *c.Daemon }

// merged fills c's omitted fields from prev. Each field inherits
// independently.
func (c Config) merged(prev Config) Config {
	if c.Entry == nil {
		c.Entry = prev.Entry
	}
	if c.Name == "" {
		c.Name = prev.Name
	}
	if c.Args == nil {
		c.Args = prev.Args
	}
	if c.Kwargs == nil {
		c.Kwargs = prev.Kwargs
	}
	if c.Daemon == nil {
		c.Daemon = prev.Daemon
	}
	return c
}

// Bool is a convenience for Config.Daemon literals.
func Bool(v bool) *bool { return &v }

// DefaultDispatcher returns the command used as a remote-process entry
// point when none is configured: this binary's dispatch subcommand.
func DefaultDispatcher() []string {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return []string{exe, "dispatch"}
}

// Handle owns at most one live OS process at a time. The configuration
// survives even when no live process is held, so the process can always
// be (re)created from it.
//
// Handle assumes single-writer discipline: it provides no mutual
// exclusion of its own beyond what the backend's Process does.
type Handle struct {
	cfg        Config
	proc       Process
	backend    Backend
	dispatcher []string
	log        *slog.Logger

	starts       metric.Int64Counter
	restarts     metric.Int64Counter
	joinTimeouts metric.Int64Counter
}

// Option configures a Handle.
type Option func(*Handle)

// WithBackend selects the isolation backend; the default is ExecBackend.
func WithBackend(b Backend) Option { return func(h *Handle) { h.backend = b } }

// WithLogger injects the handle's logger.
func WithLogger(l *slog.Logger) Option { return func(h *Handle) { h.log = l } }

// WithDispatcher overrides the dispatcher command used by TargetMethod.
func WithDispatcher(argv []string) Option {
	return func(h *Handle) { h.dispatcher = append([]string{}, argv...) }
}

// New creates a handle holding cfg but no live process. The first
// Create or Start builds one.
func New(cfg Config, opts ...Option) *Handle {
	h := &Handle{cfg: cfg}
	for _, opt := range opts {
		opt(h)
	}
	if h.backend == nil {
		h.backend = NewExecBackend("")
	}
	if h.log == nil {
		h.log = logger.Nop()
	}
	if h.dispatcher == nil {
		h.dispatcher = DefaultDispatcher()
	}

	meter := otel.Meter("taskplane-proc")
	h.starts, _ = meter.Int64Counter("taskplane_process_starts_total")
	h.restarts, _ = meter.Int64Counter("taskplane_process_restarts_total")
	h.joinTimeouts, _ = meter.Int64Counter("taskplane_join_timeouts_total")
	return h
}

// Config returns the stored launch configuration.
func (h *Handle) Config() Config { return h.cfg }

// Create builds a new process bound to cfg, replacing any prior live
// process reference. The prior process, if still running, becomes
// unmanaged; callers that care must Close or Terminate first. Omitted
// cfg fields inherit the previous configuration's values.
func (h *Handle) Create(cfg Config) error {
	merged := cfg.merged(h.cfg)
	p, err := h.backend.Create(merged)
	if err != nil {
		return err
	}
	h.cfg = merged
	h.proc = p
	return nil
}

// Start starts the live process, creating one from stored configuration
// if none exists. OS process slots are single-use: if starting fails
// (e.g. the process already ran to completion), the handle silently
// recreates a fresh process and retries exactly once.
func (h *Handle) Start() error {
	if h.proc == nil {
		if err := h.Create(Config{}); err != nil {
			return err
		}
	}

	if err := h.proc.Start(); err != nil {
		h.log.Debug("start failed, recreating process", "name", h.cfg.Name, "err", err)
		if cerr := h.Create(Config{}); cerr != nil {
			return cerr
		}
		if err = h.proc.Start(); err != nil {
			return err
		}
	}
	h.starts.Add(context.Background(), 1)
	h.log.Debug("process started", "name", h.cfg.Name)
	return nil
}

// Alive reports whether the live process is running. It is false if no
// process has ever been created.
func (h *Handle) Alive() bool {
	return h.proc != nil && h.proc.Alive()
}

// Join blocks until the process exits or timeout elapses. A timeout
// with the process still running is surfaced as a warning, not an
// error, and the process is left running. timeout <= 0 waits
// indefinitely.
func (h *Handle) Join(timeout time.Duration) {
	if h.proc == nil {
		return
	}
	if timeout <= 0 {
		<-h.proc.Done()
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.proc.Done():
	case <-timer.C:
		h.warnJoinTimeout(timeout)
	}
}

// JoinCooperative is the cooperative equivalent of Join: it polls the
// exit status, suspending for interval between checks (zero means
// reschedule immediately), until the process exits, the deadline
// elapses, or ctx is cancelled.
func (h *Handle) JoinCooperative(ctx context.Context, timeout, interval time.Duration) error {
	if h.proc == nil {
		return nil
	}
	start := time.Now()
	for {
		select {
		case <-h.proc.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if timeout > 0 && time.Since(start) >= timeout {
			h.warnJoinTimeout(timeout)
			return nil
		}
		suspend(interval)
	}
}

// JoinAsync schedules a cooperative join as an independent unit and
// returns immediately. The channel receives the join result once.
func (h *Handle) JoinAsync(ctx context.Context, timeout, interval time.Duration) <-chan error {
	out := make(chan error, 1)
	go func() {
		out <- h.JoinCooperative(ctx, timeout, interval)
	}()
	return out
}

// Restart terminates the current process if alive, recreates it from
// stored configuration, and starts it.
func (h *Handle) Restart() error {
	if h.Alive() {
		if err := h.proc.Kill(); err != nil {
			return fmt.Errorf("proc: restart kill: %w", err)
		}
	}
	if err := h.Create(Config{}); err != nil {
		return err
	}
	h.restarts.Add(context.Background(), 1)
	return h.Start()
}

// Terminate hard-kills the live process without grace. The slot is
// kept, so Alive turns false once the exit is reaped.
func (h *Handle) Terminate() error {
	if h.proc == nil {
		return nil
	}
	return h.proc.Kill()
}

// Close terminates the current process if alive and releases its OS
// resources. Afterward the handle holds no live process but retains
// its configuration.
func (h *Handle) Close() error {
	if h.proc == nil {
		return nil
	}
	if h.proc.Alive() {
		if err := h.proc.Kill(); err != nil {
			return fmt.Errorf("proc: close kill: %w", err)
		}
	}
	err := h.proc.Release()
	h.proc = nil
	return err
}

// TargetMethod binds a portable task's named method as the process
// entry point: the task, method name and keyword arguments are packaged
// into the kwargs payload handed to the dispatcher command, which
// resolves and invokes the method inside the new process.
func (h *Handle) TargetMethod(ctx context.Context, t dispatch.Portable, method dispatch.Method, kw task.PhaseKwargs) error {
	payload, err := dispatch.NewPayload(ctx, t, method, kw)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("proc: marshal payload: %w", err)
	}
	return h.Create(Config{Entry: h.dispatcher, Kwargs: raw})
}

// Serialize converts the handle to a transferable form: the live
// process reference is dropped (it cannot cross a process boundary) but
// the stored configuration is retained in full.
func (h *Handle) Serialize() ([]byte, error) {
	return json.Marshal(h.cfg)
}

// Restore reconstructs a handle from its serialized form. The result
// holds an equivalent, not-yet-running process created from the
// configuration; it is not auto-started.
func Restore(data []byte, opts ...Option) (*Handle, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("proc: restore: %w", err)
	}
	h := New(cfg, opts...)
	if err := h.Create(Config{}); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) warnJoinTimeout(timeout time.Duration) {
	h.joinTimeouts.Add(context.Background(), 1)
	h.log.Warn("join timed out, process still running",
		"name", h.cfg.Name, "timeout", timeout)
}

// suspend is a cooperative yield point: zero reschedules immediately.
func suspend(interval time.Duration) {
	if interval <= 0 {
		runtime.Gosched()
		return
	}
	time.Sleep(interval)
}
