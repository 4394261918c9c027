// Package task defines the capability contract consumed by processing
// units: a unit of work that can be run or started, stopped, reset, and
// that declares its execution mode up front.
package task

import "context"

// ExecMode selects between the blocking and cooperative code paths.
// It is derived once at configuration time and cached, never inferred
// at call time.
type ExecMode int

const (
	// Blocking tasks run to completion on the calling goroutine.
	Blocking ExecMode = iota
	// Cooperative tasks suspend at explicit yield points and are
	// driven with a context.
	Cooperative
)

func (m ExecMode) String() string {
	switch m {
	case Cooperative:
		return "cooperative"
	default:
		return "blocking"
	}
}

// Kwargs carries keyword arguments for one phase invocation.
type Kwargs map[string]any

// PhaseKwargs groups the keyword arguments for the setup, task and
// closure phases of a single dispatch. The whole struct travels to the
// task so that a task running in a separate process can still honor
// per-phase arguments.
type PhaseKwargs struct {
	Setup   Kwargs `json:"setup,omitempty"`
	Task    Kwargs `json:"task,omitempty"`
	Closure Kwargs `json:"closure,omitempty"`
}

// Task is the capability contract for a unit of work.
//
// Run denotes a bounded unit of work that returns when done. Start
// denotes work that manages its own extended execution until Stop is
// called. The cooperative variants are used when the owning unit runs
// in cooperative mode; tasks whose Mode is Blocking may implement them
// as thin wrappers over Run/Start.
type Task interface {
	Name() string
	Mode() ExecMode

	Run(kw PhaseKwargs) error
	Start(kw PhaseKwargs) error
	RunCooperative(ctx context.Context, kw PhaseKwargs) error
	StartCooperative(ctx context.Context, kw PhaseKwargs) error

	// Stop signals the task to end its current execution. The task is
	// responsible for making Run/Start observe the signal promptly.
	Stop()

	// Reset returns the task to a runnable state after a completed or
	// stopped execution. Calling Reset mid-execution is a caller error.
	Reset()
}

// SetupTask is implemented by tasks that carry their own pre-work.
type SetupTask interface {
	Setup() error
}

// ClosureTask is implemented by tasks that carry their own post-work.
type ClosureTask interface {
	Closure() error
}
