package task

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// CommandTaskType is the registry type name under which CommandTask is
// registered for cross-process dispatch.
const CommandTaskType = "taskplane.command"

// CommandTask runs an OS command as a task. It is the default task
// object for the CLI and is portable across a process boundary: its
// exported fields are the whole of its serialized state.
//
// Run executes the command once and returns when it exits. Start
// executes the command and keeps it running until Stop kills it; if the
// command exits on its own before Stop, Start returns its result.
type CommandTask struct {
	TaskName string   `json:"name"`
	Command  []string `json:"command"`
	Dir      string   `json:"dir,omitempty"`
	Env      []string `json:"env,omitempty"`

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// NewCommandTask creates a task that runs argv[0] with the remaining
// elements as arguments.
func NewCommandTask(name string, argv []string) *CommandTask {
	return &CommandTask{TaskName: name, Command: argv}
}

func (t *CommandTask) Name() string { return t.TaskName }

// TypeName implements the portable-task contract.
func (t *CommandTask) TypeName() string { return CommandTaskType }

// Mode reports Blocking: the command itself is the unit of suspension,
// the task has no cooperative yield points of its own.
func (t *CommandTask) Mode() ExecMode { return Blocking }

// Run executes the command to completion. Extra arguments may be
// supplied through kw.Task["args"].
func (t *CommandTask) Run(kw PhaseKwargs) error {
	return t.execute(context.Background(), kw)
}

// Start executes the command until it exits or Stop kills it. A stop
// kill is reported as success: the caller asked for it.
func (t *CommandTask) Start(kw PhaseKwargs) error {
	err := t.execute(context.Background(), kw)
	if t.stopped.Load() {
		return nil
	}
	return err
}

// RunCooperative executes the command under ctx; cancellation kills it.
func (t *CommandTask) RunCooperative(ctx context.Context, kw PhaseKwargs) error {
	return t.execute(ctx, kw)
}

// StartCooperative executes the command under ctx until it exits, Stop
// kills it, or ctx is cancelled.
func (t *CommandTask) StartCooperative(ctx context.Context, kw PhaseKwargs) error {
	err := t.execute(ctx, kw)
	if t.stopped.Load() {
		return nil
	}
	return err
}

// Stop kills the running command, if any. The stop flag is published
// before the cancel so a concurrent execute either observes the flag or
// launches under an already-cancelled context; the kill is never lost.
func (t *CommandTask) Stop() {
	t.stopped.Store(true)
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset clears the stop signal so the task can run again.
func (t *CommandTask) Reset() {
	t.stopped.Store(false)
}

func (t *CommandTask) execute(ctx context.Context, kw PhaseKwargs) error {
	if len(t.Command) == 0 {
		return fmt.Errorf("command task %q: empty command", t.TaskName)
	}
	if t.stopped.Load() {
		return nil
	}

	argv := t.Command
	if extra, ok := kw.Task["args"].([]string); ok {
		argv = append(append([]string{}, argv...), extra...)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = t.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}

	// Publish before launching, then re-check the stop flag: a Stop
	// that missed the entry check has either set the flag by now or
	// will find the cancel and kill the running command.
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	if t.stopped.Load() {
		return nil
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command task %q: %w", t.TaskName, err)
	}
	return nil
}
