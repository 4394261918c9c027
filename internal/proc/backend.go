package proc

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Backend builds OS-level processes from a launch configuration.
// Implementations include raw os/exec processes and Docker containers.
type Backend interface {
	// Create builds a new, not-yet-started process bound to cfg.
	Create(cfg Config) (Process, error)
}

// Process is one single-use OS process slot. Start may be called at
// most once; a handle that needs a second run creates a fresh Process
// from stored configuration.
type Process interface {
	// Start begins execution. It fails if the process already ran.
	Start() error

	// Alive reports whether the process is currently running.
	Alive() bool

	// Done is closed when the process exits. It never closes for a
	// process that was not started.
	Done() <-chan struct{}

	// ExitErr returns the exit error after Done is closed, nil for a
	// clean exit.
	ExitErr() error

	// Kill terminates the process immediately, without grace.
	Kill() error

	// Release frees the OS resources held by this slot.
	Release() error
}

// ExecBackend is the default backend, running targets as raw OS
// processes via os/exec.
type ExecBackend struct {
	// Dir is the working directory for spawned processes; empty means
	// inherit the parent's.
	Dir string
}

// NewExecBackend creates a process-based backend.
func NewExecBackend(dir string) *ExecBackend {
	return &ExecBackend{Dir: dir}
}

// Create implements Backend using os/exec. The kwargs payload, if any,
// is delivered to the child on stdin. Daemon processes are placed in
// their own process group so they survive the parent's exit.
func (b *ExecBackend) Create(cfg Config) (Process, error) {
	if len(cfg.Entry) == 0 {
		return nil, fmt.Errorf("proc: empty entry in launch configuration")
	}

	argv := append(append([]string{}, cfg.Entry...), cfg.Args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = b.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(cfg.Kwargs) > 0 {
		cmd.Stdin = bytes.NewReader(cfg.Kwargs)
	}
	if cfg.daemon() {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	return &execProcess{cmd: cmd, done: make(chan struct{})}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	started bool
	exited  bool
	exitErr error
}

func (p *execProcess) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("proc: process already started")
	}
	if err := p.cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("proc: start: %w", err)
	}
	p.started = true
	p.mu.Unlock()

	// Reaper: exactly one Wait per exec.Cmd.
	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return nil
}

func (p *execProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.exited
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.exited || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started && p.cmd.Process != nil {
		return p.cmd.Process.Release()
	}
	// Started processes are released by the reaper's Wait.
	return nil
}
