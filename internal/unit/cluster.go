package unit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskplane/internal/task"
	"taskplane/pkg/dispatch"
)

// GroupTask is the capability contract a cluster requires of its task
// object: an ordered, named collection of sub-units with per-member
// dispatch registration and budget-passing stop.
type GroupTask interface {
	task.Task

	ExecutionOrder() []string
	SetExecutionOrder(order []string) error
	Len() int
	Get(name string) (*Unit, bool)
	Remove(name string)
	// Register binds a named sub-unit and the method (run or start) it
	// is dispatched through.
	Register(name string, u *Unit, method dispatch.Method)
	// StopUnits stops every sub-unit, passing the wait budget down so
	// each member honors its own timeout.
	StopUnits(join bool, timeout time.Duration)
}

type member struct {
	unit   *Unit
	method dispatch.Method
}

// MultiTask is the default group task: it owns its sub-units
// exclusively and dispatches each one's registered method in execution
// order. Run and Start behave identically on the group; the per-member
// registration decides which method each sub-unit receives.
type MultiTask struct {
	name    string
	order   []string
	members map[string]member
}

// NewMultiTask creates an empty ordered collection of sub-units.
func NewMultiTask(name string) *MultiTask {
	return &MultiTask{name: name, members: make(map[string]member)}
}

func (m *MultiTask) Name() string { return m.name }

// Mode reports Cooperative when any member unit is cooperative.
func (m *MultiTask) Mode() task.ExecMode {
	for _, mem := range m.members {
		if mem.unit.Mode() == task.Cooperative {
			return task.Cooperative
		}
	}
	return task.Blocking
}

// ExecutionOrder returns the dispatch order of member names.
func (m *MultiTask) ExecutionOrder() []string {
	return append([]string{}, m.order...)
}

// SetExecutionOrder replaces the dispatch order. The new order must
// name exactly the registered members.
func (m *MultiTask) SetExecutionOrder(order []string) error {
	if len(order) != len(m.members) {
		return fmt.Errorf("execution order names %d units, have %d", len(order), len(m.members))
	}
	for _, name := range order {
		if _, ok := m.members[name]; !ok {
			return fmt.Errorf("execution order names unknown unit %q", name)
		}
	}
	m.order = append([]string{}, order...)
	return nil
}

func (m *MultiTask) Len() int { return len(m.members) }

// Get returns the named sub-unit.
func (m *MultiTask) Get(name string) (*Unit, bool) {
	mem, ok := m.members[name]
	if !ok {
		return nil, false
	}
	return mem.unit, true
}

// Remove deletes the named sub-unit from the collection and the
// execution order.
func (m *MultiTask) Remove(name string) {
	delete(m.members, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Register binds a named sub-unit to the method it is dispatched
// through. New names append to the execution order; re-registering an
// existing name keeps its position.
func (m *MultiTask) Register(name string, u *Unit, method dispatch.Method) {
	if _, ok := m.members[name]; !ok {
		m.order = append(m.order, name)
	}
	m.members[name] = member{unit: u, method: method}
}

// Run dispatches each member's registered method in execution order,
// blocking on each in turn.
func (m *MultiTask) Run(kw task.PhaseKwargs) error {
	for _, name := range m.order {
		mem := m.members[name]
		var err error
		if mem.method == dispatch.MethodStart {
			err = mem.unit.Start(kw)
		} else {
			err = mem.unit.Run(kw)
		}
		if err != nil {
			return fmt.Errorf("group %q unit %q: %w", m.name, name, err)
		}
	}
	return nil
}

// Start is identical to Run at the group level; see Register.
func (m *MultiTask) Start(kw task.PhaseKwargs) error { return m.Run(kw) }

// RunCooperative schedules every member's sequence in execution order
// and waits for all of them; ordering beyond the scheduling order is
// whatever each member's suspension points impose.
func (m *MultiTask) RunCooperative(ctx context.Context, kw task.PhaseKwargs) error {
	handles := make([]*Async, 0, len(m.order))
	for _, name := range m.order {
		mem := m.members[name]
		if mem.method == dispatch.MethodStart {
			handles = append(handles, mem.unit.StartAsync(ctx, kw))
		} else {
			handles = append(handles, mem.unit.RunAsync(ctx, kw))
		}
	}

	var errs []error
	for i, h := range handles {
		if err := h.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("group %q unit %q: %w", m.name, m.order[i], err))
		}
	}
	return errors.Join(errs...)
}

// StartCooperative is identical to RunCooperative at the group level.
func (m *MultiTask) StartCooperative(ctx context.Context, kw task.PhaseKwargs) error {
	return m.RunCooperative(ctx, kw)
}

// Stop signals every member to stop without waiting.
func (m *MultiTask) Stop() {
	for _, name := range m.order {
		m.members[name].unit.Stop(false, 0)
	}
}

// StopUnits stops every member, each honoring the given budget before
// the enclosing cluster applies its own.
func (m *MultiTask) StopUnits(join bool, timeout time.Duration) {
	for _, name := range m.order {
		m.members[name].unit.Stop(join, timeout)
	}
}

// Reset resets every member unit.
func (m *MultiTask) Reset() {
	for _, name := range m.order {
		m.members[name].unit.Reset()
	}
}

// Cluster is a processing unit whose task object is an ordered
// collection of named sub-units. Container operations delegate to the
// group task; stop semantics cascade into it before the cluster's own
// join.
type Cluster struct {
	*Unit
	group GroupTask
}

// NewCluster creates a cluster over g; a nil g gets an empty MultiTask
// named after the cluster.
func NewCluster(g GroupTask, cfg Config) *Cluster {
	if g == nil {
		g = NewMultiTask(cfg.Name)
	}
	return &Cluster{Unit: New(g, cfg), group: g}
}

// Group returns the cluster's group task.
func (c *Cluster) Group() GroupTask { return c.group }

// ExecutionOrder returns the group's dispatch order.
func (c *Cluster) ExecutionOrder() []string { return c.group.ExecutionOrder() }

// SetExecutionOrder replaces the group's dispatch order.
func (c *Cluster) SetExecutionOrder(order []string) error {
	return c.group.SetExecutionOrder(order)
}

// Len returns the number of sub-units.
func (c *Cluster) Len() int { return c.group.Len() }

// Get returns the named sub-unit.
func (c *Cluster) Get(name string) (*Unit, bool) { return c.group.Get(name) }

// Remove deletes the named sub-unit.
func (c *Cluster) Remove(name string) { c.group.Remove(name) }

// Register binds a named sub-unit and its dispatch method.
func (c *Cluster) Register(name string, u *Unit, method dispatch.Method) {
	c.group.Register(name, u, method)
}

// Stop delegates the stop, with its wait budget, to the group task so
// each nested unit honors its own timeout, and only then performs the
// cluster's own join.
func (c *Cluster) Stop(join bool, timeout time.Duration) {
	c.group.StopUnits(join, timeout)
	if join {
		c.Join(timeout)
	}
}

// StopCooperative is the cooperative form of Stop.
func (c *Cluster) StopCooperative(ctx context.Context, join bool, timeout, interval time.Duration) error {
	c.group.StopUnits(join, timeout)
	if join {
		return c.JoinCooperative(ctx, timeout, interval)
	}
	return nil
}
