// Package dispatch contains the wire layer shared between a parent
// process and the child processes it spawns: the dispatch payload
// layout, the portable-task registry, and Invoke, the fixed entry point
// that resolves and runs a task method inside the child.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"taskplane/internal/task"
)

// Method names a task method that can be dispatched remotely.
type Method string

const (
	// MethodRun dispatches the task's bounded Run method.
	MethodRun Method = "run"
	// MethodStart dispatches the task's extended Start method.
	MethodStart Method = "start"
)

var (
	// ErrUnknownType is returned by Invoke when the payload names a
	// task type that was never registered in this process.
	ErrUnknownType = errors.New("dispatch: unknown task type")
	// ErrUnknownMethod is returned by Invoke for a method other than
	// run or start.
	ErrUnknownMethod = errors.New("dispatch: unknown method")
)

// Runnable is the subset of the task contract Invoke dispatches to.
type Runnable interface {
	Run(kw task.PhaseKwargs) error
	Start(kw task.PhaseKwargs) error
}

// Portable marks a task that can cross a process boundary: its state
// round-trips through JSON and its type name resolves through the
// registry on the other side.
type Portable interface {
	Runnable
	TypeName() string
}

// Factory builds an empty Portable task for the registry to unmarshal
// payload state into.
type Factory func() Portable

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register binds a task type name to its factory. Both the spawning
// process and the dispatcher binary must register the same name before
// a task of that type can cross the boundary.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

// Payload is the serialized form of one remote method invocation.
type Payload struct {
	InvocationID string                 `json:"invocation_id"`
	Type         string                 `json:"type"`
	State        json.RawMessage        `json:"state"`
	Method       Method                 `json:"method"`
	Kwargs       task.PhaseKwargs       `json:"kwargs"`
	Trace        propagation.MapCarrier `json:"trace,omitempty"`
}

// NewPayload packages a portable task, the method to dispatch, and its
// keyword arguments into a payload. The current trace context is
// captured so the child process continues the parent's trace.
func NewPayload(ctx context.Context, t Portable, method Method, kw task.PhaseKwargs) (Payload, error) {
	state, err := json.Marshal(t)
	if err != nil {
		return Payload{}, fmt.Errorf("dispatch: marshal task state: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return Payload{
		InvocationID: uuid.New().String(),
		Type:         t.TypeName(),
		State:        state,
		Method:       method,
		Kwargs:       kw,
		Trace:        carrier,
	}, nil
}

// Invoke is the fixed remote-process entry point: it reconstructs the
// task named by the payload and invokes the requested method with the
// payload's keyword arguments. It is the only function ever used as a
// process entry by the target-as-method helper.
func Invoke(ctx context.Context, p Payload, log *slog.Logger) error {
	regMu.RLock()
	factory, ok := registry[p.Type]
	regMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}

	t := factory()
	if len(p.State) > 0 {
		if err := json.Unmarshal(p.State, t); err != nil {
			return fmt.Errorf("dispatch: unmarshal task state for %q: %w", p.Type, err)
		}
	}

	if p.Trace != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, p.Trace)
	}

	tracer := otel.Tracer("dispatch")
	_, span := tracer.Start(ctx, "dispatch.invoke",
		trace.WithAttributes(
			attribute.String("task.type", p.Type),
			attribute.String("task.method", string(p.Method)),
			attribute.String("invocation.id", p.InvocationID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log.Debug("invoking task method",
		"type", p.Type, "method", p.Method, "invocation_id", p.InvocationID)

	var err error
	switch p.Method {
	case MethodRun:
		err = t.Run(p.Kwargs)
	case MethodStart:
		err = t.Start(p.Kwargs)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMethod, p.Method)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}
