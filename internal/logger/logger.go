// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// invocationIDKey is the context key for dispatch invocation IDs.
type invocationIDKey struct{}

// New creates a new structured JSON logger writing to stdout.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewWriter creates a structured JSON logger writing to w.
// Used by tests and by the dispatch command, which must keep stdout
// clean for the task itself.
func NewWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Nop returns a logger that discards everything. Components take a
// *slog.Logger at construction; Nop is the default when the caller
// passes nil.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithInvocationID returns a new context carrying the given dispatch
// invocation ID.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey{}, id)
}

// InvocationIDFromContext extracts the invocation ID from the context.
func InvocationIDFromContext(ctx context.Context) string {
	if v := ctx.Value(invocationIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with context fields (invocation ID, etc.) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id := InvocationIDFromContext(ctx); id != "" {
		return base.With("invocation_id", id)
	}
	return base
}
