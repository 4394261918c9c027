package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestWithInvocationID_And_InvocationIDFromContext(t *testing.T) {
	ctx := context.Background()
	invocationID := "inv-12345"

	// Initially empty
	if got := InvocationIDFromContext(ctx); got != "" {
		t.Errorf("InvocationIDFromContext() on empty ctx = %v, want empty", got)
	}

	// After setting
	ctx = WithInvocationID(ctx, invocationID)
	if got := InvocationIDFromContext(ctx); got != invocationID {
		t.Errorf("InvocationIDFromContext() = %v, want %v", got, invocationID)
	}
}

func TestFromContext_WithInvocationID(t *testing.T) {
	base := New(slog.LevelInfo)
	ctx := context.Background()
	invocationID := "inv-67890"

	// Without invocation ID - should return base logger (not nil)
	logger := FromContext(ctx, base)
	if logger == nil {
		t.Error("FromContext() returned nil")
	}

	// With invocation ID - should return logger with invocation_id attached
	ctx = WithInvocationID(ctx, invocationID)
	loggerWithID := FromContext(ctx, base)
	if loggerWithID == nil {
		t.Error("FromContext() with invocation ID returned nil")
	}
}

func TestNew_ReturnsLogger(t *testing.T) {
	logger := New(slog.LevelDebug)
	if logger == nil {
		t.Error("New() returned nil")
	}
}

func TestNop_Discards(t *testing.T) {
	logger := Nop()
	if logger == nil {
		t.Fatal("Nop() returned nil")
	}
	// Must not panic on use.
	logger.Info("dropped")
}
