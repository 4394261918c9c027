package task

import (
	"context"
	"testing"
	"time"
)

func TestCommandTask_RunSucceeds(t *testing.T) {
	ct := NewCommandTask("ok", []string{"true"})
	if err := ct.Run(PhaseKwargs{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestCommandTask_RunPropagatesExitError(t *testing.T) {
	ct := NewCommandTask("fail", []string{"false"})
	if err := ct.Run(PhaseKwargs{}); err == nil {
		t.Error("expected error for failing command")
	}
}

func TestCommandTask_EmptyCommand(t *testing.T) {
	ct := NewCommandTask("empty", nil)
	if err := ct.Run(PhaseKwargs{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestCommandTask_ExtraArgsFromKwargs(t *testing.T) {
	// "sh -c 'exit $0'" with extra arg 0 exits cleanly.
	ct := NewCommandTask("args", []string{"sh", "-c", "exit $0"})
	kw := PhaseKwargs{Task: Kwargs{"args": []string{"0"}}}
	if err := ct.Run(kw); err != nil {
		t.Fatalf("Run with extra args failed: %v", err)
	}
}

func TestCommandTask_StopKillsStart(t *testing.T) {
	ct := NewCommandTask("long", []string{"sleep", "30"})

	done := make(chan error, 1)
	go func() {
		done <- ct.Start(PhaseKwargs{})
	}()

	// Give the process time to launch before killing it.
	time.Sleep(100 * time.Millisecond)
	ct.Stop()

	select {
	case err := <-done:
		// A stop kill is the caller's request, not a failure.
		if err != nil {
			t.Errorf("Start after Stop returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestCommandTask_StopRacingStartNeverLosesKill(t *testing.T) {
	// Stop landing between Start's entry check and the process launch
	// must still end the command promptly.
	for i := 0; i < 100; i++ {
		ct := NewCommandTask("race", []string{"sleep", "3"})

		done := make(chan error, 1)
		go func() {
			done <- ct.Start(PhaseKwargs{})
		}()
		ct.Stop()

		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("iteration %d: Start after Stop returned error: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: Stop did not end the command", i)
		}
	}
}

func TestCommandTask_ResetClearsStop(t *testing.T) {
	ct := NewCommandTask("reset", []string{"true"})
	ct.Stop()

	// Stopped tasks refuse to run until reset.
	if err := ct.Run(PhaseKwargs{}); err != nil {
		t.Fatalf("Run on stopped task should be a no-op, got %v", err)
	}

	ct.Reset()
	if err := ct.Run(PhaseKwargs{}); err != nil {
		t.Fatalf("Run after Reset failed: %v", err)
	}
}

func TestCommandTask_RunCooperativeHonorsContext(t *testing.T) {
	ct := NewCommandTask("ctx", []string{"sleep", "30"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ct.RunCooperative(ctx, PhaseKwargs{})
	if err == nil {
		t.Error("expected error when context deadline kills the command")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("RunCooperative took %v, context was ignored", elapsed)
	}
}

func TestCommandTask_Mode(t *testing.T) {
	ct := NewCommandTask("mode", []string{"true"})
	if ct.Mode() != Blocking {
		t.Errorf("expected Blocking mode, got %v", ct.Mode())
	}
}
