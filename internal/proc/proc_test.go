package proc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"taskplane/internal/task"
	"taskplane/pkg/dispatch"
)

// recordHandler captures log records so tests can assert on warnings.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordHandler) count(level slog.Level, msgPart string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level && strings.Contains(r.Message, msgPart) {
			n++
		}
	}
	return n
}

func recordingLogger() (*slog.Logger, *recordHandler) {
	h := &recordHandler{}
	return slog.New(h), h
}

// fileTask is a portable task that proves remote invocation by writing
// a file.
type fileTask struct {
	Path string `json:"path"`
	Msg  string `json:"msg"`
}

func (t *fileTask) TypeName() string { return "proc.filetask" }

func (t *fileTask) Run(task.PhaseKwargs) error {
	return os.WriteFile(t.Path, []byte("run:"+t.Msg), 0o644)
}

func (t *fileTask) Start(task.PhaseKwargs) error {
	return os.WriteFile(t.Path, []byte("start:"+t.Msg), 0o644)
}

// helperArgv re-executes this test binary as the dispatcher command.
func helperArgv() []string {
	return []string{os.Args[0], "-test.run=TestHelperDispatch", "--"}
}

// TestHelperDispatch is not a test: it is the dispatcher entry point
// for child processes spawned by tests in this package.
func TestHelperDispatch(t *testing.T) {
	if os.Getenv("TASKPLANE_TEST_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		os.Exit(1)
	}
	var payload dispatch.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		os.Exit(1)
	}

	dispatch.Register("proc.filetask", func() dispatch.Portable { return new(fileTask) })

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := dispatch.Invoke(context.Background(), payload, log); err != nil {
		os.Exit(1)
	}
}

func TestCPUCount(t *testing.T) {
	if CPUCount < 1 {
		t.Errorf("CPUCount = %d, want >= 1", CPUCount)
	}
}

func TestHandle_StartAndJoin(t *testing.T) {
	h := New(Config{Entry: []string{"sh", "-c", "true"}, Name: "quick"})

	if h.Alive() {
		t.Error("handle with no created process should not be alive")
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.Join(5 * time.Second)
	if h.Alive() {
		t.Error("process should have exited")
	}
}

func TestHandle_StartTwiceRecreates(t *testing.T) {
	h := New(Config{Entry: []string{"sleep", "2"}, Name: "twice"})

	if err := h.Start(); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if !h.Alive() {
		t.Error("expected process alive immediately after first start")
	}
	h.Join(10 * time.Second)
	if h.Alive() {
		t.Fatal("process should have exited before second start")
	}

	// The slot already ran; Start must transparently recreate it.
	if err := h.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if !h.Alive() {
		t.Error("expected process alive immediately after second start")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestHandle_JoinTimeoutWarnsOnce(t *testing.T) {
	log, rec := recordingLogger()
	h := New(Config{Entry: []string{"sleep", "30"}, Name: "slow"}, WithLogger(log))

	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Close()

	timeout := 200 * time.Millisecond
	start := time.Now()
	h.Join(timeout)

	if elapsed := time.Since(start); elapsed < timeout {
		t.Errorf("Join returned after %v, before the %v deadline", elapsed, timeout)
	}
	if !h.Alive() {
		t.Error("Join on deadline must leave the process running")
	}
	if got := rec.count(slog.LevelWarn, "join timed out"); got != 1 {
		t.Errorf("expected exactly one timeout warning, got %d", got)
	}
}

func TestHandle_JoinCooperative(t *testing.T) {
	log, rec := recordingLogger()
	h := New(Config{Entry: []string{"sleep", "30"}, Name: "coop"}, WithLogger(log))

	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Close()

	if err := h.JoinCooperative(context.Background(), 200*time.Millisecond, time.Millisecond); err != nil {
		t.Fatalf("JoinCooperative failed: %v", err)
	}
	if got := rec.count(slog.LevelWarn, "join timed out"); got != 1 {
		t.Errorf("expected exactly one timeout warning, got %d", got)
	}

	// Cancellation is surfaced as the context's error.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.JoinCooperative(ctx, 0, time.Millisecond); err == nil {
		t.Error("expected context error from cancelled cooperative join")
	}
}

func TestHandle_JoinAsync(t *testing.T) {
	h := New(Config{Entry: []string{"sh", "-c", "true"}, Name: "async"})
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case err := <-h.JoinAsync(context.Background(), 5*time.Second, time.Millisecond):
		if err != nil {
			t.Errorf("JoinAsync returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("JoinAsync never completed")
	}
}

func TestHandle_Restart(t *testing.T) {
	h := New(Config{Entry: []string{"sleep", "30"}, Name: "restart"})

	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if !h.Alive() {
		t.Error("expected process alive after restart")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestHandle_CloseRetainsConfig(t *testing.T) {
	h := New(Config{Entry: []string{"sleep", "30"}, Name: "close"})

	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if h.Alive() {
		t.Error("closed handle should not be alive")
	}
	if len(h.Config().Entry) == 0 {
		t.Error("configuration must survive Close")
	}

	// The retained configuration is enough to run again.
	if err := h.Start(); err != nil {
		t.Fatalf("Start after Close failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestHandle_JoinWithoutProcessIsNoop(t *testing.T) {
	h := New(Config{Entry: []string{"true"}})

	done := make(chan struct{})
	go func() {
		h.Join(0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Join with no process should return immediately")
	}
}

func TestConfig_CreateInheritsOmittedFields(t *testing.T) {
	h := New(Config{})
	full := Config{
		Entry:  []string{"sh", "-c", "true"},
		Name:   "first",
		Args:   []string{"a", "b"},
		Kwargs: json.RawMessage(`{"k":1}`),
		Daemon: Bool(true),
	}
	if err := h.Create(full); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := h.Create(Config{Name: "second"}); err != nil {
		t.Fatalf("partial Create failed: %v", err)
	}

	cfg := h.Config()
	if cfg.Name != "second" {
		t.Errorf("expected name second, got %s", cfg.Name)
	}
	if len(cfg.Entry) != 3 || cfg.Entry[0] != "sh" {
		t.Errorf("entry was not inherited: %v", cfg.Entry)
	}
	if len(cfg.Args) != 2 {
		t.Errorf("args were not inherited: %v", cfg.Args)
	}
	if string(cfg.Kwargs) != `{"k":1}` {
		t.Errorf("kwargs were not inherited: %s", cfg.Kwargs)
	}
	if cfg.Daemon == nil || !*cfg.Daemon {
		t.Error("daemon flag was not inherited")
	}
}

func TestHandle_SerializeAndRestore(t *testing.T) {
	orig := New(Config{
		Entry:  []string{"sh", "-c", "true"},
		Name:   "serial",
		Args:   []string{"x"},
		Daemon: Bool(true),
	})
	// Serialize with a live process: the reference must be dropped but
	// the configuration kept.
	if err := orig.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orig.Close()

	data, err := orig.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	restored, err := Restore(data)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Alive() {
		t.Error("restored handle must not hold a running process")
	}

	cfg := restored.Config()
	if cfg.Name != "serial" || len(cfg.Entry) != 3 || len(cfg.Args) != 1 {
		t.Errorf("restored configuration differs: %+v", cfg)
	}
	if cfg.Daemon == nil || !*cfg.Daemon {
		t.Error("daemon flag lost in serialization")
	}

	// The reconstructed process starts with the restored configuration.
	if err := restored.Start(); err != nil {
		t.Fatalf("Start on restored handle failed: %v", err)
	}
	restored.Join(5 * time.Second)
}

func TestHandle_TargetMethodDispatchesInChild(t *testing.T) {
	t.Setenv("TASKPLANE_TEST_HELPER", "1")

	for _, method := range []dispatch.Method{dispatch.MethodRun, dispatch.MethodStart} {
		path := filepath.Join(t.TempDir(), "out")
		h := New(Config{Name: "remote"}, WithDispatcher(helperArgv()))

		ft := &fileTask{Path: path, Msg: "hello"}
		if err := h.TargetMethod(context.Background(), ft, method, task.PhaseKwargs{}); err != nil {
			t.Fatalf("TargetMethod failed: %v", err)
		}
		if err := h.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		h.Join(10 * time.Second)

		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("child never wrote its file: %v", err)
		}
		want := string(method) + ":hello"
		if string(got) != want {
			t.Errorf("child wrote %q, want %q", got, want)
		}
	}
}
