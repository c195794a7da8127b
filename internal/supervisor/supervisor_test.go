package supervisor

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type exitRecord struct {
	pid  int
	code int
}

type exitRecorder struct {
	ch chan exitRecord
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{ch: make(chan exitRecord, 8)}
}

func (r *exitRecorder) onExit(pid, code int) {
	r.ch <- exitRecord{pid: pid, code: code}
}

func (r *exitRecorder) wait(t *testing.T) exitRecord {
	t.Helper()
	select {
	case rec := <-r.ch:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runtime exit")
		return exitRecord{}
	}
}

func writeScript(t *testing.T, dir, name, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), mode); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, script string, grace time.Duration, rec *exitRecorder) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	exe := writeScript(t, dir, "openplc", script, 0o755)
	sup := New(Config{
		Executable: exe,
		Dir:        dir,
		StopGrace:  grace,
		Logger:     slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
		OnExit:     rec.onExit,
	})
	t.Cleanup(func() {
		if sup.IsRunning() {
			_ = syscall.Kill(-sup.PID(), syscall.SIGKILL)
		}
	})
	return sup
}

const longRunning = "trap 'exit 0' TERM\nwhile true; do sleep 0.05; done\n"

func TestStartStop(t *testing.T) {
	rec := newExitRecorder()
	sup := newTestSupervisor(t, longRunning, time.Second, rec)

	if sup.IsRunning() {
		t.Fatal("new supervisor must not be running")
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.IsRunning() || sup.PID() <= 0 {
		t.Fatalf("expected running with pid, got running=%v pid=%d", sup.IsRunning(), sup.PID())
	}
	pid := sup.PID()

	// Second Start is a no-op.
	if err := sup.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if sup.PID() != pid {
		t.Fatalf("second Start spawned a new process: %d != %d", sup.PID(), pid)
	}

	sup.Stop()
	if sup.IsRunning() || sup.PID() != 0 {
		t.Fatalf("expected stopped, got running=%v pid=%d", sup.IsRunning(), sup.PID())
	}

	got := rec.wait(t)
	if got.pid != pid {
		t.Fatalf("exit reported for pid %d, want %d", got.pid, pid)
	}
	if sup.MarkExited(pid) {
		t.Fatal("MarkExited must ignore an already stopped process")
	}

	// Stop twice is harmless.
	sup.Stop()
	if sup.IsRunning() {
		t.Fatal("expected still stopped")
	}
}

func TestStopReturnsPromptlyAndEscalates(t *testing.T) {
	rec := newExitRecorder()
	sup := newTestSupervisor(t, "trap '' TERM\nwhile true; do sleep 0.05; done\n", 100*time.Millisecond, rec)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := sup.PID()

	start := time.Now()
	sup.Stop()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("Stop blocked for %v", elapsed)
	}

	got := rec.wait(t)
	if got.pid != pid {
		t.Fatalf("exit reported for pid %d, want %d", got.pid, pid)
	}
	if got.code != -1 {
		t.Fatalf("expected the process to be killed by a signal, exit code %d", got.code)
	}
}

func TestUnexpectedExit(t *testing.T) {
	rec := newExitRecorder()
	sup := newTestSupervisor(t, "exit 3\n", 0, rec)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := sup.PID()

	got := rec.wait(t)
	if got.code != 3 {
		t.Fatalf("exit code = %d, want 3", got.code)
	}
	if !sup.MarkExited(pid) {
		t.Fatal("MarkExited should accept the current pid")
	}
	if sup.IsRunning() {
		t.Fatal("expected stopped after MarkExited")
	}
}

func TestSpawnErrors(t *testing.T) {
	t.Run("missing executable", func(t *testing.T) {
		sup := New(Config{Executable: filepath.Join(t.TempDir(), "missing")})
		err := sup.Start()

		var spawnErr *SpawnError
		if !errors.As(err, &spawnErr) {
			t.Fatalf("expected SpawnError, got %T %v", err, err)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("expected fs.ErrNotExist in chain, got %v", err)
		}
		if sup.IsRunning() {
			t.Fatal("running must stay false after spawn failure")
		}
	})

	t.Run("not executable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores execute permission bits")
		}
		exe := writeScript(t, t.TempDir(), "openplc", "exit 0\n", 0o644)
		sup := New(Config{Executable: exe})
		err := sup.Start()

		if !errors.Is(err, fs.ErrPermission) {
			t.Fatalf("expected fs.ErrPermission, got %v", err)
		}
		if sup.IsRunning() {
			t.Fatal("running must stay false after spawn failure")
		}
	})
}

type captureHandler struct {
	mu    sync.Mutex
	lines []string
}

func (h *captureHandler) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, string(p))
	return len(p), nil
}

func TestLineLoggerSplitsLines(t *testing.T) {
	var sink captureHandler
	l := newLineLogger(slog.New(slog.NewJSONHandler(&sink, nil)), "stdout")

	_, _ = l.Write([]byte("modbus server "))
	_, _ = l.Write([]byte("listening\nscan cycle 1\npartial"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.lines) != 2 {
		t.Fatalf("expected 2 emitted lines, got %d: %v", len(sink.lines), sink.lines)
	}
	if !strings.Contains(sink.lines[0], "modbus server listening") {
		t.Fatalf("first line = %s", sink.lines[0])
	}
}
