package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/storage"
	"github.com/mattjoyce/plcgw/internal/workspace"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return history.New(db)
}

func newWorkspaces(t *testing.T) workspace.Manager {
	t.Helper()
	m, err := workspace.NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager: %v", err)
	}
	return m
}

func TestBuildReportFailedRunListsWorkspace(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	workspaces := newWorkspaces(t)
	w, err := workspaces.Create(ctx, "run-f")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(w.Dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"POUS.c", "sub/generated.h"} {
		if err := os.WriteFile(filepath.Join(w.Dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	done := started.Add(1500 * time.Millisecond)
	run := build.Run{
		ID:          "run-f",
		Source:      build.Source{Name: "blink.st", Path: "/srv/st_files/blink.st"},
		Stage:       build.StageFailed,
		Outcome:     build.OutcomeFailed,
		Diagnostic:  "syntax error line 4\nexpected ';'",
		Err:         &build.BuildStageError{Stage: build.StageCompiling, ExitCode: 2},
		StartedAt:   started,
		CompletedAt: &done,
		Workspace:   w.Dir,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	out, err := BuildReport(ctx, store, workspaces, "run-f")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Run ID      : run-f",
		"Program     : blink.st",
		"Outcome     : failed",
		"(1.5s)",
		"Exit code   : 2",
		"Executable  : <unchanged>",
		"  - POUS.c",
		"  - sub/generated.h",
		"Workspace   : " + w.Dir,
		"  syntax error line 4",
		"  expected ';'",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildJSONReport(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	started := time.Now().UTC()
	run := build.Run{
		ID:             "run-ok",
		Source:         build.Source{Name: "conveyor.st", Path: "/srv/st_files/conveyor.st"},
		Stage:          build.StageSucceeded,
		Outcome:        build.OutcomeSuccess,
		StartedAt:      started,
		CompletedAt:    &started,
		ExecutableHash: "abc123",
		Workspace:      filepath.Join(t.TempDir(), "removed"),
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	out, err := BuildJSONReport(ctx, store, newWorkspaces(t), "run-ok")
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.ID != "run-ok" || report.ExecutableHash != "abc123" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Files) != 0 {
		t.Fatalf("removed workspace should list no files, got %v", report.Files)
	}
}

func TestBuildReportUnknownRun(t *testing.T) {
	store := openStore(t)

	_, err := BuildReport(context.Background(), store, nil, "nope")
	if !errors.Is(err, history.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := BuildReport(context.Background(), store, nil, "  "); err == nil {
		t.Fatal("expected error for empty run id")
	}
}
