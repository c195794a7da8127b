// Package inspect renders a single build run for operators: what ran, where
// it stopped, and what the stage-1 workspace still holds.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/workspace"
)

// RunSource loads stored build runs.
type RunSource interface {
	GetRun(ctx context.Context, id string) (*history.RunRecord, error)
}

// Report is the structured JSON representation of a build run report.
type Report struct {
	history.RunRecord
	Duration string `json:"duration,omitempty"`
	// Files lists what is left in the run's workspace. Successful runs
	// remove their workspace, so this is usually only set for failures.
	Files []string `json:"files,omitempty"`
}

// BuildReport renders a terminal-friendly report for a build run. ws resolves
// the run's workspace; a nil ws skips the file listing.
func BuildReport(ctx context.Context, src RunSource, ws workspace.Manager, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, ws, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Build Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.ID)
	fmt.Fprintf(&out, "Program     : %s\n", report.Source.Name)
	fmt.Fprintf(&out, "Source path : %s\n", report.Source.Path)
	fmt.Fprintf(&out, "Stage       : %s\n", report.Stage)
	fmt.Fprintf(&out, "Outcome     : %s\n", report.Outcome)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	if report.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s (%s)\n", report.CompletedAt.Format(time.RFC3339), report.Duration)
	} else {
		fmt.Fprintf(&out, "Completed   : <in progress>\n")
	}
	if report.ExitCode != nil {
		fmt.Fprintf(&out, "Exit code   : %d\n", *report.ExitCode)
	}
	fmt.Fprintf(&out, "Executable  : %s\n", renderUnset(report.ExecutableHash, "<unchanged>"))
	fmt.Fprintf(&out, "Workspace   : %s\n", renderUnset(report.Workspace, "<none>"))

	if len(report.Files) == 0 {
		fmt.Fprintf(&out, "Files       : <none>\n")
	} else {
		fmt.Fprintf(&out, "Files       :\n")
		for _, f := range report.Files {
			fmt.Fprintf(&out, "  - %s\n", f)
		}
	}

	if report.Diagnostic != "" {
		fmt.Fprintf(&out, "\nDiagnostic:\n")
		for _, line := range strings.Split(strings.TrimSpace(report.Diagnostic), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src RunSource, ws workspace.Manager, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, ws, runID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src RunSource, ws workspace.Manager, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rec, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}

	report := &Report{RunRecord: *rec}
	if rec.CompletedAt != nil {
		report.Duration = rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond).String()
	}
	if ws == nil {
		return report, nil
	}
	w, err := ws.Open(ctx, rec.ID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return report, nil
	case err != nil:
		return nil, err
	}
	files, err := listFiles(w.Dir)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	report.Workspace = w.Dir
	report.Files = files
	return report, nil
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == dir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
