package workspace

import (
	"context"
	"time"
)

// Workspace is the scratch directory a single build run compiles in. The
// stage-1 compiler writes its artifact set here before relocation.
type Workspace struct {
	RunID string
	Dir   string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs per-run build workspaces.
type Manager interface {
	// Create initializes a new, empty workspace for runID.
	Create(ctx context.Context, runID string) (Workspace, error)

	// Open resolves an existing workspace for runID.
	Open(ctx context.Context, runID string) (Workspace, error)

	// Remove deletes the workspace for runID. Missing workspaces are not an error.
	Remove(ctx context.Context, runID string) error

	// Cleanup removes workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
