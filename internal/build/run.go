package build

import (
	"os"
	"path/filepath"
	"time"
)

// Source is an uploaded program handed to the pipeline.
type Source struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ArtifactSet is the fixed set of file names stage 1 produces together.
type ArtifactSet []string

// Missing returns the members of the set that are not regular files in dir,
// in set order.
func (a ArtifactSet) Missing(dir string) []string {
	var missing []string
	for _, name := range a {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, name)
		}
	}
	return missing
}

// Run is one build attempt.
type Run struct {
	ID      string  `json:"id"`
	Source  Source  `json:"source"`
	Stage   Stage   `json:"stage"`
	Outcome Outcome `json:"outcome"`
	// Diagnostic is the text shown to operators when the run failed.
	Diagnostic string `json:"diagnostic,omitempty"`
	Err        error  `json:"-"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExecutableHash is the BLAKE3 digest of the executable a successful run
	// installed.
	ExecutableHash string `json:"executable_hash,omitempty"`
	Workspace      string `json:"workspace,omitempty"`
}

// Observer is notified on every stage change. from is empty for the initial
// transition into compiling; spent is the time the run spent in from.
type Observer func(run Run, from Stage, spent time.Duration)
