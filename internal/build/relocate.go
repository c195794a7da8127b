package build

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// relocation is a staged move of an artifact set into the runtime source
// tree. Files are copied into a staging dir on the destination filesystem
// first, so the final step is a series of renames. Every destination file a
// commit replaces is parked in a backup dir until the run finishes.
type relocation struct {
	coreDir string
	staging string
	backup  string
	set     ArtifactSet

	// placed lists committed artifacts in commit order; hadPrevious marks the
	// ones that replaced an existing file.
	placed      []string
	hadPrevious map[string]bool
}

// stageArtifacts copies every member of set from srcDir into a staging dir
// under coreDir and verifies the staged set is complete.
func stageArtifacts(srcDir, coreDir, runID string, set ArtifactSet) (*relocation, error) {
	if missing := set.Missing(srcDir); len(missing) > 0 {
		return nil, &RelocationError{Missing: missing}
	}

	r := &relocation{
		coreDir:     coreDir,
		staging:     filepath.Join(coreDir, ".staging-"+runID),
		backup:      filepath.Join(coreDir, ".backup-"+runID),
		set:         set,
		hadPrevious: make(map[string]bool, len(set)),
	}
	if err := os.MkdirAll(r.staging, 0o755); err != nil {
		return nil, &RelocationError{Missing: append([]string(nil), set...), Err: fmt.Errorf("create staging dir: %w", err)}
	}

	var failed []string
	var firstErr error
	for _, name := range set {
		src := filepath.Join(srcDir, name)
		info, err := os.Stat(src)
		if err == nil {
			err = copyFile(src, filepath.Join(r.staging, name), info.Mode())
		}
		if err != nil {
			failed = append(failed, name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(failed) == 0 {
		failed = set.Missing(r.staging)
	}
	if len(failed) > 0 {
		r.discard()
		return nil, &RelocationError{Missing: failed, Err: firstErr}
	}
	if err := syncDir(r.staging); err != nil {
		r.discard()
		return nil, &RelocationError{Err: fmt.Errorf("sync staging dir: %w", err)}
	}
	return r, nil
}

// commit renames every staged file over its destination. On error the tree
// is rolled back and the returned RelocationError names the artifacts that
// were not placed.
func (r *relocation) commit() error {
	if err := os.MkdirAll(r.backup, 0o755); err != nil {
		return &RelocationError{Missing: append([]string(nil), r.set...), Err: fmt.Errorf("create backup dir: %w", err)}
	}

	for i, name := range r.set {
		if err := r.place(name); err != nil {
			notPlaced := append([]string(nil), r.set[i:]...)
			if rbErr := r.rollback(); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return &RelocationError{Missing: notPlaced, Err: err}
		}
	}
	if err := syncDir(r.coreDir); err != nil {
		if rbErr := r.rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return &RelocationError{Err: fmt.Errorf("sync core dir: %w", err)}
	}
	return nil
}

func (r *relocation) place(name string) error {
	dest := filepath.Join(r.coreDir, name)
	parked := filepath.Join(r.backup, name)

	previous := exists(dest)
	if previous {
		if err := os.Rename(dest, parked); err != nil {
			return fmt.Errorf("back up %s: %w", name, err)
		}
	}
	if err := os.Rename(filepath.Join(r.staging, name), dest); err != nil {
		if previous {
			if restoreErr := os.Rename(parked, dest); restoreErr != nil {
				err = errors.Join(err, fmt.Errorf("restore %s: %w", name, restoreErr))
			}
		}
		return fmt.Errorf("place %s: %w", name, err)
	}

	r.placed = append(r.placed, name)
	r.hadPrevious[name] = previous
	return nil
}

// rollback restores the tree to its state before commit. Artifacts that had
// no previous version are removed.
func (r *relocation) rollback() error {
	var errs []error
	for i := len(r.placed) - 1; i >= 0; i-- {
		name := r.placed[i]
		dest := filepath.Join(r.coreDir, name)
		if r.hadPrevious[name] {
			if err := os.Rename(filepath.Join(r.backup, name), dest); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", name, err))
			}
			continue
		}
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	r.placed = nil
	return errors.Join(errs...)
}

// discard removes the staging and backup dirs.
func (r *relocation) discard() {
	_ = os.RemoveAll(r.staging)
	_ = os.RemoveAll(r.backup)
}
