package build

import (
	"fmt"
	"os"
)

// snapshot preserves the runtime executable across a link attempt.
type snapshot struct {
	path    string
	saved   string
	existed bool
}

func takeSnapshot(executable string) (*snapshot, error) {
	s := &snapshot{path: executable, saved: executable + ".prev"}

	info, err := os.Stat(executable)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat executable: %w", err)
	}
	if err := copyFile(executable, s.saved, info.Mode()); err != nil {
		_ = os.Remove(s.saved)
		return nil, fmt.Errorf("snapshot executable: %w", err)
	}
	s.existed = true
	return s, nil
}

// restore puts the snapshotted executable back, byte for byte. If there was
// no executable before, whatever the link left behind is removed.
func (s *snapshot) restore() error {
	if !s.existed {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove partial executable: %w", err)
		}
		return nil
	}
	if err := os.Rename(s.saved, s.path); err != nil {
		return fmt.Errorf("restore executable: %w", err)
	}
	return nil
}

func (s *snapshot) discard() {
	if s.existed {
		_ = os.Remove(s.saved)
	}
}
