// Package state owns the on-disk runtime layout under the data dir and
// the canonical paths other packages read from.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the resolved runtime folder layout.
type Paths struct {
	Root      string
	Journal   string
	State     string
	Retention string
	Tmp       string
}

// PathsVar holds the layout resolved by EnsureStateDirs. Empty until
// startup completes.
var PathsVar Paths

// EnsureStateDirs ensures the canonical runtime folder layout exists under
// the provided data path. It verifies paths are not symlinks and have
// restrictive permissions, and that they are writable by the process.
func EnsureStateDirs(dataPath string) error {
	journalPath := filepath.Join(dataPath, "journal")
	statePath := filepath.Join(dataPath, "state")
	retentionPath := filepath.Join(statePath, "retention")
	tmpPath := filepath.Join(statePath, "tmp")

	paths := []string{journalPath, retentionPath, tmpPath}

	for _, p := range paths {
		// ensure parent exists
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", p, err)
		}

		// if path exists, reject symlinks and non-directories
		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", p)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", p)
			}
		}

		// create directory if missing
		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", p, err)
		}

		// double-check no symlink after creation
		if fi2, err := os.Lstat(p); err == nil {
			if fi2.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink after creation: %s", p)
			}
			if fi2.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode after creation: %s", p)
			}
		}

		// writability check: create and remove a temp file
		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", p, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	PathsVar = Paths{
		Root:      dataPath,
		Journal:   journalPath,
		State:     statePath,
		Retention: retentionPath,
		Tmp:       tmpPath,
	}
	return nil
}
