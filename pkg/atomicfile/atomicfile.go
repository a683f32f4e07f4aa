// Package atomicfile implements the temp-file-plus-rename write pattern
// shared by pkg/config and pkg/state: every on-disk artefact the agent
// owns is replaced, never edited in place, so a crash mid-write never
// leaves a torn file behind. No corpus dependency models this (it is a
// few lines of os/* calls, not a library concern); see DESIGN.md.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write replaces path's contents with data: write to a sibling temp
// file, fsync it, then rename over path. The rename is atomic on every
// POSIX filesystem the agent targets.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
