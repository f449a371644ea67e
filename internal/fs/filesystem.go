// Package fs holds filesystem helpers shared by the file-producing
// operations.
package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteAtomic writes the output of fill to path using a temp file in the same
// directory followed by a rename, so readers never observe a partial file.
// On any error the temp file is removed and path is left untouched.
func WriteAtomic(path string, perm os.FileMode, fill func(w io.Writer) error) error {
	staged, err := Stage(path, perm, fill)
	if err != nil {
		return err
	}
	if err := staged.Publish(); err != nil {
		staged.Discard()
		return err
	}
	return nil
}

// Staged is a complete, synced temp file waiting to replace its
// destination. Exactly one of Publish or Discard should follow.
type Staged struct {
	tmpPath string
	path    string
	done    bool
}

// Stage writes the output of fill to a temp file next to path. path itself
// is not touched until Publish.
func Stage(path string, perm os.FileMode, fill func(w io.Writer) error) (*Staged, error) {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := fill(tmpFile); err != nil {
		tmpFile.Close()
		return nil, err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	success = true
	return &Staged{tmpPath: tmpPath, path: path}, nil
}

// Path is the destination the staged file will replace.
func (s *Staged) Path() string { return s.path }

// Publish renames the temp file onto its destination.
func (s *Staged) Publish() error {
	if s.done {
		return fmt.Errorf("staged file for %s already finished", s.path)
	}
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	s.done = true
	return nil
}

// Discard removes the temp file. It is a no-op after Publish and safe on a
// nil Staged.
func (s *Staged) Discard() {
	if s == nil || s.done {
		return
	}
	os.Remove(s.tmpPath)
	s.done = true
}

// SamePath reports whether a and b name the same existing file.
func SamePath(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
