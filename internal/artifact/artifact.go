// Package artifact writes the latest finished reply to a fixed-name file
// so other programs can pick it up.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"chatrelay/internal/domain"
)

// DefaultName is the file name used inside the workspace.
const DefaultName = "reply.txt"

// Writer replaces the artifact file atomically: readers see the previous
// reply or the new one, never a partial write.
type Writer struct {
	path string
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the artifact location.
func (w *Writer) Path() string { return w.path }

// Write stores text as the current reply. Errors wrap domain.ErrPersistence.
func (w *Writer) Write(text string) error {
	if err := writeAtomic(w.path, []byte(text)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// Read returns the current reply.
func (w *Writer) Read() (string, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary artifact file: %w", err)
	}
	tmp := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temporary artifact file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temporary artifact file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temporary artifact file: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("setting artifact permissions: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming artifact into place: %w", err)
	}

	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
