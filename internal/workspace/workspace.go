// Package workspace manages per-run file sessions under the storage root: a
// session gets input/ and output/ directories, attached files are copied in
// from the shared library so each run works on an isolated snapshot, and all
// filenames are sanitized against path traversal.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/agentgridgo/internal/ctxlog"
)

// ErrInvalidFilename rejects names that could escape the storage root.
var ErrInvalidFilename = errors.New("invalid filename")

// Manager owns the directory layout under a single storage root.
type Manager struct {
	root string
}

// New creates a manager anchored at root and ensures the library exists.
func New(root string) (*Manager, error) {
	m := &Manager{root: root}
	if err := os.MkdirAll(m.libraryDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating library directory: %w", err)
	}
	return m, nil
}

func (m *Manager) libraryDir() string {
	return filepath.Join(m.root, "library")
}

func (m *Manager) sessionDir(runID string) string {
	return filepath.Join(m.root, "sessions", runID)
}

// OutputDir returns the output directory for a run session.
func (m *Manager) OutputDir(runID string) string {
	return filepath.Join(m.sessionDir(runID), "output")
}

// validName rejects anything but a bare filename.
func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}

// Init creates the session directory structure for a run and copies the
// requested library files into its input directory. A missing library file
// is logged and skipped, not fatal; the agent may handle its absence.
func (m *Manager) Init(ctx context.Context, runID string, libraryFiles []string) error {
	logger := ctxlog.FromContext(ctx).With("run_id", runID)

	inputDir := filepath.Join(m.sessionDir(runID), "input")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return fmt.Errorf("creating session input dir: %w", err)
	}
	if err := os.MkdirAll(m.OutputDir(runID), 0o755); err != nil {
		return fmt.Errorf("creating session output dir: %w", err)
	}
	logger.Info("Created run workspace.", "path", m.sessionDir(runID))

	for _, name := range libraryFiles {
		if err := validName(name); err != nil {
			return err
		}
		src := filepath.Join(m.libraryDir(), name)
		dst := filepath.Join(inputDir, name)
		if err := copyFile(src, dst); err != nil {
			if os.IsNotExist(err) {
				logger.Warn("Requested library file not found, skipping.", "file", name)
				continue
			}
			return fmt.Errorf("attaching %q: %w", name, err)
		}
		logger.Debug("Attached library file to run.", "file", name)
	}
	return nil
}

// Cleanup removes a run's session directory.
func (m *Manager) Cleanup(runID string) error {
	return os.RemoveAll(m.sessionDir(runID))
}

// ListLibrary returns the sorted visible filenames in the shared library.
func (m *Manager) ListLibrary() ([]string, error) {
	entries, err := os.ReadDir(m.libraryDir())
	if err != nil {
		return nil, fmt.Errorf("reading library: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// SaveToLibrary writes an uploaded file into the shared library.
func (m *Manager) SaveToLibrary(name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.libraryDir(), name), data, 0o644); err != nil {
		return fmt.Errorf("saving %q to library: %w", name, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
