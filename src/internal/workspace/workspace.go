// Package workspace allocates isolated scratch directories for descriptor
// engine invocations so concurrent requests never share file names.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const dirPrefix = "run-"

const (
	InputFile  = "molecule.smi"
	OutputFile = "descriptors_output.csv"
)

// Workspace is a per-invocation directory. Close removes it and is safe to
// call more than once.
type Workspace struct {
	ID   string
	Dir  string
	once sync.Once
	err  error
}

// New creates root/run-<uuid> and returns its absolute path. root is
// created when missing.
func New(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	id := uuid.NewString()
	dir := filepath.Join(root, dirPrefix+id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{ID: id, Dir: dir}, nil
}

func (w *Workspace) InputPath() string  { return filepath.Join(w.Dir, InputFile) }
func (w *Workspace) OutputPath() string { return filepath.Join(w.Dir, OutputFile) }

func (w *Workspace) Close() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.Dir)
		if w.err != nil {
			slog.Warn("failed to remove workspace", "dir", w.Dir, "error", w.err)
		}
	})
	return w.err
}

// Sweep removes workspace directories under root whose modification time is
// older than maxAge. Such directories are only left behind by a process that
// died mid-invocation. It returns the number of directories removed.
func Sweep(root string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("failed to sweep stale workspace", "dir", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
