package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewIsolatesInvocations(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	a, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if a.Dir == b.Dir {
		t.Fatalf("two workspaces share dir %s", a.Dir)
	}
	if a.InputPath() == b.InputPath() || a.OutputPath() == b.OutputPath() {
		t.Error("workspaces share file paths")
	}
	if filepath.Dir(a.InputPath()) != a.Dir {
		t.Errorf("input path %s outside workspace %s", a.InputPath(), a.Dir)
	}
}

func TestNewResolvesRelativeRoot(t *testing.T) {
	t.Parallel()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	rel, err := filepath.Rel(wd, root)
	if err != nil {
		t.Fatal(err)
	}

	w, err := New(rel)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if !filepath.IsAbs(w.Dir) {
		t.Errorf("Dir = %s, want an absolute path", w.Dir)
	}
	if filepath.Dir(w.Dir) != root {
		t.Errorf("Dir = %s, want it under %s", w.Dir, root)
	}
}

func TestCloseRemovesEverything(t *testing.T) {
	t.Parallel()

	w, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(w.InputPath(), []byte("CCO\t1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(w.OutputPath(), []byte("Name,A\n1,0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(w.Dir); !os.IsNotExist(err) {
		t.Errorf("workspace %s still exists after Close", w.Dir)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	stale, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()
	other := filepath.Join(root, "keep-me")
	if err := os.Mkdir(other, 0o755); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale.Dir, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, old, old); err != nil {
		t.Fatal(err)
	}

	n, err := Sweep(root, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if _, err := os.Stat(stale.Dir); !os.IsNotExist(err) {
		t.Error("stale workspace not removed")
	}
	if _, err := os.Stat(fresh.Dir); err != nil {
		t.Error("fresh workspace removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("unrelated directory removed")
	}
}

func TestSweepMissingRoot(t *testing.T) {
	t.Parallel()

	n, err := Sweep(filepath.Join(t.TempDir(), "absent"), time.Hour, time.Now())
	if err != nil || n != 0 {
		t.Errorf("Sweep() = %d, %v; want 0, nil", n, err)
	}
}
