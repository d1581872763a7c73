package local

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stashd/stashd/internal/storage"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(t.TempDir())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolverRejectsRelativeRoot(t *testing.T) {
	if _, err := NewResolver("relative/root"); err == nil {
		t.Fatal("expected error for relative root")
	}
}

func TestResolveEmptyPathIsRoot(t *testing.T) {
	r := newTestResolver(t)
	got, err := r.Resolve("")
	if err != nil {
		t.Fatalf("Resolve(\"\"): %v", err)
	}
	if got != r.Root() {
		t.Errorf("expected root %s, got %s", r.Root(), got)
	}
}

func TestResolveStaysWithinRoot(t *testing.T) {
	r := newTestResolver(t)
	for _, rel := range []string{
		"file.txt",
		"a/b/c",
		"a/./b",
		"deeply/nested/sub/path/file.bin",
		"a/b/../c",
	} {
		got, err := r.Resolve(rel)
		if err != nil {
			t.Errorf("Resolve(%q): unexpected error %v", rel, err)
			continue
		}
		if !strings.HasPrefix(got, r.Root()+string(filepath.Separator)) {
			t.Errorf("Resolve(%q) = %s, escapes root %s", rel, got, r.Root())
		}
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	r := newTestResolver(t)
	for _, rel := range []string{
		"..",
		"../x",
		"../../etc",
		"a/../../x",
		"a/b/../../../etc/passwd",
		"/etc/passwd",
	} {
		_, err := r.Resolve(rel)
		if !errors.Is(err, storage.ErrInvalidPath) {
			t.Errorf("Resolve(%q): expected ErrInvalidPath, got %v", rel, err)
		}
	}
}

func TestResolveFailureHasNoSideEffects(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(root)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	if _, err := r.Resolve("../escape/attempt"); !errors.Is(err, storage.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty root after failed resolution, found %d entries", len(entries))
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape")); !os.IsNotExist(err) {
		t.Error("failed resolution created a path outside root")
	}
}

func TestResolveSymlinkEscapeRejected(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	for _, dir := range []string{root, outside} {
		if err := os.Mkdir(dir, 0755); err != nil {
			t.Fatalf("Mkdir: %v", err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	r, err := NewResolver(root)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	if _, err := r.Resolve("link/file.txt"); !errors.Is(err, storage.ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for symlinked escape, got %v", err)
	}
}

func TestResolveNonexistentTarget(t *testing.T) {
	r := newTestResolver(t)
	got, err := r.Resolve("not/yet/created.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(r.Root(), "not", "yet", "created.txt")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
