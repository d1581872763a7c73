package local

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stashd/stashd/internal/storage"
)

func newTestProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := New(Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNewRequiresAbsoluteRoot(t *testing.T) {
	if _, err := New(Config{RootPath: "relative"}); err == nil {
		t.Fatal("expected error for relative root")
	}
}

func TestNewCreateDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sub", "root")
	if _, err := New(Config{RootPath: root}); err == nil {
		t.Fatal("expected error for missing root without create_dirs")
	}
	if _, err := New(Config{RootPath: root, CreateDirs: true}); err != nil {
		t.Fatalf("New with create_dirs: %v", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Fatal("root was not created")
	}
}

func TestFileRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	entry, err := p.CreateFile(ctx, "docs/report.txt")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if entry.Name != "report.txt" {
		t.Errorf("expected name report.txt, got %s", entry.Name)
	}
	if entry.Size != 0 {
		t.Errorf("expected empty file, got size %d", entry.Size)
	}
	if entry.Extension != ".txt" {
		t.Errorf("expected extension .txt, got %s", entry.Extension)
	}

	if !p.FileExists(ctx, "docs/report.txt") {
		t.Error("expected file to exist after create")
	}
	if err := p.DeleteFile(ctx, "docs/report.txt"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if p.FileExists(ctx, "docs/report.txt") {
		t.Error("expected file to be gone after delete")
	}
}

func TestCreateFileAlreadyExists(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if _, err := p.CreateFile(ctx, "a.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	_, err := p.CreateFile(ctx, "a.txt")
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetFileNotFound(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	_, err := p.GetFile(ctx, "missing.txt")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// A directory is not a file.
	if err := p.CreateFolder(ctx, "dir"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if _, err := p.GetFile(ctx, "dir"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestGetFileTraversalRejected(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.GetFile(context.Background(), "../../etc/passwd")
	if !errors.Is(err, storage.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestCreateFolderNested(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if err := p.CreateFolder(ctx, "a/b"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if err := p.CreateFolder(ctx, "a/b"); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	folders, err := p.ListFolders(ctx, "a")
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if len(folders) != 1 || folders[0].Name != "b" {
		t.Fatalf("expected single folder b, got %+v", folders)
	}
}

func TestDeleteFolderRecursive(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if err := p.CreateFolder(ctx, "a/b"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if _, err := p.CreateFile(ctx, "a/b/file.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := p.DeleteFolder(ctx, "a"); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if _, err := p.GetFolder(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := p.DeleteFolder(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

// Listing folders of an absent directory creates it. The side effect
// is deliberate and load-bearing for callers that list-then-write.
func TestListFoldersCreatesMissingFolder(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if err := p.CreateFolder(ctx, "a/b"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if err := p.DeleteFolder(ctx, "a"); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}

	folders, err := p.ListFolders(ctx, "a")
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if len(folders) != 0 {
		t.Errorf("expected empty listing, got %d entries", len(folders))
	}
	if _, err := p.GetFolder(ctx, "a"); err != nil {
		t.Errorf("expected folder recreated by listing, got %v", err)
	}
}

func TestListFilesAbsentFolderIsEmpty(t *testing.T) {
	p := newTestProvider(t)
	files, err := p.ListFiles(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected empty listing, got %d", len(files))
	}
	// Unlike ListFolders, ListFiles must not create the folder.
	if _, err := p.GetFolder(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ListFiles created the folder: %v", err)
	}
}

func TestListFilesIdempotent(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		if _, err := p.CreateFile(ctx, "dir/"+name); err != nil {
			t.Fatalf("CreateFile %s: %v", name, err)
		}
	}
	if err := p.CreateFolder(ctx, "dir/sub"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}

	first, err := p.ListFiles(ctx, "dir")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	second, err := p.ListFiles(ctx, "dir")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 files both times, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Path != second[i].Path {
			t.Errorf("listing changed between calls: %s vs %s", first[i].Path, second[i].Path)
		}
	}
}

func TestMoveFile(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if err := p.SaveStream(ctx, "src.txt", bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}
	if err := p.MoveFile(ctx, "src.txt", "moved/dst.txt"); err == nil {
		t.Fatal("expected move into nonexistent folder to fail")
	}
	if err := p.CreateFolder(ctx, "moved"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if err := p.MoveFile(ctx, "src.txt", "moved/dst.txt"); err != nil {
		t.Fatalf("MoveFile: %v", err)
	}
	if p.FileExists(ctx, "src.txt") {
		t.Error("source still exists after move")
	}
	if !p.FileExists(ctx, "moved/dst.txt") {
		t.Error("destination missing after move")
	}
}

func TestMoveFileDestinationExists(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if err := p.SaveStream(ctx, "a.txt", bytes.NewReader([]byte("aaa"))); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}
	if err := p.SaveStream(ctx, "b.txt", bytes.NewReader([]byte("bbb"))); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}

	err := p.MoveFile(ctx, "a.txt", "b.txt")
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// Both files must be unchanged.
	for path, want := range map[string]string{"a.txt": "aaa", "b.txt": "bbb"} {
		body, err := p.OpenFile(ctx, path)
		if err != nil {
			t.Fatalf("OpenFile %s: %v", path, err)
		}
		data, _ := io.ReadAll(body)
		body.Close()
		if string(data) != want {
			t.Errorf("%s: expected %q, got %q", path, want, data)
		}
	}
}

func TestMoveFolder(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if _, err := p.CreateFile(ctx, "old/inner/file.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := p.MoveFolder(ctx, "old", "new"); err != nil {
		t.Fatalf("MoveFolder: %v", err)
	}
	if !p.FileExists(ctx, "new/inner/file.txt") {
		t.Error("moved content missing")
	}
	if err := p.MoveFolder(ctx, "missing", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := p.CreateFolder(ctx, "other"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if err := p.MoveFolder(ctx, "other", "new"); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSaveStreamLargePayload(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	// Larger than the copy buffer so the loop actually iterates.
	payload := make([]byte, 1<<20)
	rng := rand.New(rand.NewSource(42))
	rng.Read(payload)

	if err := p.SaveStream(ctx, "blob.bin", bytes.NewReader(payload)); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}

	body, err := p.OpenFile(ctx, "blob.bin")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer body.Close()
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if sha256.Sum256(got) != sha256.Sum256(payload) {
		t.Error("payload digest mismatch after save-stream round trip")
	}
}

func TestSaveStreamExistingTarget(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if _, err := p.CreateFile(ctx, "taken.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	err := p.SaveStream(ctx, "taken.txt", bytes.NewReader([]byte("x")))
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if p.TrySaveStream(ctx, "taken.txt", bytes.NewReader([]byte("x"))) {
		t.Error("TrySaveStream on existing target must report false")
	}
}

func TestTrySaveStreamLeavesBodyOpen(t *testing.T) {
	p := newTestProvider(t)
	body := bytes.NewReader([]byte("hello"))
	if !p.TrySaveStream(context.Background(), "greeting.txt", body) {
		t.Fatal("TrySaveStream failed")
	}
	// The reader is caller-owned; it must simply be drained.
	if body.Len() != 0 {
		t.Errorf("expected drained reader, %d bytes left", body.Len())
	}
}

func TestTryCreateFolder(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if !p.TryCreateFolder(ctx, "fresh") {
		t.Error("expected true on creation")
	}
	if !p.TryCreateFolder(ctx, "fresh") {
		t.Error("expected true on already-existing folder")
	}
	if p.TryCreateFolder(ctx, "../../etc") {
		t.Error("expected false on traversal attempt")
	}
	// Containment failures must not create anything outside root.
	if _, err := os.Stat(filepath.Join(p.Root(), "..", "etc")); err == nil {
		t.Error("traversal attempt created a directory outside root")
	}
}

func TestFileExistsSwallowsErrors(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if p.FileExists(ctx, "../outside") {
		t.Error("expected false for traversal path")
	}
	if p.FileExists(ctx, "absent.txt") {
		t.Error("expected false for absent file")
	}
}

func TestCreateOrReplaceFile(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if err := p.SaveStream(ctx, "doc.txt", bytes.NewReader([]byte("old content"))); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}
	entry, err := p.CreateOrReplaceFile(ctx, "doc.txt")
	if err != nil {
		t.Fatalf("CreateOrReplaceFile: %v", err)
	}
	if entry.Size != 0 {
		t.Errorf("expected replaced file to be empty, got size %d", entry.Size)
	}

	// Also creates when absent.
	if _, err := p.CreateOrReplaceFile(ctx, "new.txt"); err != nil {
		t.Fatalf("CreateOrReplaceFile on fresh path: %v", err)
	}
}

func TestParentFolder(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if _, err := p.ParentFolder(ctx, ""); !errors.Is(err, storage.ErrNoParent) {
		t.Fatalf("expected ErrNoParent for root, got %v", err)
	}

	if err := p.CreateFolder(ctx, "a/b"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	parent, err := p.ParentFolder(ctx, "a/b")
	if err != nil {
		t.Fatalf("ParentFolder: %v", err)
	}
	if parent.Name != "a" || parent.Path != "a" {
		t.Errorf("expected parent a, got %+v", parent)
	}

	// Single-segment paths parent to the root.
	root, err := p.ParentFolder(ctx, "a")
	if err != nil {
		t.Fatalf("ParentFolder: %v", err)
	}
	if !root.IsRoot() {
		t.Errorf("expected root entry, got %+v", root)
	}
}

func TestFolderEntrySize(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if err := p.SaveStream(ctx, "dir/a.bin", bytes.NewReader(make([]byte, 100))); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}
	if err := p.SaveStream(ctx, "dir/sub/b.bin", bytes.NewReader(make([]byte, 50))); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}

	entry, err := p.GetFolder(ctx, "dir")
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if entry.Size != 150 {
		t.Errorf("expected recursive size 150, got %d", entry.Size)
	}
}

func TestEntriesAreFreshSnapshots(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if err := p.SaveStream(ctx, "f.txt", bytes.NewReader([]byte("12345"))); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}
	before, err := p.GetFile(ctx, "f.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}

	if _, err := p.CreateOrReplaceFile(ctx, "f.txt"); err != nil {
		t.Fatalf("CreateOrReplaceFile: %v", err)
	}
	after, err := p.GetFile(ctx, "f.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if before.Size != 5 || after.Size != 0 {
		t.Errorf("entries are not fresh: before=%d after=%d", before.Size, after.Size)
	}
}

func TestSharedAccessExpiry(t *testing.T) {
	p := newTestProvider(t)

	if !p.SharedAccessExpiry().IsZero() {
		t.Error("expected zero expiry on fresh provider")
	}
	want := time.Now().Add(time.Hour).Truncate(time.Second)
	p.SetSharedAccessExpiry(want)
	if got := p.SharedAccessExpiry(); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
