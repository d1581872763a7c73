// Package local provides the local filesystem storage provider. All
// operations resolve their relative path through the Resolver before
// touching the disk, so nothing can escape the configured root.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/storage"
)

// copyBufSize bounds peak memory during stream saves; payloads are
// copied chunk by chunk with one reused buffer, never materialized.
const copyBufSize = 32 * 1024

// Config holds local filesystem provider settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalProvider implements storage.Provider on the local filesystem.
type LocalProvider struct {
	resolver *Resolver

	mu          sync.RWMutex
	shareExpiry time.Time
}

var _ storage.Provider = (*LocalProvider)(nil)

// New creates a local filesystem provider rooted at cfg.RootPath.
func New(cfg Config) (*LocalProvider, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	if !filepath.IsAbs(cfg.RootPath) {
		return nil, fmt.Errorf("root_path %s must be absolute", cfg.RootPath)
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	resolver, err := NewResolver(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	return &LocalProvider{resolver: resolver}, nil
}

// NewFromJSON creates a LocalProvider from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalProvider, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the canonical root directory.
func (p *LocalProvider) Root() string { return p.resolver.Root() }

// GetFile returns a fresh snapshot of the file at rel.
func (p *LocalProvider) GetFile(_ context.Context, rel string) (storage.FileEntry, error) {
	defer metrics.ObserveStorageOp("get_file", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return storage.FileEntry{}, wrapOp("get file", rel, err)
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return storage.FileEntry{}, wrapOp("get file", rel, storage.ErrNotFound)
	}
	return fileEntry(rel, resolved, info), nil
}

// ListFiles returns the regular files directly under rel. An absent
// folder reads as empty, not as an error.
func (p *LocalProvider) ListFiles(_ context.Context, rel string) ([]storage.FileEntry, error) {
	defer metrics.ObserveStorageOp("list_files", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return nil, wrapOp("list files", rel, err)
	}
	dirents, err := os.ReadDir(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []storage.FileEntry{}, nil
		}
		return nil, opError("list files", rel, err)
	}

	entries := make([]storage.FileEntry, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		childRel := joinRel(rel, d.Name())
		entries = append(entries, fileEntry(childRel, filepath.Join(resolved, d.Name()), info))
	}
	return entries, nil
}

// ListFolders returns the folders directly under rel, creating rel
// first when absent. The creation side effect is part of the contract.
func (p *LocalProvider) ListFolders(_ context.Context, rel string) ([]storage.FolderEntry, error) {
	defer metrics.ObserveStorageOp("list_folders", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return nil, wrapOp("list folders", rel, err)
	}
	if err := os.MkdirAll(resolved, 0755); err != nil {
		return nil, opError("list folders", rel, err)
	}
	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return nil, opError("list folders", rel, err)
	}

	entries := make([]storage.FolderEntry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		childRel := joinRel(rel, d.Name())
		entries = append(entries, folderEntry(childRel, filepath.Join(resolved, d.Name()), info))
	}
	return entries, nil
}

// GetFolder returns a fresh snapshot of the folder at rel.
func (p *LocalProvider) GetFolder(_ context.Context, rel string) (storage.FolderEntry, error) {
	defer metrics.ObserveStorageOp("get_folder", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return storage.FolderEntry{}, wrapOp("get folder", rel, err)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return storage.FolderEntry{}, wrapOp("get folder", rel, storage.ErrNotFound)
	}
	return folderEntry(rel, resolved, info), nil
}

// ParentFolder returns the snapshot of rel's parent folder, failing
// with ErrNoParent when rel denotes the root.
func (p *LocalProvider) ParentFolder(ctx context.Context, rel string) (storage.FolderEntry, error) {
	if rel == "" {
		return storage.FolderEntry{}, storage.ErrNoParent
	}
	parent := path.Dir(rel)
	if parent == "." || parent == "/" {
		parent = ""
	}
	return p.GetFolder(ctx, parent)
}

// CreateFolder creates the folder at rel, including intermediate
// folders. Fails when the folder is already present.
func (p *LocalProvider) CreateFolder(_ context.Context, rel string) error {
	defer metrics.ObserveStorageOp("create_folder", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return wrapOp("create folder", rel, err)
	}
	if _, err := os.Stat(resolved); err == nil {
		return wrapOp("create folder", rel, storage.ErrAlreadyExists)
	}
	if err := os.MkdirAll(resolved, 0755); err != nil {
		return opError("create folder", rel, err)
	}
	return nil
}

// TryCreateFolder creates the folder if absent. An existing folder
// counts as success; every error reads as false.
func (p *LocalProvider) TryCreateFolder(ctx context.Context, rel string) bool {
	err := p.CreateFolder(ctx, rel)
	return err == nil || errors.Is(err, storage.ErrAlreadyExists)
}

// DeleteFolder recursively removes the folder at rel.
func (p *LocalProvider) DeleteFolder(_ context.Context, rel string) error {
	defer metrics.ObserveStorageOp("delete_folder", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return wrapOp("delete folder", rel, err)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return wrapOp("delete folder", rel, storage.ErrNotFound)
	}
	if err := os.RemoveAll(resolved); err != nil {
		return opError("delete folder", rel, err)
	}
	return nil
}

// MoveFolder moves the folder at oldRel to newRel.
func (p *LocalProvider) MoveFolder(_ context.Context, oldRel, newRel string) error {
	defer metrics.ObserveStorageOp("move_folder", time.Now())

	src, err := p.resolver.Resolve(oldRel)
	if err != nil {
		return wrapOp("move folder", oldRel, err)
	}
	dst, err := p.resolver.Resolve(newRel)
	if err != nil {
		return wrapOp("move folder", newRel, err)
	}
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return wrapOp("move folder", oldRel, storage.ErrNotFound)
	}
	if _, err := os.Stat(dst); err == nil {
		return wrapOp("move folder", newRel, storage.ErrAlreadyExists)
	}
	if err := os.Rename(src, dst); err != nil {
		return opError("move folder", oldRel, err)
	}
	return nil
}

// CreateFile creates an empty file at rel, creating parent folders as
// needed. Fails when a file is already present.
func (p *LocalProvider) CreateFile(_ context.Context, rel string) (storage.FileEntry, error) {
	defer metrics.ObserveStorageOp("create_file", time.Now())
	return p.createFile(rel)
}

func (p *LocalProvider) createFile(rel string) (storage.FileEntry, error) {
	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return storage.FileEntry{}, wrapOp("create file", rel, err)
	}
	if _, err := os.Stat(resolved); err == nil {
		return storage.FileEntry{}, wrapOp("create file", rel, storage.ErrAlreadyExists)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return storage.FileEntry{}, opError("create file", rel, err)
	}
	f, err := os.OpenFile(resolved, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storage.FileEntry{}, wrapOp("create file", rel, storage.ErrAlreadyExists)
		}
		return storage.FileEntry{}, opError("create file", rel, err)
	}
	info, statErr := f.Stat()
	if err := f.Close(); err != nil {
		return storage.FileEntry{}, opError("create file", rel, err)
	}
	if statErr != nil {
		return storage.FileEntry{}, opError("create file", rel, statErr)
	}
	return fileEntry(rel, resolved, info), nil
}

// CreateOrReplaceFile removes any existing file at rel, then creates a
// new empty one.
func (p *LocalProvider) CreateOrReplaceFile(_ context.Context, rel string) (storage.FileEntry, error) {
	defer metrics.ObserveStorageOp("create_or_replace_file", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return storage.FileEntry{}, wrapOp("create file", rel, err)
	}
	if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
		if err := os.Remove(resolved); err != nil {
			return storage.FileEntry{}, opError("create file", rel, err)
		}
	}
	return p.createFile(rel)
}

// DeleteFile removes the file at rel.
func (p *LocalProvider) DeleteFile(_ context.Context, rel string) error {
	defer metrics.ObserveStorageOp("delete_file", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return wrapOp("delete file", rel, err)
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return wrapOp("delete file", rel, storage.ErrNotFound)
	}
	if err := os.Remove(resolved); err != nil {
		return opError("delete file", rel, err)
	}
	return nil
}

// MoveFile moves the file at oldRel to newRel.
func (p *LocalProvider) MoveFile(_ context.Context, oldRel, newRel string) error {
	defer metrics.ObserveStorageOp("move_file", time.Now())

	src, err := p.resolver.Resolve(oldRel)
	if err != nil {
		return wrapOp("move file", oldRel, err)
	}
	dst, err := p.resolver.Resolve(newRel)
	if err != nil {
		return wrapOp("move file", newRel, err)
	}
	info, err := os.Stat(src)
	if err != nil || info.IsDir() {
		return wrapOp("move file", oldRel, storage.ErrNotFound)
	}
	if _, err := os.Stat(dst); err == nil {
		return wrapOp("move file", newRel, storage.ErrAlreadyExists)
	}
	if err := os.Rename(src, dst); err != nil {
		return opError("move file", oldRel, err)
	}
	return nil
}

// SaveStream creates the file at rel, then drains body into it with a
// bounded reused buffer. The body is caller-owned and left open; the
// output handle is closed on every exit path.
func (p *LocalProvider) SaveStream(_ context.Context, rel string, body io.Reader) error {
	defer metrics.ObserveStorageOp("save_stream", time.Now())

	entry, err := p.createFile(rel)
	if err != nil {
		return err
	}
	resolved, err := p.resolver.Resolve(entry.Path)
	if err != nil {
		return wrapOp("save stream", rel, err)
	}

	f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return opError("save stream", rel, err)
	}

	buf := make([]byte, copyBufSize)
	written, err := io.CopyBuffer(f, body, buf)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return opError("save stream", rel, err)
	}
	metrics.AddBytesSaved(written)
	return nil
}

// TrySaveStream is SaveStream with every error reduced to false.
func (p *LocalProvider) TrySaveStream(ctx context.Context, rel string, body io.Reader) bool {
	return p.SaveStream(ctx, rel, body) == nil
}

// OpenFile opens the file's content for reading.
func (p *LocalProvider) OpenFile(_ context.Context, rel string) (io.ReadCloser, error) {
	defer metrics.ObserveStorageOp("open_file", time.Now())

	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return nil, wrapOp("open file", rel, err)
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return nil, wrapOp("open file", rel, storage.ErrNotFound)
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, opError("open file", rel, err)
	}
	return f, nil
}

// FileExists reports whether a regular file exists at rel. Every
// error, containment violations included, reads as false.
func (p *LocalProvider) FileExists(_ context.Context, rel string) bool {
	resolved, err := p.resolver.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}

// SharedAccessExpiry returns the default expiry for issued access
// URLs; the zero time means unset.
func (p *LocalProvider) SharedAccessExpiry() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shareExpiry
}

// SetSharedAccessExpiry sets the default expiry for issued access
// URLs. The filesystem itself attaches no semantics to it.
func (p *LocalProvider) SetSharedAccessExpiry(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shareExpiry = t
}

// Type returns "local".
func (p *LocalProvider) Type() string { return "local" }

// Close is a no-op for local providers.
func (p *LocalProvider) Close() error { return nil }

// fileEntry builds a snapshot from an already-resolved location.
func fileEntry(rel, resolved string, info fs.FileInfo) storage.FileEntry {
	e := storage.FileEntry{
		Path:      filepath.ToSlash(rel),
		Name:      info.Name(),
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Extension: filepath.Ext(info.Name()),
	}
	if mt, err := mimetype.DetectFile(resolved); err == nil {
		e.ContentType = mt.String()
	}
	return e
}

// folderEntry builds a snapshot from an already-resolved location.
// Size is the recursive sum of contained file sizes.
func folderEntry(rel, resolved string, info fs.FileInfo) storage.FolderEntry {
	name := info.Name()
	if rel == "" {
		name = filepath.Base(resolved)
	}
	return storage.FolderEntry{
		Path:    filepath.ToSlash(rel),
		Name:    name,
		Size:    folderSize(resolved),
		ModTime: info.ModTime(),
	}
}

// folderSize sums the sizes of all regular files under dir,
// recursively. Unreadable subtrees count as zero.
func folderSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// joinRel joins a child name onto a slash-relative path.
func joinRel(rel, name string) string {
	if rel == "" {
		return name
	}
	return path.Join(rel, name)
}

// wrapOp attaches op and path context to a sentinel error, keeping the
// sentinel matchable with errors.Is.
func wrapOp(op, rel string, sentinel error) error {
	return &storage.OpError{Op: op, Path: rel, Err: sentinel}
}

// opError wraps an underlying I/O failure, preserving the cause.
func opError(op, rel string, cause error) error {
	return &storage.OpError{Op: op, Path: rel, Err: cause}
}
