// Package webdav exposes the storage tree over WebDAV, backed by the
// storage router.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/storage"
	"github.com/stashd/stashd/internal/storage/router"
)

// providerFS implements webdav.FileSystem on top of the storage router.
type providerFS struct {
	router *router.Router
}

var _ webdav.FileSystem = (*providerFS)(nil)

// relPath converts a WebDAV name into a router-relative path. The
// providers run their own containment checks on the result.
func relPath(name string) string {
	return strings.Trim(path.Clean("/"+name), "/")
}

// mapErr translates the storage error taxonomy into the os sentinel
// errors the webdav handler turns into status codes.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return os.ErrNotExist
	case errors.Is(err, storage.ErrAlreadyExists):
		return os.ErrExist
	case errors.Is(err, storage.ErrInvalidPath):
		return os.ErrPermission
	default:
		return err
	}
}

func (p *providerFS) Mkdir(ctx context.Context, name string, _ os.FileMode) error {
	rel := relPath(name)
	if rel == "" {
		return nil
	}
	prov, rel, err := p.router.ResolveForWrite(rel)
	if err != nil {
		return err
	}
	return mapErr(prov.CreateFolder(ctx, rel))
}

func (p *providerFS) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	rel := relPath(name)

	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0 {
		prov, rel, err := p.router.ResolveForWrite(rel)
		if err != nil {
			return nil, err
		}
		return &davFile{ctx: ctx, provider: prov, rel: rel, buf: &bytes.Buffer{}}, nil
	}

	prov, rel, err := p.router.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		entry, err := prov.GetFolder(ctx, rel)
		if err != nil {
			return nil, mapErr(err)
		}
		return &davFile{ctx: ctx, provider: prov, rel: rel, dir: &entry}, nil
	}
	if file, err := prov.GetFile(ctx, rel); err == nil {
		return &davFile{ctx: ctx, provider: prov, rel: rel, file: &file}, nil
	}
	folder, err := prov.GetFolder(ctx, rel)
	if err != nil {
		return nil, mapErr(err)
	}
	return &davFile{ctx: ctx, provider: prov, rel: rel, dir: &folder}, nil
}

func (p *providerFS) RemoveAll(ctx context.Context, name string) error {
	rel := relPath(name)
	if rel == "" {
		return fmt.Errorf("cannot remove root")
	}
	prov, rel, err := p.router.ResolveForWrite(rel)
	if err != nil {
		return err
	}
	if err := prov.DeleteFile(ctx, rel); err == nil {
		return nil
	}
	return mapErr(prov.DeleteFolder(ctx, rel))
}

func (p *providerFS) Rename(ctx context.Context, oldName, newName string) error {
	oldProv, oldRel, err := p.router.ResolveForWrite(relPath(oldName))
	if err != nil {
		return err
	}
	newProv, newRel, err := p.router.ResolveForWrite(relPath(newName))
	if err != nil {
		return err
	}
	if oldProv != newProv {
		return fmt.Errorf("rename across storage locations is not supported")
	}
	if _, err := oldProv.GetFile(ctx, oldRel); err == nil {
		return mapErr(oldProv.MoveFile(ctx, oldRel, newRel))
	}
	return mapErr(oldProv.MoveFolder(ctx, oldRel, newRel))
}

func (p *providerFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	rel := relPath(name)
	prov, rel, err := p.router.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		return &fileInfo{name: "/", isDir: true, modTime: time.Now()}, nil
	}
	if file, err := prov.GetFile(ctx, rel); err == nil {
		return fileEntryInfo(file), nil
	}
	folder, err := prov.GetFolder(ctx, rel)
	if err != nil {
		return nil, mapErr(err)
	}
	return folderEntryInfo(folder), nil
}

// davFile implements webdav.File. Reads stream from the provider,
// writes accumulate in memory and flush on Close.
type davFile struct {
	ctx      context.Context
	provider storage.Provider
	rel      string

	file *storage.FileEntry   // set for read handles on files
	dir  *storage.FolderEntry // set for read handles on folders
	buf  *bytes.Buffer        // set for write handles

	reader io.ReadCloser
	offset int64
}

var _ webdav.File = (*davFile)(nil)

func (f *davFile) Close() error {
	if f.reader != nil {
		f.reader.Close()
		f.reader = nil
	}
	if f.buf == nil {
		return nil
	}

	content := f.buf.Bytes()
	if f.provider.FileExists(f.ctx, f.rel) {
		if err := f.provider.DeleteFile(f.ctx, f.rel); err != nil {
			return mapErr(err)
		}
	}
	if err := f.provider.SaveStream(f.ctx, f.rel, bytes.NewReader(content)); err != nil {
		return mapErr(err)
	}

	logging.Debug("webdav file written",
		zap.String("path", f.rel),
		zap.Int("size", len(content)))
	return nil
}

func (f *davFile) Read(p []byte) (int, error) {
	if f.buf != nil {
		return 0, fmt.Errorf("file opened for writing")
	}
	if f.dir != nil {
		return 0, fmt.Errorf("is a directory")
	}
	if f.reader == nil {
		rc, err := f.provider.OpenFile(f.ctx, f.rel)
		if err != nil {
			return 0, mapErr(err)
		}
		if f.offset > 0 {
			if _, err := io.CopyN(io.Discard, rc, f.offset); err != nil {
				rc.Close()
				return 0, err
			}
		}
		f.reader = rc
	}
	n, err := f.reader.Read(p)
	f.offset += int64(n)
	return n, err
}

func (f *davFile) Write(p []byte) (int, error) {
	if f.buf == nil {
		return 0, fmt.Errorf("file not opened for writing")
	}
	return f.buf.Write(p)
}

func (f *davFile) Seek(offset int64, whence int) (int64, error) {
	var size int64
	if f.file != nil {
		size = f.file.Size
	}

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		next = size + offset
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position")
	}

	// The provider stream is forward-only; reopen on the next read.
	if f.reader != nil && next != f.offset {
		f.reader.Close()
		f.reader = nil
	}
	f.offset = next
	return next, nil
}

func (f *davFile) Readdir(count int) ([]os.FileInfo, error) {
	if f.dir == nil {
		return nil, fmt.Errorf("not a directory")
	}

	folders, err := f.provider.ListFolders(f.ctx, f.rel)
	if err != nil {
		return nil, mapErr(err)
	}
	files, err := f.provider.ListFiles(f.ctx, f.rel)
	if err != nil {
		return nil, mapErr(err)
	}

	infos := make([]os.FileInfo, 0, len(folders)+len(files))
	for _, folder := range folders {
		infos = append(infos, folderEntryInfo(folder))
	}
	for _, file := range files {
		infos = append(infos, fileEntryInfo(file))
	}
	if count > 0 && len(infos) > count {
		infos = infos[:count]
	}
	return infos, nil
}

func (f *davFile) Stat() (os.FileInfo, error) {
	switch {
	case f.file != nil:
		return fileEntryInfo(*f.file), nil
	case f.dir != nil:
		if f.dir.IsRoot() {
			return &fileInfo{name: "/", isDir: true, modTime: f.dir.ModTime}, nil
		}
		return folderEntryInfo(*f.dir), nil
	case f.buf != nil:
		return &fileInfo{
			name:    path.Base(f.rel),
			size:    int64(f.buf.Len()),
			modTime: time.Now(),
		}, nil
	}
	return nil, os.ErrNotExist
}

func fileEntryInfo(e storage.FileEntry) *fileInfo {
	return &fileInfo{name: e.Name, size: e.Size, modTime: e.ModTime}
}

func folderEntryInfo(e storage.FolderEntry) *fileInfo {
	return &fileInfo{name: e.Name, size: e.Size, isDir: true, modTime: e.ModTime}
}

// fileInfo implements os.FileInfo for entry snapshots.
type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) Sys() interface{}   { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}
