// Package storage defines the Provider interface for path-scoped file
// and folder storage, plus the entry snapshots and error taxonomy every
// backend shares.
//
// All paths are slash-separated and relative to the provider's root;
// the empty path denotes the root itself. Backends must guarantee that
// no path can resolve outside the root (containment), rejecting rather
// than clamping anything that escapes.
package storage

import (
	"context"
	"io"
	"time"
)

// Provider is the interface for storage backends. Implementations map
// relative paths onto a physical store (local filesystem, S3, SMB
// mounts) and enforce per-operation existence pre-conditions.
//
// Strict operations surface typed failures (ErrInvalidPath,
// ErrNotFound, ErrAlreadyExists, *OpError); Try* variants and
// FileExists swallow every error category and reduce to a boolean.
// No serialization is added across concurrent calls to the same path;
// callers needing exclusivity must serialize externally.
type Provider interface {
	// GetFile returns a fresh metadata snapshot of the file at path.
	// Fails with ErrNotFound if no regular file exists there.
	GetFile(ctx context.Context, path string) (FileEntry, error)

	// ListFiles returns entries for the direct children of path that
	// are regular files. An absent folder yields an empty slice, not
	// an error.
	ListFiles(ctx context.Context, path string) ([]FileEntry, error)

	// ListFolders returns entries for the direct child folders of
	// path. If the folder is absent it is created first; this side
	// effect is part of the contract.
	ListFolders(ctx context.Context, path string) ([]FolderEntry, error)

	// GetFolder returns a fresh metadata snapshot of the folder at
	// path. Fails with ErrNotFound if no folder exists there.
	GetFolder(ctx context.Context, path string) (FolderEntry, error)

	// ParentFolder returns the snapshot of path's parent folder.
	// Fails with ErrNoParent when path denotes the root.
	ParentFolder(ctx context.Context, path string) (FolderEntry, error)

	// CreateFolder creates the folder at path, creating intermediate
	// folders as needed. Fails with ErrAlreadyExists if it is already
	// present.
	CreateFolder(ctx context.Context, path string) error

	// TryCreateFolder creates the folder if absent. Reports true on
	// creation or when the folder already existed; false on any
	// error. Never fails.
	TryCreateFolder(ctx context.Context, path string) bool

	// DeleteFolder recursively removes the folder and all its
	// contents. Fails with ErrNotFound if it does not exist.
	DeleteFolder(ctx context.Context, path string) error

	// MoveFolder moves the folder at oldPath to newPath. Fails with
	// ErrNotFound when the source is absent and ErrAlreadyExists when
	// the destination is present.
	MoveFolder(ctx context.Context, oldPath, newPath string) error

	// CreateFile creates an empty file at path, creating parent
	// folders as needed. Fails with ErrAlreadyExists if a file is
	// already present.
	CreateFile(ctx context.Context, path string) (FileEntry, error)

	// CreateOrReplaceFile deletes any existing file at path, then
	// creates a new empty file.
	CreateOrReplaceFile(ctx context.Context, path string) (FileEntry, error)

	// DeleteFile removes the file at path. Fails with ErrNotFound if
	// it does not exist.
	DeleteFile(ctx context.Context, path string) error

	// MoveFile moves the file at oldPath to newPath. Fails with
	// ErrNotFound when the source is absent and ErrAlreadyExists when
	// the destination is present.
	MoveFile(ctx context.Context, oldPath, newPath string) error

	// SaveStream creates the file at path and copies body into it in
	// bounded-size chunks until the reader is drained. The body is
	// caller-owned and not closed. Fails like CreateFile when the
	// target already exists.
	SaveStream(ctx context.Context, path string, body io.Reader) error

	// TrySaveStream is SaveStream with every error reduced to false.
	// Never fails.
	TrySaveStream(ctx context.Context, path string, body io.Reader) bool

	// OpenFile opens the file's content for reading. The caller must
	// close the returned reader. Fails with ErrNotFound if no file
	// exists at path.
	OpenFile(ctx context.Context, path string) (io.ReadCloser, error)

	// FileExists reports whether a regular file exists at path. Every
	// error, including containment violations, reads as false.
	FileExists(ctx context.Context, path string) bool

	// SharedAccessExpiry returns the default expiration instant used
	// when issuing time-limited external access URLs. The zero time
	// means no default is set.
	SharedAccessExpiry() time.Time

	// SetSharedAccessExpiry sets the default expiration instant. The
	// filesystem backend stores it without further semantics; URL
	// issuing collaborators read it.
	SetSharedAccessExpiry(t time.Time)

	// Type returns the backend type identifier ("local", "s3", "smb").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
