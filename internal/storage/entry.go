package storage

import (
	"time"
)

// FileEntry is a read-only snapshot of a file's metadata, taken at
// query time. Entries are never cached: every query re-reads the
// physical file's current status, so a previously obtained entry may
// be stale after any mutating operation.
type FileEntry struct {
	// Path is the slash-separated path relative to the provider root.
	Path string `json:"path"`
	// Name is the last path segment.
	Name string `json:"name"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
	// ModTime is the last modification time.
	ModTime time.Time `json:"mod_time"`
	// Extension is the file name extension including the leading dot,
	// empty if the name has none.
	Extension string `json:"extension,omitempty"`
	// ContentType is the detected MIME type, empty when detection was
	// not possible.
	ContentType string `json:"content_type,omitempty"`
}

// FolderEntry is a read-only snapshot of a folder's metadata, taken at
// query time. Size is the recursive sum of contained file sizes,
// excluding directory metadata overhead.
type FolderEntry struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// IsRoot reports whether the entry denotes the provider root, which
// has no parent.
func (e FolderEntry) IsRoot() bool { return e.Path == "" }
