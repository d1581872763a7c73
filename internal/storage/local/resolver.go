package local

import (
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/stashd/stashd/internal/storage"
)

// Resolver maps slash-separated relative paths onto absolute paths
// under a fixed root directory. It is the containment boundary: a
// resolved path that lands outside the root is rejected with
// storage.ErrInvalidPath, never clamped back inside.
type Resolver struct {
	root string // canonical absolute root, symlinks resolved
}

// NewResolver canonicalizes root and returns a resolver scoped to it.
// The root must be an absolute path to an existing directory.
func NewResolver(root string) (*Resolver, error) {
	if !filepath.IsAbs(root) {
		return nil, errors.New("root must be an absolute path")
	}
	canon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve validates rel and returns the absolute path it denotes.
// The empty path denotes the root itself. Separator translation,
// symlink canonicalization and the containment check all happen here;
// canonicalization failures are reported as storage.ErrInvalidPath
// rather than propagated.
func (r *Resolver) Resolve(rel string) (string, error) {
	if rel == "" {
		return r.root, nil
	}
	// Absolute overrides and volume/UNC prefixes are rejected outright
	// rather than letting the join silently clamp them under the root.
	native := filepath.FromSlash(rel)
	if path.IsAbs(rel) || filepath.IsAbs(native) || filepath.VolumeName(native) != "" {
		return "", storage.ErrInvalidPath
	}

	candidate := filepath.Join(r.root, native)
	canon, err := canonicalize(candidate)
	if err != nil {
		return "", storage.ErrInvalidPath
	}
	if !within(r.root, canon) {
		return "", storage.ErrInvalidPath
	}
	return canon, nil
}

// canonicalize resolves path to its absolute, symlink-free form. For
// targets that do not exist yet, the deepest existing ancestor is
// resolved and the remaining segments are appended lexically.
func canonicalize(p string) (string, error) {
	p = filepath.Clean(p)
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(p)
	if parent == p {
		return "", err
	}
	canonParent, err := canonicalize(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(canonParent, filepath.Base(p)), nil
}

// within reports whether p equals root or sits underneath it. The
// comparison is case-insensitive so containment holds on
// case-insensitive filesystems.
func within(root, p string) bool {
	if len(p) < len(root) {
		return false
	}
	if !strings.EqualFold(p[:len(root)], root) {
		return false
	}
	if len(p) == len(root) {
		return true
	}
	return p[len(root)] == filepath.Separator
}
