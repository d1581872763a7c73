package s3

import (
	"path"
	"strings"

	"github.com/stashd/stashd/internal/storage"
)

// keyspace maps slash-relative paths onto object keys under a fixed
// key prefix. Object stores have no symlinks, so containment here is
// purely lexical: a path whose cleaned form climbs above the prefix is
// rejected, never clamped.
type keyspace struct {
	prefix string // empty, or normalized with no leading/trailing slash
}

func newKeyspace(prefix string) keyspace {
	return keyspace{prefix: strings.Trim(prefix, "/")}
}

// resolve validates rel and returns the object key it denotes. The
// empty path denotes the keyspace root, whose key equals the prefix.
func (k keyspace) resolve(rel string) (string, error) {
	if rel == "" {
		return k.prefix, nil
	}
	if path.IsAbs(rel) || strings.Contains(rel, "\\") {
		return "", storage.ErrInvalidPath
	}
	cleaned := path.Clean(rel)
	if cleaned == "." {
		return k.prefix, nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", storage.ErrInvalidPath
	}
	if k.prefix == "" {
		return cleaned, nil
	}
	return k.prefix + "/" + cleaned, nil
}

// dirPrefix returns the listing prefix for the folder key: the key
// followed by a slash, or empty for the unprefixed root.
func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

// relFromKey converts an object key back into a path relative to the
// keyspace root.
func (k keyspace) relFromKey(key string) string {
	if k.prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, k.prefix), "/")
}
