package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stashd/stashd/internal/storage"
	"github.com/stashd/stashd/internal/storage/local"
)

func newLocalProvider(t *testing.T) *local.LocalProvider {
	t.Helper()
	p, err := local.New(local.Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	return p
}

// newMountedRouter builds a Router with in-memory locations, bypassing
// the database-backed store.
func newMountedRouter(locs ...*Location) *Router {
	r := &Router{locations: make(map[int]*Location)}
	for i, loc := range locs {
		r.locations[i] = loc
		if loc.IsDefault || loc.Mount == "" {
			if r.defaultLoc == nil {
				r.defaultLoc = loc
			}
		}
		if loc.Mount != "" {
			r.mounts = append(r.mounts, loc)
		}
	}
	// Longest mount first, matching Reload's ordering.
	for i := 0; i < len(r.mounts); i++ {
		for j := i + 1; j < len(r.mounts); j++ {
			if len(r.mounts[j].Mount) > len(r.mounts[i].Mount) {
				r.mounts[i], r.mounts[j] = r.mounts[j], r.mounts[i]
			}
		}
	}
	return r
}

func TestStaticRouterResolvesEverything(t *testing.T) {
	p := newLocalProvider(t)
	r := NewStatic(p)

	got, rel, err := r.Resolve("any/path/at/all.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != storage.Provider(p) {
		t.Error("expected the static provider")
	}
	if rel != "any/path/at/all.txt" {
		t.Errorf("expected unchanged path, got %s", rel)
	}

	def, err := r.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if def != storage.Provider(p) {
		t.Error("Default returned a different provider")
	}
}

func TestResolveLongestMountWins(t *testing.T) {
	defP := newLocalProvider(t)
	archiveP := newLocalProvider(t)
	deepP := newLocalProvider(t)

	r := newMountedRouter(
		&Location{LocationRow: LocationRow{ID: 1, Name: "default", IsDefault: true}, Provider: defP},
		&Location{LocationRow: LocationRow{ID: 2, Name: "archive", Mount: "archive"}, Provider: archiveP},
		&Location{LocationRow: LocationRow{ID: 3, Name: "cold", Mount: "archive/cold"}, Provider: deepP},
	)

	cases := []struct {
		path     string
		provider storage.Provider
		rel      string
	}{
		{"docs/report.txt", defP, "docs/report.txt"},
		{"archive/2024/a.txt", archiveP, "2024/a.txt"},
		{"archive", archiveP, ""},
		{"archive/cold/b.txt", deepP, "b.txt"},
		{"archiveother/x.txt", defP, "archiveother/x.txt"},
		{"/leading/slash.txt", defP, "leading/slash.txt"},
	}
	for _, tc := range cases {
		p, rel, err := r.Resolve(tc.path)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tc.path, err)
			continue
		}
		if p != tc.provider {
			t.Errorf("Resolve(%q): wrong provider", tc.path)
		}
		if rel != tc.rel {
			t.Errorf("Resolve(%q): rel = %q, want %q", tc.path, rel, tc.rel)
		}
	}
}

func TestResolveForWriteReadOnly(t *testing.T) {
	defP := newLocalProvider(t)
	roP := newLocalProvider(t)

	r := newMountedRouter(
		&Location{LocationRow: LocationRow{ID: 1, IsDefault: true}, Provider: defP},
		&Location{LocationRow: LocationRow{ID: 2, Mount: "frozen", ReadOnly: true}, Provider: roP},
	)

	if _, _, err := r.Resolve("frozen/f.txt"); err != nil {
		t.Fatalf("read resolve: %v", err)
	}
	if _, _, err := r.ResolveForWrite("frozen/f.txt"); !errors.Is(err, ErrReadOnlyStorage) {
		t.Fatalf("expected ErrReadOnlyStorage, got %v", err)
	}
	if _, _, err := r.ResolveForWrite("elsewhere/f.txt"); err != nil {
		t.Fatalf("write resolve on default: %v", err)
	}
}

func TestResolveNoDefault(t *testing.T) {
	p := newLocalProvider(t)
	r := newMountedRouter(
		&Location{LocationRow: LocationRow{ID: 1, Mount: "only"}, Provider: p},
	)

	if _, _, err := r.Resolve("unmounted/path"); err == nil {
		t.Fatal("expected error when no location matches and no default exists")
	}
	if _, err := r.Default(); err == nil {
		t.Fatal("expected error from Default with no default location")
	}
}

func TestRouterEndToEnd(t *testing.T) {
	defP := newLocalProvider(t)
	mntP := newLocalProvider(t)

	r := newMountedRouter(
		&Location{LocationRow: LocationRow{ID: 1, IsDefault: true}, Provider: defP},
		&Location{LocationRow: LocationRow{ID: 2, Mount: "mnt"}, Provider: mntP},
	)
	ctx := context.Background()

	p, rel, err := r.ResolveForWrite("mnt/hello.txt")
	if err != nil {
		t.Fatalf("ResolveForWrite: %v", err)
	}
	if _, err := p.CreateFile(ctx, rel); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	// The file lives under the mounted provider, not the default one.
	if !mntP.FileExists(ctx, "hello.txt") {
		t.Error("file missing from mounted provider")
	}
	if defP.FileExists(ctx, "mnt/hello.txt") {
		t.Error("file leaked into the default provider")
	}
}
