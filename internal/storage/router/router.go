package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/storage"
)

// ErrReadOnlyStorage is returned when a write operation targets a
// read-only storage location.
var ErrReadOnlyStorage = errors.New("storage location is read-only")

// Location pairs a LocationRow with its instantiated Provider.
type Location struct {
	LocationRow
	Provider storage.Provider
}

// Router resolves which storage provider serves a given relative path
// by longest mount-prefix match, falling back to the default location.
type Router struct {
	mu         sync.RWMutex
	locations  map[int]*Location
	mounts     []*Location // sorted by mount length descending
	defaultLoc *Location
	locStore   *LocationStore
}

// NewRouter creates a Router backed by the location store and loads
// all configured locations.
func NewRouter(ctx context.Context, locStore *LocationStore) (*Router, error) {
	r := &Router{
		locations: make(map[int]*Location),
		locStore:  locStore,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return r, nil
}

// NewStatic creates a Router with a single default provider and no
// location store. Used when no database is configured.
func NewStatic(p storage.Provider) *Router {
	loc := &Location{
		LocationRow: LocationRow{Name: "default", IsDefault: true},
		Provider:    p,
	}
	return &Router{
		locations:  map[int]*Location{0: loc},
		defaultLoc: loc,
	}
}

// Reload re-reads all storage locations and re-instantiates providers
// whose config changed.
func (r *Router) Reload(ctx context.Context) error {
	if r.locStore == nil {
		return nil
	}
	rows, err := r.locStore.List(ctx)
	if err != nil {
		return err
	}

	newLocations := make(map[int]*Location, len(rows))
	var newMounts []*Location
	var newDefault *Location

	for _, row := range rows {
		r.mu.RLock()
		existing := r.locations[row.ID]
		r.mu.RUnlock()

		var provider storage.Provider
		if existing != nil && string(existing.Config) == string(row.Config) && existing.BackendType == row.BackendType {
			provider = existing.Provider
		} else {
			provider, err = NewProviderFromConfig(ctx, row.BackendType, row.Config)
			if err != nil {
				logging.Error("failed to initialize storage provider",
					zap.Int("location_id", row.ID),
					zap.String("name", row.Name),
					zap.Error(err))
				continue
			}
			if existing != nil && existing.Provider != nil {
				existing.Provider.Close()
			}
		}

		loc := &Location{LocationRow: row, Provider: provider}
		newLocations[row.ID] = loc

		if row.IsDefault || row.Mount == "" {
			if newDefault == nil {
				newDefault = loc
			}
		}
		if row.Mount != "" {
			newMounts = append(newMounts, loc)
		}
	}

	sort.Slice(newMounts, func(i, j int) bool {
		return len(newMounts[i].Mount) > len(newMounts[j].Mount)
	})

	r.mu.Lock()
	r.locations = newLocations
	r.mounts = newMounts
	r.defaultLoc = newDefault
	r.mu.Unlock()

	logging.Info("storage router reloaded",
		zap.Int("locations", len(newLocations)),
		zap.Int("mounts", len(newMounts)),
		zap.Bool("has_default", newDefault != nil))

	return nil
}

// Resolve returns the provider serving path plus the path rewritten
// relative to that provider's mount.
func (r *Router) Resolve(path string) (storage.Provider, string, error) {
	loc, rel, err := r.resolveLocation(path)
	if err != nil {
		return nil, "", err
	}
	return loc.Provider, rel, nil
}

// ResolveForWrite is Resolve plus a read-only check on the location.
func (r *Router) ResolveForWrite(path string) (storage.Provider, string, error) {
	loc, rel, err := r.resolveLocation(path)
	if err != nil {
		return nil, "", err
	}
	if loc.ReadOnly {
		return nil, "", ErrReadOnlyStorage
	}
	return loc.Provider, rel, nil
}

func (r *Router) resolveLocation(path string) (*Location, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trimmed := strings.TrimPrefix(path, "/")
	for _, loc := range r.mounts {
		if trimmed == loc.Mount {
			return loc, "", nil
		}
		if strings.HasPrefix(trimmed, loc.Mount+"/") {
			return loc, strings.TrimPrefix(trimmed, loc.Mount+"/"), nil
		}
	}
	if r.defaultLoc != nil {
		return r.defaultLoc, trimmed, nil
	}
	return nil, "", fmt.Errorf("no storage provider available for %q", path)
}

// Default returns the default provider or an error when none is
// configured.
func (r *Router) Default() (storage.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultLoc != nil {
		return r.defaultLoc.Provider, nil
	}
	return nil, errors.New("no default storage provider configured")
}

// Close closes all provider connections.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, loc := range r.locations {
		if loc.Provider != nil {
			loc.Provider.Close()
		}
	}
	return nil
}
