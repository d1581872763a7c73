package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // postgres driver
)

// LocationRow is one configured storage location: a mount prefix plus
// the backend config that serves paths under it.
type LocationRow struct {
	ID          int
	Name        string
	Mount       string // slash-relative path prefix, "" for the default mount
	BackendType string // "local", "s3", "smb"
	Config      json.RawMessage
	IsDefault   bool
	ReadOnly    bool
	Priority    int
}

// LocationStore persists storage locations in PostgreSQL.
type LocationStore struct {
	db *sql.DB
}

// OpenLocationStore connects to PostgreSQL and ensures the locations
// table exists.
func OpenLocationStore(databaseURL string) (*LocationStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &LocationStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LocationStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS storage_locations (
			id           SERIAL PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			mount        TEXT NOT NULL DEFAULT '',
			backend_type TEXT NOT NULL,
			config       JSONB NOT NULL,
			is_default   BOOLEAN NOT NULL DEFAULT FALSE,
			read_only    BOOLEAN NOT NULL DEFAULT FALSE,
			priority     INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("migrate storage_locations: %w", err)
	}
	return nil
}

// List returns all configured locations ordered by priority descending.
func (s *LocationStore) List(ctx context.Context) ([]LocationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, mount, backend_type, config, is_default, read_only, priority
		FROM storage_locations
		ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list storage locations: %w", err)
	}
	defer rows.Close()

	var out []LocationRow
	for rows.Next() {
		var r LocationRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Mount, &r.BackendType, &r.Config,
			&r.IsDefault, &r.ReadOnly, &r.Priority); err != nil {
			return nil, fmt.Errorf("scan storage location: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert inserts or updates a location by name.
func (s *LocationStore) Upsert(ctx context.Context, row LocationRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_locations (name, mount, backend_type, config, is_default, read_only, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			mount = EXCLUDED.mount,
			backend_type = EXCLUDED.backend_type,
			config = EXCLUDED.config,
			is_default = EXCLUDED.is_default,
			read_only = EXCLUDED.read_only,
			priority = EXCLUDED.priority`,
		row.Name, row.Mount, row.BackendType, row.Config, row.IsDefault, row.ReadOnly, row.Priority)
	if err != nil {
		return fmt.Errorf("upsert storage location %s: %w", row.Name, err)
	}
	return nil
}

// Delete removes a location by name.
func (s *LocationStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM storage_locations WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete storage location %s: %w", name, err)
	}
	return nil
}

// Close closes the database connection.
func (s *LocationStore) Close() error { return s.db.Close() }
