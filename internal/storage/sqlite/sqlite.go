// Package sqlite implements storage.Store on a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/runpad/runpad/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. Use ":memory:" for an in-memory database (useful for
// testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, name string, content []byte) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (name, content, size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			content = excluded.content,
			size = excluded.size,
			updated_at = excluded.updated_at`,
		name, content, len(content), now, now,
	)
	if err != nil {
		return fmt.Errorf("saving script: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}

	var content []byte
	row := s.db.QueryRowContext(ctx, `SELECT content FROM scripts WHERE name = ?`, name)
	if err := row.Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("querying script: %w", err)
	}
	return content, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]storage.Script, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, size, updated_at FROM scripts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	defer rows.Close()

	var scripts []storage.Script
	for rows.Next() {
		var sc storage.Script
		var updated string
		if err := rows.Scan(&sc.Name, &sc.Size, &updated); err != nil {
			return nil, fmt.Errorf("scanning script row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			sc.UpdatedAt = t
		}
		scripts = append(scripts, sc)
	}
	return scripts, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting script: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Stage(ctx context.Context, name string) (string, error) {
	content, err := s.Get(ctx, name)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp("", "runpad-run-*")
	if err != nil {
		return "", fmt.Errorf("creating stage dir: %w", err)
	}
	// The sandbox runs unprivileged; the mount must be world-readable
	// and the script executable for direct-execution policies.
	if err := os.Chmod(dir, 0o755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("preparing stage dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("staging script: %w", err)
	}
	return dir, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
