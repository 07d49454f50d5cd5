package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLite keeps artifacts in the artifacts table of the workspace database.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(conn *sql.DB) *SQLite {
	return &SQLite{DB: conn, Now: time.Now}
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLite) Read(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	var data []byte
	err := s.DB.QueryRowContext(ctx, `SELECT data FROM artifacts WHERE name=?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	return data, nil
}

func (s *SQLite) Write(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO artifacts(name,data,updated_at) VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		name, data, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact %s: %w", name, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name FROM artifacts WHERE substr(name,1,?)=? ORDER BY name`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, name string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM artifacts WHERE name=?`, name); err != nil {
		return fmt.Errorf("delete artifact %s: %w", name, err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the caller.
func (s *SQLite) Close() error { return nil }
