// Package backend stores the named artifacts that survive process restarts:
// the counters/log state, the knowledge snapshot and its backups.
//
// Every Write is atomic: a crash mid-write leaves either the previous bytes or
// the new bytes under the name, never a torn mix.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"autocycle/internal/config"
)

// ErrNotFound is returned by Read when no artifact has the given name.
var ErrNotFound = errors.New("artifact not found")

// Backend is a small key/value store of artifact bytes.
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	// List returns the names starting with prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes name; deleting a missing artifact is not an error.
	Delete(ctx context.Context, name string) error
	Close() error
}

// Kinds lists the supported storage.backend values.
var Kinds = []string{"sqlite", "file", "bolt"}

// Open builds the backend selected by kind. conn is only used by the sqlite
// backend and is not closed by it.
func Open(kind, workspace string, conn *sql.DB) (Backend, error) {
	switch kind {
	case "", "sqlite":
		if conn == nil {
			return nil, errors.New("sqlite backend requires a database connection")
		}
		return NewSQLite(conn), nil
	case "file":
		return NewFile(filepath.Join(config.DataDir(workspace), "artifacts"))
	case "bolt":
		return OpenBolt(filepath.Join(config.DataDir(workspace), "artifacts.bolt"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want one of %s)", kind, strings.Join(Kinds, ", "))
	}
}

// CorruptName is where an unreadable artifact is copied aside before a cold
// start overwrites it. Nanosecond stamps keep repeated quarantines apart.
func CorruptName(name string, at time.Time) string {
	return fmt.Sprintf("%s.corrupt-%s", name, at.UTC().Format("20060102T150405.000000000Z"))
}

func validName(name string) error {
	if name == "" {
		return errors.New("artifact name is empty")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid artifact name %q", name)
		}
	}
	return nil
}
