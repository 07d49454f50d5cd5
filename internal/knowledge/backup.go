package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autocycle/internal/backend"
	"autocycle/internal/domain"
)

// BackupPrefix starts the name of every knowledge backup artifact. The suffix
// is a UTC timestamp that sorts lexicographically in creation order.
const BackupPrefix = "backups/knowledge_"

const backupStamp = "20060102T150405.000000000Z"

// ErrNothingToBackup is returned when no knowledge snapshot has been written yet.
var ErrNothingToBackup = errors.New("no knowledge snapshot to back up")

// Backups keeps a rolling window of copies of the knowledge snapshot.
type Backups struct {
	Backend   backend.Backend
	Retention int
	Now       func() time.Time
}

func (b Backups) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Create copies the current snapshot artifact and prunes old copies. It
// returns the new backup and the names removed by pruning.
func (b Backups) Create(ctx context.Context) (domain.Backup, []string, error) {
	data, err := b.Backend.Read(ctx, ArtifactName)
	if errors.Is(err, backend.ErrNotFound) {
		return domain.Backup{}, nil, ErrNothingToBackup
	}
	if err != nil {
		return domain.Backup{}, nil, fmt.Errorf("read knowledge snapshot: %w", err)
	}
	at := b.now().UTC()
	name := BackupPrefix + at.Format(backupStamp)
	if err := b.Backend.Write(ctx, name, data); err != nil {
		return domain.Backup{}, nil, fmt.Errorf("write backup: %w", err)
	}
	deleted, err := b.Prune(ctx)
	if err != nil {
		return domain.Backup{}, deleted, err
	}
	return domain.Backup{Name: name, CreatedAt: at, Size: len(data)}, deleted, nil
}

// Prune deletes the oldest backups beyond the retention window.
func (b Backups) Prune(ctx context.Context) ([]string, error) {
	if b.Retention <= 0 {
		return nil, nil
	}
	names, err := b.Backend.List(ctx, BackupPrefix)
	if err != nil {
		return nil, err
	}
	if len(names) <= b.Retention {
		return nil, nil
	}
	stale := names[:len(names)-b.Retention]
	var deleted []string
	for _, name := range stale {
		if err := b.Backend.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("prune backup: %w", err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// List returns retained backups, oldest first.
func (b Backups) List(ctx context.Context) ([]domain.Backup, error) {
	names, err := b.Backend.List(ctx, BackupPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Backup, 0, len(names))
	for _, name := range names {
		item := domain.Backup{Name: name}
		if at, err := time.Parse(backupStamp, strings.TrimPrefix(name, BackupPrefix)); err == nil {
			item.CreatedAt = at
		}
		if data, err := b.Backend.Read(ctx, name); err == nil {
			item.Size = len(data)
		}
		out = append(out, item)
	}
	return out, nil
}

// Restore validates a backup and copies it over the live snapshot artifact.
func (b Backups) Restore(ctx context.Context, name string) (map[string]domain.KnowledgeEntry, error) {
	if !strings.HasPrefix(name, BackupPrefix) {
		name = BackupPrefix + name
	}
	data, err := b.Backend.Read(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", name, err)
	}
	entries, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := b.Backend.Write(ctx, ArtifactName, data); err != nil {
		return nil, fmt.Errorf("restore backup %s: %w", name, err)
	}
	return entries, nil
}
