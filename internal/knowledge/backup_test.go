package knowledge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestBackupWithoutSnapshot(t *testing.T) {
	b := Backups{Backend: newBackend(t), Retention: 3}
	_, _, err := b.Create(context.Background())
	assert.ErrorIs(t, err, ErrNothingToBackup)
}

func TestBackupRetentionKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := newBackend(t)
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry()
	const window, inserted = 4, 11
	b := Backups{Backend: store, Retention: window, Now: c.now}

	var created []string
	for i := 0; i < inserted; i++ {
		require.NoError(t, r.Put("counter", json.RawMessage([]byte{byte('0' + i%10)})))
		require.NoError(t, r.Persist(ctx, store))
		bk, _, err := b.Create(ctx)
		require.NoError(t, err)
		created = append(created, bk.Name)
	}

	list, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, window)
	for i, item := range list {
		assert.Equal(t, created[inserted-window+i], item.Name)
		assert.False(t, item.CreatedAt.IsZero())
		assert.Positive(t, item.Size)
	}
}

func TestBackupPruneReportsDeleted(t *testing.T) {
	ctx := context.Background()
	store := newBackend(t)
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry()
	require.NoError(t, r.Put("k", json.RawMessage(`1`)))
	require.NoError(t, r.Persist(ctx, store))

	b := Backups{Backend: store, Retention: 2, Now: c.now}
	first, _, err := b.Create(ctx)
	require.NoError(t, err)
	_, _, err = b.Create(ctx)
	require.NoError(t, err)
	_, deleted, err := b.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.Name}, deleted)
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	store := newBackend(t)
	r := NewRegistry()
	require.NoError(t, r.Put("old", json.RawMessage(`"v1"`)))
	require.NoError(t, r.Persist(ctx, store))
	b := Backups{Backend: store, Retention: 5}
	bk, _, err := b.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Put("new", json.RawMessage(`"v2"`)))
	require.NoError(t, r.Persist(ctx, store))

	entries, err := b.Restore(ctx, bk.Name)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	loaded := NewRegistry()
	n, err := loaded.LoadFrom(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := loaded.Get("old")
	assert.True(t, ok)
}
