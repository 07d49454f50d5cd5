package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocycle/internal/db"
	"autocycle/internal/migrate"
)

func openAll(t *testing.T) map[string]Backend {
	t.Helper()
	out := map[string]Backend{}
	for _, kind := range Kinds {
		workspace := t.TempDir()
		conn, err := db.Open(db.Config{Workspace: workspace})
		require.NoError(t, err)
		require.NoError(t, migrate.Migrate(conn))
		b, err := Open(kind, workspace, conn)
		require.NoError(t, err, kind)
		t.Cleanup(func() {
			_ = b.Close()
			_ = conn.Close()
		})
		out[kind] = b
	}
	return out
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	for kind, b := range openAll(t) {
		t.Run(kind, func(t *testing.T) {
			_, err := b.Read(ctx, "state")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Write(ctx, "state", []byte(`{"v":1}`)))
			require.NoError(t, b.Write(ctx, "state", []byte(`{"v":2}`)))
			got, err := b.Read(ctx, "state")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(got))

			require.NoError(t, b.Delete(ctx, "state"))
			require.NoError(t, b.Delete(ctx, "state"))
			_, err = b.Read(ctx, "state")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackendListByPrefix(t *testing.T) {
	ctx := context.Background()
	for kind, b := range openAll(t) {
		t.Run(kind, func(t *testing.T) {
			for _, name := range []string{"backups/knowledge_0003", "knowledge", "backups/knowledge_0001", "backups/knowledge_0002"} {
				require.NoError(t, b.Write(ctx, name, []byte(name)))
			}
			names, err := b.List(ctx, "backups/")
			require.NoError(t, err)
			assert.Equal(t, []string{"backups/knowledge_0001", "backups/knowledge_0002", "backups/knowledge_0003"}, names)

			all, err := b.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 4)
		})
	}
}

func TestBackendRejectsInvalidNames(t *testing.T) {
	ctx := context.Background()
	for kind, b := range openAll(t) {
		t.Run(kind, func(t *testing.T) {
			for _, name := range []string{"", "/abs", "../escape", "a//b", "a/./b"} {
				assert.Error(t, b.Write(ctx, name, []byte("x")), name)
			}
		})
	}
}

func TestFileWriteLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	f, err := NewFile(root)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.Write(ctx, "backups/knowledge_x", []byte(strings.Repeat("x", i))))
	}
	entries, err := os.ReadDir(filepath.Join(root, "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "knowledge_x", entries[0].Name())
}

func TestFileReadHonoursCancelledContext(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Read(ctx, "state")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open("redis", t.TempDir(), nil)
	assert.Error(t, err)
	_, err = Open("sqlite", t.TempDir(), nil)
	assert.Error(t, err)
}

func TestCorruptNameKeepsSubSecondQuarantinesApart(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := CorruptName("knowledge", at)
	second := CorruptName("knowledge", at.Add(time.Millisecond))
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "knowledge.corrupt-20240301T120000."))
	assert.NoError(t, validName(first))
}
