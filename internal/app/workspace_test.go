package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocycle/internal/backend"
	"autocycle/internal/config"
	"autocycle/internal/migrate"
)

func TestOpenDefaultsToSQLite(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir)
	require.NoError(t, err)
	defer ws.Close()

	assert.IsType(t, &backend.SQLite{}, ws.Backend)
	assert.Equal(t, config.Default(), ws.Config)
	assert.Equal(t, migrate.Latest(), ws.Schema)
	_, err = os.Stat(filepath.Join(dir, config.Dir, "autocycle.db"))
	assert.NoError(t, err)
}

func TestOpenHonorsConfiguredBackend(t *testing.T) {
	for kind, want := range map[string]any{"file": &backend.File{}, "bolt": &backend.Bolt{}} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(config.Path(dir), []byte("storage:\n  backend: "+kind+"\n"), 0o644))
			ws, err := Open(dir)
			require.NoError(t, err)
			defer ws.Close()
			assert.IsType(t, want, ws.Backend)

			ctx := context.Background()
			require.NoError(t, ws.Backend.Write(ctx, "scratch", []byte("x")))
			got, err := ws.Backend.Read(ctx, "scratch")
			require.NoError(t, err)
			assert.Equal(t, []byte("x"), got)
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("storage:\n  backend: redis\n"), 0o644))
	_, err := Open(dir)
	assert.ErrorContains(t, err, "load config")
}

func TestWorkspaceEngineRecoversEmpty(t *testing.T) {
	ws, err := Open(t.TempDir())
	require.NoError(t, err)
	defer ws.Close()
	e, err := ws.Engine(zerolog.Nop(), nil, 42)
	require.NoError(t, err)
	e.Recover(context.Background())
	st := e.Status(5)
	assert.Zero(t, st.Counters.CyclesCompleted)
	assert.False(t, st.Running)
	assert.Empty(t, st.Tasks)
}
