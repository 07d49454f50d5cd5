package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAndLogFile(t *testing.T) {
	workspace := t.TempDir()
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Workspace: workspace, Out: &buf})
	require.NoError(t, err)
	l.Info().Str("task", "learning").Msg("task finished")
	require.NoError(t, l.Close())

	assert.Contains(t, buf.String(), `"task":"learning"`)
	data, err := os.ReadFile(filepath.Join(workspace, ".autocycle", "logs", "autocycle.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "task finished")
}

func TestNewRejectsUnknownOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Format: "json", Out: &buf})
	require.NoError(t, err)
	l.Info().Msg("quiet")
	l.Warn().Msg("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}
