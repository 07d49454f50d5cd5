package autocyclesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocycle/internal/backend"
	"autocycle/internal/config"
	"autocycle/internal/db"
	"autocycle/internal/engine"
	"autocycle/internal/events"
	"autocycle/internal/migrate"
	"autocycle/internal/server"
	"autocycle/internal/simulate"
)

const secret = "sdk-secret"

func newServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.Tick = config.Duration(5 * time.Millisecond)
	cfg.Learning.GroupPause = 0
	for i := range cfg.Strategies {
		cfg.Strategies[i].Latency = 0
	}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e, err := engine.New(engine.Options{
		Config:     cfg,
		Backend:    backend.NewSQLite(conn),
		DB:         conn,
		Logger:     zerolog.Nop(),
		Strategies: simulate.Strategies(cfg.Strategies, 7),
		Researcher: simulate.NewResearcher(8),
	})
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: secret},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func token(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestReadEndpoints(t *testing.T) {
	srv, e := newServer(t)
	ctx := context.Background()
	c := New(srv.URL + "/v0")

	require.NoError(t, c.Health(ctx))

	require.NoError(t, e.Knowledge.Put("defi_amm", json.RawMessage(`{"summary":"pools"}`)))
	require.NoError(t, e.Knowledge.Put("token_erc20", json.RawMessage(`{"summary":"fungible"}`)))
	require.NoError(t, e.Events.Append(ctx, events.TaskFailed, "value", "run-1", events.EventPayload{"error": "boom"}))
	require.NoError(t, e.Events.Append(ctx, events.ActionRecorded, "value", "run-2", events.EventPayload{"strategy": "B"}))

	st, err := c.Status(ctx, 5)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Knowledge)

	items, err := c.Knowledge(ctx, "defi_")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "defi_amm", items[0].Key)

	entry, err := c.KnowledgeEntry(ctx, "token_erc20")
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"fungible"}`, string(entry.Payload))

	_, err = c.KnowledgeEntry(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	page, err := c.EventsPage(ctx, EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, events.ActionRecorded, page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	page, err = c.EventsPage(ctx, EventFilter{Limit: 1, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, events.TaskFailed, page.Items[0].Type)

	failed, err := c.EventsPage(ctx, EventFilter{Type: events.TaskFailed, TaskID: "value"})
	require.NoError(t, err)
	require.Len(t, failed.Items, 1)
	assert.Equal(t, "run-1", failed.Items[0].RunID)
}

func TestStop(t *testing.T) {
	srv, e := newServer(t)
	ctx := context.Background()
	c := New(srv.URL + "/v0")

	var apiErr *APIError
	err := c.Stop(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c.BearerToken = token(t)
	err = c.Stop(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.Eventually(t, e.Running, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
