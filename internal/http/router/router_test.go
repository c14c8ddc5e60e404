package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-flow/internal/config"
	"github.com/ignatzorin/escrow-flow/internal/http/handlers"
	"github.com/ignatzorin/escrow-flow/internal/lease"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/repository"
	"github.com/ignatzorin/escrow-flow/internal/service"
	"github.com/ignatzorin/escrow-flow/internal/workflow"
	"github.com/ignatzorin/escrow-flow/internal/ws"
)

func newTestServer(t *testing.T) (http.Handler, *service.TokenManager) {
	t.Helper()
	cfg := &config.Config{
		Env:             "test",
		AllowedOrigins:  []string{"http://localhost:3000"},
		RateLimitLimit:  100,
		RateLimitPeriod: time.Minute,
	}
	store := repository.NewMemoryStore()
	bridge := ledger.NewBridge(ledger.NewMemoryLedger(), store, ledger.Options{})
	engine := workflow.NewEngine(store, bridge, lease.NewManager(), workflow.Policy{LeaseDuration: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(ctx)

	tokens := service.NewTokenManager("router-test-secret-router-test-secret", time.Hour)
	r := SetupRouter(cfg, Handlers{
		Task:        handlers.NewTaskHandler(engine),
		Subunit:     handlers.NewSubunitHandler(engine, 1),
		Dispute:     handlers.NewDisputeHandler(engine),
		Maintenance: handlers.NewMaintenanceHandler(engine),
		Health:      handlers.NewHealthHandler(nil),
		WS:          handlers.NewWSHandler(hub, cfg.AllowedOrigins),
	}, tokens)
	return r, tokens
}

func TestHealthIsPublic(t *testing.T) {
	r, _ := newTestServer(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	r, _ := newTestServer(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRejectRegularUser(t *testing.T) {
	r, tokens := newTestServer(t)
	token, _, err := tokens.Issue(uuid.New(), "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/leases/sweep", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListTasksWithToken(t *testing.T) {
	r, tokens := newTestServer(t)
	token, _, err := tokens.Issue(uuid.New(), "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)
}

func TestInvalidIDRejected(t *testing.T) {
	r, tokens := newTestServer(t)
	token, _, err := tokens.Issue(uuid.New(), "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
