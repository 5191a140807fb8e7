package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numbers-betting-backend/internal/config"
	"numbers-betting-backend/internal/handlers"
	"numbers-betting-backend/internal/models"
	"numbers-betting-backend/internal/observability"
	"numbers-betting-backend/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	jwt    *services.JWTService
	store  *services.MemoryStore
	hub    *handlers.WebSocketHub
	health *observability.HealthChecker
}

func newTestServer(t *testing.T, engine handlers.SessionEnder) *testServer {
	t.Helper()

	log := zerolog.New(io.Discard)
	store := services.NewMemoryStore()
	hub := handlers.NewWebSocketHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	if engine == nil {
		engine = services.NewSettlementEngine(store, hub, log)
	}

	health := observability.NewHealthChecker()
	health.AddCheck("ledger", store.Ping)
	health.SetReady(true)

	jwtService := services.NewJWTService(&config.Config{JWTSecret: "handler-secret"})
	router := handlers.NewRouter(handlers.RouterConfig{
		JWT:      jwtService,
		WS:       handlers.NewWebSocketHandler(hub, log),
		Sessions: handlers.NewSessionHandler(engine, store, log),
		Users:    handlers.NewUserHandler(store, log),
		Metrics:  observability.NewMetrics().Handler(),
		Health:   health,
		Log:      log,
	})

	return &testServer{router: router, jwt: jwtService, store: store, hub: hub, health: health}
}

func (s *testServer) token(t *testing.T, userID int64, role models.UserRole) string {
	t.Helper()
	token, err := s.jwt.GenerateToken(userID, role)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = srv.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	srv.health.AddCheck("redis", func(ctx context.Context) error {
		return errors.New("dial tcp: connection refused")
	})
	w = srv.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "redis", body["check"])

	// liveness ignores dependency checks
	w = srv.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	srv.health.SetReady(false)
	w = srv.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodGet, "/api/sessions/active", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	req.Header.Set("Authorization", "Token abc")
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.do(t, http.MethodGet, "/api/sessions/active", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.do(t, http.MethodPost, "/api/admin/sessions/1/end", srv.token(t, 5, models.RoleUser))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetActiveSessions(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.store.AddSession(models.GameSession{Name: "Open", EndTime: time.Now().Add(time.Hour)})
	srv.store.AddSession(models.GameSession{Name: "Closed", EndTime: time.Now().Add(-time.Hour)})

	w := srv.do(t, http.MethodGet, "/api/sessions/active", srv.token(t, 5, models.RoleUser))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []models.GameSession `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "Open", body.Sessions[0].Name)
}

func TestGetSessionBets(t *testing.T) {
	srv := newTestServer(t, nil)
	user := srv.store.AddUser(models.User{Username: "alice"})
	other := srv.store.AddUser(models.User{Username: "bob"})
	session := srv.store.AddSession(models.GameSession{EndTime: time.Now().Add(time.Hour)})
	srv.store.AddBet(models.Bet{UserID: user.ID, SessionID: session.ID, SelectedNumber: 7, Amount: decimal.RequireFromString("1.00")})
	srv.store.AddBet(models.Bet{UserID: other.ID, SessionID: session.ID, SelectedNumber: 8, Amount: decimal.RequireFromString("1.00")})

	path := "/api/sessions/" + itoa(session.ID) + "/bets"
	w := srv.do(t, http.MethodGet, path, srv.token(t, user.ID, models.RoleUser))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Bets []models.Bet `json:"bets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Bets, 1)
	assert.Equal(t, 7, body.Bets[0].SelectedNumber)

	w = srv.do(t, http.MethodGet, "/api/sessions/abc/bets", srv.token(t, user.ID, models.RoleUser))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEndSession(t *testing.T) {
	srv := newTestServer(t, nil)
	user := srv.store.AddUser(models.User{Username: "alice", WalletBalance: decimal.RequireFromString("100.00")})
	session := srv.store.AddSession(models.GameSession{
		Name:          "Evening Draw",
		EndTime:       time.Now().Add(time.Hour),
		WinningNumber: models.IntPtr(7),
	})
	srv.store.AddBet(models.Bet{UserID: user.ID, SessionID: session.ID, SelectedNumber: 7, Amount: decimal.RequireFromString("10.00")})

	admin := srv.token(t, 900, models.RoleAdmin)
	path := "/api/admin/sessions/" + itoa(session.ID) + "/end"

	w := srv.do(t, http.MethodPost, path, admin)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["already_settled"])
	assert.Equal(t, float64(1), body["bets_resolved"])
	assert.Equal(t, "90", body["total_payouts"])

	u, _ := srv.store.User(user.ID)
	assert.Equal(t, "190.00", models.FormatAmount(u.WalletBalance))

	logs := srv.store.AdminLogs()
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].AdminID)
	assert.Equal(t, int64(900), *logs[0].AdminID)

	w = srv.do(t, http.MethodPost, path, admin)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["already_settled"])

	w = srv.do(t, http.MethodPost, "/api/admin/sessions/9999/end", admin)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(t, http.MethodPost, "/api/admin/sessions/zero/end", admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type failingEnder struct{}

func (failingEnder) EndSession(ctx context.Context, sessionID, adminID int64) (*models.SettlementResult, error) {
	return nil, &services.StorageError{Op: "commit", Err: errors.New("connection reset"), Transient: true}
}

func (failingEnder) RefreshActiveSessions(ctx context.Context) error {
	return nil
}

func TestEndSessionStorageFailure(t *testing.T) {
	srv := newTestServer(t, failingEnder{})

	w := srv.do(t, http.MethodPost, "/api/admin/sessions/3/end", srv.token(t, 900, models.RoleAdmin))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["retryable"])
}
