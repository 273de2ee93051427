package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardguard/predictbot/internal/storage"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *storage.Database) {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	return New(Config{APIKey: apiKey}, db, nil, nil), db
}

func TestAPIKeyMiddleware(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// the query-parameter form works too
	req = httptest.NewRequest(http.MethodGet, "/api/positions?api_key=secret", nil)
	rec = httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyNotRequiredWhenUnset(t *testing.T) {
	s, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpointIsUngated(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "health probes must not need credentials")
}

func TestPositionsEndpointReturnsRows(t *testing.T) {
	s, db := newTestServer(t, "")

	now := time.Now().UTC()
	require.NoError(t, db.SavePosition(&storage.Position{
		ID: "pos-1", TokenID: "tok-1", Status: "open",
		Size: decimal.NewFromInt(20), EntryPrice: decimal.NewFromFloat(0.95),
		CreatedAt: now, UpdatedAt: now,
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []storage.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "pos-1", rows[0].ID)
}

func TestRejectionsEndpointWithoutEngine(t *testing.T) {
	s, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/rejections", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
