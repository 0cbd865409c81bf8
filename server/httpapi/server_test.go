package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratosure/dbarbiter/config"
	"github.com/stratosure/dbarbiter/pkg/arbiter"
	"github.com/stratosure/dbarbiter/pkg/driver"
	"github.com/stratosure/dbarbiter/pkg/kvstore"
)

type stubConn struct{}

func (stubConn) Exec(ctx context.Context, sql string, args ...any) error { return nil }
func (stubConn) Ping(ctx context.Context) error                          { return nil }
func (stubConn) Release()                                                {}

type stubPool struct{}

func (stubPool) Acquire(ctx context.Context) (driver.Conn, error) { return stubConn{}, nil }
func (stubPool) Ping(ctx context.Context) error                   { return nil }
func (stubPool) Stat() driver.Stat                                { return driver.Stat{MaxConns: 10, IdleConns: 10} }
func (stubPool) Close()                                           {}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	arb, err := arbiter.New(arbiter.Options{
		Arbitration: &config.ArbitrationConfig{},
		KeyPrefix:   "test:",
		Store:       kvstore.NewMemoryStore(),
		MainPool:    stubPool{},
		ReadPools:   map[string]driver.Pool{"replica-1": stubPool{}},
		IsTransient: func(error) bool { return false },
	})
	require.NoError(t, err)

	srv, err := New(arb, Options{Addr: ":0", APIKey: "test-key"})
	require.NoError(t, err)
	return srv
}

func get(srv *Server, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestRequiresAPIKey(t *testing.T) {
	_, err := New(nil, Options{Addr: ":0"})
	assert.Error(t, err)
}

func TestHealthzIsPublic(t *testing.T) {
	srv := newTestServer(t)

	rec := get(srv, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["replicas_total"])
}

func TestPrometheusEndpointIsPublic(t *testing.T) {
	srv := newTestServer(t)

	rec := get(srv, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestDiagnosticsRequireAuth(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/metrics/pool/main", "/replicas", "/breakers"} {
		assert.Equal(t, http.StatusUnauthorized, get(srv, path, "").Code, path)
		assert.Equal(t, http.StatusUnauthorized, get(srv, path, "wrong-key").Code, path)
		assert.Equal(t, http.StatusOK, get(srv, path, "test-key").Code, path)
	}
}

func TestPoolMetricsResponse(t *testing.T) {
	srv := newTestServer(t)

	rec := get(srv, "/metrics/pool/main", "test-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snapshot struct {
		ActiveConnections int64 `json:"active_connections"`
		IdleConnections   int64 `json:"idle_connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.EqualValues(t, 0, snapshot.ActiveConnections)
	assert.EqualValues(t, 10, snapshot.IdleConnections)
}

func TestPoolMetricsUnknownType(t *testing.T) {
	srv := newTestServer(t)

	rec := get(srv, "/metrics/pool/bogus", "test-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplicasResponse(t *testing.T) {
	srv := newTestServer(t)

	rec := get(srv, "/replicas", "test-key")
	require.Equal(t, http.StatusOK, rec.Code)

	var replicas map[string]struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replicas))
	require.Contains(t, replicas, "replica-1")
	assert.True(t, replicas["replica-1"].Healthy)
}
