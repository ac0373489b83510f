package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"failoverd/pkg/failover"
	"failoverd/pkg/health"
)

type stubNode struct {
	health   health.Status
	snapshot failover.Snapshot
}

func (n *stubNode) Health() health.Status       { return n.health }
func (n *stubNode) Snapshot() failover.Snapshot { return n.snapshot }

func newTestServer(n *stubNode) *Server {
	return NewServer(Config{Port: 0, Node: n, Logger: zap.NewNop()})
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	n := &stubNode{health: health.Status{Healthy: true, Detail: "MySQL serving required databases: mysql"}}
	s := newTestServer(n)

	w := do(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MySQL serving required databases: mysql", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	n.health = health.Status{Healthy: false, Detail: "SHOW DATABASES returned nothing"}
	w = do(t, s, "/health")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "SHOW DATABASES returned nothing", w.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	tick := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := &stubNode{snapshot: failover.Snapshot{
		Role:     failover.RoleSlave,
		Master:   "db1",
		Tag:      failover.TagSlave,
		Health:   health.Status{Healthy: true, Detail: "ok"},
		LastTick: tick,
	}}
	w := do(t, newTestServer(n), "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "slave", body["role"])
	assert.Equal(t, "db1", body["master"])
	assert.Equal(t, "slave", body["tag"])
	assert.Equal(t, "2024-05-01T12:00:00Z", body["last_tick"])
	assert.NotContains(t, body, "last_error")
}

func TestUnsupportedEndpoint(t *testing.T) {
	w := do(t, newTestServer(&stubNode{}), "/promote")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Unsupported endpoint", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&stubNode{health: health.Status{Healthy: true}})
	do(t, s, "/health")

	w := do(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `failoverd_http_requests_total{method="GET",path="/health",status="200"}`)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(&stubNode{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}
