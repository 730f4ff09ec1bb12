package adminplane_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coredns-labs/authdns/internal/adminplane"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func performRequest(r http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newTestHandler(getStats adminplane.StatsFunc) http.Handler {
	h := adminplane.NewHandler(getStats)
	r := gin.New()
	adminplane.RegisterRoutes(r, h)
	return r
}

func TestServer_Addr(t *testing.T) {
	srv := adminplane.New("0.0.0.0", 9090, nil, nil)
	assert.Equal(t, "0.0.0.0:9090", srv.Addr())
}

func TestHealthz_ReturnsOK(t *testing.T) {
	w := performRequest(newTestHandler(nil), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp adminplane.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestStats_WithNilCallbackReturnsZeroDNSCounters(t *testing.T) {
	w := performRequest(newTestHandler(nil), http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp adminplane.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Uptime)
	assert.Zero(t, resp.DNSStats.QueriesTotal)
}

func TestStats_ReflectsCallback(t *testing.T) {
	getStats := func() adminplane.DNSStatsResponse {
		return adminplane.DNSStatsResponse{QueriesTotal: 42, QueriesUDP: 40, QueriesTCP: 2}
	}
	w := performRequest(newTestHandler(getStats), http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp adminplane.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(42), resp.DNSStats.QueriesTotal)
	assert.Equal(t, uint64(40), resp.DNSStats.QueriesUDP)
	assert.Equal(t, uint64(2), resp.DNSStats.QueriesTCP)
}
