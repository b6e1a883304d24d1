package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/ingest"
	"github.com/loist/loist/internal/server/handlers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubIngestor struct{}

func (stubIngestor) Process(context.Context, ingest.Source, ingest.Options) (*database.Track, error) {
	return &database.Track{ID: "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e", State: database.StateCompleted}, nil
}

type stubPool struct{}

func (stubPool) HealthCheck(context.Context) error { return nil }
func (stubPool) Stats() database.PoolStats         { return database.PoolStats{} }

func testServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Embed.BaseURL = "https://loist.example"
	if mutate != nil {
		mutate(cfg)
	}
	h := handlers.New(cfg, stubIngestor{}, nil, nil, stubPool{})
	return New(cfg, h)
}

func TestBearerAuthGuardsToolAPI(t *testing.T) {
	srv := testServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Token = "s3cret"
	})

	// No token.
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/tools/health_check", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "AUTHENTICATION_FAILED", envelope["error"])

	// Wrong token.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/health_check", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Right token.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/tools/health_check", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthNeverGuardsProbesOrEmbeds(t *testing.T) {
	srv := testServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Token = "s3cret"
	})

	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// The embed page answers (with 404 here, not 401).
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embed/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := testServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tools/health_check", nil)
	req.Header.Set("Origin", "https://blog.example")
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestStdioLoop(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Transport = "stdio"
	cfg.Embed.BaseURL = "https://loist.example"
	h := handlers.New(cfg, stubIngestor{}, nil, nil, stubPool{})

	in := strings.NewReader(strings.Join([]string{
		`{"id":1,"tool":"health_check"}`,
		`not json at all`,
		`{"id":2,"tool":"no_such_tool"}`,
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, StdioLoop(context.Background(), h, in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, float64(1), first["id"])
	result := first["result"].(map[string]interface{})
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, "stdio", result["transport"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	errEnvelope := second["error"].(map[string]interface{})
	assert.Equal(t, "INVALID_QUERY", errEnvelope["error"])

	var third map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, float64(2), third["id"])
	errEnvelope = third["error"].(map[string]interface{})
	assert.Equal(t, "RESOURCE_NOT_FOUND", errEnvelope["error"])
}

func TestSSEEventsRouteOnlyOnSSETransport(t *testing.T) {
	httpSrv := testServer(t, nil)
	w := httptest.NewRecorder()
	httpSrv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
