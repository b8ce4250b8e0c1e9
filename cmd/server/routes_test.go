package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsgate/hlsgate/internal/accesslog"
	"github.com/hlsgate/hlsgate/internal/api"
	"github.com/hlsgate/hlsgate/internal/auth"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/origin"
	"github.com/hlsgate/hlsgate/internal/proxy"
	"github.com/hlsgate/hlsgate/internal/session"
	"github.com/hlsgate/hlsgate/internal/traffic"
	"github.com/hlsgate/hlsgate/internal/transfer"
	"github.com/hlsgate/hlsgate/internal/whitelist"
)

func newTestRoutes(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "seg001.ts"), []byte("segment"), 0o644))
	org, err := origin.NewFilesystem(root)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Auth.SecretKey = "test-secret"
	cfg.Auth.APIKey = "admin-key"
	cfg.Backend.Mode = "filesystem"
	cfg.Backend.FilesystemRoot = root
	cfgFn := func() *config.Config { return cfg }

	wl := whitelist.NewStore(client, func() whitelist.Config {
		return whitelist.Config{
			MaxPathsPerEntry:   cfg.Auth.MaxPathsPerEntry,
			MaxUAIPPairsPerUID: cfg.Auth.MaxUAIPPairsPerUID,
			TTL:                cfg.Auth.IPAccessTTL,
		}
	})
	sessions := session.NewStore(client, cfg.Auth.SessionTTL)
	logs := accesslog.NewStore(client)
	limiter := auth.NewM3U8Limiter(client, func() config.M3U8Config { return cfg.M3U8 })
	pipeline := auth.NewPipeline(cfgFn, sessions, wl, limiter, logs, nil)
	engine := traffic.NewEngine(func() config.TrafficConfig { return cfg.Traffic }, nil)
	registry := transfer.NewRegistry()

	proxyHandler := proxy.NewHandler(cfgFn, pipeline, org, registry, engine, nil)
	apiHandler := api.NewHandler(api.Deps{
		Config:    cfgFn,
		Redis:     client,
		Traffic:   engine,
		Registry:  registry,
		Logs:      logs,
		Whitelist: wl,
		Checker:   nil,
	})

	return buildRoutes(cfgFn, proxyHandler, apiHandler)
}

func TestHealthIsOpen(t *testing.T) {
	routes := newTestRoutes(t)

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMonitoringEndpointsAreOpen(t *testing.T) {
	routes := newTestRoutes(t)

	paths := []string{
		"/stats",
		"/traffic",
		"/monitor",
		"/active-transfers",
		"/api/access-logs/denied",
		"/api/access-logs/recent",
		"/api/access-logs/summary",
		"/api/replay-logs",
		"/whitelist-info?uid=u1",
	}
	for _, path := range paths {
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestAdminPostsRequireKey(t *testing.T) {
	routes := newTestRoutes(t)
	payload := `{"uid":"u1","path":"/a/show/x.m3u8","ip":"203.0.113.5","user_agent":"vlc/3.0"}`

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/whitelist", strings.NewReader(payload)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/whitelist", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer admin-key")
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/static-whitelist", strings.NewReader(payload)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsExposed(t *testing.T) {
	routes := newTestRoutes(t)

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hlsgate_")
}

func TestMediaPathsFallThroughToProxy(t *testing.T) {
	routes := newTestRoutes(t)

	// Fully allowed extension streams straight through.
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/seg001.ts", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "segment", w.Body.String())

	// Unauthorized media is denied by the pipeline, not the mux.
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private/movie.mp4", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHeadRoutesToProxy(t *testing.T) {
	routes := newTestRoutes(t)

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/seg001.ts", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "7", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.String())
}

func TestNonMediaMethodsRejected(t *testing.T) {
	routes := newTestRoutes(t)

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/seg001.ts", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
