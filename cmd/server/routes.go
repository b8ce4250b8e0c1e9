package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hlsgate/hlsgate/internal/api"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/proxy"
)

// buildRoutes assembles the full HTTP surface: the open monitoring
// endpoints, the key-protected admin mutations, metrics, and the
// catch-all media proxy.
func buildRoutes(cfg func() *config.Config, proxyHandler *proxy.Handler, apiHandler *api.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", apiHandler.Health)
	mux.HandleFunc("GET /monitor", apiHandler.Monitor)
	mux.HandleFunc("GET /stats", apiHandler.Stats)
	mux.HandleFunc("GET /traffic", apiHandler.Traffic)
	mux.HandleFunc("GET /active-transfers", apiHandler.ActiveTransfers)
	mux.HandleFunc("GET /api/access-logs/denied", apiHandler.DeniedLogs)
	mux.HandleFunc("GET /api/access-logs/recent", apiHandler.RecentLogs)
	mux.HandleFunc("GET /api/access-logs/summary", apiHandler.LogsSummary)
	mux.HandleFunc("GET /api/replay-logs", apiHandler.ReplayLogs)
	mux.HandleFunc("GET /whitelist-info", apiHandler.WhitelistInfo)

	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return apiHandler.RateLimit(apiHandler.RequireAPIKey(h))
	}

	mux.HandleFunc("POST /api/whitelist", admin(apiHandler.AddWhitelist))
	mux.HandleFunc("POST /api/static-whitelist", admin(apiHandler.AddStaticWhitelist))
	mux.HandleFunc("POST /api/file/check", admin(apiHandler.FileCheck))
	mux.HandleFunc("POST /api/file/check/batch", admin(apiHandler.FileCheckBatch))

	if cfg().Metrics.Enabled {
		path := cfg().Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	// Everything else is a media path. A GET pattern also matches HEAD,
	// so this routes both methods to the proxy.
	mux.Handle("GET /", proxyHandler)

	return corsMiddleware(mux)
}
