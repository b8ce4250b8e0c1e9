// Package api provides the monitoring and admin JSON endpoints: health,
// stats, active transfers, access logs, whitelist administration, and
// file existence checks.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hlsgate/hlsgate/internal/accesslog"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/filecheck"
	"github.com/hlsgate/hlsgate/internal/traffic"
	"github.com/hlsgate/hlsgate/internal/transfer"
	"github.com/hlsgate/hlsgate/internal/whitelist"
)

// Handler serves the monitoring and admin surface.
type Handler struct {
	cfg       func() *config.Config
	redis     goredis.UniversalClient
	traffic   *traffic.Engine
	registry  *transfer.Registry
	logs      *accesslog.Store
	whitelist *whitelist.Store
	checker   *filecheck.Checker
	limiter   *ipRateLimiter
	logger    *slog.Logger
	startTime time.Time
}

// Deps collects handler dependencies.
type Deps struct {
	Config    func() *config.Config
	Redis     goredis.UniversalClient
	Traffic   *traffic.Engine
	Registry  *transfer.Registry
	Logs      *accesslog.Store
	Whitelist *whitelist.Store
	Checker   *filecheck.Checker
	Logger    *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	apiCfg := deps.Config().API
	return &Handler{
		cfg:       deps.Config,
		redis:     deps.Redis,
		traffic:   deps.Traffic,
		registry:  deps.Registry,
		logs:      deps.Logs,
		whitelist: deps.Whitelist,
		checker:   deps.Checker,
		limiter:   newIPRateLimiter(apiCfg.RateLimitPerSecond, apiCfg.RateLimitBurst),
		logger:    logger,
		startTime: time.Now(),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": kind}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":  "bad_request",
		"detail": detail,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
