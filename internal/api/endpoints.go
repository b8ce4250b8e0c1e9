package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/hlsgate/hlsgate/internal/filecheck"
	"github.com/hlsgate/hlsgate/internal/redisstore"
)

// Health reports service liveness plus the Redis round trip. Redis
// failure degrades the status instead of failing the probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	redisStatus := "ok"
	if err := redisstore.Ping(r.Context(), h.redis, 2*time.Second); err != nil {
		status = "degraded"
		redisStatus = err.Error()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"redis":          redisStatus,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Stats aggregates uptime, transfer, and traffic counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":   int64(time.Since(h.startTime).Seconds()),
		"active_transfers": snap.ActiveCount,
		"total_speed_bps":  snap.TotalSpeedBPS,
		"traffic":          h.traffic.Status(),
	})
}

// Traffic exposes the accounting engine state.
func (h *Handler) Traffic(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.traffic.Status())
}

// ActiveTransfers lists in-flight transfers with live speed estimates.
func (h *Handler) ActiveTransfers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

// DeniedLogs returns the most recent denial entries, newest first.
func (h *Handler) DeniedLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.logs.RecentDenied(r.Context(), queryLimit(r, 50))
	if err != nil {
		h.logger.Error("failed to read denied logs", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "transient_redis")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// RecentLogs returns the most recent allowed entries, newest first.
func (h *Handler) RecentLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.logs.RecentAllowed(r.Context(), queryLimit(r, 50))
	if err != nil {
		h.logger.Error("failed to read recent logs", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "transient_redis")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// ReplayLogs returns recent playlist-counter decisions.
func (h *Handler) ReplayLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.logs.RecentReplay(r.Context(), queryLimit(r, 50))
	if err != nil {
		h.logger.Error("failed to read replay logs", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "transient_redis")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// LogsSummary returns the current length of every log ring.
func (h *Handler) LogsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.logs.Summary(r.Context())
	if err != nil {
		h.logger.Error("failed to read log summary", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "transient_redis")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// WhitelistInfo lists the UA/IP pairs registered for a UID.
func (h *Handler) WhitelistInfo(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		h.writeBadRequest(w, "uid is required")
		return
	}
	static := r.URL.Query().Get("static") == "true"

	pairs, err := h.whitelist.Pairs(r.Context(), uid, static)
	if err != nil {
		h.logger.Error("failed to read whitelist pairs", "uid", uid, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "transient_redis")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"uid":   uid,
		"pairs": pairs,
		"count": len(pairs),
	})
}

type whitelistRequest struct {
	UID       string `json:"uid"`
	Path      string `json:"path"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// AddWhitelist registers a path-bound whitelist entry for a UID.
func (h *Handler) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.UID == "" || req.Path == "" || req.IP == "" || req.UserAgent == "" {
		h.writeBadRequest(w, "uid, path, ip, and user_agent are required")
		return
	}

	entry, err := h.whitelist.AddPath(r.Context(), req.UID, req.Path, req.IP, req.UserAgent)
	if err != nil {
		h.logger.Error("failed to add whitelist entry", "uid", req.UID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "transient_redis")
		return
	}
	h.logger.Info("whitelist entry added",
		"uid", req.UID, "ip", req.IP, "paths", len(entry.Paths))
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "entry": entry})
}

// AddStaticWhitelist registers a static-files-only whitelist entry.
func (h *Handler) AddStaticWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.UID == "" || req.IP == "" || req.UserAgent == "" {
		h.writeBadRequest(w, "uid, ip, and user_agent are required")
		return
	}

	entry, err := h.whitelist.AddStatic(r.Context(), req.UID, req.IP, req.UserAgent)
	if err != nil {
		h.logger.Error("failed to add static whitelist entry", "uid", req.UID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "transient_redis")
		return
	}
	h.logger.Info("static whitelist entry added", "uid", req.UID, "ip", req.IP)
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "entry": entry})
}

// FileCheck probes a single path against the origin.
func (h *Handler) FileCheck(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		h.writeError(w, http.StatusNotImplemented, "file_check_unavailable")
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Path == "" {
		h.writeBadRequest(w, "path is required")
		return
	}

	res, err := h.checker.Check(r.Context(), req.Path)
	if err != nil {
		h.logger.Error("file check failed", "path", req.Path, "error", err)
		h.writeError(w, http.StatusBadGateway, "origin_error")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// FileCheckBatch probes up to filecheck.MaxBatch paths in one request.
func (h *Handler) FileCheckBatch(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		h.writeError(w, http.StatusNotImplemented, "file_check_unavailable")
		return
	}
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Paths) == 0 {
		h.writeBadRequest(w, "paths is required")
		return
	}
	if len(req.Paths) > filecheck.MaxBatch {
		h.writeBadRequest(w, "batch size exceeds limit of "+strconv.Itoa(filecheck.MaxBatch))
		return
	}

	results, err := h.checker.CheckBatch(r.Context(), req.Paths)
	if err != nil {
		h.logger.Error("batch file check failed", "count", len(req.Paths), "error", err)
		h.writeError(w, http.StatusBadGateway, "origin_error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
