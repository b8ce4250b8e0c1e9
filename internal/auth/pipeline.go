package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hlsgate/hlsgate/internal/accesslog"
	"github.com/hlsgate/hlsgate/internal/config"
)

// FixedWhitelistUID attributes traffic allowed by the fixed IP whitelist.
const FixedWhitelistUID = "fixed_whitelist"

// Deny reasons surfaced to clients and the denied ring buffer.
const (
	ReasonInvalidToken   = "invalid_token"
	ReasonNotWhitelisted = "not_in_whitelist"
	ReasonM3U8Limit      = "m3u8_limit_exceeded"
	ReasonTransient      = "transient_redis"
)

// Request carries the pipeline's view of an inbound HTTP request.
// Token credentials come from the query string or cookies; extraction is
// the caller's concern.
type Request struct {
	Path      string
	ClientIP  string
	UserAgent string
	UID       string
	Expires   string
	Token     string
}

// Outcome is the pipeline decision: exactly one of Allowed, Redirect,
// or a deny reason+status is populated.
type Outcome struct {
	Allowed    bool
	Redirect   string
	UID        string
	SessionID  string
	SessionNew bool
	Reason     string
	Status     int
}

// SessionStore is the session surface the pipeline needs.
type SessionStore interface {
	// Reuse finds an active session for the fingerprint and extends it.
	Reuse(ctx context.Context, uid, ip, ua, keyPath string) (sid string, ok bool, err error)
	// Create binds a new session to the fingerprint.
	Create(ctx context.Context, uid, ip, ua, keyPath string) (sid string, err error)
}

// WhitelistChecker probes the dynamic whitelist namespaces.
type WhitelistChecker interface {
	// CheckPath reports whether a path-bound entry covers (ip, ua) and
	// binds matchKey; it returns the entry's uid on match.
	CheckPath(ctx context.Context, ip, ua, matchKey string) (uid string, ok bool, err error)
	// CheckStatic reports whether a static-file entry covers (ip, ua).
	CheckStatic(ctx context.Context, ip, ua string) (uid string, ok bool, err error)
}

// Pipeline evaluates the authorization chain for proxied requests.
type Pipeline struct {
	cfg       func() *config.Config
	sessions  SessionStore
	whitelist WhitelistChecker
	limiter   *M3U8Limiter
	detector  *Detector
	logs      *accesslog.Store
	logger    *slog.Logger
}

// NewPipeline wires the authorization pipeline.
func NewPipeline(cfg func() *config.Config, sessions SessionStore, whitelist WhitelistChecker, limiter *M3U8Limiter, logs *accesslog.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		sessions:  sessions,
		whitelist: whitelist,
		limiter:   limiter,
		detector:  NewDetector(),
		logs:      logs,
		logger:    logger,
	}
}

// Authorize runs the evaluation chain in strict order and short-circuits
// on the first positive or fatal decision.
func (p *Pipeline) Authorize(ctx context.Context, req Request) Outcome {
	cfg := p.cfg()

	ip, ok := NormalizeIP(req.ClientIP)
	if !ok {
		ip = req.ClientIP
	}
	req.ClientIP = ip

	lower := strings.ToLower(req.Path)

	// 1. Fully-allowed extension fast path. No Redis access.
	for _, ext := range cfg.Auth.FullyAllowedExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return Outcome{Allowed: true}
		}
	}

	// 2. Fixed IP whitelist.
	if matched, pattern := MatchPatterns(ip, p.fixedPatterns(cfg)); matched {
		p.logger.Debug("fixed whitelist hit", "ip", ip, "pattern", pattern)
		return p.allow(ctx, req, Outcome{Allowed: true, UID: FixedWhitelistUID})
	}

	// 3. Safe-key-protect: a protected key URL redirects instead of
	// serving, but only when the request would otherwise be allowed.
	if cfg.Auth.SafeKeyProtectEnabled && strings.HasSuffix(req.Path, "enc.key") {
		out := p.evaluate(ctx, cfg, req, lower)
		if !out.Allowed {
			return out
		}
		return Outcome{
			Redirect: redirectURL(cfg.Auth.SafeKeyProtectBase, req.Path),
			Status:   http.StatusFound,
		}
	}

	return p.evaluate(ctx, cfg, req, lower)
}

// evaluate runs steps 4-9: token, session, whitelists, m3u8 counter,
// fallback deny.
func (p *Pipeline) evaluate(ctx context.Context, cfg *config.Config, req Request, lower string) Outcome {
	// 4. HMAC token verification. A request without credentials falls
	// through to the session and whitelist probes; a present but invalid
	// token is fatal.
	if req.Token != "" && !cfg.Auth.DisableSessionValidation {
		if !VerifyToken(cfg.Auth.SecretKey, req.UID, req.Path, req.Expires, req.Token) {
			return p.deny(ctx, req, ReasonInvalidToken, http.StatusForbidden)
		}
	}

	keyPath := ExtractMatchKey(req.Path)

	// 5. Session reuse.
	if req.UID != "" {
		sid, ok, err := p.sessions.Reuse(ctx, req.UID, req.ClientIP, req.UserAgent, keyPath)
		if err != nil {
			return p.transient(ctx, req, "session reuse", err)
		}
		if ok {
			return p.allow(ctx, req, Outcome{Allowed: true, UID: req.UID, SessionID: sid})
		}
	}

	// 6. Path-bound whitelist probe.
	if !cfg.Auth.DisableIPWhitelist {
		probeKey := keyPath
		if cfg.Auth.DisablePathProtection {
			probeKey = ""
		}
		uid, ok, err := p.whitelist.CheckPath(ctx, req.ClientIP, req.UserAgent, probeKey)
		if err != nil {
			return p.transient(ctx, req, "whitelist probe", err)
		}
		if ok {
			return p.allowWithSession(ctx, req, uid, keyPath)
		}

		// 7. Static-file-only whitelist probe.
		if cfg.Auth.EnableStaticFileIPOnlyCheck && hasAnySuffix(lower, cfg.Auth.StaticFileExtensions) {
			uid, ok, err := p.whitelist.CheckStatic(ctx, req.ClientIP, req.UserAgent)
			if err != nil {
				return p.transient(ctx, req, "static whitelist probe", err)
			}
			if ok {
				return p.allowWithSession(ctx, req, uid, keyPath)
			}
		}
	}

	// 8. M3U8 adaptive access counter.
	if strings.HasSuffix(lower, ".m3u8") {
		subject := req.UID
		if subject == "" {
			subject = req.ClientIP
		}
		class := p.detector.Classify(req.UserAgent)
		allowed, count, err := p.limiter.Allow(ctx, subject, req.Path, class)
		if err != nil {
			return p.transient(ctx, req, "m3u8 counter", err)
		}
		p.recordReplay(ctx, req, subject, class, count, !allowed)
		if !allowed {
			return p.deny(ctx, req, ReasonM3U8Limit, http.StatusForbidden)
		}
		return p.allowWithSession(ctx, req, req.UID, keyPath)
	}

	// 9. Fallback deny.
	return p.deny(ctx, req, ReasonNotWhitelisted, http.StatusForbidden)
}

func (p *Pipeline) fixedPatterns(cfg *config.Config) []string {
	patterns := make([]string, 0, len(cfg.Auth.FixedIPWhitelist))
	for _, raw := range cfg.Auth.FixedIPWhitelist {
		pattern, err := NormalizePattern(raw)
		if err != nil {
			p.logger.Warn("invalid fixed whitelist entry ignored", "entry", raw, "error", err)
			continue
		}
		patterns = append(patterns, pattern)
	}
	return patterns
}

// allowWithSession creates a session for whitelist and counter allows.
func (p *Pipeline) allowWithSession(ctx context.Context, req Request, uid, keyPath string) Outcome {
	out := Outcome{Allowed: true, UID: uid}
	if uid != "" {
		sid, err := p.sessions.Create(ctx, uid, req.ClientIP, req.UserAgent, keyPath)
		if err != nil {
			return p.transient(ctx, req, "session create", err)
		}
		out.SessionID = sid
		out.SessionNew = true
	}
	return p.allow(ctx, req, out)
}

func (p *Pipeline) allow(ctx context.Context, req Request, out Outcome) Outcome {
	if p.logs != nil {
		if err := p.logs.Allowed(ctx, accesslog.Entry{
			TS:      time.Now().Unix(),
			UID:     out.UID,
			IP:      req.ClientIP,
			UA:      req.UserAgent,
			Path:    req.Path,
			Allowed: true,
		}); err != nil {
			p.logger.Debug("allowed log write failed", "error", err)
		}
	}
	return out
}

func (p *Pipeline) deny(ctx context.Context, req Request, reason string, status int) Outcome {
	if p.logs != nil {
		if err := p.logs.Denied(ctx, accesslog.Entry{
			TS:     time.Now().Unix(),
			UID:    req.UID,
			IP:     req.ClientIP,
			UA:     req.UserAgent,
			Path:   req.Path,
			Reason: reason,
		}); err != nil {
			p.logger.Debug("denied log write failed", "error", err)
		}
	}
	return Outcome{Reason: reason, Status: status}
}

func (p *Pipeline) transient(ctx context.Context, req Request, op string, err error) Outcome {
	p.logger.Error("redis failure during authorization", "op", op, "error", err)
	return p.deny(ctx, req, ReasonTransient, http.StatusServiceUnavailable)
}

func (p *Pipeline) recordReplay(ctx context.Context, req Request, subject string, class BrowserClass, count int64, blocked bool) {
	if p.logs == nil {
		return
	}
	limit := p.limiter.limitFor(class)
	if err := p.logs.Replay(ctx, accesslog.ReplayEntry{
		TS:      time.Now().Unix(),
		Subject: subject,
		IP:      req.ClientIP,
		Path:    req.Path,
		Class:   string(class),
		Count:   count,
		Limit:   limit.MaxCount,
		Blocked: blocked,
	}); err != nil {
		p.logger.Debug("replay log write failed", "error", err)
	}
}

func hasAnySuffix(lower string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// redirectURL joins the protect base and the original path without
// re-quoting, deduplicating the joining slash.
func redirectURL(base, path string) string {
	if strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/") {
		return base + path[1:]
	}
	if !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/") {
		return base + "/" + path
	}
	return base + path
}
