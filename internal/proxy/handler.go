package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/hlsgate/hlsgate/internal/auth"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/origin"
	"github.com/hlsgate/hlsgate/internal/traffic"
	"github.com/hlsgate/hlsgate/internal/transfer"
)

// sendfileMaxBytes bounds the fast path: small whole-file responses go
// through io.Copy, which the runtime turns into sendfile for *os.File.
const sendfileMaxBytes = 1 * mib

// Handler streams authorized files from the origin.
type Handler struct {
	cfg      func() *config.Config
	pipeline *auth.Pipeline
	origin   origin.Origin
	registry *transfer.Registry
	traffic  *traffic.Engine
	logger   *slog.Logger
}

// NewHandler wires the streaming handler.
func NewHandler(cfg func() *config.Config, pipeline *auth.Pipeline, org origin.Origin, registry *transfer.Registry, engine *traffic.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		pipeline: pipeline,
		origin:   org,
		registry: registry,
		traffic:  engine,
		logger:   logger,
	}
}

// ServeHTTP authorizes the request, fetches from the origin, and pumps
// the body with back-pressure.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := ClientIP(r)
	req := pipelineRequest(r, clientIP)

	out := h.pipeline.Authorize(r.Context(), req)
	switch {
	case out.Redirect != "":
		metrics.RequestsTotal.WithLabelValues("redirect", "").Inc()
		http.Redirect(w, r, out.Redirect, out.Status)
		return
	case !out.Allowed:
		metrics.RequestsTotal.WithLabelValues("deny", out.Reason).Inc()
		writeError(w, out.Status, out.Reason)
		return
	}
	metrics.RequestsTotal.WithLabelValues("allow", "").Inc()
	authDone := time.Now()

	if out.SessionNew && out.SessionID != "" {
		h.setSessionCookie(w, out.SessionID)
	}
	if out.SessionID != "" {
		w.Header().Set("X-Session-ID", out.SessionID)
	}

	obj, err := h.origin.Fetch(r.Context(), r.URL.Path, fetchHeaders(r, clientIP))
	if err != nil {
		if errors.Is(err, origin.ErrNotFound) {
			writeError(w, http.StatusNotFound, "origin_not_found")
			return
		}
		h.logger.Error("origin fetch failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "origin_error")
		return
	}
	defer obj.Body.Close()

	respHdr := w.Header()
	copyOriginHeaders(respHdr, obj.Header)
	setMediaHeaders(respHdr, r.URL.Path)

	// Non-2xx upstream statuses (304 and friends) relay as-is.
	if obj.Status >= 300 {
		w.WriteHeader(obj.Status)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, obj.Body)
		}
		return
	}

	status := obj.Status
	length := obj.Size
	body := io.Reader(obj.Body)

	// Seekable origins leave range slicing to us.
	if rs, ok := obj.Seeker(); ok && status == http.StatusOK && obj.Size >= 0 {
		br, err := ParseRange(r.Header.Get("Range"), obj.Size)
		if errors.Is(err, ErrUnsatisfiable) {
			respHdr.Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
			return
		}
		if br != nil {
			if _, err := rs.Seek(br.Start, io.SeekStart); err != nil {
				h.logger.Error("origin seek failed", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusInternalServerError, "internal")
				return
			}
			status = http.StatusPartialContent
			length = br.Length()
			body = io.LimitReader(rs, length)
			respHdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, obj.Size))
		}
	}

	respHdr.Set("Accept-Ranges", "bytes")
	if length >= 0 {
		respHdr.Set("Content-Length", fmt.Sprintf("%d", length))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	fileType := FileType(r.URL.Path)

	// Fast path: small whole objects skip the registry and go out in
	// one write.
	if _, seekable := obj.Seeker(); seekable && status == http.StatusOK &&
		obj.Size >= 0 && obj.Size < sendfileMaxBytes {
		w.WriteHeader(status)
		n, _ := io.Copy(w, body)
		if n > 0 {
			metrics.BytesStreamed.WithLabelValues(fileType).Add(float64(n))
			h.traffic.Record(out.UID, n, fileType, clientIP, out.SessionID)
		}
		return
	}

	h.pump(w, r, pumpParams{
		body:     body,
		status:   status,
		length:   length,
		fileType: fileType,
		clientIP: clientIP,
		uid:      out.UID,
		session:  out.SessionID,
		authDone: authDone,
	})
}

type pumpParams struct {
	body     io.Reader
	status   int
	length   int64
	fileType string
	clientIP string
	uid      string
	session  string
	authDone time.Time
}

// pump copies origin bytes to the client chunk by chunk. Writes block
// until the client drains them; there is no internal buffer beyond the
// chunk itself.
func (h *Handler) pump(w http.ResponseWriter, r *http.Request, p pumpParams) {
	t := h.registry.Start(transfer.StartOptions{
		FilePath:  r.URL.Path,
		FileType:  p.fileType,
		ClientIP:  p.clientIP,
		UID:       p.uid,
		SessionID: p.session,
		TotalSize: p.length,
	})

	flusher, _ := w.(http.Flusher)
	w.WriteHeader(p.status)

	buf := make([]byte, ChunkSize(p.length))
	final := transfer.StatusCompleted
	first := true
	ctx := r.Context()

loop:
	for {
		select {
		case <-ctx.Done():
			final = transfer.StatusDisconnected
			break loop
		default:
		}

		n, rerr := p.body.Read(buf)
		if n > 0 {
			// The write blocks until the client drains; keep the
			// transfer marked live for the duration.
			t.Touch()
			wn, werr := w.Write(buf[:n])
			if first && wn > 0 {
				latency := time.Since(p.authDone)
				t.FirstByte(latency)
				metrics.FirstByteLatency.Observe(latency.Seconds())
				first = false
			}
			t.AddBytes(int64(wn))
			if werr != nil {
				// Client went away; not an error worth logging.
				final = transfer.StatusDisconnected
				break loop
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if rerr == io.EOF {
			break loop
		}
		if rerr != nil {
			if ctx.Err() != nil {
				final = transfer.StatusDisconnected
			} else {
				final = transfer.StatusError
				h.logger.Error("origin read failed", "path", r.URL.Path, "error", rerr)
			}
			break loop
		}
	}

	sent := t.Bytes()
	if sent > 0 {
		metrics.BytesStreamed.WithLabelValues(p.fileType).Add(float64(sent))
		h.traffic.Record(p.uid, sent, p.fileType, p.clientIP, p.session)
	}
	if final != transfer.StatusCompleted {
		metrics.TransferErrors.WithLabelValues(string(final)).Inc()
	}
	h.registry.Finish(t, final)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sid string) {
	cookie := h.cfg().Cookie
	if cookie.Name == "" {
		return
	}
	sameSite := http.SameSiteLaxMode
	switch strings.ToLower(cookie.SameSite) {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookie.Name,
		Value:    sid,
		Path:     "/",
		HttpOnly: cookie.HTTPOnly,
		Secure:   cookie.Secure,
		SameSite: sameSite,
	})
}

// pipelineRequest extracts token credentials from the query string,
// falling back to cookies of the same names.
func pipelineRequest(r *http.Request, clientIP string) auth.Request {
	q := r.URL.Query()
	req := auth.Request{
		Path:      r.URL.Path,
		ClientIP:  clientIP,
		UserAgent: r.UserAgent(),
		UID:       q.Get("uid"),
		Expires:   q.Get("expires"),
		Token:     q.Get("token"),
	}
	if req.Token == "" {
		if c, err := r.Cookie("token"); err == nil {
			req.Token = c.Value
		}
	}
	if req.UID == "" {
		if c, err := r.Cookie("uid"); err == nil {
			req.UID = c.Value
		}
	}
	if req.Expires == "" {
		if c, err := r.Cookie("expires"); err == nil {
			req.Expires = c.Value
		}
	}
	return req
}

// fetchHeaders builds the outbound header set for origin modes that
// forward them.
func fetchHeaders(r *http.Request, clientIP string) http.Header {
	hdr := make(http.Header)
	for _, name := range []string{"Range", "If-Range", "If-Modified-Since", "If-None-Match"} {
		if v := r.Header.Get(name); v != "" {
			hdr.Set(name, v)
		}
	}
	hdr.Set("X-Forwarded-For", clientIP)
	return hdr
}

// ClientIP extracts the peer address without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
