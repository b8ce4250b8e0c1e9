package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsgate/hlsgate/internal/accesslog"
	"github.com/hlsgate/hlsgate/internal/auth"
	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/origin"
	"github.com/hlsgate/hlsgate/internal/session"
	"github.com/hlsgate/hlsgate/internal/traffic"
	"github.com/hlsgate/hlsgate/internal/transfer"
	"github.com/hlsgate/hlsgate/internal/whitelist"
)

const testUA = "Mozilla/5.0 (Windows NT 10.0) Chrome/122.0"

type handlerFixture struct {
	cfg       *config.Config
	handler   *Handler
	whitelist *whitelist.Store
	traffic   *traffic.Engine
	root      string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	root := t.TempDir()
	org, err := origin.NewFilesystem(root)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Auth.SecretKey = "test-secret"
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
	limiter := auth.NewM3U8Limiter(client, func() config.M3U8Config { return cfg.M3U8 })
	pipeline := auth.NewPipeline(cfgFn, sessions, wl, limiter, accesslog.NewStore(client), nil)

	engine := traffic.NewEngine(func() config.TrafficConfig { return cfg.Traffic }, nil)

	return &handlerFixture{
		cfg:       cfg,
		handler:   NewHandler(cfgFn, pipeline, org, transfer.NewRegistry(), engine, nil),
		whitelist: wl,
		traffic:   engine,
		root:      root,
	}
}

func (f *handlerFixture) writeFile(t *testing.T, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func (f *handlerFixture) get(path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("User-Agent", testUA)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func segmentData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestServeSegmentFull(t *testing.T) {
	f := newHandlerFixture(t)
	data := segmentData(3 << 20)
	f.writeFile(t, "videos/2024-01-15/show/seg001.ts", data)

	w := f.get("/videos/2024-01-15/show/seg001.ts", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, fmt.Sprintf("%d", len(data)), w.Header().Get("Content-Length"))
	assert.Equal(t, "public, max-age=600", w.Header().Get("Cache-Control"))

	// Media bytes go out verbatim, never re-encoded.
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.True(t, bytes.Equal(data, w.Body.Bytes()))
}

func TestServeSegmentRange(t *testing.T) {
	f := newHandlerFixture(t)
	data := segmentData(3 << 20)
	f.writeFile(t, "videos/2024-01-15/show/seg001.ts", data)

	w := f.get("/videos/2024-01-15/show/seg001.ts", map[string]string{
		"Range": "bytes=1048576-2097151",
	})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "1048576", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 1048576-2097151/3145728", w.Header().Get("Content-Range"))
	assert.True(t, bytes.Equal(data[1048576:2097152], w.Body.Bytes()))
}

func TestServeSegmentRangeUnsatisfiable(t *testing.T) {
	f := newHandlerFixture(t)
	f.writeFile(t, "videos/2024-01-15/show/seg001.ts", segmentData(1000))

	w := f.get("/videos/2024-01-15/show/seg001.ts", map[string]string{
		"Range": "bytes=5000-6000",
	})

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */1000", w.Header().Get("Content-Range"))
}

func TestDeniedRequest(t *testing.T) {
	f := newHandlerFixture(t)
	f.writeFile(t, "videos/2024-01-15/show/movie.mp4", segmentData(100))

	w := f.get("/videos/2024-01-15/show/movie.mp4", nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"not_in_whitelist"}`, w.Body.String())
}

func TestWhitelistedPlaylistFlow(t *testing.T) {
	f := newHandlerFixture(t)
	playlist := []byte("#EXTM3U\n#EXT-X-VERSION:3\nseg001.ts\n")
	f.writeFile(t, "videos/2024-01-15/show/index.m3u8", playlist)

	// httptest requests arrive from 192.0.2.1.
	_, err := f.whitelist.AddPath(t.Context(), "u1", "/videos/2024-01-15/show/index.m3u8", "192.0.2.1", testUA)
	require.NoError(t, err)

	w := f.get("/videos/2024-01-15/show/index.m3u8", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
	assert.Equal(t, string(playlist), w.Body.String())

	// A new session was bound and surfaced both ways.
	sid := w.Header().Get("X-Session-ID")
	assert.NotEmpty(t, sid)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "hls_session", cookies[0].Name)
	assert.Equal(t, sid, cookies[0].Value)

	// The transfer was attributed.
	assert.True(t, f.traffic.InAccumulator("u1"))
}

func TestOriginMiss(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.get("/videos/2024-01-15/show/missing.ts", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"origin_not_found"}`, w.Body.String())
}

func TestHeadRequest(t *testing.T) {
	f := newHandlerFixture(t)
	f.writeFile(t, "videos/2024-01-15/show/seg001.ts", segmentData(2048))

	req := httptest.NewRequest(http.MethodHead, "/videos/2024-01-15/show/seg001.ts", nil)
	req.Header.Set("User-Agent", testUA)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2048", w.Header().Get("Content-Length"))
	assert.Zero(t, w.Body.Len())
}

func TestPathTraversalBlocked(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.get("/../secrets.ts", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSafeKeyProtectRedirect(t *testing.T) {
	f := newHandlerFixture(t)
	f.cfg.Auth.SafeKeyProtectEnabled = true
	f.cfg.Auth.SafeKeyProtectBase = "https://keys.example.com"
	f.writeFile(t, "videos/2024-01-15/show/enc.key", segmentData(16))

	_, err := f.whitelist.AddPath(t.Context(), "u1", "/videos/2024-01-15/show/enc.key", "192.0.2.1", testUA)
	require.NoError(t, err)

	w := f.get("/videos/2024-01-15/show/enc.key", nil)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://keys.example.com/videos/2024-01-15/show/enc.key", w.Header().Get("Location"))
}

func TestTokenQueryFlow(t *testing.T) {
	f := newHandlerFixture(t)
	f.writeFile(t, "videos/2024-01-15/show/movie.mp4", segmentData(100))

	path := "/videos/2024-01-15/show/movie.mp4"
	expires := time.Now().Add(time.Hour).Unix()
	token := auth.Sign("test-secret", "u1", path, expires)

	// A valid token alone does not grant access; it gates the later
	// steps, and with no whitelist entry the fallback denies.
	w := f.get(fmt.Sprintf("%s?uid=u1&expires=%d&token=%s", path, expires, token), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"not_in_whitelist"}`, w.Body.String())

	// A forged token is fatal.
	w = f.get(fmt.Sprintf("%s?uid=u1&expires=%d&token=forged", path, expires), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"invalid_token"}`, w.Body.String())
}
