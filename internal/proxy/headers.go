package proxy

import (
	"net/http"
	"path"
	"strings"
)

// hopHeaders conflict with our own framing and are never copied from
// the origin.
var hopHeaders = map[string]struct{}{
	"Transfer-Encoding": {},
	"Content-Encoding":  {},
	"Connection":        {},
	"Content-Length":    {}, // set explicitly from computed sizes
}

// copyOriginHeaders relays origin headers minus the excluded set.
func copyOriginHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// mediaContentTypes maps HLS and common media suffixes; anything else
// keeps the origin's Content-Type or the stdlib default.
var mediaContentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
	".key":  "application/octet-stream",
	".vtt":  "text/vtt",
}

// setMediaHeaders applies content type and cache policy by suffix.
// Playlists must never be cached: they rotate segment lists; segments
// and other media are immutable for practical purposes.
func setMediaHeaders(h http.Header, reqPath string) {
	ext := strings.ToLower(path.Ext(reqPath))
	if ct, ok := mediaContentTypes[ext]; ok && h.Get("Content-Type") == "" {
		h.Set("Content-Type", ct)
	}
	if ext == ".m3u8" {
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
	} else if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "public, max-age=600")
	}
}

// FileType returns the lowercase extension without the dot, for traffic
// attribution and metrics labels.
func FileType(reqPath string) string {
	ext := strings.ToLower(path.Ext(reqPath))
	return strings.TrimPrefix(ext, ".")
}
