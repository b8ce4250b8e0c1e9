package origin

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hlsgate/hlsgate/internal/config"
)

// forwardedHeaders are relayed verbatim to the upstream so range and
// conditional semantics survive the hop.
var forwardedHeaders = []string{
	"Range",
	"If-Range",
	"If-Modified-Since",
	"If-None-Match",
	"X-Forwarded-For",
}

// HTTPOrigin proxies to an upstream HTTP(S) file server through a
// bounded keep-alive connection pool.
type HTTPOrigin struct {
	base       *url.URL
	hostHeader string
	client     *http.Client
}

// NewHTTP builds the upstream client. ssl_verify=false disables TLS
// verification for every outbound connection in the pool.
func NewHTTP(backend config.BackendConfig, pool config.HTTPPoolConfig) *HTTPOrigin {
	scheme := "http"
	if backend.UseHTTPS {
		scheme = "https"
	}

	transport := &http.Transport{
		MaxIdleConns:        pool.ConnectorLimit,
		MaxConnsPerHost:     pool.PerHost,
		MaxIdleConnsPerHost: pool.PerHost,
		IdleConnTimeout:     pool.Keepalive,
		DialContext: (&net.Dialer{
			Timeout: pool.ConnectTimeout,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !backend.SSLVerify, //nolint:gosec // operator-controlled setting
		},
	}

	return &HTTPOrigin{
		base: &url.URL{
			Scheme: scheme,
			Host:   net.JoinHostPort(backend.Host, strconv.Itoa(backend.Port)),
		},
		hostHeader: backend.ProxyHostHeader,
		client: &http.Client{
			Transport: transport,
			Timeout:   pool.TotalTimeout,
		},
	}
}

// Fetch issues the upstream GET and relays status, size, and headers.
// Upstream errors surface as ErrNotFound (404) or the raw status.
func (h *HTTPOrigin) Fetch(ctx context.Context, path string, reqHdr http.Header) (*Object, error) {
	u := *h.base
	u.Path = "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for _, name := range forwardedHeaders {
		if v := reqHdr.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	if h.hostHeader != "" {
		req.Host = h.hostHeader
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}

	size := resp.ContentLength
	if size < 0 {
		size = -1
	}
	return &Object{
		Body:   resp.Body,
		Size:   size,
		Status: resp.StatusCode,
		Header: resp.Header,
	}, nil
}

// Stat issues a HEAD to the upstream.
func (h *HTTPOrigin) Stat(ctx context.Context, path string) (int64, bool, error) {
	u := *h.base
	u.Path = "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return 0, false, fmt.Errorf("build upstream head: %w", err)
	}
	if h.hostHeader != "" {
		req.Host = h.hostHeader
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("upstream head: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false, nil
	}
	size := resp.ContentLength
	if size < 0 {
		size = -1
	}
	return size, true, nil
}
