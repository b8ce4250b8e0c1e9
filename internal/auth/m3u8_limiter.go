package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hlsgate/hlsgate/internal/config"
)

// incrExpireScript increments the counter and attaches the window TTL
// only on first touch. Running it as a single script removes the
// check-then-set race between concurrent playlist fetches.
var incrExpireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// M3U8Limiter enforces the per-playlist adaptive access counter. Limits
// are chosen by browser class; tools get the strictest tuple.
type M3U8Limiter struct {
	client redis.UniversalClient
	limits func() config.M3U8Config
}

// NewM3U8Limiter creates a limiter. limits is read per call so config
// hot reloads take effect without restart.
func NewM3U8Limiter(client redis.UniversalClient, limits func() config.M3U8Config) *M3U8Limiter {
	return &M3U8Limiter{client: client, limits: limits}
}

// Allow atomically increments the counter for (subject, path) and
// reports whether the read is within the class limit. subject is the
// token UID when present, otherwise the client IP.
func (l *M3U8Limiter) Allow(ctx context.Context, subject, path string, class BrowserClass) (allowed bool, count int64, err error) {
	limit := l.limitFor(class)
	key := fmt.Sprintf("m3u8_access:%s:%s", subject, PathHash(path))

	windowSecs := int64(limit.Window / time.Second)
	res, err := incrExpireScript.Run(ctx, l.client, []string{key}, windowSecs).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("m3u8 counter incr: %w", err)
	}
	return res <= limit.MaxCount, res, nil
}

func (l *M3U8Limiter) limitFor(class BrowserClass) config.M3U8Limit {
	cfg := l.limits()
	switch class {
	case ClassMobile:
		return cfg.Mobile
	case ClassDesktop:
		return cfg.Desktop
	default:
		return cfg.Tool
	}
}
