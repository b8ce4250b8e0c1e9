package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsgate/hlsgate/internal/config"
)

func newTestLimiter(t *testing.T) (*M3U8Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limits := config.M3U8Config{
		Mobile:  config.M3U8Limit{Window: 30 * time.Second, MaxCount: 3},
		Desktop: config.M3U8Limit{Window: 20 * time.Second, MaxCount: 2},
		Tool:    config.M3U8Limit{Window: 15 * time.Second, MaxCount: 1},
	}
	return NewM3U8Limiter(client, func() config.M3U8Config { return limits }), mr
}

func TestM3U8LimiterDesktopWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	allowed, count, err := limiter.Allow(ctx, "203.0.113.5", "/v/index.m3u8", ClassDesktop)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), count)

	allowed, count, err = limiter.Allow(ctx, "203.0.113.5", "/v/index.m3u8", ClassDesktop)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(2), count)

	// Third read within the window exceeds the desktop limit of 2.
	allowed, count, err = limiter.Allow(ctx, "203.0.113.5", "/v/index.m3u8", ClassDesktop)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(3), count)
}

func TestM3U8LimiterWindowExpiry(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	_, _, err := limiter.Allow(ctx, "u1", "/v/index.m3u8", ClassTool)
	require.NoError(t, err)

	allowed, _, err := limiter.Allow(ctx, "u1", "/v/index.m3u8", ClassTool)
	require.NoError(t, err)
	assert.False(t, allowed)

	// The counter resets once the window elapses.
	mr.FastForward(16 * time.Second)

	allowed, count, err := limiter.Allow(ctx, "u1", "/v/index.m3u8", ClassTool)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), count)
}

func TestM3U8LimiterSubjectsAndPathsIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	_, _, err := limiter.Allow(ctx, "u1", "/v/index.m3u8", ClassTool)
	require.NoError(t, err)

	// Different subject, same path.
	allowed, count, err := limiter.Allow(ctx, "u2", "/v/index.m3u8", ClassTool)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), count)

	// Same subject, different path.
	allowed, count, err = limiter.Allow(ctx, "u1", "/other/index.m3u8", ClassTool)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), count)
}

func TestM3U8LimiterConcurrentReadsAllowExactlyLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	// 20 racing fetches of the same playlist; the atomic counter must
	// hand out exactly the desktop budget of 2 allows.
	const readers = 20
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := limiter.Allow(context.Background(), "u1", "/v/index.m3u8", ClassDesktop)
			assert.NoError(t, err)
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), allowed.Load())
}

func TestM3U8LimiterKeyShape(t *testing.T) {
	limiter, mr := newTestLimiter(t)

	_, _, err := limiter.Allow(context.Background(), "u1", "/v/index.m3u8", ClassMobile)
	require.NoError(t, err)

	want := fmt.Sprintf("m3u8_access:u1:%s", PathHash("/v/index.m3u8"))
	assert.True(t, mr.Exists(want))
}
