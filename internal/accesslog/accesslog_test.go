package accesslog

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client)
}

func TestDeniedNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := store.Denied(ctx, Entry{TS: int64(i), Path: fmt.Sprintf("/f%d.ts", i), Reason: "not_in_whitelist"})
		require.NoError(t, err)
	}

	entries, err := store.RecentDenied(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "/f2.ts", entries[0].Path)
	assert.Equal(t, "/f0.ts", entries[2].Path)
}

func TestRingBufferCaps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < ringCap+20; i++ {
		require.NoError(t, store.Allowed(ctx, Entry{TS: int64(i), Allowed: true}))
	}

	entries, err := store.RecentAllowed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, ringCap)
	// Oldest entries fell off.
	assert.Equal(t, int64(ringCap+19), entries[0].TS)
	assert.Equal(t, int64(20), entries[len(entries)-1].TS)
}

func TestReplayLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Replay(ctx, ReplayEntry{
		Subject: "203.0.113.5",
		Path:    "/v/index.m3u8",
		Class:   "desktop_browser",
		Count:   3,
		Limit:   2,
		Blocked: true,
	})
	require.NoError(t, err)

	entries, err := store.RecentReplay(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Blocked)
	assert.Equal(t, int64(3), entries[0].Count)
}

func TestReadLimitClamped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Denied(ctx, Entry{TS: int64(i)}))
	}

	entries, err := store.RecentDenied(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Oversized limits clamp to the ring cap instead of erroring.
	entries, err = store.RecentDenied(ctx, 10000)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Denied(ctx, Entry{}))
	require.NoError(t, store.Denied(ctx, Entry{}))
	require.NoError(t, store.Allowed(ctx, Entry{Allowed: true}))

	summary, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary["denied"])
	assert.Equal(t, int64(1), summary["recent"])
	assert.Equal(t, int64(0), summary["replay"])
}
