// Package accesslog keeps bounded recent-event histories in Redis lists:
// denied requests, recent allowed requests, and m3u8 counter decisions
// for forensic display.
package accesslog

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	deniedKey = "access_log:denied"
	recentKey = "access_log:recent"
	replayKey = "access_log:replay"

	ringCap   = 100
	replayCap = 300

	retention = 7 * 24 * time.Hour
)

// Entry is one access decision.
type Entry struct {
	TS      int64  `json:"ts"`
	UID     string `json:"uid"`
	IP      string `json:"ip"`
	UA      string `json:"ua"`
	Path    string `json:"path"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ReplayEntry is one m3u8 counter decision.
type ReplayEntry struct {
	TS      int64  `json:"ts"`
	Subject string `json:"subject"`
	IP      string `json:"ip"`
	Path    string `json:"path"`
	Class   string `json:"browser_class"`
	Count   int64  `json:"count"`
	Limit   int64  `json:"limit"`
	Blocked bool   `json:"blocked"`
}

// Store writes and reads the ring buffers. Writes are best effort: a
// Redis failure is returned but callers treat logging as advisory.
type Store struct {
	client redis.UniversalClient
}

// NewStore creates an access-log store.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Denied pushes an entry onto the denied ring buffer.
func (s *Store) Denied(ctx context.Context, e Entry) error {
	return s.push(ctx, deniedKey, ringCap, e)
}

// Allowed pushes an entry onto the recent-allowed ring buffer.
func (s *Store) Allowed(ctx context.Context, e Entry) error {
	return s.push(ctx, recentKey, ringCap, e)
}

// Replay pushes an m3u8 counter decision onto the replay log.
func (s *Store) Replay(ctx context.Context, e ReplayEntry) error {
	return s.push(ctx, replayKey, replayCap, e)
}

func (s *Store) push(ctx context.Context, key string, size int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(size-1))
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push log entry: %w", err)
	}
	return nil
}

// RecentDenied returns up to limit denied entries, newest first.
func (s *Store) RecentDenied(ctx context.Context, limit int) ([]Entry, error) {
	return readEntries[Entry](ctx, s.client, deniedKey, limit, ringCap)
}

// RecentAllowed returns up to limit allowed entries, newest first.
func (s *Store) RecentAllowed(ctx context.Context, limit int) ([]Entry, error) {
	return readEntries[Entry](ctx, s.client, recentKey, limit, ringCap)
}

// RecentReplay returns up to limit replay-log entries, newest first.
func (s *Store) RecentReplay(ctx context.Context, limit int) ([]ReplayEntry, error) {
	return readEntries[ReplayEntry](ctx, s.client, replayKey, limit, replayCap)
}

// Summary returns the current lengths of all three buffers.
func (s *Store) Summary(ctx context.Context) (map[string]int64, error) {
	pipe := s.client.Pipeline()
	denied := pipe.LLen(ctx, deniedKey)
	recent := pipe.LLen(ctx, recentKey)
	replay := pipe.LLen(ctx, replayKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("access log summary: %w", err)
	}
	return map[string]int64{
		"denied": denied.Val(),
		"recent": recent.Val(),
		"replay": replay.Val(),
	}, nil
}

func readEntries[T any](ctx context.Context, client redis.UniversalClient, key string, limit, max int) ([]T, error) {
	if limit <= 0 || limit > max {
		limit = max
	}
	raw, err := client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", key, err)
	}
	entries := make([]T, 0, len(raw))
	for _, item := range raw {
		var e T
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
