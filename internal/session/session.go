// Package session manages playback sessions in Redis: one record per
// (uid, ip, ua, key_path) fingerprint, TTL-extended on reuse.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hlsgate/hlsgate/internal/auth"
)

// Record is the stored session state.
type Record struct {
	UID         string `json:"uid"`
	IP          string `json:"ip"`
	UA          string `json:"ua"`
	KeyPath     string `json:"key_path"`
	CreatedAt   int64  `json:"created_at"`
	LastActive  int64  `json:"last_active"`
	AccessCount int64  `json:"access_count"`
}

// Store persists sessions and the fingerprint reverse index.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a session store. ttl governs both the record and its
// index entry.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func sessionKey(sid string) string {
	return "session:" + sid
}

func indexKey(uid, ip, ua, keyPath string) string {
	return fmt.Sprintf("session_idx:%s:%s:%s:%s", uid, ip, auth.UAHash(ua), keyPath)
}

// Create binds a fresh session to the fingerprint, replacing any index
// entry left from an expired predecessor.
func (s *Store) Create(ctx context.Context, uid, ip, ua, keyPath string) (string, error) {
	sid := uuid.NewString()
	now := s.now().Unix()

	rec := Record{
		UID:         uid,
		IP:          ip,
		UA:          ua,
		KeyPath:     keyPath,
		CreatedAt:   now,
		LastActive:  now,
		AccessCount: 1,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sid), data, s.ttl)
	pipe.Set(ctx, indexKey(uid, ip, ua, keyPath), sid, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return sid, nil
}

// Reuse looks the fingerprint up in the reverse index. On a hit with
// matching IP and UA it refreshes last_active, bumps the access count,
// and extends both TTLs.
func (s *Store) Reuse(ctx context.Context, uid, ip, ua, keyPath string) (string, bool, error) {
	idxKey := indexKey(uid, ip, ua, keyPath)
	sid, err := s.client.Get(ctx, idxKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session index lookup: %w", err)
	}

	rec, err := s.Get(ctx, sid)
	if err != nil {
		return "", false, err
	}
	if rec == nil {
		// Index outlived the record; drop the dangling pointer.
		_ = s.client.Del(ctx, idxKey).Err()
		return "", false, nil
	}
	if rec.IP != ip || rec.UA != ua {
		return "", false, nil
	}

	rec.LastActive = s.now().Unix()
	rec.AccessCount++
	data, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sid), data, s.ttl)
	pipe.Expire(ctx, idxKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", false, fmt.Errorf("extend session: %w", err)
	}
	return sid, true, nil
}

// Get fetches a session record by id; nil when absent.
func (s *Store) Get(ctx context.Context, sid string) (*Record, error) {
	data, err := s.client.Get(ctx, sessionKey(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &rec, nil
}
