// Package whitelist implements the dynamic IP/UA whitelist namespaces:
// path-bound entries, static-file-only entries, and the per-UID pair
// tables with FIFO eviction.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/hlsgate/hlsgate/internal/auth"
)

const (
	pathPrefix   = "ip_cidr_access:"
	staticPrefix = "static_file_access:"

	pathPairsPrefix   = "uid_ua_ip_pairs:"
	staticPairsPrefix = "uid_static_ua_ip_pairs:"

	// StaticAccessType marks entries in the static namespace.
	StaticAccessType = "static_files_only"
)

// PathRef is one whitelisted match key with its insertion time.
type PathRef struct {
	KeyPath string `json:"key_path"`
	AddedAt int64  `json:"added_at"`
}

// Entry is a whitelist record keyed by (ip_pattern, ua_hash).
type Entry struct {
	UID        string    `json:"uid"`
	Paths      []PathRef `json:"paths,omitempty"`
	IPPatterns []string  `json:"ip_patterns"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  int64     `json:"created_at"`
	AccessType string    `json:"access_type,omitempty"`
}

// Pair is one row of a UID pair table.
type Pair struct {
	PairID      string `json:"pair_id"`
	IPPattern   string `json:"ip_pattern"`
	UAHash      string `json:"ua_hash"`
	CreatedAt   int64  `json:"created_at"`
	LastUpdated int64  `json:"last_updated"`
}

// Config bounds the store.
type Config struct {
	MaxPathsPerEntry   int
	MaxUAIPPairsPerUID int
	TTL                time.Duration
}

// Store persists whitelist entries and pair tables in Redis.
type Store struct {
	client redis.UniversalClient
	cfg    func() Config
	now    func() time.Time
}

// NewStore creates a whitelist store. cfg is read per operation so
// config hot reloads apply.
func NewStore(client redis.UniversalClient, cfg func() Config) *Store {
	return &Store{client: client, cfg: cfg, now: time.Now}
}

// sanitizePattern makes a CIDR usable as a key component.
func sanitizePattern(pattern string) string {
	return strings.ReplaceAll(pattern, "/", "_")
}

func entryKey(prefix, pattern, uaHash string) string {
	return prefix + sanitizePattern(pattern) + ":" + uaHash
}

// AddPath merges a path-bound whitelist grant for (uid, path, ip, ua).
// Repeated adds are idempotent. Path lists cap at MaxPathsPerEntry with
// FIFO eviction; pair tables cap at MaxUAIPPairsPerUID, and evicting a
// pair deletes its whitelist entry.
func (s *Store) AddPath(ctx context.Context, uid, path, ip, ua string) (*Entry, error) {
	matchKey := auth.ExtractMatchKey(path)
	if matchKey == "" {
		return nil, fmt.Errorf("path %q yields no match key", path)
	}
	return s.add(ctx, pathPrefix, pathPairsPrefix, uid, ip, ua, matchKey)
}

// AddStatic merges a static-file-only grant for (uid, ip, ua). The
// entry is path-independent.
func (s *Store) AddStatic(ctx context.Context, uid, ip, ua string) (*Entry, error) {
	return s.add(ctx, staticPrefix, staticPairsPrefix, uid, ip, ua, "")
}

func (s *Store) add(ctx context.Context, prefix, pairsPrefix, uid, ip, ua, matchKey string) (*Entry, error) {
	if uid == "" {
		return nil, fmt.Errorf("uid is required")
	}
	pattern, err := auth.NormalizePattern(ip)
	if err != nil {
		return nil, err
	}
	uaHash := auth.UAHash(ua)
	key := entryKey(prefix, pattern, uaHash)
	pairsKey := pairsPrefix + uid

	var result *Entry
	txn := func(tx *redis.Tx) error {
		entry, err := loadEntry(ctx, tx, key)
		if err != nil {
			return err
		}
		now := s.now().Unix()
		cfg := s.cfg()

		if entry == nil {
			entry = &Entry{
				UID:        uid,
				IPPatterns: []string{pattern},
				UserAgent:  ua,
				CreatedAt:  now,
			}
			if prefix == staticPrefix {
				entry.AccessType = StaticAccessType
			}
		}

		if matchKey != "" {
			entry.Paths = mergePath(entry.Paths, matchKey, now, cfg.MaxPathsPerEntry)
		}

		pairs, err := loadPairs(ctx, tx, pairsKey)
		if err != nil {
			return err
		}
		pairs, evicted := mergePair(pairs, Pair{
			PairID:      pattern + ":" + uaHash,
			IPPattern:   pattern,
			UAHash:      uaHash,
			CreatedAt:   now,
			LastUpdated: now,
		}, cfg.MaxUAIPPairsPerUID)

		entryData, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal whitelist entry: %w", err)
		}
		pairsData, err := json.Marshal(pairs)
		if err != nil {
			return fmt.Errorf("marshal pair table: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, entryData, cfg.TTL)
			pipe.Set(ctx, pairsKey, pairsData, cfg.TTL)
			for _, old := range evicted {
				pipe.Del(ctx, entryKey(prefix, old.IPPattern, old.UAHash))
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = entry
		return nil
	}

	// Optimistic serialization with one retry: concurrent merges against
	// the same key otherwise lose list updates.
	err = s.client.Watch(ctx, txn, key, pairsKey)
	if errors.Is(err, redis.TxFailedErr) {
		err = s.client.Watch(ctx, txn, key, pairsKey)
	}
	if err != nil {
		return nil, fmt.Errorf("whitelist add: %w", err)
	}
	return result, nil
}

func mergePath(paths []PathRef, matchKey string, now int64, maxPaths int) []PathRef {
	for _, p := range paths {
		if p.KeyPath == matchKey {
			return paths
		}
	}
	paths = append(paths, PathRef{KeyPath: matchKey, AddedAt: now})
	for len(paths) > maxPaths {
		oldest := 0
		for i, p := range paths {
			if p.AddedAt < paths[oldest].AddedAt {
				oldest = i
			}
		}
		paths = append(paths[:oldest], paths[oldest+1:]...)
	}
	return paths
}

func mergePair(pairs []Pair, incoming Pair, maxPairs int) (kept []Pair, evicted []Pair) {
	for i := range pairs {
		if pairs[i].PairID == incoming.PairID {
			pairs[i].LastUpdated = incoming.LastUpdated
			return pairs, nil
		}
	}
	pairs = append(pairs, incoming)
	for len(pairs) > maxPairs {
		evicted = append(evicted, pairs[0])
		pairs = pairs[1:]
	}
	return pairs, evicted
}

// CheckPath probes the path-bound namespace for an entry covering
// (ip, ua) that binds matchKey. An empty matchKey skips the path
// membership test. A hit refreshes the entry TTL.
func (s *Store) CheckPath(ctx context.Context, ip, ua, matchKey string) (string, bool, error) {
	entry, key, err := s.probe(ctx, pathPrefix, ip, ua)
	if err != nil || entry == nil {
		return "", false, err
	}
	if matchKey != "" && !containsPath(entry.Paths, matchKey) {
		return "", false, nil
	}
	s.refresh(ctx, key)
	return entry.UID, true, nil
}

// CheckStatic probes the static-file namespace for an entry covering
// (ip, ua). Path is irrelevant by construction.
func (s *Store) CheckStatic(ctx context.Context, ip, ua string) (string, bool, error) {
	entry, key, err := s.probe(ctx, staticPrefix, ip, ua)
	if err != nil || entry == nil {
		return "", false, err
	}
	s.refresh(ctx, key)
	return entry.UID, true, nil
}

// probe scans the namespace for candidate keys sharing the UA hash and
// tests the client IP against each entry's CIDR patterns.
func (s *Store) probe(ctx context.Context, prefix, ip, ua string) (*Entry, string, error) {
	uaHash := auth.UAHash(ua)
	keys, err := s.client.Keys(ctx, prefix+"*:"+uaHash).Result()
	if err != nil {
		return nil, "", fmt.Errorf("whitelist scan: %w", err)
	}
	for _, key := range keys {
		entry, err := loadEntry(ctx, s.client, key)
		if err != nil {
			return nil, "", err
		}
		if entry == nil {
			continue
		}
		if ok, _ := auth.MatchPatterns(ip, entry.IPPatterns); ok {
			return entry, key, nil
		}
	}
	return nil, "", nil
}

func (s *Store) refresh(ctx context.Context, key string) {
	_ = s.client.Expire(ctx, key, s.cfg().TTL).Err()
}

// Pairs returns the pair table for a UID. static selects the namespace.
func (s *Store) Pairs(ctx context.Context, uid string, static bool) ([]Pair, error) {
	prefix := pathPairsPrefix
	if static {
		prefix = staticPairsPrefix
	}
	return loadPairs(ctx, s.client, prefix+uid)
}

// Entry returns the whitelist entry for (ip, ua) in the chosen
// namespace, or nil.
func (s *Store) Entry(ctx context.Context, ip, ua string, static bool) (*Entry, error) {
	pattern, err := auth.NormalizePattern(ip)
	if err != nil {
		return nil, err
	}
	prefix := pathPrefix
	if static {
		prefix = staticPrefix
	}
	return loadEntry(ctx, s.client, entryKey(prefix, pattern, auth.UAHash(ua)))
}

func containsPath(paths []PathRef, matchKey string) bool {
	for _, p := range paths {
		if p.KeyPath == matchKey {
			return true
		}
	}
	return false
}

func loadEntry(ctx context.Context, c redis.Cmdable, key string) (*Entry, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load whitelist entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode whitelist entry: %w", err)
	}
	return &entry, nil
}

func loadPairs(ctx context.Context, c redis.Cmdable, key string) ([]Pair, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pair table: %w", err)
	}
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("decode pair table: %w", err)
	}
	return pairs, nil
}
