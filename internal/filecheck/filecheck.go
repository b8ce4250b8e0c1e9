// Package filecheck answers existence probes against the origin with a
// short TTL cache, so dashboard batch checks don't hammer the backend.
package filecheck

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/hlsgate/hlsgate/internal/origin"
)

// MaxBatch bounds one batch request.
const MaxBatch = 100

// Result is one probe outcome.
type Result struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
}

// Checker probes the origin through a TTL cache.
type Checker struct {
	stater origin.Stater
	cache  *gocache.Cache
}

// NewChecker creates a checker. ttl governs how long a probe result is
// trusted.
func NewChecker(stater origin.Stater, ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Checker{
		stater: stater,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// Check probes a single path.
func (c *Checker) Check(ctx context.Context, path string) (Result, error) {
	if cached, ok := c.cache.Get(path); ok {
		return cached.(Result), nil
	}

	size, exists, err := c.stater.Stat(ctx, path)
	if err != nil {
		return Result{}, fmt.Errorf("probe %s: %w", path, err)
	}
	res := Result{Path: path, Exists: exists}
	if exists && size >= 0 {
		res.Size = size
	}
	c.cache.SetDefault(path, res)
	return res, nil
}

// CheckBatch probes up to MaxBatch paths. Oversized batches are
// rejected rather than truncated.
func (c *Checker) CheckBatch(ctx context.Context, paths []string) ([]Result, error) {
	if len(paths) > MaxBatch {
		return nil, fmt.Errorf("batch size %d exceeds limit %d", len(paths), MaxBatch)
	}
	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		res, err := c.Check(ctx, path)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}
