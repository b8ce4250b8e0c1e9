// Package traffic implements the two-tier traffic accounting engine: a
// sub-threshold accumulator, a qualified tier drained by periodic
// reports, and idle eviction of stale records.
package traffic

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/metrics"
)

const (
	uniqueIPCap      = 20
	uniqueSessionCap = 10

	// maybeCleanup runs once per this many Record calls.
	cleanupEvery = 1000

	longIdleSweepInterval = 60 * time.Second
)

// Usage aggregates one UID's transfer activity.
type Usage struct {
	TotalBytes     int64
	RequestCount   int64
	FileTypes      map[string]int64
	UniqueIPs      map[string]struct{}
	UniqueSessions map[string]struct{}
	StartTime      int64
	LastActivity   int64
}

func newUsage(now int64) *Usage {
	return &Usage{
		FileTypes:      make(map[string]int64),
		UniqueIPs:      make(map[string]struct{}),
		UniqueSessions: make(map[string]struct{}),
		StartTime:      now,
		LastActivity:   now,
	}
}

func (u *Usage) update(n int64, fileType, ip, sessionID string, now int64) {
	u.TotalBytes += n
	u.RequestCount++
	if fileType != "" {
		u.FileTypes[fileType] += n
	}
	if ip != "" && len(u.UniqueIPs) < uniqueIPCap {
		u.UniqueIPs[ip] = struct{}{}
	}
	if sessionID != "" && len(u.UniqueSessions) < uniqueSessionCap {
		u.UniqueSessions[sessionID] = struct{}{}
	}
	u.LastActivity = now
}

// merge folds other into u, keeping the earliest start time.
func (u *Usage) merge(other *Usage) {
	u.TotalBytes += other.TotalBytes
	u.RequestCount += other.RequestCount
	for ext, b := range other.FileTypes {
		u.FileTypes[ext] += b
	}
	for ip := range other.UniqueIPs {
		if len(u.UniqueIPs) >= uniqueIPCap {
			break
		}
		u.UniqueIPs[ip] = struct{}{}
	}
	for sid := range other.UniqueSessions {
		if len(u.UniqueSessions) >= uniqueSessionCap {
			break
		}
		u.UniqueSessions[sid] = struct{}{}
	}
	if other.StartTime < u.StartTime {
		u.StartTime = other.StartTime
	}
	if other.LastActivity > u.LastActivity {
		u.LastActivity = other.LastActivity
	}
}

// reportRecord is the wire form of one qualified record.
type reportRecord struct {
	UID            string           `json:"uid"`
	TotalBytes     int64            `json:"total_bytes"`
	RequestCount   int64            `json:"request_count"`
	FileTypes      map[string]int64 `json:"file_types"`
	UniqueIPs      []string         `json:"unique_ips"`
	UniqueSessions []string         `json:"unique_sessions"`
	StartTime      int64            `json:"start_time"`
	LastActivity   int64            `json:"last_activity"`
}

type reportBody struct {
	Records  []reportRecord `json:"records"`
	Reporter string         `json:"reporter"`
	TS       int64          `json:"ts"`
}

// Engine is the process-wide traffic accountant. Construct once, Start
// the background loops, Stop on shutdown to flush.
type Engine struct {
	mu          sync.Mutex
	accumulator map[string]*Usage // Tier A: below threshold
	qualified   map[string]*Usage // Tier B: reportable
	recordCalls int64

	reportsSent   int64
	reportsFailed int64

	cfg    func() config.TrafficConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	stop chan struct{}
	done sync.WaitGroup
}

// NewEngine creates the traffic engine. cfg is read per tick so hot
// reloads of interval and threshold apply.
func NewEngine(cfg func() config.TrafficConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		accumulator: make(map[string]*Usage),
		qualified:   make(map[string]*Usage),
		cfg:         cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// Start launches the report and idle-cleanup loops.
func (e *Engine) Start() {
	e.done.Add(2)
	go e.reportLoop()
	go e.idleLoop()
}

// Stop signals the loops, waits for them, and flushes both tiers once.
func (e *Engine) Stop() {
	close(e.stop)
	e.done.Wait()
	e.flushAll()
}

// Record ingests one transfer's byte count. Unattributable traffic
// (empty uid) is dropped.
func (e *Engine) Record(uid string, n int64, fileType, ip, sessionID string) {
	if uid == "" || n <= 0 {
		return
	}
	threshold := e.cfg().MinBytesThreshold
	now := e.now().Unix()

	e.mu.Lock()
	defer e.mu.Unlock()

	if u, ok := e.qualified[uid]; ok {
		u.update(n, fileType, ip, sessionID, now)
	} else {
		u, ok := e.accumulator[uid]
		if !ok {
			u = newUsage(now)
			e.accumulator[uid] = u
		}
		u.update(n, fileType, ip, sessionID, now)
		if u.TotalBytes >= threshold {
			delete(e.accumulator, uid)
			if existing, ok := e.qualified[uid]; ok {
				existing.merge(u)
			} else {
				e.qualified[uid] = u
			}
			metrics.QualifiedUIDs.Set(float64(len(e.qualified)))
		}
	}

	e.recordCalls++
	if e.recordCalls%cleanupEvery == 0 {
		e.cleanupAccumulatorLocked(now)
	}
}

// cleanupAccumulatorLocked drops idle Tier-A records. Caller holds mu.
func (e *Engine) cleanupAccumulatorLocked(now int64) {
	idle := int64(e.cfg().AccumulatorIdleTimeout / time.Second)
	for uid, u := range e.accumulator {
		if now-u.LastActivity > idle {
			delete(e.accumulator, uid)
		}
	}
}

func (e *Engine) reportLoop() {
	defer e.done.Done()
	for {
		interval := e.cfg().ReportInterval
		if interval <= 0 {
			interval = 300 * time.Second
		}
		select {
		case <-e.stop:
			return
		case <-time.After(interval):
			e.reportOnce(context.Background())
		}
	}
}

func (e *Engine) idleLoop() {
	defer e.done.Done()
	ticker := time.NewTicker(longIdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.evictLongIdle()
		}
	}
}

func (e *Engine) evictLongIdle() {
	idle := int64(e.cfg().LongIdleTimeout / time.Second)
	now := e.now().Unix()

	e.mu.Lock()
	defer e.mu.Unlock()
	for uid, u := range e.accumulator {
		if now-u.LastActivity > idle {
			delete(e.accumulator, uid)
		}
	}
	for uid, u := range e.qualified {
		if now-u.LastActivity > idle {
			delete(e.qualified, uid)
		}
	}
	metrics.QualifiedUIDs.Set(float64(len(e.qualified)))
}

// reportOnce drains Tier B, POSTs it, and merges the batch back on
// failure. The POST happens outside the lock so ingest never blocks on
// the network.
func (e *Engine) reportOnce(ctx context.Context) {
	cfg := e.cfg()
	if !cfg.Enabled || cfg.ReportURL == "" {
		return
	}

	e.mu.Lock()
	if len(e.qualified) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.qualified
	e.qualified = make(map[string]*Usage)
	metrics.QualifiedUIDs.Set(0)
	e.mu.Unlock()

	if err := e.post(ctx, cfg, batch); err != nil {
		e.logger.Warn("traffic report failed, retaining records",
			"records", len(batch), "error", err)
		metrics.ReportsTotal.WithLabelValues("failure").Inc()

		e.mu.Lock()
		e.reportsFailed++
		for uid, u := range batch {
			if existing, ok := e.qualified[uid]; ok {
				existing.merge(u)
			} else {
				e.qualified[uid] = u
			}
		}
		metrics.QualifiedUIDs.Set(float64(len(e.qualified)))
		e.mu.Unlock()
		return
	}

	metrics.ReportsTotal.WithLabelValues("success").Inc()
	e.mu.Lock()
	e.reportsSent++
	e.mu.Unlock()
	e.logger.Info("traffic report sent", "records", len(batch))
}

func (e *Engine) post(ctx context.Context, cfg config.TrafficConfig, batch map[string]*Usage) error {
	body := reportBody{
		Records:  make([]reportRecord, 0, len(batch)),
		Reporter: "file-proxy",
		TS:       e.now().Unix(),
	}
	for uid, u := range batch {
		body.Records = append(body.Records, reportRecord{
			UID:            uid,
			TotalBytes:     u.TotalBytes,
			RequestCount:   u.RequestCount,
			FileTypes:      u.FileTypes,
			UniqueIPs:      setToSlice(u.UniqueIPs),
			UniqueSessions: setToSlice(u.UniqueSessions),
			StartTime:      u.StartTime,
			LastActivity:   u.LastActivity,
		})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ReportURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("report sink returned %d", resp.StatusCode)
	}
	return nil
}

// flushAll promotes every accumulator record and reports once, best
// effort. Called only during shutdown.
func (e *Engine) flushAll() {
	e.mu.Lock()
	for uid, u := range e.accumulator {
		if existing, ok := e.qualified[uid]; ok {
			existing.merge(u)
		} else {
			e.qualified[uid] = u
		}
		delete(e.accumulator, uid)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.reportOnce(ctx)
}

// Status describes the engine for the /traffic endpoint.
type Status struct {
	AccumulatorUIDs  int   `json:"accumulator_uids"`
	QualifiedUIDs    int   `json:"qualified_uids"`
	AccumulatorBytes int64 `json:"accumulator_bytes"`
	QualifiedBytes   int64 `json:"qualified_bytes"`
	ReportsSent      int64 `json:"reports_sent"`
	ReportsFailed    int64 `json:"reports_failed"`
}

// Status takes a consistent snapshot of both tiers.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		AccumulatorUIDs: len(e.accumulator),
		QualifiedUIDs:   len(e.qualified),
		ReportsSent:     e.reportsSent,
		ReportsFailed:   e.reportsFailed,
	}
	for _, u := range e.accumulator {
		st.AccumulatorBytes += u.TotalBytes
	}
	for _, u := range e.qualified {
		st.QualifiedBytes += u.TotalBytes
	}
	return st
}

// QualifiedBytes returns the bytes currently held for a UID in Tier B.
// Used by tests and the stats endpoint.
func (e *Engine) QualifiedBytes(uid string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.qualified[uid]
	if !ok {
		return 0, false
	}
	return u.TotalBytes, true
}

// InAccumulator reports whether a UID currently sits in Tier A.
func (e *Engine) InAccumulator(uid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.accumulator[uid]
	return ok
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
