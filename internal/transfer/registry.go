// Package transfer tracks in-flight byte pumps for the monitoring API:
// per-transfer progress, a smoothed speed estimate, and a short terminal
// retention window so pollers catch final state.
package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hlsgate/hlsgate/internal/metrics"
)

// Status of a transfer.
type Status string

const (
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

const (
	// terminalRetention keeps finished transfers visible; the dashboard
	// polls every 5 s and relies on catching terminal states.
	terminalRetention = 5 * time.Second

	// staleAfter drops transfers with no progress updates, covering
	// pumps that died without reaching a terminal state.
	staleAfter = 30 * time.Second

	// bandwidthWindow counts recently completed transfers toward the
	// aggregate bandwidth estimate.
	bandwidthWindow = 2 * time.Second

	snapshotCap = 20

	speedSamples      = 10
	speedSampleMinGap = 500 * time.Millisecond
)

// Transfer is one tracked stream. Field updates go through methods; the
// registry snapshot copies scalars under the lock.
type Transfer struct {
	mu sync.Mutex

	ID        string
	FilePath  string
	FullPath  string
	FileType  string
	ClientIP  string
	UID       string
	SessionID string
	StartTime time.Time

	bytes      int64
	totalSize  int64 // <0 when unknown
	status     Status
	speedBPS   float64
	firstByte  time.Duration
	hasLatency bool
	lastUpdate time.Time
	endTime    time.Time

	// moving-average speed sampling
	samples     [speedSamples]float64
	sampleCount int
	sampleIdx   int
	lastSample  time.Time
	sampleBytes int64
}

// View is the exported snapshot form of a transfer.
type View struct {
	TransferID         string  `json:"transfer_id"`
	FilePath           string  `json:"file_path"`
	FileType           string  `json:"file_type"`
	ClientIP           string  `json:"client_ip"`
	UID                string  `json:"uid,omitempty"`
	SessionID          string  `json:"session_id,omitempty"`
	StartTime          int64   `json:"start_time"`
	BytesTransferred   int64   `json:"bytes_transferred"`
	TotalSize          *int64  `json:"total_size,omitempty"`
	SpeedBPS           float64  `json:"speed_bps"`
	ProgressPercent    *float64 `json:"progress_percent,omitempty"`
	Status             Status   `json:"status"`
	FirstByteLatencyMS *int64  `json:"first_byte_latency_ms,omitempty"`
}

// Registry owns all tracked transfers.
type Registry struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transfers: make(map[string]*Transfer),
		now:       time.Now,
	}
}

// StartOptions describe a transfer at pump start.
type StartOptions struct {
	FilePath  string
	FullPath  string
	FileType  string
	ClientIP  string
	UID       string
	SessionID string
	TotalSize int64 // pass <0 when unknown
}

// Start registers a new active transfer.
func (r *Registry) Start(opts StartOptions) *Transfer {
	now := r.now()
	t := &Transfer{
		ID:         uuid.NewString(),
		FilePath:   opts.FilePath,
		FullPath:   opts.FullPath,
		FileType:   opts.FileType,
		ClientIP:   opts.ClientIP,
		UID:        opts.UID,
		SessionID:  opts.SessionID,
		StartTime:  now,
		totalSize:  opts.TotalSize,
		status:     StatusActive,
		lastUpdate: now,
		lastSample: now,
	}

	r.mu.Lock()
	r.transfers[t.ID] = t
	r.mu.Unlock()
	metrics.ActiveTransfers.Inc()
	return t
}

// AddBytes records a chunk write and refreshes the smoothed speed. The
// instantaneous rate is sampled at most once per 500 ms into a 10-slot
// moving average, so the monitor shows a stable figure.
func (t *Transfer) AddBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.bytes += n
	t.lastUpdate = now

	gap := now.Sub(t.lastSample)
	if gap >= speedSampleMinGap {
		rate := float64(t.bytes-t.sampleBytes) / gap.Seconds()
		t.samples[t.sampleIdx] = rate
		t.sampleIdx = (t.sampleIdx + 1) % speedSamples
		if t.sampleCount < speedSamples {
			t.sampleCount++
		}
		t.lastSample = now
		t.sampleBytes = t.bytes

		var sum float64
		for i := 0; i < t.sampleCount; i++ {
			sum += t.samples[i]
		}
		t.speedBPS = sum / float64(t.sampleCount)
	} else if t.sampleCount == 0 {
		if elapsed := now.Sub(t.StartTime).Seconds(); elapsed > 0 {
			t.speedBPS = float64(t.bytes) / elapsed
		}
	}
}

// Touch refreshes the liveness timestamp without recording bytes. The
// pump calls it before a blocking write so a slowly draining client is
// not swept as stale.
func (t *Transfer) Touch() {
	t.mu.Lock()
	t.lastUpdate = time.Now()
	t.mu.Unlock()
}

// FirstByte records the latency from authorization to the first chunk.
func (t *Transfer) FirstByte(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasLatency {
		t.firstByte = d
		t.hasLatency = true
	}
}

// Bytes returns the current transferred byte count.
func (t *Transfer) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Finish moves the transfer into a terminal state. The registry entry
// lingers for the retention window, then is removed.
func (r *Registry) Finish(t *Transfer, status Status) {
	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return
	}
	t.status = status
	t.endTime = r.now()
	t.lastUpdate = t.endTime
	t.mu.Unlock()

	metrics.ActiveTransfers.Dec()
	time.AfterFunc(terminalRetention, func() {
		r.mu.Lock()
		delete(r.transfers, t.ID)
		r.mu.Unlock()
	})
}

// Snapshot copies up to 20 transfers for the monitoring API, dropping
// stale entries on the way. Recently completed transfers inside the
// bandwidth window still count toward TotalSpeedBPS.
type Snapshot struct {
	Transfers     []View  `json:"transfers"`
	ActiveCount   int     `json:"active_count"`
	TotalSpeedBPS float64 `json:"total_speed_bps"`
}

// Snapshot takes a consistent view of the registry.
func (r *Registry) Snapshot() Snapshot {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Transfers: make([]View, 0, min(len(r.transfers), snapshotCap))}
	for id, t := range r.transfers {
		t.mu.Lock()
		if t.status == StatusActive && now.Sub(t.lastUpdate) > staleAfter {
			// Terminal from here on: a late Finish from the pump must
			// not decrement the gauge a second time.
			t.status = StatusDisconnected
			t.endTime = now
			t.mu.Unlock()
			delete(r.transfers, id)
			metrics.ActiveTransfers.Dec()
			continue
		}

		if t.status == StatusActive {
			snap.ActiveCount++
			snap.TotalSpeedBPS += t.speedBPS
		} else if now.Sub(t.endTime) <= bandwidthWindow {
			snap.TotalSpeedBPS += t.speedBPS
		}

		if len(snap.Transfers) < snapshotCap {
			snap.Transfers = append(snap.Transfers, t.viewLocked())
		}
		t.mu.Unlock()
	}
	return snap
}

// viewLocked copies scalars; caller holds t.mu.
func (t *Transfer) viewLocked() View {
	v := View{
		TransferID:       t.ID,
		FilePath:         t.FilePath,
		FileType:         t.FileType,
		ClientIP:         t.ClientIP,
		UID:              t.UID,
		SessionID:        t.SessionID,
		StartTime:        t.StartTime.Unix(),
		BytesTransferred: t.bytes,
		SpeedBPS:         t.speedBPS,
		Status:           t.status,
	}
	if t.totalSize >= 0 {
		size := t.totalSize
		v.TotalSize = &size
		if size > 0 {
			pct := float64(t.bytes) / float64(size) * 100
			v.ProgressPercent = &pct
		}
	}
	if t.hasLatency {
		ms := t.firstByte.Milliseconds()
		v.FirstByteLatencyMS = &ms
	}
	return v
}
