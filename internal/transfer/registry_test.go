package transfer

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsgate/hlsgate/internal/metrics"
)

func TestStartAndSnapshot(t *testing.T) {
	r := NewRegistry()

	tr := r.Start(StartOptions{
		FilePath:  "/v/seg001.ts",
		FileType:  "ts",
		ClientIP:  "203.0.113.5",
		UID:       "u1",
		SessionID: "sid1",
		TotalSize: 2048,
	})
	tr.AddBytes(1024)
	tr.FirstByte(12 * time.Millisecond)

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.ActiveCount)
	require.Len(t, snap.Transfers, 1)

	v := snap.Transfers[0]
	assert.Equal(t, tr.ID, v.TransferID)
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, int64(1024), v.BytesTransferred)
	require.NotNil(t, v.TotalSize)
	assert.Equal(t, int64(2048), *v.TotalSize)
	require.NotNil(t, v.ProgressPercent)
	assert.InDelta(t, 50.0, *v.ProgressPercent, 0.01)
	require.NotNil(t, v.FirstByteLatencyMS)
	assert.Equal(t, int64(12), *v.FirstByteLatencyMS)
}

func TestUnknownSizeOmitsProgress(t *testing.T) {
	r := NewRegistry()

	tr := r.Start(StartOptions{FilePath: "/v/live.m3u8", FileType: "m3u8", TotalSize: -1})
	tr.AddBytes(100)

	snap := r.Snapshot()
	require.Len(t, snap.Transfers, 1)
	assert.Nil(t, snap.Transfers[0].TotalSize)
	assert.Nil(t, snap.Transfers[0].ProgressPercent)
}

func TestFinishIsIdempotent(t *testing.T) {
	r := NewRegistry()
	tr := r.Start(StartOptions{FilePath: "/v/seg001.ts", TotalSize: 100})

	r.Finish(tr, StatusCompleted)
	r.Finish(tr, StatusError) // must not overwrite the terminal state

	snap := r.Snapshot()
	require.Len(t, snap.Transfers, 1)
	assert.Equal(t, StatusCompleted, snap.Transfers[0].Status)
	assert.Zero(t, snap.ActiveCount)
}

func TestCompletedWithinWindowCountsTowardBandwidth(t *testing.T) {
	r := NewRegistry()
	tr := r.Start(StartOptions{FilePath: "/v/seg001.ts", TotalSize: 100})

	tr.mu.Lock()
	tr.speedBPS = 1000
	tr.mu.Unlock()

	r.Finish(tr, StatusCompleted)

	snap := r.Snapshot()
	assert.Zero(t, snap.ActiveCount)
	assert.InDelta(t, 1000.0, snap.TotalSpeedBPS, 0.01)

	// Outside the bandwidth window the finished transfer stops counting.
	r.now = func() time.Time { return time.Now().Add(3 * time.Second) }
	snap = r.Snapshot()
	assert.Zero(t, snap.TotalSpeedBPS)
}

func TestStaleActiveTransfersDropped(t *testing.T) {
	r := NewRegistry()
	r.Start(StartOptions{FilePath: "/v/seg001.ts", TotalSize: 100})

	r.now = func() time.Time { return time.Now().Add(31 * time.Second) }

	snap := r.Snapshot()
	assert.Empty(t, snap.Transfers)
	assert.Zero(t, snap.ActiveCount)
}

func TestSweptTransferFinishDecrementsOnce(t *testing.T) {
	r := NewRegistry()
	before := testutil.ToFloat64(metrics.ActiveTransfers)

	tr := r.Start(StartOptions{FilePath: "/v/seg001.ts", TotalSize: 100})
	assert.InDelta(t, before+1, testutil.ToFloat64(metrics.ActiveTransfers), 0.01)

	r.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	snap := r.Snapshot()
	assert.Zero(t, snap.ActiveCount)
	assert.InDelta(t, before, testutil.ToFloat64(metrics.ActiveTransfers), 0.01)

	// The pump was only slow, not dead; its Finish must not push the
	// gauge below the floor.
	r.Finish(tr, StatusCompleted)
	assert.InDelta(t, before, testutil.ToFloat64(metrics.ActiveTransfers), 0.01)
}

func TestTouchRefreshesLiveness(t *testing.T) {
	r := NewRegistry()
	tr := r.Start(StartOptions{FilePath: "/v/seg001.ts", TotalSize: 100})

	tr.mu.Lock()
	tr.lastUpdate = time.Now().Add(-time.Minute)
	tr.mu.Unlock()

	tr.Touch()

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.ActiveCount)
	require.Len(t, snap.Transfers, 1)
	assert.Equal(t, StatusActive, snap.Transfers[0].Status)
}

func TestSnapshotCapped(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < snapshotCap+10; i++ {
		r.Start(StartOptions{FilePath: fmt.Sprintf("/v/seg%03d.ts", i), TotalSize: 100})
	}

	snap := r.Snapshot()
	assert.Len(t, snap.Transfers, snapshotCap)
	// Every transfer still counts toward the aggregate.
	assert.Equal(t, snapshotCap+10, snap.ActiveCount)
}

func TestSpeedFallbackBeforeFirstSample(t *testing.T) {
	r := NewRegistry()
	tr := r.Start(StartOptions{FilePath: "/v/seg001.ts", TotalSize: 1 << 20})

	// Writes inside the 500 ms sampling gap use bytes/elapsed.
	tr.AddBytes(64 << 10)

	tr.mu.Lock()
	speed := tr.speedBPS
	tr.mu.Unlock()
	assert.Greater(t, speed, 0.0)
}
