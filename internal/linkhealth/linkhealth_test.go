package linkhealth

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-dl/downloader/internal/downloaderr"
	"github.com/tachyon-dl/downloader/internal/netdisk"
)

func testRegistry() (*Registry, *netdisk.Stub) {
	stub := netdisk.NewStub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := NewProvider(stub, logger)
	return NewRegistry(provider, logger, DefaultScoringParams()), stub
}

func TestGetActiveResolvesOnFirstUse(t *testing.T) {
	reg, _ := testRegistry()
	handle := netdisk.FileHandle{FSID: "f1", RemotePath: "/a/b.bin"}

	url, err := reg.GetActive(context.Background(), "task-1", handle)
	require.NoError(t, err)
	require.NotEmpty(t, url)
}

func TestReportFailureEvictsAtFMax(t *testing.T) {
	reg, _ := testRegistry()
	handle := netdisk.FileHandle{FSID: "f2", RemotePath: "/a/c.bin"}

	url, err := reg.GetActive(context.Background(), "task-2", handle)
	require.NoError(t, err)

	for i := 0; i < DefaultScoringParams().FMax; i++ {
		reg.ReportFailure("task-2", url, downloaderr.KindTransport)
	}

	snap, err := reg.Snapshot("task-2")
	require.Error(t, err)
	require.True(t, snap.NeedsRefresh)

	// next GetActive re-resolves rather than reusing the evicted URL
	newURL, err := reg.GetActive(context.Background(), "task-2", handle)
	require.NoError(t, err)
	require.NotEmpty(t, newURL)
}

func TestRecordSampleRecoversScoreAfterFailure(t *testing.T) {
	reg, _ := testRegistry()
	handle := netdisk.FileHandle{FSID: "f3", RemotePath: "/a/d.bin"}
	url, err := reg.GetActive(context.Background(), "task-3", handle)
	require.NoError(t, err)

	reg.ReportFailure("task-3", url, downloaderr.KindTransport)
	snapAfterFailure, _ := reg.Snapshot("task-3")
	require.Less(t, snapAfterFailure.Score, float64(100))

	reg.RecordSample("task-3", url, 1024*1024, time.Second)
	snapAfterSample, _ := reg.Snapshot("task-3")
	require.Greater(t, snapAfterSample.Score, snapAfterFailure.Score)
}

func TestMarkNeedsRefreshForcesReresolve(t *testing.T) {
	reg, _ := testRegistry()
	handle := netdisk.FileHandle{FSID: "f4", RemotePath: "/a/e.bin"}
	first, err := reg.GetActive(context.Background(), "task-4", handle)
	require.NoError(t, err)

	reg.MarkNeedsRefresh("task-4")
	second, err := reg.GetActive(context.Background(), "task-4", handle)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestCheckFreshnessTripsOnSpeedAnomaly(t *testing.T) {
	reg, _ := testRegistry()
	handle := netdisk.FileHandle{FSID: "f5", RemotePath: "/a/f.bin"}
	_, err := reg.GetActive(context.Background(), "task-5", handle)
	require.NoError(t, err)

	url, err := reg.Snapshot("task-5")
	require.NoError(t, err)
	reg.RecordSample("task-5", url.ActiveURL, 10*1024*1024, time.Second) // establishes a 10MB/s peak

	reg.CheckFreshness("task-5", 1024*1024, true) // well below half the peak
	snap, err := reg.Snapshot("task-5")
	require.NoError(t, err) // flagged entries stay until the next GetActive re-resolves
	require.True(t, snap.NeedsRefresh)
}

func TestCheckFreshnessDebouncesWithinMinRefreshInterval(t *testing.T) {
	reg, _ := testRegistry()
	handle := netdisk.FileHandle{FSID: "f6", RemotePath: "/a/g.bin"}
	_, err := reg.GetActive(context.Background(), "task-6", handle)
	require.NoError(t, err)

	// simulate a refresh having just happened
	reg.MarkNeedsRefresh("task-6")
	_, err = reg.GetActive(context.Background(), "task-6", handle)
	require.NoError(t, err)

	snap, err := reg.Snapshot("task-6")
	require.NoError(t, err)
	reg.RecordSample("task-6", snap.ActiveURL, 10*1024*1024, time.Second)

	reg.CheckFreshness("task-6", 1024*1024, true)
	after, err := reg.Snapshot("task-6")
	require.NoError(t, err)
	require.False(t, after.NeedsRefresh, "a refresh within MinRefreshInterval of the last one should not re-trip")
}
