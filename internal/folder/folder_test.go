package folder

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-dl/downloader/internal/downloader"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/netdisk"
	"github.com/tachyon-dl/downloader/internal/walstore"
)

// fakeAdmitter stands in for the Download Manager: AdmitChild immediately
// resolves the child to a terminal outcome (completed, or failed if the
// task id is in failIDs) and publishes it on the group's own topic, the
// same way a real File Task Engine eventually would.
type fakeAdmitter struct {
	mu       sync.Mutex
	bus      *eventbus.Bus
	failIDs  map[string]bool
	progress map[string]downloader.Progress
}

func newFakeAdmitter(bus *eventbus.Bus, failIDs ...string) *fakeAdmitter {
	fa := &fakeAdmitter{bus: bus, failIDs: make(map[string]bool), progress: make(map[string]downloader.Progress)}
	for _, id := range failIDs {
		fa.failIDs[id] = true
	}
	return fa
}

func (a *fakeAdmitter) AdmitChild(spec downloader.Spec) error {
	fails := a.failIDs[spec.TaskID]

	a.mu.Lock()
	status := downloader.StatusCompleted
	if fails {
		status = downloader.StatusFailed
	}
	a.progress[spec.TaskID] = downloader.Progress{Status: status, DownloadedSize: spec.TotalSize, TotalSize: spec.TotalSize}
	a.mu.Unlock()

	kind := eventbus.KindCompleted
	if fails {
		kind = eventbus.KindFailed
	}
	a.bus.Publish(eventbus.Event{Topic: eventbus.GroupTopic(spec.GroupID), Kind: kind, TaskID: spec.TaskID, GroupID: spec.GroupID})
	return nil
}

func (a *fakeAdmitter) PauseChild(string) error  { return nil }
func (a *fakeAdmitter) ResumeChild(string) error { return nil }
func (a *fakeAdmitter) CancelChild(string) error { return nil }

func (a *fakeAdmitter) ChildProgress(taskID string) (downloader.Progress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.progress[taskID]
	return p, ok
}

func newTestStore(t *testing.T) *walstore.Store {
	t.Helper()
	store, err := walstore.OpenStore(filepath.Join(t.TempDir(), "data", "tachyon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitForGroupStatus(t *testing.T, g *Group, status string, timeout time.Duration) Progress {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p := g.Snapshot(); p.Status == status {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("group never reached status %q, last was %q", status, g.Snapshot().Status)
	return Progress{}
}

func buildTree(stub *netdisk.Stub) {
	stub.AddFile("/root", netdisk.Entry{Name: "sub", IsDir: true})
	stub.AddFile("/root", netdisk.Entry{FSID: "fa", Name: "a.txt", Size: 100})
	stub.AddFile("/root/sub", netdisk.Entry{FSID: "fb", Name: "b.txt", Size: 200})
}

func TestScanStreamsAdmissionAndAggregatesCompletion(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(64, logger)
	stub := netdisk.NewStub()
	buildTree(stub)
	admitter := newFakeAdmitter(bus)
	store := newTestStore(t)

	g := NewGroup(Spec{GroupID: "g1", RemoteRoot: "/root", LocalRoot: t.TempDir()}, stub, admitter, bus, store, logger)
	require.NoError(t, g.Start(context.Background()))

	p := waitForGroupStatus(t, g, StatusCompleted, 2*time.Second)
	require.Equal(t, 2, p.TotalFiles)
	require.Equal(t, 2, p.CompletedCount)
	require.Equal(t, int64(300), p.TotalSize)
	require.Equal(t, int64(300), p.DownloadedSize)
	require.True(t, p.ScanCompleted)
}

func TestOneFailedChildFailsGroupButNotOthers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(64, logger)
	stub := netdisk.NewStub()
	buildTree(stub)
	admitter := newFakeAdmitter(bus, "g2/a.txt")
	store := newTestStore(t)

	g := NewGroup(Spec{GroupID: "g2", RemoteRoot: "/root", LocalRoot: t.TempDir()}, stub, admitter, bus, store, logger)
	require.NoError(t, g.Start(context.Background()))

	p := waitForGroupStatus(t, g, StatusFailed, 2*time.Second)
	require.Equal(t, 2, p.TotalFiles)
	require.Equal(t, 1, p.CompletedCount)
	require.Contains(t, p.LastError, "1 of 2")
}

func TestPauseQueuesDiscoveriesAndResumeAdmitsThem(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(64, logger)
	stub := netdisk.NewStub()
	buildTree(stub)
	admitter := newFakeAdmitter(bus)
	store := newTestStore(t)

	g := NewGroup(Spec{GroupID: "g3", RemoteRoot: "/root", LocalRoot: t.TempDir()}, stub, admitter, bus, store, logger)

	// Pause before the scan has a chance to admit anything, so every
	// discovery is parked as a pending descriptor instead.
	require.NoError(t, g.Pause())
	require.NoError(t, g.Start(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !g.Snapshot().ScanCompleted {
		time.Sleep(5 * time.Millisecond)
	}
	p := g.Snapshot()
	require.True(t, p.ScanCompleted)
	require.Equal(t, StatusPaused, p.Status)
	require.Equal(t, 2, p.TotalFiles)
	require.Equal(t, 0, p.CompletedCount)

	require.NoError(t, g.Resume())
	p = waitForGroupStatus(t, g, StatusCompleted, 2*time.Second)
	require.Equal(t, 2, p.CompletedCount)
}

func TestCancelStopsScanAndCancelsLiveChildren(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(64, logger)
	stub := netdisk.NewStub()
	buildTree(stub)
	admitter := newFakeAdmitter(bus)
	store := newTestStore(t)

	g := NewGroup(Spec{GroupID: "g4", RemoteRoot: "/root", LocalRoot: t.TempDir()}, stub, admitter, bus, store, logger)
	require.NoError(t, g.Start(context.Background()))
	require.NoError(t, g.Cancel())

	p := g.Snapshot()
	require.Equal(t, StatusCancelled, p.Status)
}
