package downloader

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-dl/downloader/internal/chunkplan"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/linkhealth"
	"github.com/tachyon-dl/downloader/internal/netdisk"
	"github.com/tachyon-dl/downloader/internal/slotpool"
	"github.com/tachyon-dl/downloader/internal/walstore"
)

// routedPort resolves every handle to whatever URL the test registered for
// its FSID, rotating through a list when more than one is given -- it
// stands in for the real Netdisk port so each test controls exactly which
// server a Task talks to.
type routedPort struct {
	urls map[string][]string
	n    map[string]*atomic.Int64
}

func newRoutedPort() *routedPort {
	return &routedPort{urls: make(map[string][]string), n: make(map[string]*atomic.Int64)}
}

func (p *routedPort) route(fsID string, urls ...string) {
	p.urls[fsID] = urls
	p.n[fsID] = new(atomic.Int64)
}

func (p *routedPort) ListDirectory(context.Context, string, string) (netdisk.Page, error) {
	return netdisk.Page{}, nil
}

func (p *routedPort) CreateDirectory(context.Context, string) error {
	return nil
}

func (p *routedPort) ResolveURL(_ context.Context, handle netdisk.FileHandle) (netdisk.ResolvedURL, error) {
	list := p.urls[handle.FSID]
	if len(list) == 0 {
		return netdisk.ResolvedURL{}, os.ErrNotExist
	}
	counter := p.n[handle.FSID]
	idx := int(counter.Add(1)-1) % len(list)
	return netdisk.ResolvedURL{URL: list[idx], ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newTestEngine(t *testing.T, port netdisk.Port, capacity, kTask int64, maxRetries int) *Engine {
	t.Helper()
	return newTestEngineWithParams(t, port, capacity, kTask, maxRetries, linkhealth.DefaultScoringParams())
}

func newTestEngineWithParams(t *testing.T, port netdisk.Port, capacity, kTask int64, maxRetries int, params linkhealth.ScoringParams) *Engine {
	t.Helper()
	dir := t.TempDir()

	wal, err := walstore.OpenWAL(filepath.Join(dir, "wal", "records.log"), 10*time.Millisecond, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wal.Close() })

	store, err := walstore.OpenStore(filepath.Join(dir, "data", "tachyon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	persist := walstore.New(wal, store, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(64, logger)
	provider := linkhealth.NewProvider(port, logger)
	links := linkhealth.NewRegistry(provider, logger, params)
	slots := slotpool.New(capacity)

	return NewEngine(logger, slots, links, persist, bus, port, Config{
		KTask:      kTask,
		MaxRetries: maxRetries,
		VIPTier:    chunkplan.TierNone,
	})
}

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		start, end := 0, len(body)-1
		if rangeHdr != "" {
			var s, e int
			rangeHdr = strings.TrimPrefix(rangeHdr, "bytes=")
			parts := strings.SplitN(rangeHdr, "-", 2)
			s, _ = strconv.Atoi(parts[0])
			e, _ = strconv.Atoi(parts[1])
			start, end = s, e
		}
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func alwaysFailServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
}

func waitForStatus(t *testing.T, task *Task, status string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if task.Progress().Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task never reached status %q, last was %q (%s)", status, task.Progress().Status, task.LastError())
}

func TestAdmitDownloadsFileToCompletion(t *testing.T) {
	body := []byte(strings.Repeat("a", 10_000))
	srv := rangeServer(t, body)
	defer srv.Close()

	port := newRoutedPort()
	port.route("fs1", srv.URL+"/dl/fs1")
	eng := newTestEngine(t, port, 4, 2, 3)

	dest := filepath.Join(t.TempDir(), "out.bin")
	task := NewTask(eng, Spec{
		TaskID:    "task-1",
		Handle:    netdisk.FileHandle{FSID: "fs1", RemotePath: "/fs1"},
		LocalPath: dest,
		TotalSize: int64(len(body)),
	})

	require.NoError(t, task.Admit(context.Background()))
	waitForStatus(t, task, StatusCompleted, 5*time.Second)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestPauseStopsDispatchAndResumeCompletes(t *testing.T) {
	// A large-enough body to plan multiple chunks, and a server that adds a
	// small per-request delay so the task is still running when Pause fires.
	body := make([]byte, 600_000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	var reqCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqCount.Add(1)
		time.Sleep(20 * time.Millisecond)
		rangeHdr := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		parts := strings.SplitN(rangeHdr, "-", 2)
		s, _ := strconv.Atoi(parts[0])
		e, _ := strconv.Atoi(parts[1])
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(s)+"-"+strconv.Itoa(e)+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[s : e+1])
	}))
	defer srv.Close()

	port := newRoutedPort()
	port.route("fs2", srv.URL+"/dl/fs2")
	eng := newTestEngine(t, port, 4, 1, 3)

	dest := filepath.Join(t.TempDir(), "out.bin")
	task := NewTask(eng, Spec{
		TaskID:    "task-2",
		Handle:    netdisk.FileHandle{FSID: "fs2", RemotePath: "/fs2"},
		LocalPath: dest,
		TotalSize: int64(len(body)),
	})

	require.NoError(t, task.Admit(context.Background()))
	time.Sleep(30 * time.Millisecond) // let at least one chunk start

	require.NoError(t, task.Pause())
	require.Equal(t, StatusPaused, task.Progress().Status)

	require.NoError(t, task.Resume(context.Background()))
	waitForStatus(t, task, StatusCompleted, 10*time.Second)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestRangeFailuresAcrossDistinctURLsEscalateToFailed(t *testing.T) {
	bad1 := alwaysFailServer(t, http.StatusInternalServerError)
	defer bad1.Close()
	bad2 := alwaysFailServer(t, http.StatusInternalServerError)
	defer bad2.Close()

	// A low FMax evicts the first bad URL after two consecutive failures, so
	// the third attempt (after re-resolving) hits the second bad URL and the
	// task has now failed against two distinct URLs, satisfying the
	// escalation condition at max_retries=3 without a long backoff tail.
	params := linkhealth.DefaultScoringParams()
	params.FMax = 2

	port := newRoutedPort()
	port.route("fs3", bad1.URL+"/dl/fs3", bad2.URL+"/dl/fs3")
	eng := newTestEngineWithParams(t, port, 2, 1, 3, params)

	dest := filepath.Join(t.TempDir(), "out.bin")
	task := NewTask(eng, Spec{
		TaskID:     "task-3",
		Handle:     netdisk.FileHandle{FSID: "fs3", RemotePath: "/fs3"},
		LocalPath:  dest,
		TotalSize:  1000,
		MaxRetries: 3,
	})

	require.NoError(t, task.Admit(context.Background()))
	waitForStatus(t, task, StatusFailed, 5*time.Second)
	require.Contains(t, task.LastError(), "distinct URLs")
}

func TestTruncatedRangeIsRetriedNotCreditedAsDone(t *testing.T) {
	body := []byte(strings.Repeat("b", 2000))
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		rangeHdr := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		parts := strings.SplitN(rangeHdr, "-", 2)
		s, _ := strconv.Atoi(parts[0])
		e, _ := strconv.Atoi(parts[1])
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(s)+"-"+strconv.Itoa(e)+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		if n == 1 {
			// first attempt: close early, short of the full range
			w.Write(body[s : s+10])
			return
		}
		w.Write(body[s : e+1])
	}))
	defer srv.Close()

	port := newRoutedPort()
	port.route("fs4", srv.URL+"/dl/fs4")
	eng := newTestEngine(t, port, 2, 1, 5)

	dest := filepath.Join(t.TempDir(), "out.bin")
	task := NewTask(eng, Spec{
		TaskID:    "task-4",
		Handle:    netdisk.FileHandle{FSID: "fs4", RemotePath: "/fs4"},
		LocalPath: dest,
		TotalSize: int64(len(body)),
	})

	require.NoError(t, task.Admit(context.Background()))
	waitForStatus(t, task, StatusCompleted, 5*time.Second)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.GreaterOrEqual(t, hits.Load(), int64(2))
}
