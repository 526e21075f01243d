package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-dl/downloader/internal/chunkplan"
	"github.com/tachyon-dl/downloader/internal/downloader"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/linkhealth"
	"github.com/tachyon-dl/downloader/internal/manager"
	"github.com/tachyon-dl/downloader/internal/netdisk"
	"github.com/tachyon-dl/downloader/internal/slotpool"
	"github.com/tachyon-dl/downloader/internal/walstore"
)

// newTestServer wires a Manager off a netdisk.Stub the same way
// cmd/tachyon-downloader does, and returns an httptest.Server fronting it.
func newTestServer(t *testing.T) (*httptest.Server, *netdisk.Stub, *manager.Manager) {
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

	port := netdisk.NewStub()
	provider := linkhealth.NewProvider(port, logger)
	links := linkhealth.NewRegistry(provider, logger, linkhealth.DefaultScoringParams())
	slots := slotpool.New(8)

	eng := downloader.NewEngine(logger, slots, links, persist, bus, port, downloader.Config{
		KTask:      1,
		MaxRetries: 3,
		VIPTier:    chunkplan.TierNone,
	})
	mgr := manager.New(eng, port, bus, persist, logger, 5, 3, dir)

	srv := New(mgr, bus, logger, []string{"*"}, chunkplan.TierNone)
	return httptest.NewServer(srv.Router()), port, mgr
}

func decodeEnvelope(t *testing.T, resp *http.Response) Envelope {
	t.Helper()
	defer resp.Body.Close()
	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestCreateFileGetAndListRoundtrip(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	body, err := json.Marshal(createFileRequest{FSID: "f1", RemotePath: "/f1.bin", Filename: "f1.bin", TotalSize: 11})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/downloads", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, 0, env.Code)

	data := env.Data.(map[string]any)
	taskID, _ := data["task_id"].(string)
	require.NotEmpty(t, taskID)

	getResp, err := http.Get(ts.URL + "/api/v1/downloads/" + taskID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	getEnv := decodeEnvelope(t, getResp)
	require.Equal(t, 0, getEnv.Code)

	listResp, err := http.Get(ts.URL + "/api/v1/downloads")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	listEnv := decodeEnvelope(t, listResp)
	tasks, ok := listEnv.Data.([]any)
	require.True(t, ok)
	require.Len(t, tasks, 1)
}

func TestGetUnknownTaskReturns404Envelope(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/downloads/does-not-exist")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, 1, env.Code)
}

func TestPauseResumeAndDeleteFileTask(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(createFileRequest{FSID: "f2", RemotePath: "/f2.bin", Filename: "f2.bin", TotalSize: 11})
	resp, err := http.Post(ts.URL+"/api/v1/downloads", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	env := decodeEnvelope(t, resp)
	taskID := env.Data.(map[string]any)["task_id"].(string)

	pauseResp, err := http.Post(ts.URL+"/api/v1/downloads/"+taskID+"/pause", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, pauseResp.StatusCode)

	resumeResp, err := http.Post(ts.URL+"/api/v1/downloads/"+taskID+"/resume", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resumeResp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/downloads/"+taskID+"?delete_file=true", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	getResp, err := http.Get(ts.URL + "/api/v1/downloads/" + taskID)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestCORSPreflightReflectsAllowedOrigin(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/downloads", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://example.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketDeliversTaskEvents(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var connected map[string]string
	require.NoError(t, conn.ReadJSON(&connected))
	require.Equal(t, "connected", connected["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":          "subscribe",
		"subscriptions": []string{eventbus.TopicFile},
	}))

	body, _ := json.Marshal(createFileRequest{FSID: "f3", RemotePath: "/f3.bin", Filename: "f3.bin", TotalSize: 11})
	_, err = http.Post(ts.URL+"/api/v1/downloads", "application/json", bytes.NewReader(body))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var evt outboundEvent
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, "event", evt.Type)
	require.Equal(t, "file", evt.Category)
}
