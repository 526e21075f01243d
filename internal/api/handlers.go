// Package api implements the HTTP/WebSocket surface (§6): JSON handlers
// under /api/v1 driving the Download Manager, plus a WebSocket endpoint
// multicasting event-bus traffic to subscribed clients.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tachyon-dl/downloader/internal/chunkplan"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/manager"
	"github.com/tachyon-dl/downloader/internal/netdisk"
)

// Server is the HTTP/WS front for one Manager. It holds no download state
// of its own -- every handler is a thin translation from JSON to a Manager
// call and back.
type Server struct {
	mgr         *manager.Manager
	bus         *eventbus.Bus
	logger      *slog.Logger
	router      *chi.Mux
	corsOrigins []string
	vipTier     chunkplan.VIPTier
}

func New(mgr *manager.Manager, bus *eventbus.Bus, logger *slog.Logger, corsOrigins []string, vipTier chunkplan.VIPTier) *Server {
	s := &Server{mgr: mgr, bus: bus, logger: logger, router: chi.NewRouter(), corsOrigins: corsOrigins, vipTier: vipTier}
	s.setupRoutes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.corsMiddleware)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/downloads", s.handleCreateFile)
		r.Post("/downloads/folder", s.handleCreateFolder)
		r.Post("/downloads/batch", s.handleCreateBatch)

		r.Get("/downloads", s.handleListFiles)
		r.Get("/downloads/all", s.handleListAll)
		r.Get("/downloads/folders", s.handleListFolders)

		r.Get("/downloads/{id}", s.handleGetFile)
		r.Get("/downloads/folder/{id}", s.handleGetFolder)

		r.Post("/downloads/{id}/pause", s.handlePauseFile)
		r.Post("/downloads/{id}/resume", s.handleResumeFile)
		r.Post("/downloads/folder/{id}/pause", s.handlePauseFolder)
		r.Post("/downloads/folder/{id}/resume", s.handleResumeFolder)

		r.Delete("/downloads/{id}", s.handleDeleteFile)
		r.Delete("/downloads/folder/{id}", s.handleDeleteFolder)
		r.Delete("/downloads/clear/completed", s.handleClearCompleted)
		r.Delete("/downloads/clear/failed", s.handleClearFailed)

		r.Get("/ws", s.handleWS)
	})
}

// corsMiddleware is a hand-rolled allow-list CORS responder: it reflects
// the Origin header back when the origin is allow-listed, or always when
// "*" is configured.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.corsOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

type createFileRequest struct {
	FSID       string `json:"fs_id"`
	RemotePath string `json:"remote_path"`
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"total_size"`
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req createFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		failWithStatus(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	filename := req.Filename
	if filename == "" {
		filename = req.RemotePath
	}
	handle := netdisk.FileHandle{FSID: req.FSID, RemotePath: req.RemotePath}
	taskID, err := s.mgr.CreateFileTask(r.Context(), handle, filename, req.TotalSize, s.vipTier)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]string{"task_id": taskID})
}

type createFolderRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		failWithStatus(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	groupID, err := s.mgr.CreateFolderTask(r.Context(), req.Path, s.vipTier)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]string{"group_id": groupID})
}

type batchItemRequest struct {
	FSID       string `json:"fs_id"`
	RemotePath string `json:"remote_path"`
	IsDir      bool   `json:"is_dir"`
	TotalSize  int64  `json:"total_size"`
}

type createBatchRequest struct {
	Items     []batchItemRequest `json:"items"`
	TargetDir string             `json:"target_dir"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		failWithStatus(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	items := make([]manager.BatchItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, manager.BatchItem{
			FSID: it.FSID, RemotePath: it.RemotePath, IsDir: it.IsDir, TotalSize: it.TotalSize,
		})
	}
	result := s.mgr.CreateBatch(r.Context(), items, req.TargetDir, s.vipTier)
	ok(w, map[string]any{
		"task_ids":        result.CreatedFileIDs,
		"folder_task_ids": result.CreatedFolderIDs,
		"failed":          result.Failed,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	ok(w, s.mgr.ListFileTasks())
}

func (s *Server) handleListAll(w http.ResponseWriter, r *http.Request) {
	ok(w, s.mgr.ListAllMixed())
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	ok(w, s.mgr.ListFolders())
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, found := s.mgr.GetTask(id)
	if !found {
		failWithStatus(w, http.StatusNotFound, "task not found: "+id)
		return
	}
	ok(w, v)
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, found := s.mgr.GetFolder(id)
	if !found {
		failWithStatus(w, http.StatusNotFound, "folder not found: "+id)
		return
	}
	ok(w, v)
}

func (s *Server) handlePauseFile(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Pause(chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleResumeFile(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Resume(chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handlePauseFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Pause(chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleResumeFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Resume(chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	deleteFile, _ := strconv.ParseBool(r.URL.Query().Get("delete_file"))
	if err := s.mgr.Delete(chi.URLParam(r, "id"), deleteFile); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

// handleDeleteFolder ignores delete_files: folder cancellation always
// unlinks the destination file of every child that has not yet finished,
// unlike a single-task Delete. Files of children that already completed are
// kept.
func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.CancelFolder(chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]int{"removed": s.mgr.ClearCompleted()})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]int{"removed": s.mgr.ClearFailed()})
}
