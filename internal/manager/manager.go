// Package manager implements the Download Manager: the process-singleton
// registry of file tasks and folder groups, admission control over the
// configured concurrent-task budget, and the command surface the HTTP API
// drives (create/pause/resume/delete/list). It is the folder package's
// Admitter -- every folder child is admitted, paused, resumed and cancelled
// through exactly the same path a top-level file task is.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tachyon-dl/downloader/internal/chunkplan"
	"github.com/tachyon-dl/downloader/internal/downloader"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/folder"
	"github.com/tachyon-dl/downloader/internal/netdisk"
	"github.com/tachyon-dl/downloader/internal/walstore"
)

// BatchItem is one entry of a create_batch request: either a single file or
// a directory root, resolved against a shared target directory.
type BatchItem struct {
	FSID       string
	RemotePath string
	IsDir      bool
	TotalSize  int64
}

// BatchResult carries what the API returns as its {task_ids,
// folder_task_ids, failed} envelope.
type BatchResult struct {
	CreatedFileIDs   []string
	CreatedFolderIDs []string
	Failed           []BatchFailure
}

type BatchFailure struct {
	Path   string
	Reason string
}

// FileTaskView and FolderView are read-only projections returned by the
// list/get commands, decoupled from the downloader/folder package's own
// in-memory types so the API layer never reaches past the Manager.
type FileTaskView struct {
	TaskID         string
	FSID           string
	RemotePath     string
	LocalPath      string
	TotalSize      int64
	DownloadedSize int64
	Status         string
	Speed          float64
	GroupID        string
	LastError      string
	CreatedAt      time.Time
}

type FolderView struct {
	GroupID        string
	RemoteRoot     string
	LocalRoot      string
	Status         string
	TotalFiles     int
	CompletedCount int
	TotalSize      int64
	DownloadedSize int64
	ScanCompleted  bool
	LastError      string
	CreatedAt      time.Time
}

// Manager owns the file_tasks/folders registries and the FIFO admission
// queue. Its own critical section (mu) never performs I/O: Admit/Pause/etc.
// calls on a Task or Group happen after the lock is released.
type Manager struct {
	eng     *downloader.Engine
	port    netdisk.Port
	bus     *eventbus.Bus
	persist *walstore.Persistence
	logger  *slog.Logger

	mu            sync.Mutex
	maxConcurrent int
	maxRetries    int
	downloadDir   string
	active        int
	pendingQueue  []string
	admitted      map[string]struct{} // task ids currently counted toward active
	tasks         map[string]*downloader.Task
	specs         map[string]downloader.Spec
	createdAt     map[string]time.Time
	folders       map[string]*folder.Group
	terminalSeen  map[string]struct{}
}

func New(eng *downloader.Engine, port netdisk.Port, bus *eventbus.Bus, persist *walstore.Persistence,
	logger *slog.Logger, maxConcurrent, maxRetries int, downloadDir string) *Manager {

	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	m := &Manager{
		eng:           eng,
		port:          port,
		bus:           bus,
		persist:       persist,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		downloadDir:   downloadDir,
		admitted:      make(map[string]struct{}),
		tasks:         make(map[string]*downloader.Task),
		specs:         make(map[string]downloader.Spec),
		createdAt:     make(map[string]time.Time),
		folders:       make(map[string]*folder.Group),
		terminalSeen:  make(map[string]struct{}),
	}
	go m.watchTerminal()
	return m
}

// SetDownloadDir live-reconfigures the base path used by subsequently
// admitted tasks; tasks already admitted keep their resolved LocalPath.
func (m *Manager) SetDownloadDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadDir = dir
}

// CreateFileTask admits a single file under the manager's quota, returning
// its freshly minted task_id.
func (m *Manager) CreateFileTask(ctx context.Context, handle netdisk.FileHandle, relativePath string, totalSize int64, vip chunkplan.VIPTier) (string, error) {
	m.mu.Lock()
	dir := m.downloadDir
	retries := m.maxRetries
	m.mu.Unlock()

	taskID := uuid.New().String()
	spec := downloader.Spec{
		TaskID:     taskID,
		Handle:     handle,
		LocalPath:  filepath.Join(dir, filepath.FromSlash(relativePath)),
		TotalSize:  totalSize,
		VIPTier:    vip,
		MaxRetries: retries,
	}
	task := downloader.NewTask(m.eng, spec)
	m.registerTask(task, spec)
	if err := m.admitOrQueue(ctx, task); err != nil {
		return "", err
	}
	return taskID, nil
}

// CreateFolderTask starts a Folder Group scanning remoteRoot, streaming its
// children through the same admission path as CreateFileTask.
func (m *Manager) CreateFolderTask(ctx context.Context, remoteRoot string, vip chunkplan.VIPTier) (string, error) {
	m.mu.Lock()
	dir := m.downloadDir
	m.mu.Unlock()

	groupID := uuid.New().String()
	localRoot := filepath.Join(dir, filepath.Base(remoteRoot))
	g := folder.NewGroup(folder.Spec{
		GroupID:    groupID,
		RemoteRoot: remoteRoot,
		LocalRoot:  localRoot,
		VIPTier:    vip,
	}, m.port, m, m.bus, m.persist.Store(), m.logger)

	m.mu.Lock()
	m.folders[groupID] = g
	m.createdAt[groupID] = time.Now()
	m.mu.Unlock()

	if err := g.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.folders, groupID)
		m.mu.Unlock()
		return "", err
	}
	return groupID, nil
}

// CreateBatch resolves a heterogeneous list of files and directories under
// one target directory. Partial success is the norm: one item's failure
// does not prevent the rest from being admitted.
func (m *Manager) CreateBatch(ctx context.Context, items []BatchItem, targetDir string, vip chunkplan.VIPTier) BatchResult {
	m.mu.Lock()
	m.downloadDir = targetDir
	m.mu.Unlock()

	var result BatchResult
	for _, item := range items {
		if item.IsDir {
			groupID, err := m.CreateFolderTask(ctx, item.RemotePath, vip)
			if err != nil {
				result.Failed = append(result.Failed, BatchFailure{Path: item.RemotePath, Reason: err.Error()})
				continue
			}
			result.CreatedFolderIDs = append(result.CreatedFolderIDs, groupID)
			continue
		}
		taskID, err := m.CreateFileTask(ctx, netdisk.FileHandle{FSID: item.FSID, RemotePath: item.RemotePath},
			filepath.Base(item.RemotePath), item.TotalSize, vip)
		if err != nil {
			result.Failed = append(result.Failed, BatchFailure{Path: item.RemotePath, Reason: err.Error()})
			continue
		}
		result.CreatedFileIDs = append(result.CreatedFileIDs, taskID)
	}
	return result
}

// Pause dispatches to a folder group or a file task depending on which
// registry id belongs to.
func (m *Manager) Pause(id string) error {
	if g, ok := m.folderByID(id); ok {
		return g.Pause()
	}
	t, ok := m.taskByID(id)
	if !ok {
		return fmt.Errorf("manager: unknown id %s", id)
	}
	return t.Pause()
}

// Resume dispatches to a folder group or a file task. For a file task it
// calls Task.Resume, which is Admit under another name; a task still waiting
// in the pending queue is refused, since admitting it here would bypass the
// admission quota -- only an already-admitted, paused task can be resumed.
func (m *Manager) Resume(id string) error {
	if g, ok := m.folderByID(id); ok {
		return g.Resume()
	}
	t, ok := m.taskByID(id)
	if !ok {
		return fmt.Errorf("manager: unknown id %s", id)
	}
	if t.Progress().Status == downloader.StatusPending {
		return fmt.Errorf("manager: task %s is still queued for admission", id)
	}
	return t.Resume(context.Background())
}

// Delete removes a file task from the registry, optionally unlinking its
// destination file. A downloading task is paused first so its workers stop
// cleanly before the file is touched.
func (m *Manager) Delete(id string, deleteFile bool) error {
	t, ok := m.taskByID(id)
	if !ok {
		return fmt.Errorf("manager: unknown task %s", id)
	}
	if t.Progress().Status == downloader.StatusDownloading {
		if err := t.Pause(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	spec := m.specs[id]
	delete(m.tasks, id)
	delete(m.specs, id)
	delete(m.createdAt, id)
	m.mu.Unlock()

	if deleteFile {
		_ = os.Remove(spec.LocalPath)
	}
	if err := m.persist.RecordTaskDeleted(id); err != nil {
		m.logger.Warn("manager: delete task row failed", "task_id", id, "error", err)
	}
	m.bus.Publish(eventbus.Event{Topic: eventbus.TopicFile, Kind: eventbus.KindDeleted, Category: "file", TaskID: id, GroupID: spec.GroupID})
	return nil
}

// CancelFolder cancels a folder group: its scan stops, queued-but-unadmitted
// descriptors are dropped, and every live child is cancelled (which, via
// CancelChild, always unlinks that child's destination file -- folder
// cancellation has no partial-keep-files mode, unlike a single Delete).
func (m *Manager) CancelFolder(groupID string) error {
	g, ok := m.folderByID(groupID)
	if !ok {
		return fmt.Errorf("manager: unknown folder %s", groupID)
	}
	if err := g.Cancel(); err != nil {
		return err
	}
	if err := m.persist.Store().DeleteGroup(groupID); err != nil {
		m.logger.Warn("manager: delete group row failed", "group_id", groupID, "error", err)
	}
	m.mu.Lock()
	delete(m.folders, groupID)
	delete(m.createdAt, groupID)
	m.mu.Unlock()
	return nil
}

// ClearCompleted removes every file task in a terminal completed state from
// the registry (without touching its destination file) and returns the
// count removed.
func (m *Manager) ClearCompleted() int {
	return m.clearByStatus(downloader.StatusCompleted)
}

// ClearFailed removes every file task in a terminal failed state.
func (m *Manager) ClearFailed() int {
	return m.clearByStatus(downloader.StatusFailed)
}

func (m *Manager) clearByStatus(status string) int {
	m.mu.Lock()
	var ids []string
	for id, t := range m.tasks {
		if t.Progress().Status == status {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		delete(m.tasks, id)
		delete(m.specs, id)
		delete(m.createdAt, id)
		m.mu.Unlock()
		if err := m.persist.RecordTaskDeleted(id); err != nil {
			m.logger.Warn("manager: clear task row failed", "task_id", id, "error", err)
		}
	}
	return len(ids)
}

func (m *Manager) GetTask(id string) (FileTaskView, bool) {
	t, ok := m.taskByID(id)
	if !ok {
		return FileTaskView{}, false
	}
	m.mu.Lock()
	spec := m.specs[id]
	created := m.createdAt[id]
	m.mu.Unlock()
	return taskView(t, spec, created), true
}

func (m *Manager) GetFolder(id string) (FolderView, bool) {
	g, ok := m.folderByID(id)
	if !ok {
		return FolderView{}, false
	}
	m.mu.Lock()
	created := m.createdAt[id]
	m.mu.Unlock()
	return folderView(g, created), true
}

// ListFileTasks returns every top-level file task (a folder group's
// children are not surfaced on their own -- they're reached through their
// group), ordered by created_at descending.
func (m *Manager) ListFileTasks() []FileTaskView {
	m.mu.Lock()
	var ids []string
	for id := range m.tasks {
		if m.specs[id].GroupID == "" {
			ids = append(ids, id)
		}
	}
	views := make([]FileTaskView, 0, len(ids))
	for _, id := range ids {
		views = append(views, taskView(m.tasks[id], m.specs[id], m.createdAt[id]))
	}
	m.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })
	return views
}

// ListFolders returns every folder group, ordered by created_at descending.
func (m *Manager) ListFolders() []FolderView {
	m.mu.Lock()
	views := make([]FolderView, 0, len(m.folders))
	for id, g := range m.folders {
		views = append(views, folderView(g, m.createdAt[id]))
	}
	m.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })
	return views
}

// ListAllMixed merges top-level file tasks (excluding those attached to a
// folder group) with folder groups into one list ordered by created_at
// descending.
func (m *Manager) ListAllMixed() []interface{} {
	m.mu.Lock()
	type entry struct {
		created time.Time
		view    interface{}
	}
	var entries []entry
	for id, t := range m.tasks {
		if m.specs[id].GroupID != "" {
			continue
		}
		entries = append(entries, entry{created: m.createdAt[id], view: taskView(t, m.specs[id], m.createdAt[id])})
	}
	for id, g := range m.folders {
		entries = append(entries, entry{created: m.createdAt[id], view: folderView(g, m.createdAt[id])})
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].created.After(entries[j].created) })
	out := make([]interface{}, len(entries))
	for i, e := range entries {
		out[i] = e.view
	}
	return out
}

func taskView(t *downloader.Task, spec downloader.Spec, created time.Time) FileTaskView {
	p := t.Progress()
	return FileTaskView{
		TaskID:         t.ID(),
		FSID:           spec.Handle.FSID,
		RemotePath:     spec.Handle.RemotePath,
		LocalPath:      spec.LocalPath,
		TotalSize:      p.TotalSize,
		DownloadedSize: p.DownloadedSize,
		Status:         p.Status,
		Speed:          p.Speed,
		GroupID:        spec.GroupID,
		LastError:      t.LastError(),
		CreatedAt:      created,
	}
}

func folderView(g *folder.Group, created time.Time) FolderView {
	p := g.Snapshot()
	return FolderView{
		GroupID:        g.ID(),
		Status:         p.Status,
		TotalFiles:     p.TotalFiles,
		CompletedCount: p.CompletedCount,
		TotalSize:      p.TotalSize,
		DownloadedSize: p.DownloadedSize,
		ScanCompleted:  p.ScanCompleted,
		LastError:      p.LastError,
		CreatedAt:      created,
	}
}

func (m *Manager) taskByID(id string) (*downloader.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

func (m *Manager) folderByID(id string) (*folder.Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.folders[id]
	return g, ok
}

func (m *Manager) registerTask(task *downloader.Task, spec downloader.Spec) {
	m.mu.Lock()
	m.tasks[spec.TaskID] = task
	m.specs[spec.TaskID] = spec
	m.createdAt[spec.TaskID] = time.Now()
	m.mu.Unlock()
	m.bus.Publish(eventbus.Event{Topic: eventbus.TopicFile, Kind: eventbus.KindCreated, Category: "file", TaskID: spec.TaskID, GroupID: spec.GroupID})
	if spec.GroupID != "" {
		m.bus.Publish(eventbus.Event{Topic: eventbus.GroupTopic(spec.GroupID), Kind: eventbus.KindCreated, Category: "file", TaskID: spec.TaskID, GroupID: spec.GroupID})
	}
}

// admitOrQueue enforces max_concurrent_tasks: a task is handed to Admit
// immediately while capacity remains, otherwise it waits in FIFO order and
// is promoted the moment another active task reaches a terminal state.
func (m *Manager) admitOrQueue(ctx context.Context, task *downloader.Task) error {
	m.mu.Lock()
	if m.active < m.maxConcurrent {
		m.active++
		m.admitted[task.ID()] = struct{}{}
		m.mu.Unlock()
		if err := task.Admit(ctx); err != nil {
			m.mu.Lock()
			m.active--
			delete(m.admitted, task.ID())
			m.mu.Unlock()
			return err
		}
		return nil
	}
	m.pendingQueue = append(m.pendingQueue, task.ID())
	m.mu.Unlock()
	return nil
}

// watchTerminal subscribes once, process-lifetime, to every file-task
// event and promotes the next queued task whenever one reaches a terminal
// state. Pause does not free an admission slot -- only completed, failed or
// deleted does.
func (m *Manager) watchTerminal() {
	sub := m.bus.Subscribe([]string{eventbus.TopicFile})
	for evt := range sub.Events() {
		switch evt.Kind {
		case eventbus.KindCompleted, eventbus.KindFailed, eventbus.KindDeleted:
			m.onTerminal(evt.TaskID)
		}
	}
}

func (m *Manager) onTerminal(taskID string) {
	m.mu.Lock()
	if _, already := m.terminalSeen[taskID]; already {
		m.mu.Unlock()
		return
	}
	m.terminalSeen[taskID] = struct{}{}

	_, wasAdmitted := m.admitted[taskID]
	if wasAdmitted {
		delete(m.admitted, taskID)
	} else {
		// Never made it past the pending queue (deleted/cancelled while still
		// waiting its turn): drop it there instead of touching active, since
		// it never counted toward active in the first place.
		for i, id := range m.pendingQueue {
			if id == taskID {
				m.pendingQueue = append(m.pendingQueue[:i], m.pendingQueue[i+1:]...)
				break
			}
		}
	}

	var promote *downloader.Task
	if wasAdmitted {
		m.active--
		if len(m.pendingQueue) > 0 {
			nextID := m.pendingQueue[0]
			m.pendingQueue = m.pendingQueue[1:]
			if t, ok := m.tasks[nextID]; ok {
				promote = t
				m.active++
				m.admitted[nextID] = struct{}{}
			}
		}
	}
	m.mu.Unlock()

	if promote == nil {
		return
	}
	if err := promote.Admit(context.Background()); err != nil {
		m.logger.Error("manager: promote queued task failed", "task_id", promote.ID(), "error", err)
		m.mu.Lock()
		m.active--
		delete(m.admitted, promote.ID())
		m.mu.Unlock()
	}
}

// AdmitChild implements folder.Admitter: a scanned child is admitted under
// exactly the same quota and FIFO queue as a top-level CreateFileTask.
func (m *Manager) AdmitChild(spec downloader.Spec) error {
	if spec.MaxRetries <= 0 {
		m.mu.Lock()
		spec.MaxRetries = m.maxRetries
		m.mu.Unlock()
	}
	task := downloader.NewTask(m.eng, spec)
	m.registerTask(task, spec)
	return m.admitOrQueue(context.Background(), task)
}

func (m *Manager) PauseChild(taskID string) error {
	t, ok := m.taskByID(taskID)
	if !ok {
		return nil // already evicted; nothing to pause
	}
	if t.Progress().Status != downloader.StatusDownloading {
		return nil
	}
	return t.Pause()
}

func (m *Manager) ResumeChild(taskID string) error {
	t, ok := m.taskByID(taskID)
	if !ok {
		return nil
	}
	return t.Resume(context.Background())
}

func (m *Manager) CancelChild(taskID string) error {
	t, ok := m.taskByID(taskID)
	if !ok {
		return nil
	}
	if err := t.Cancel(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.tasks, taskID)
	delete(m.specs, taskID)
	delete(m.createdAt, taskID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) ChildProgress(taskID string) (downloader.Progress, bool) {
	t, ok := m.taskByID(taskID)
	if !ok {
		return downloader.Progress{}, false
	}
	return t.Progress(), true
}
