// Package folder implements the Folder Group: an incremental remote-tree
// scan that streams discovered files into the Download Manager's admission
// path as individual File Tasks, then aggregates their state without ever
// holding a direct reference to a child -- only its task id. A child that
// completes and is later evicted from the manager's registry still counts
// toward completed_count and downloaded_size, since both are captured into
// the group's own counters at the moment the child goes terminal.
package folder

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/tachyon-dl/downloader/internal/chunkplan"
	"github.com/tachyon-dl/downloader/internal/downloader"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/netdisk"
	"github.com/tachyon-dl/downloader/internal/walstore"
)

const (
	StatusScanning    = "scanning"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Admitter is the slice of the Download Manager a Group depends on:
// admitting a scanned child under the manager's own concurrency quota and
// commanding or inspecting an already-admitted child by id. A Group never
// holds a pointer to a child Task or to the manager itself.
type Admitter interface {
	AdmitChild(spec downloader.Spec) error
	PauseChild(taskID string) error
	ResumeChild(taskID string) error
	CancelChild(taskID string) error
	ChildProgress(taskID string) (downloader.Progress, bool)
}

// Spec is the admission-time description of one folder download.
type Spec struct {
	GroupID    string
	RemoteRoot string
	LocalRoot  string
	VIPTier    chunkplan.VIPTier
}

// pendingDescriptor is a scanned file not yet admitted, because the group
// was paused at the moment it was discovered.
type pendingDescriptor struct {
	relativePath string
	entry        netdisk.Entry
}

// Group owns one folder download's scan and aggregation lifecycle.
type Group struct {
	id         string
	remoteRoot string
	localRoot  string
	vipTier    chunkplan.VIPTier

	port     netdisk.Port
	admitter Admitter
	bus      *eventbus.Bus
	store    *walstore.Store
	logger   *slog.Logger
	sub      *eventbus.Subscription

	mu                 sync.Mutex
	createdAt          time.Time
	status             string
	totalFiles         int
	scanCompleted      bool
	totalSize          int64
	retainedDownloaded int64 // bytes credited from children already evicted or terminal
	counted            map[string]struct{}
	completedCount     int
	failedChildren     map[string]string
	liveChildren       map[string]struct{}
	paused             bool
	pendingDescriptors []pendingDescriptor
	lastErr            string

	cancel   context.CancelFunc
	scanDone chan struct{}
}

func NewGroup(spec Spec, port netdisk.Port, admitter Admitter, bus *eventbus.Bus, store *walstore.Store, logger *slog.Logger) *Group {
	return &Group{
		id:             spec.GroupID,
		remoteRoot:     spec.RemoteRoot,
		localRoot:      spec.LocalRoot,
		vipTier:        spec.VIPTier,
		port:           port,
		admitter:       admitter,
		bus:            bus,
		store:          store,
		logger:         logger,
		status:         StatusScanning,
		createdAt:      time.Now(),
		counted:        make(map[string]struct{}),
		failedChildren: make(map[string]string),
		liveChildren:   make(map[string]struct{}),
	}
}

func (g *Group) ID() string { return g.id }

// Start persists the group's initial row, subscribes to its own event
// topic for child completions, and launches the scan.
func (g *Group) Start(ctx context.Context) error {
	if err := g.store.UpsertGroup(g.snapshotRow()); err != nil {
		return fmt.Errorf("folder: persist group: %w", err)
	}

	g.sub = g.bus.Subscribe([]string{eventbus.GroupTopic(g.id)})
	go g.watchChildren()

	scanCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.scanDone = make(chan struct{})
	go g.scan(scanCtx)
	return nil
}

// Progress is a read-only aggregate snapshot.
type Progress struct {
	Status         string
	TotalFiles     int
	CompletedCount int
	TotalSize      int64
	DownloadedSize int64
	ScanCompleted  bool
	LastError      string
}

func (g *Group) Snapshot() Progress {
	g.mu.Lock()
	liveIDs := make([]string, 0, len(g.liveChildren))
	for id := range g.liveChildren {
		liveIDs = append(liveIDs, id)
	}
	downloaded := g.retainedDownloaded
	p := Progress{
		Status:         g.status,
		TotalFiles:     g.totalFiles,
		CompletedCount: g.completedCount,
		TotalSize:      g.totalSize,
		ScanCompleted:  g.scanCompleted,
		LastError:      g.lastErr,
	}
	g.mu.Unlock()

	for _, id := range liveIDs {
		if cp, ok := g.admitter.ChildProgress(id); ok {
			downloaded += cp.DownloadedSize
		}
	}
	p.DownloadedSize = downloaded
	return p
}

type scanDir struct {
	remotePath   string
	relativeBase string
}

// scan walks the remote tree breadth-first, page by page, admitting every
// discovered file as soon as it is seen rather than waiting for the whole
// tree to be enumerated.
func (g *Group) scan(ctx context.Context) {
	defer close(g.scanDone)

	queue := []scanDir{{remotePath: g.remoteRoot}}
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dir := queue[0]
		queue = queue[1:]
		cursor := ""
		for {
			page, err := g.port.ListDirectory(ctx, dir.remotePath, cursor)
			if err != nil {
				g.logger.Warn("folder: list directory failed", "group_id", g.id, "remote_path", dir.remotePath, "error", err)
				break
			}
			for _, e := range page.Entries {
				relPath := path.Join(dir.relativeBase, e.Name)
				if e.IsDir {
					queue = append(queue, scanDir{remotePath: path.Join(dir.remotePath, e.Name), relativeBase: relPath})
					continue
				}
				g.discovered(ctx, relPath, e)
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}

	g.mu.Lock()
	g.scanCompleted = true
	g.mu.Unlock()
	g.persist()
	g.publish(eventbus.KindScanCompleted, nil)
	g.checkTerminal()
}

// discovered handles one freshly-scanned file: it always counts toward
// total_files/total_size immediately, but only admits it as a File Task
// right away if the group isn't paused -- a paused group parks the
// descriptor for Resume to admit later.
func (g *Group) discovered(ctx context.Context, relPath string, e netdisk.Entry) {
	g.mu.Lock()
	g.totalFiles++
	g.totalSize += e.Size
	if g.status == StatusScanning {
		g.status = StatusDownloading
	}
	paused := g.paused
	if paused {
		g.pendingDescriptors = append(g.pendingDescriptors, pendingDescriptor{relativePath: relPath, entry: e})
	}
	g.mu.Unlock()

	if !paused {
		g.admitDescriptor(relPath, e)
	}
	g.persist()
	g.publish(eventbus.KindProgress, nil)
}

func (g *Group) admitDescriptor(relPath string, e netdisk.Entry) {
	taskID := g.id + "/" + relPath
	spec := downloader.Spec{
		TaskID:    taskID,
		Handle:    netdisk.FileHandle{FSID: e.FSID, RemotePath: path.Join(g.remoteRoot, relPath)},
		LocalPath: filepath.Join(g.localRoot, filepath.FromSlash(relPath)),
		TotalSize: e.Size,
		GroupID:   g.id,
		VIPTier:   g.vipTier,
	}

	g.mu.Lock()
	g.liveChildren[taskID] = struct{}{}
	g.mu.Unlock()

	if err := g.admitter.AdmitChild(spec); err != nil {
		g.logger.Warn("folder: child admission failed", "group_id", g.id, "task_id", taskID, "error", err)
		g.mu.Lock()
		delete(g.liveChildren, taskID)
		g.counted[taskID] = struct{}{}
		g.failedChildren[taskID] = err.Error()
		g.mu.Unlock()
	}
}

// watchChildren consumes this group's own topic, tracking each child's
// first terminal transition exactly once.
func (g *Group) watchChildren() {
	for evt := range g.sub.Events() {
		switch evt.Kind {
		case eventbus.KindCompleted, eventbus.KindFailed, eventbus.KindDeleted:
			g.onChildTerminal(evt)
		}
	}
}

func (g *Group) onChildTerminal(evt eventbus.Event) {
	g.mu.Lock()
	if _, already := g.counted[evt.TaskID]; already {
		g.mu.Unlock()
		return
	}
	g.counted[evt.TaskID] = struct{}{}
	delete(g.liveChildren, evt.TaskID)
	if evt.Kind == eventbus.KindCompleted {
		g.completedCount++
	} else if evt.Kind == eventbus.KindFailed {
		g.failedChildren[evt.TaskID] = fmt.Sprintf("%v", evt.Payload)
	}
	g.mu.Unlock()

	if cp, ok := g.admitter.ChildProgress(evt.TaskID); ok {
		g.mu.Lock()
		g.retainedDownloaded += cp.DownloadedSize
		g.mu.Unlock()
	}

	g.persist()
	g.publish(eventbus.KindProgress, nil)
	g.checkTerminal()
}

// checkTerminal transitions the group to its own terminal status once the
// scan has finished and every discovered child is accounted for.
func (g *Group) checkTerminal() {
	g.mu.Lock()
	if g.status == StatusCompleted || g.status == StatusFailed || g.status == StatusCancelled {
		g.mu.Unlock()
		return
	}
	if !g.scanCompleted || len(g.liveChildren) > 0 || len(g.pendingDescriptors) > 0 {
		g.mu.Unlock()
		return
	}
	failed := len(g.failedChildren)
	if failed == 0 {
		g.status = StatusCompleted
	} else {
		g.status = StatusFailed
		g.lastErr = fmt.Sprintf("%d of %d children failed", failed, g.totalFiles)
	}
	status := g.status
	g.mu.Unlock()

	g.persist()
	if status == StatusCompleted {
		g.publish(eventbus.KindCompleted, nil)
	} else {
		g.publish(eventbus.KindFailed, map[string]string{"reason": g.lastErr})
	}
	g.bus.Unsubscribe(g.sub)
}

// Pause fans out to every live child and stops admitting scan discoveries
// until Resume.
func (g *Group) Pause() error {
	g.mu.Lock()
	g.paused = true
	g.status = StatusPaused
	ids := make([]string, 0, len(g.liveChildren))
	for id := range g.liveChildren {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := g.admitter.PauseChild(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.persist()
	g.publish(eventbus.KindPaused, nil)
	return firstErr
}

// Resume admits every descriptor queued while paused and resumes every
// still-live child.
func (g *Group) Resume() error {
	g.mu.Lock()
	g.paused = false
	g.status = StatusDownloading
	queued := g.pendingDescriptors
	g.pendingDescriptors = nil
	ids := make([]string, 0, len(g.liveChildren))
	for id := range g.liveChildren {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, d := range queued {
		g.admitDescriptor(d.relativePath, d.entry)
	}

	var firstErr error
	for _, id := range ids {
		if err := g.admitter.ResumeChild(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.persist()
	g.publish(eventbus.KindResumed, nil)
	return firstErr
}

// Cancel stops the scan, drops any queued-but-unadmitted descriptors, and
// cancels every live child.
func (g *Group) Cancel() error {
	if g.cancel != nil {
		g.cancel()
	}

	g.mu.Lock()
	g.status = StatusCancelled
	g.pendingDescriptors = nil
	ids := make([]string, 0, len(g.liveChildren))
	for id := range g.liveChildren {
		ids = append(ids, id)
	}
	g.liveChildren = make(map[string]struct{})
	g.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := g.admitter.CancelChild(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.persist()
	g.publish(eventbus.KindDeleted, nil)
	if g.sub != nil {
		g.bus.Unsubscribe(g.sub)
	}
	return firstErr
}

func (g *Group) snapshotRow() walstore.GroupRow {
	p := g.Snapshot()
	return walstore.GroupRow{
		GroupID:        g.id,
		RemoteRoot:     g.remoteRoot,
		LocalRoot:      g.localRoot,
		Status:         p.Status,
		TotalFiles:     p.TotalFiles,
		CompletedCount: p.CompletedCount,
		TotalSize:      p.TotalSize,
		DownloadedSize: p.DownloadedSize,
		ScanCompleted:  p.ScanCompleted,
		CreatedAt:      g.createdAt,
	}
}

func (g *Group) persist() {
	if err := g.store.UpsertGroup(g.snapshotRow()); err != nil {
		g.logger.Error("folder: persist group row failed", "group_id", g.id, "error", err)
	}
}

func (g *Group) publish(kind eventbus.Kind, payload any) {
	g.bus.Publish(eventbus.Event{
		Topic:    eventbus.TopicFolder,
		Kind:     kind,
		Category: "folder",
		GroupID:  g.id,
		Payload:  payload,
	})
}
