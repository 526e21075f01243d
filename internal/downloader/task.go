package downloader

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tachyon-dl/downloader/internal/chunkplan"
	"github.com/tachyon-dl/downloader/internal/downloaderr"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/netdisk"
	"github.com/tachyon-dl/downloader/internal/slotpool"
	"github.com/tachyon-dl/downloader/internal/walstore"
)

// Status values a Task moves through. Transitions form the DAG:
// pending -> downloading -> {completed, failed, cancelled}, downloading <->
// paused, anything -> cancelled.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// rangeSlot tracks one chunk's dispatch state across retries.
type rangeSlot struct {
	offset      int64
	length      int64
	attempts    int
	failedURLs  map[string]bool
	lastFailure time.Time
}

// Spec is the admission-time description of one file task.
type Spec struct {
	TaskID     string
	Handle     netdisk.FileHandle
	LocalPath  string
	TotalSize  int64
	GroupID    string
	VIPTier    chunkplan.VIPTier
	MaxRetries int
}

// Task owns the execution of one file download from admission through
// finalization. All external mutation requests (pause/resume/cancel)
// arrive as calls that signal internal channels; the dispatch loop is the
// only goroutine that mutates rangeSlot/status state directly, so external
// readers only ever see a consistent snapshot via Progress().
type Task struct {
	eng  *Engine
	spec Spec

	mu            sync.Mutex
	status        string
	downloaded    atomic.Int64
	speed         atomic.Int64 // bytes/sec, updated by the progress ticker
	activeWorkers atomic.Int64 // chunk workers currently mid-transfer

	file       *os.File
	fixedLease *slotpool.Lease
	borrowWG   sync.WaitGroup
	fixedWG    sync.WaitGroup
	pending    chan *rangeSlot
	cancel     context.CancelFunc
	doneCh     chan struct{}
	lastErr    string
}

func NewTask(eng *Engine, spec Spec) *Task {
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = eng.cfg.MaxRetries
	}
	return &Task{
		eng:    eng,
		spec:   spec,
		status: StatusPending,
	}
}

// checkDiskSpace is the pre-allocation guard: it refuses to even open the
// destination file when the target volume doesn't have room for it, rather
// than discovering the shortfall chunk by chunk via failed WriteAt calls.
func checkDiskSpace(dir string, need int64) error {
	if need <= 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		// Disk stats are unavailable on this platform/filesystem -- don't
		// block admission over a guard we can't evaluate.
		return nil
	}
	if int64(usage.Free) < need {
		return downloaderr.Wrap(downloaderr.KindLocalIO,
			fmt.Errorf("insufficient disk space in %s: need %d bytes, have %d free", dir, need, usage.Free))
	}
	return nil
}

func (t *Task) ID() string { return t.spec.TaskID }

// Progress is a read-only snapshot safe for concurrent callers.
type Progress struct {
	Status         string
	DownloadedSize int64
	TotalSize      int64
	Speed          float64
}

func (t *Task) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Task) Progress() Progress {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	return Progress{
		Status:         status,
		DownloadedSize: t.downloaded.Load(),
		TotalSize:      t.spec.TotalSize,
		Speed:          float64(t.speed.Load()),
	}
}

// Admit transitions pending -> downloading: it prepares the destination
// file, plans chunks against the persisted done set, reserves fixed slots,
// and starts the dispatch loop. It is idempotent across a resume after
// pause.
func (t *Task) Admit(ctx context.Context) error {
	t.mu.Lock()
	if t.status != StatusPending && t.status != StatusPaused {
		t.mu.Unlock()
		return fmt.Errorf("downloader: task %s not admittable from status %q", t.spec.TaskID, t.status)
	}
	firstAdmit := t.file == nil
	t.mu.Unlock()

	if firstAdmit {
		if err := os.MkdirAll(filepath.Dir(t.spec.LocalPath), 0o755); err != nil {
			return downloaderr.Wrap(downloaderr.KindLocalIO, fmt.Errorf("create destination dir: %w", err))
		}
		if err := checkDiskSpace(filepath.Dir(t.spec.LocalPath), t.spec.TotalSize); err != nil {
			return err
		}
		f, err := os.OpenFile(t.spec.LocalPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return downloaderr.Wrap(downloaderr.KindLocalIO, fmt.Errorf("open destination file: %w", err))
		}
		if t.spec.TotalSize > 0 {
			if err := f.Truncate(t.spec.TotalSize); err != nil {
				f.Close()
				return downloaderr.Wrap(downloaderr.KindLocalIO, fmt.Errorf("preallocate destination file: %w", err))
			}
		}
		t.file = f

		if err := t.eng.persist.RecordTaskCreated(t.spec.TaskID, t.taskSpecRecord()); err != nil {
			return err
		}
	}

	lease, err := t.eng.slots.AcquireFixed(ctx, t.eng.cfg.KTask)
	if err != nil {
		return err
	}
	t.fixedLease = lease

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.status = StatusDownloading
	t.cancel = cancel
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	if err := t.eng.persist.RecordStateChanged(t.spec.TaskID, StatusDownloading); err != nil {
		return err
	}
	t.publish(eventbus.KindStatusChanged, nil)

	go t.run(runCtx)
	return nil
}

// Resume re-admits a paused task. It is Admit under another name: Admit
// already treats pending and paused identically, since a paused task keeps
// its open file handle and simply needs fresh fixed slots and a fresh
// dispatch loop over the still-outstanding ranges.
func (t *Task) Resume(ctx context.Context) error {
	return t.Admit(ctx)
}

func (t *Task) taskSpecRecord() walstore.TaskSpec {
	return walstore.TaskSpec{
		FSID:       t.spec.Handle.FSID,
		RemotePath: t.spec.Handle.RemotePath,
		LocalPath:  t.spec.LocalPath,
		Filename:   filepath.Base(t.spec.LocalPath),
		TotalSize:  t.spec.TotalSize,
		GroupID:    t.spec.GroupID,
	}
}

// run is the dispatch loop: it feeds every pending range onto a channel,
// spawns K_task fixed workers that consume it continuously, and runs one
// elastic goroutine that opportunistically borrows additional slots,
// processing exactly one chunk per borrowed lease before voluntarily
// releasing and re-competing. This keeps the "released eagerly" fairness
// goal without ever needing to interrupt an in-flight transfer.
func (t *Task) run(ctx context.Context) {
	defer close(t.doneCh)

	done, err := t.eng.persist.Store().DoneOffsets(t.spec.TaskID)
	if err != nil {
		t.fail(fmt.Sprintf("load done offsets: %v", err))
		return
	}
	ranges := chunkplan.PlanWithBase(t.spec.TotalSize, t.spec.VIPTier, t.eng.cfg.BaseChunkSizeBytes, done)
	// downloaded is re-derived from the persisted done set on every run(),
	// including a resume after pause, rather than trusted across calls --
	// the task can be re-admitted with this counter already holding a prior
	// run's total, and adding to it again would double-count.
	t.downloaded.Store(0)
	for _, r := range ranges {
		if r.Done {
			t.downloaded.Add(r.Length)
		}
	}
	pendingRanges := chunkplan.Pending(ranges)

	totalPending := len(pendingRanges)
	if totalPending == 0 {
		t.finalize()
		return
	}

	t.pending = make(chan *rangeSlot, totalPending)
	var remaining atomic.Int64
	remaining.Store(int64(totalPending))
	for _, r := range pendingRanges {
		t.pending <- &rangeSlot{offset: r.Offset, length: r.Length, failedURLs: make(map[string]bool)}
	}

	progressStop := make(chan struct{})
	go t.progressTicker(progressStop)
	defer close(progressStop)

	fixedN := int(t.eng.cfg.KTask)
	if fixedN <= 0 {
		fixedN = 1
	}
	for i := 0; i < fixedN; i++ {
		t.fixedWG.Add(1)
		go t.fixedWorker(ctx, &remaining)
	}

	elasticDone := make(chan struct{})
	go func() {
		t.elasticLoop(ctx, &remaining)
		close(elasticDone)
	}()

	t.fixedWG.Wait()
	<-elasticDone

	select {
	case <-ctx.Done():
		return // pause/cancel already handled status transition
	default:
	}

	if remaining.Load() == 0 {
		t.finalize()
	}
}

// fixedWorker continuously drains the pending channel using the task's
// reserved fixed slot capacity until every range is accounted for or the
// task is cancelled. The pending channel is never closed, so a worker with
// no immediate work polls rather than blocking indefinitely -- otherwise a
// task with fewer outstanding ranges than K_task fixed workers would leave
// its surplus workers parked on an empty channel forever, and run()'s
// fixedWG.Wait() would never return.
func (t *Task) fixedWorker(ctx context.Context, remaining *atomic.Int64) {
	defer t.fixedWG.Done()
	for {
		if remaining.Load() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case rs, ok := <-t.pending:
			if !ok {
				return
			}
			t.runChunk(ctx, rs, remaining, nil)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// elasticLoop opportunistically borrows slots while the pool is idle,
// running exactly one chunk per borrowed lease before releasing, matching
// the borrow-slot fairness contract.
func (t *Task) elasticLoop(ctx context.Context, remaining *atomic.Int64) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if remaining.Load() == 0 {
			return
		}

		lease, ok := t.eng.slots.TryAcquireBorrow()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		select {
		case rs, ok := <-t.pending:
			if !ok {
				lease.Release()
				return
			}
			t.borrowWG.Add(1)
			func() {
				defer t.borrowWG.Done()
				t.runChunk(ctx, rs, remaining, lease)
			}()
		case <-ctx.Done():
			lease.Release()
			return
		case <-time.After(50 * time.Millisecond):
			lease.Release()
		}
	}
}

// runChunk executes one chunk end to end, requeuing it on failure (with
// backoff) until it either succeeds or exhausts max_retries across
// distinct URLs, at which point the whole task escalates to failed.
func (t *Task) runChunk(ctx context.Context, rs *rangeSlot, remaining *atomic.Int64, borrowed *slotpool.Lease) {
	lease := borrowed
	if lease == nil {
		var err error
		lease, err = t.eng.slots.AcquireFixed(ctx, 0)
		if err != nil {
			return
		}
	}
	defer lease.Release()

	t.activeWorkers.Add(1)
	defer t.activeWorkers.Add(-1)

	result := runChunkWorker(ctx, t, rs, lease)
	switch result.outcome {
	case chunkDone:
		if err := t.eng.persist.RecordChunkCompleted(t.spec.TaskID, rs.offset, rs.length); err != nil {
			t.eng.logger.Error("failed to record chunk completion", "task_id", t.spec.TaskID, "error", err)
			t.fail(fmt.Sprintf("record chunk completion at offset %d: %v", rs.offset, err))
			return
		}
		t.downloaded.Add(rs.length)
		remaining.Add(-1)
		t.publish(eventbus.KindProgress, nil)

	case chunkCancelled:
		// range stays pending; dispatch loop is already winding down

	case chunkFailed:
		rs.attempts++
		rs.failedURLs[result.url] = true
		rs.lastFailure = time.Now()

		if rs.attempts >= t.spec.MaxRetries && len(rs.failedURLs) > 1 {
			t.fail(fmt.Sprintf("range at offset %d exhausted retries across %d distinct URLs: %v",
				rs.offset, len(rs.failedURLs), result.err))
			return
		}

		delay := backoffDelay(rs.attempts)
		time.AfterFunc(delay, func() {
			select {
			case t.pending <- rs:
			default:
			}
		})
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt > 7 {
		attempt = 7 // 2^7 * 100ms is already past the 10s ceiling; larger shifts would overflow
	}
	base :=time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// Pause stops admitting new workers, trips the cancellation token so
// in-flight workers release their slots promptly, and transitions to
// paused only after the last worker has actually exited.
func (t *Task) Pause() error {
	t.mu.Lock()
	if t.status != StatusDownloading {
		t.mu.Unlock()
		return fmt.Errorf("downloader: task %s not downloading", t.spec.TaskID)
	}
	cancel := t.cancel
	done := t.doneCh
	t.mu.Unlock()

	cancel()
	<-done

	if t.fixedLease != nil {
		t.fixedLease.Release()
		t.fixedLease = nil
	}

	t.mu.Lock()
	t.status = StatusPaused
	t.mu.Unlock()

	if err := t.eng.persist.RecordStateChanged(t.spec.TaskID, StatusPaused); err != nil {
		return err
	}
	t.publish(eventbus.KindPaused, nil)
	return nil
}

// Cancel behaves like Pause but also unlinks the destination file.
func (t *Task) Cancel() error {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()

	if status == StatusDownloading {
		if err := t.Pause(); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.status = StatusCancelled
	if t.file != nil {
		t.file.Close()
	}
	t.mu.Unlock()

	_ = os.Remove(t.spec.LocalPath)
	if err := t.eng.persist.RecordStateChanged(t.spec.TaskID, StatusCancelled); err != nil {
		return err
	}
	t.eng.links.Drop(t.spec.TaskID)
	t.publish(eventbus.KindDeleted, nil)
	return nil
}

func (t *Task) finalize() {
	t.mu.Lock()
	if t.status != StatusDownloading {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if t.downloaded.Load() != t.spec.TotalSize {
		t.fail(fmt.Sprintf("size mismatch: downloaded %d, expected %d", t.downloaded.Load(), t.spec.TotalSize))
		return
	}

	if t.file != nil {
		t.file.Sync()
	}
	if t.fixedLease != nil {
		t.fixedLease.Release()
		t.fixedLease = nil
	}

	t.mu.Lock()
	t.status = StatusCompleted
	t.mu.Unlock()

	if err := t.eng.persist.RecordStateChanged(t.spec.TaskID, StatusCompleted); err != nil {
		t.eng.logger.Error("failed to record completion", "task_id", t.spec.TaskID, "error", err)
	}
	t.publish(eventbus.KindCompleted, nil)
}

func (t *Task) fail(reason string) {
	t.mu.Lock()
	t.status = StatusFailed
	t.lastErr = reason
	t.mu.Unlock()

	if t.fixedLease != nil {
		t.fixedLease.Release()
		t.fixedLease = nil
	}
	if err := t.eng.persist.RecordStateChanged(t.spec.TaskID, StatusFailed); err != nil {
		t.eng.logger.Error("failed to record failure", "task_id", t.spec.TaskID, "error", err)
	}
	t.publish(eventbus.KindFailed, map[string]string{"reason": reason})
}

func (t *Task) progressTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var last int64
	lastAt := time.Now()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			current := t.downloaded.Load()
			elapsed := now.Sub(lastAt).Seconds()
			if elapsed > 0 {
				speed := float64(current-last) / elapsed
				t.speed.Store(int64(speed))
				t.eng.links.CheckFreshness(t.spec.TaskID, speed, t.slotsFull())
			}
			last = current
			lastAt = now
		}
	}
}

// slotsFull reports whether this task currently has no idle worker
// capacity of its own -- the fixed pool plus any borrowed leases are all
// busy -- which is what the speed-anomaly detector needs to distinguish a
// genuinely slow link from a task that is simply under-parallelized.
func (t *Task) slotsFull() bool {
	fixedN := int64(t.eng.cfg.KTask)
	if fixedN <= 0 {
		fixedN = 1
	}
	return t.activeWorkers.Load() >= fixedN
}

// publish multicasts to the file topic and, when this task belongs to a
// folder group, also to that group's own topic -- so a Folder Group can
// track child completions by subscribing to its id rather than holding a
// back-reference to every child Task.
func (t *Task) publish(kind eventbus.Kind, payload any) {
	evt := eventbus.Event{
		Kind:     kind,
		Category: "file",
		TaskID:   t.spec.TaskID,
		GroupID:  t.spec.GroupID,
		Payload:  payload,
	}
	evt.Topic = eventbus.TopicFile
	t.eng.bus.Publish(evt)
	if t.spec.GroupID != "" {
		evt.Topic = eventbus.GroupTopic(t.spec.GroupID)
		t.eng.bus.Publish(evt)
	}
}
