package walstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskSpec is the payload carried by a TaskCreated record: enough to
// reconstruct admission parameters on replay.
type TaskSpec struct {
	FSID         string `json:"fs_id"`
	RemotePath   string `json:"remote_path"`
	LocalPath    string `json:"local_path"`
	Filename     string `json:"filename"`
	TotalSize    int64  `json:"total_size"`
	GroupID      string `json:"group_id,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`
}

// Persistence combines the WAL and the metadata Store: every mutating call
// appends a durable record first, then folds it into the fast-access
// metadata snapshot, so a crash between the two leaves the WAL as the
// source of truth for the next Recover call.
type Persistence struct {
	wal                   *WAL
	store                 *Store
	compactEvery          int
	eventsSinceCompaction int
}

func New(wal *WAL, store *Store, compactEvery int) *Persistence {
	return &Persistence{wal: wal, store: store, compactEvery: compactEvery}
}

func (p *Persistence) Store() *Store { return p.store }

func (p *Persistence) RecordTaskCreated(taskID string, spec TaskSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	if err := p.wal.Append(Record{Kind: KindTaskCreated, TaskID: taskID, Spec: raw}); err != nil {
		return fmt.Errorf("walstore: record task created: %w", err)
	}
	now := time.Now()
	if err := p.store.UpsertTask(TaskRow{
		TaskID:       taskID,
		FSID:         spec.FSID,
		RemotePath:   spec.RemotePath,
		LocalPath:    spec.LocalPath,
		Filename:     spec.Filename,
		TotalSize:    spec.TotalSize,
		Status:       "pending",
		GroupID:      spec.GroupID,
		RelativePath: spec.RelativePath,
		CreatedAt:    now,
	}); err != nil {
		return fmt.Errorf("walstore: upsert task row: %w", err)
	}
	return p.afterEvent()
}

// RecordChunkCompleted is durable-before-exposed: the WAL append (and its
// fsync) happens before the chunk is folded into the store's done set, and
// the caller (a Chunk Worker via the File Task Engine) must not treat the
// range as done until this returns nil.
func (p *Persistence) RecordChunkCompleted(taskID string, offset, length int64) error {
	if err := p.wal.Append(Record{Kind: KindChunkCompleted, TaskID: taskID, Offset: offset, Length: length}); err != nil {
		return fmt.Errorf("walstore: record chunk completed: %w", err)
	}
	if err := p.store.MarkChunkDone(taskID, offset, length); err != nil {
		return fmt.Errorf("walstore: mark chunk done: %w", err)
	}
	return p.afterEvent()
}

func (p *Persistence) RecordStateChanged(taskID, newState string) error {
	if err := p.wal.Append(Record{Kind: KindStateChanged, TaskID: taskID, NewState: newState}); err != nil {
		return fmt.Errorf("walstore: record state changed: %w", err)
	}
	if err := p.store.UpdateTaskStatus(taskID, newState); err != nil {
		return fmt.Errorf("walstore: update task status: %w", err)
	}
	return p.afterEvent()
}

func (p *Persistence) RecordTaskDeleted(taskID string) error {
	if err := p.wal.Append(Record{Kind: KindTaskDeleted, TaskID: taskID}); err != nil {
		return fmt.Errorf("walstore: record task deleted: %w", err)
	}
	if err := p.store.DeleteTask(taskID); err != nil {
		return fmt.Errorf("walstore: delete task row: %w", err)
	}
	return p.afterEvent()
}

func (p *Persistence) afterEvent() error {
	p.eventsSinceCompaction++
	if p.compactEvery > 0 && p.eventsSinceCompaction >= p.compactEvery {
		return p.Compact()
	}
	return nil
}

// Compact folds the WAL into the metadata snapshot (already true, since
// every Record* call above updates the store synchronously) and truncates
// the WAL prefix.
func (p *Persistence) Compact() error {
	if err := p.store.Checkpoint(); err != nil {
		return fmt.Errorf("walstore: checkpoint: %w", err)
	}
	if err := p.wal.Truncate(); err != nil {
		return fmt.Errorf("walstore: truncate wal: %w", err)
	}
	p.eventsSinceCompaction = 0
	return nil
}

// Recover rebuilds state after a crash: the metadata snapshot is already
// current, since every Persistence call applies to the store synchronously
// after its WAL append, but replaying the WAL still matters for the narrow
// window where the process crashed between a WAL fsync and the
// immediately-following store update. Afterward every still-"downloading"
// task is demoted to "paused".
func (p *Persistence) Recover(walPath string) error {
	records, err := ReadAll(walPath)
	if err != nil {
		return fmt.Errorf("walstore: read wal for replay: %w", err)
	}

	for _, rec := range records {
		switch rec.Kind {
		case KindTaskCreated:
			var spec TaskSpec
			if err := json.Unmarshal(rec.Spec, &spec); err != nil {
				continue
			}
			if _, err := p.store.GetTask(rec.TaskID); err != nil {
				now := time.Now()
				_ = p.store.UpsertTask(TaskRow{
					TaskID: rec.TaskID, FSID: spec.FSID, RemotePath: spec.RemotePath,
					LocalPath: spec.LocalPath, Filename: spec.Filename, TotalSize: spec.TotalSize,
					Status: "pending", GroupID: spec.GroupID, RelativePath: spec.RelativePath,
					CreatedAt: now,
				})
			}
		case KindChunkCompleted:
			_ = p.store.MarkChunkDone(rec.TaskID, rec.Offset, rec.Length)
		case KindStateChanged:
			_ = p.store.UpdateTaskStatus(rec.TaskID, rec.NewState)
		case KindTaskDeleted:
			_ = p.store.DeleteTask(rec.TaskID)
		}
	}

	tasks, err := p.store.GetAllTasks()
	if err != nil {
		return fmt.Errorf("walstore: list tasks for recovery: %w", err)
	}
	for _, t := range tasks {
		if t.Status == "downloading" {
			if err := p.RecordStateChanged(t.TaskID, "paused"); err != nil {
				return err
			}
			downloaded, err := p.store.DownloadedSize(t.TaskID)
			if err == nil {
				_ = p.store.UpdateTaskProgress(t.TaskID, downloaded, 0)
			}
		}
	}
	return nil
}
