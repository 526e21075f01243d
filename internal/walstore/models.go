package walstore

import "time"

// TaskRow is the materialized FileTask row.
type TaskRow struct {
	TaskID         string `gorm:"primaryKey"`
	FSID           string
	RemotePath     string
	LocalPath      string
	Filename       string
	TotalSize      int64
	DownloadedSize int64
	Status         string `gorm:"index"`
	Speed          float64
	GroupID        string `gorm:"index"`
	RelativePath   string
	LastError      string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (TaskRow) TableName() string { return "file_tasks" }

// GroupRow is the materialized FolderGroup row.
type GroupRow struct {
	GroupID        string `gorm:"primaryKey"`
	RemoteRoot     string
	LocalRoot      string
	Status         string `gorm:"index"`
	TotalFiles     int
	CompletedCount int
	TotalSize      int64
	DownloadedSize int64
	ScanCompleted  bool
	CreatedAt      time.Time
}

func (GroupRow) TableName() string { return "folder_groups" }

// ChunkDoneRow records one acked, durable ChunkCompleted fact. The
// (task_id, offset) primary key plus an upsert-ignore-on-conflict write
// path makes re-applying the same WAL record twice a no-op, so replaying
// across arbitrary crash/recover cycles never double-counts a chunk.
type ChunkDoneRow struct {
	TaskID string `gorm:"primaryKey;index:idx_chunk_task"`
	Offset int64  `gorm:"primaryKey"`
	Length int64
}

func (ChunkDoneRow) TableName() string { return "chunk_done" }
