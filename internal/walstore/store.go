// Package walstore implements the write-ahead log plus metadata store
// giving crash recovery of in-flight tasks and their chunk completion
// state. The metadata half uses gorm over glebarez/sqlite (pure-Go, no
// CGO) with PRAGMA journal_mode=WAL; the WAL half is a JSON-lines append
// log in the same spirit as an audit trail.
package walstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the sqlite metadata snapshot: current materialized state of
// every task and group, plus the durable chunk-completion set.
type Store struct {
	db *gorm.DB
}

func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("walstore: create data dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("walstore: open sqlite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&TaskRow{}, &GroupRow{}, &ChunkDoneRow{}); err != nil {
		return nil, fmt.Errorf("walstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint, folding sqlite's own WAL file back
// into the main database file.
func (s *Store) Checkpoint() error {
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

func (s *Store) UpsertTask(t TaskRow) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		UpdateAll: true,
	}).Create(&t).Error
}

func (s *Store) GetTask(taskID string) (TaskRow, error) {
	var t TaskRow
	err := s.db.First(&t, "task_id = ?", taskID).Error
	return t, err
}

func (s *Store) GetAllTasks() ([]TaskRow, error) {
	var tasks []TaskRow
	err := s.db.Order("created_at desc").Find(&tasks).Error
	return tasks, err
}

func (s *Store) DeleteTask(taskID string) error {
	if err := s.db.Delete(&TaskRow{}, "task_id = ?", taskID).Error; err != nil {
		return err
	}
	return s.db.Delete(&ChunkDoneRow{}, "task_id = ?", taskID).Error
}

func (s *Store) UpdateTaskStatus(taskID, status string) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now()
	if status == "completed" {
		updates["completed_at"] = &now
	}
	if status == "downloading" {
		updates["started_at"] = &now
	}
	return s.db.Model(&TaskRow{}).Where("task_id = ?", taskID).Updates(updates).Error
}

func (s *Store) UpdateTaskProgress(taskID string, downloaded int64, speed float64) error {
	return s.db.Model(&TaskRow{}).Where("task_id = ?", taskID).Updates(map[string]interface{}{
		"downloaded_size": downloaded,
		"speed":           speed,
	}).Error
}

func (s *Store) UpsertGroup(g GroupRow) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		UpdateAll: true,
	}).Create(&g).Error
}

func (s *Store) GetGroup(groupID string) (GroupRow, error) {
	var g GroupRow
	err := s.db.First(&g, "group_id = ?", groupID).Error
	return g, err
}

func (s *Store) GetAllGroups() ([]GroupRow, error) {
	var groups []GroupRow
	err := s.db.Order("created_at desc").Find(&groups).Error
	return groups, err
}

func (s *Store) DeleteGroup(groupID string) error {
	return s.db.Delete(&GroupRow{}, "group_id = ?", groupID).Error
}

// MarkChunkDone records a completed chunk idempotently: a repeated
// (task_id, offset) pair is a no-op, so replays across crash/recover
// cycles never double-commit a chunk.
func (s *Store) MarkChunkDone(taskID string, offset, length int64) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}, {Name: "offset"}},
		DoNothing: true,
	}).Create(&ChunkDoneRow{TaskID: taskID, Offset: offset, Length: length}).Error
}

// DoneOffsets returns the set of committed chunk offsets for taskID,
// keyed by offset, for chunkplan.Plan to mark ranges already complete.
func (s *Store) DoneOffsets(taskID string) (map[int64]bool, error) {
	var rows []ChunkDoneRow
	if err := s.db.Where("task_id = ?", taskID).Find(&rows).Error; err != nil {
		return nil, err
	}
	done := make(map[int64]bool, len(rows))
	for _, r := range rows {
		done[r.Offset] = true
	}
	return done, nil
}

// DownloadedSize sums the durably-committed chunk lengths for taskID. This
// acked sum, not the sparse on-disk file length, is what downloaded_size
// reports after a crash recovery.
func (s *Store) DownloadedSize(taskID string) (int64, error) {
	var total int64
	err := s.db.Model(&ChunkDoneRow{}).Where("task_id = ?", taskID).
		Select("IFNULL(SUM(length), 0)").Row().Scan(&total)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return total, err
}
