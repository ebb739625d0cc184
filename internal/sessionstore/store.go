// SPDX-License-Identifier: MPL-2.0

package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/invowk/packwire/internal/container"
)

// ErrNoRunningSession is returned by Latest when every recorded session has stopped.
var ErrNoRunningSession = errors.New("no running build container recorded")

var _ container.SessionRecorder = (*Store)(nil)

type (
	// Record is one build container session.
	Record struct {
		ID        string `gorm:"primaryKey"`
		Name      string `gorm:"index"`
		Image     string
		Workspace string
		StartedAt time.Time `gorm:"index"`
		StoppedAt *time.Time
	}

	// Store reads and writes session records.
	Store struct {
		db *gorm.DB
	}
)

// TableName implements gorm's Tabler.
func (Record) TableName() string {
	return "build_sessions"
}

// Running reports whether the session has no recorded stop.
func (r Record) Running() bool {
	return r.StoppedAt == nil
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session store directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open session store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate session store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordStart stores a started session, replacing any record with the same id.
func (s *Store) RecordStart(ctx context.Context, session container.Session) error {
	rec := Record{
		ID:        string(session.ID),
		Name:      session.Name,
		Image:     string(session.Image),
		Workspace: session.Workspace.String(),
		StartedAt: session.StartedAt,
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("record start of %s: %w", session.ID.Short(), err)
	}
	return nil
}

// RecordStop marks the session stopped. Unknown ids are ignored.
func (s *Store) RecordStop(ctx context.Context, id container.ContainerID) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND stopped_at IS NULL", string(id)).
		Update("stopped_at", &now).Error
	if err != nil {
		return fmt.Errorf("record stop of %s: %w", id.Short(), err)
	}
	return nil
}

// List returns all records, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	if err := s.db.WithContext(ctx).Order("started_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

// Running returns the sessions without a recorded stop, newest first.
func (s *Store) Running(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := s.db.WithContext(ctx).Where("stopped_at IS NULL").Order("started_at DESC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	return recs, nil
}

// Latest returns the most recently started running session.
func (s *Store) Latest(ctx context.Context) (*Record, error) {
	recs, err := s.Running(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoRunningSession
	}
	return &recs[0], nil
}

// PruneStopped deletes every record with a recorded stop.
func (s *Store) PruneStopped(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("stopped_at IS NOT NULL").Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
