// Package sqlitestore implements the SQLite storage backend on GORM.
// It offers the same adapter interfaces as the flat-file backend and is
// selected with INGESTLY_STORAGE_BACKEND=sqlite.
package sqlitestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config holds the SQLite connection settings.
type Config struct {
	Path         string
	MaxOpenConns int
	MaxIdleConns int
}

// Store is the SQLite storage backend. It implements both
// storage.EventStore and storage.UserStore.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore opens (and migrates) the SQLite database in WAL mode.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.AutoMigrate(&eventRow{}, &userRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("SQLite storage backend initialized", slog.String("path", cfg.Path))
	return &Store{db: db, logger: logger}, nil
}

// performWrite runs fn in a transaction and retries a few times when
// SQLite reports the database as busy or locked.
func (s *Store) performWrite(fn func(tx *gorm.DB) error) error {
	const attempts = 3

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.db.Transaction(fn)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}

		s.logger.Warn("Database busy, retrying write",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
