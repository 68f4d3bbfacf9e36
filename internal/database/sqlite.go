package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sqliteWriterOptions = "_pragma=busy_timeout(5000)&_txlock=immediate"

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withWriterOptions(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&datastore.RecordRow{},
		&datastore.ChangeRow{},
		&datastore.FeedCursorRow{},
		&users.Account{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// withWriterOptions lets writers in other processes wait for the file lock instead of failing with SQLITE_BUSY.
func withWriterOptions(path string) string {
	if strings.Contains(path, "busy_timeout") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + sqliteWriterOptions
}
