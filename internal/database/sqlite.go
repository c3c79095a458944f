// Package database opens the SQLite store and keeps its schema current.
package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/parlor/internal/accounts"
	"github.com/MarcoPoloResearchLab/parlor/internal/directory"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// SQLite serializes writers anyway, so the pool is pinned to one connection.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&accounts.Account{},
		&accounts.Follow{},
		&directory.RoomRow{},
		&directory.RoomMemberRow{},
		&directory.RoomMessageRow{},
		&directory.ThreadRow{},
		&directory.ThreadMessageRow{},
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
