// Package store provides the durable-store collaborator: the database
// connector, the cross-replica migration lock, and the shared column
// types and insert primitives the aggregate stores build on.
package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBConfig selects the database dialect and connection string.
type DBConfig struct {
	// Type is one of "sqlite", "mysql", "postgres". Default "sqlite".
	Type string `yaml:"type"`
	// DSN is the dialect-specific connection string. For sqlite this is a
	// file path, or ":memory:" for an in-memory database.
	DSN string `yaml:"dsn"`
}

// Open connects to the configured database and returns a gorm handle.
func Open(cfg DBConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	switch cfg.Type {
	case "", "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		return db, nil
	case "mysql":
		db, err := gorm.Open(mysql.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
		return db, nil
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type %q (expected sqlite, mysql, or postgres)", cfg.Type)
	}
}
