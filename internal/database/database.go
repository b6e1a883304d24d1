// Package database owns the relational connection, the bounded acquisition
// pool, the persisted models and the checksum-verified schema migrations.
package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/logger"
)

// Open connects to the configured database and applies the connection pool
// limits to the underlying sql.DB.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		// Surface duplicate-key violations as gorm.ErrDuplicatedKey so the
		// store can map them to the conflict error kind.
		TranslateError: true,
	}

	var db *gorm.DB
	var err error
	switch cfg.Type {
	case "postgres":
		db, err = gorm.Open(postgres.Open(postgresDSN(cfg)), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetMaxIdleConns(cfg.MinConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(cfg.IdleMax)

	logger.Info("database connection established",
		"type", cfg.Type, "max_conns", cfg.MaxConns)
	return db, nil
}

// postgresDSN builds the connection string. With a Cloud SQL connection name
// the host is the auth-proxy unix socket under /cloudsql.
func postgresDSN(cfg config.DatabaseConfig) string {
	host := cfg.Host
	port := cfg.Port
	if cfg.ConnectionName != "" {
		host = "/cloudsql/" + cfg.ConnectionName
		port = 0
	}
	dsn := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=disable TimeZone=UTC",
		host, cfg.Username, cfg.Name)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	if port > 0 {
		dsn += fmt.Sprintf(" port=%d", port)
	}
	return dsn
}
