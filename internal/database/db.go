// Package database persists configured dynamic spans in SQLite through gorm,
// using the pure Go modernc driver.
package database

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Config holds database configuration
type Config struct {
	Path        string        // SQLite file
	BusyTimeout time.Duration // Wait for a locked database, default 5s
}

// dsn encodes connection pragmas the way the modernc driver expects them
func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy == 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	return "file:" + c.Path + "?" + q.Encode()
}

// DB is an open span store
type DB struct {
	gdb *gorm.DB
}

// NewDB opens the store and migrates the schema. Slow queries and errors are
// logged through log when it is non-nil.
func NewDB(config Config, log *slog.Logger) (*DB, error) {
	gormLog := logger.Default.LogMode(logger.Silent)
	if log != nil {
		gormLog = logger.New(
			slog.NewLogLogger(log.With("component", "db").Handler(), slog.LevelWarn),
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		)
	}

	gdb, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: config.dsn()}, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Path, err)
	}
	if err := gdb.AutoMigrate(&SpanRecord{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", config.Path, err)
	}

	if log != nil {
		log.Info("database initialized", "path", config.Path)
	}
	return &DB{gdb: gdb}, nil
}

// GetDB returns the underlying GORM database instance
func (db *DB) GetDB() *gorm.DB {
	return db.gdb
}

func (db *DB) Close() error {
	sqlDB, err := db.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the database
func (db *DB) Health() error {
	sqlDB, err := db.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
