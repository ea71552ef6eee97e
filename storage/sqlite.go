package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the alert database connections.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// poolConfig describes one of the two connection pools.
type poolConfig struct {
	name      string
	maxOpen   int
	maxIdle   int
	queryOnly bool
}

var (
	writePool = poolConfig{name: "write", maxOpen: 1, maxIdle: 1}
	readPool  = poolConfig{name: "read", maxOpen: 4, maxIdle: 2, queryOnly: true}
)

// openPool opens dsn in WAL mode, sized and restricted per pc.
func openPool(dsn, dbPath string, pc poolConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite %s database: %w", pc.name, err)
	}

	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"}
	if pc.queryOnly {
		pragmas = append(pragmas, "PRAGMA query_only=ON")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure %s pool (%s): %w", pc.name, pragma, err)
		}
	}

	// in-memory databases report "memory" instead of "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		_ = db.Close()
		return nil, fmt.Errorf("WAL mode not enabled on %s pool (got: %s)", pc.name, journalMode)
	}

	db.SetMaxOpenConns(pc.maxOpen)
	db.SetMaxIdleConns(pc.maxIdle)
	if pc.queryOnly {
		db.SetConnMaxIdleTime(10 * time.Minute)
	}
	return db, nil
}

// NewSQLite opens (creating if needed) the alert database at dbPath. Writes
// share a single connection; reads use their own query-only pool so WAL
// readers never queue behind the writer.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// both pools must see the same in-memory database
	dsn := dbPath
	if dbPath == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	writeDB, err := openPool(dsn, dbPath, writePool)
	if err != nil {
		return nil, err
	}
	s := &SQLite{WriteDB: writeDB, Path: dbPath, Logger: logger}
	// tables must exist before the query-only pool looks at them
	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if s.ReadDB, err = openPool(dsn, dbPath, readPool); err != nil {
		_ = writeDB.Close()
		return nil, err
	}

	logger.Infow("Alert database ready", "path", dbPath)
	return s, nil
}

// WithTransaction executes fn within a write transaction, rolling back on
// error or panic.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id TEXT PRIMARY KEY,
		rule_id INTEGER NOT NULL,
		level INTEGER NOT NULL,
		category TEXT NOT NULL,
		description TEXT,
		rule_groups TEXT, -- JSON array
		path TEXT NOT NULL, -- JSON array of rule ids, root first
		event_id TEXT,
		src_ip TEXT,
		full_log TEXT,
		event TEXT, -- JSON object
		timestamp_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts(rule_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp_ns DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_level ON alerts(level);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
