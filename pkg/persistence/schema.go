// Package persistence provides SQLite-based storage for story checkpoints.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// migration moves the schema from version-1 to version.
type migration struct {
	version    int
	statements []string
}

// migrations run in order. Each one commits together with its version row, so
// a crash never leaves a half-applied step behind.
//
//nolint:gochecknoglobals // static migration list
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS checkpoints (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL,
				sequence INTEGER NOT NULL,
				world_state TEXT NOT NULL,
				story_progress TEXT NOT NULL,
				messages TEXT NOT NULL,
				created_at TEXT NOT NULL,
				UNIQUE (thread_id, sequence)
			)`,
			"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, sequence DESC)",
		},
	},
	{
		// Listing columns let ListThreads skip decoding the state JSON.
		version: 2,
		statements: []string{
			"ALTER TABLE checkpoints ADD COLUMN theme TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE checkpoints ADD COLUMN turn INTEGER NOT NULL DEFAULT 0",
			"ALTER TABLE checkpoints ADD COLUMN phase TEXT NOT NULL DEFAULT 'setup'",
			"CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at)",
		},
	},
	{
		version: 3,
		statements: []string{
			"ALTER TABLE checkpoints ADD COLUMN content_preview TEXT NOT NULL DEFAULT ''",
		},
	},
}

// CurrentSchemaVersion is the version a freshly opened database ends up at.
//
//nolint:gochecknoglobals // derived from migrations
var CurrentSchemaVersion = migrations[len(migrations)-1].version

// InitializeDatabase opens dbPath in WAL mode and brings its schema up to date.
// Safe to call on an existing database.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; checkpoint appends are serialized by the driver pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// initializeSchemaWithMigrations applies every migration newer than the
// database's recorded version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", m.version, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// setSchemaVersion records version outside a migration.
func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the highest recorded schema version, or 0 for a new
// database. It creates the schema_version table on first use.
func GetSchemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func firstLine(stmt string) string {
	for i, r := range stmt {
		if r == '\n' {
			return stmt[:i]
		}
	}
	return stmt
}
