// ABOUTME: SQLite implementation of the on-device store (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Opens the database, applies pragmas and runs versioned additive migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by WithDriver
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

// timeLayout is fixed-width UTC so that stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements PendingStore and CacheStore on a single SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	quota  int64
}

var (
	_ PendingStore = (*SQLiteStore)(nil)
	_ CacheStore   = (*SQLiteStore)(nil)
)

type options struct {
	driver string
	quota  int64
	now    func() time.Time
	logger *slog.Logger
}

// Option configures Open
type Option func(*options)

// WithDriver selects the database/sql driver (DriverModernc or DriverMattn)
func WithDriver(name string) Option {
	return func(o *options) {
		if name != "" {
			o.driver = name
		}
	}
}

// WithQuota sets the storage budget in bytes reported by CheckStorageQuota.
// Zero means the budget is unknown.
func WithQuota(bytes int64) Option {
	return func(o *options) { o.quota = bytes }
}

// WithClock overrides the time source used for every stored timestamp
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger (defaults to slog.Default())
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Open creates or opens the store at path and migrates it to the current schema.
// Parent directories are created if needed. ":memory:" opens a private in-memory database.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	o := options{driver: DriverModernc, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    o.now,
		quota:  o.quota,
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("store initialized", "path", path, "driver", o.driver)
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	return nil
}

// migration is one additive schema step. Steps are never edited once released:
// later versions only add tables, columns and indexes.
type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

func execAll(stmts ...string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

var migrations = []migration{
	{
		version: 1,
		name:    "pending notes and photos",
		apply: execAll(
			`CREATE TABLE IF NOT EXISTS pending_notes (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				establishment_id   INTEGER NOT NULL,
				supplier_id        INTEGER NOT NULL,
				establishment_name TEXT,
				supplier_name      TEXT,
				status             TEXT NOT NULL,
				retry_count        INTEGER NOT NULL DEFAULT 0,
				created_at         TEXT NOT NULL,
				updated_at         TEXT NOT NULL,

				CHECK (status IN ('PENDING', 'UPLOADING', 'SYNCED', 'FAILED')),
				CHECK (retry_count >= 0)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_notes_status ON pending_notes(status)`,
			`CREATE TABLE IF NOT EXISTS pending_photos (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				note_id       INTEGER NOT NULL REFERENCES pending_notes(id) ON DELETE CASCADE,
				data          BLOB NOT NULL,
				original_name TEXT NOT NULL,
				size          INTEGER NOT NULL,
				created_at    TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_photos_note ON pending_photos(note_id)`,
		),
	},
	{
		version: 2,
		name:    "reference data cache",
		apply: execAll(
			`CREATE TABLE IF NOT EXISTS reference_cache (
				key        TEXT PRIMARY KEY,
				payload    BLOB NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		),
	},
	{
		version: 3,
		name:    "cached delivery notes and images",
		apply: execAll(
			`CREATE TABLE IF NOT EXISTS cached_notes (
				id               INTEGER PRIMARY KEY,
				establishment_id INTEGER NOT NULL,
				status           TEXT NOT NULL,
				validated_at     TEXT,
				has_image        INTEGER NOT NULL DEFAULT 0,
				cached_at        TEXT NOT NULL,
				payload          BLOB NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cached_notes_establishment ON cached_notes(establishment_id, validated_at)`,
			`CREATE INDEX IF NOT EXISTS idx_cached_notes_validated ON cached_notes(validated_at)`,
			`CREATE TABLE IF NOT EXISTS cached_note_images (
				note_id          INTEGER PRIMARY KEY,
				data             BLOB NOT NULL,
				cached_at        TEXT NOT NULL,
				last_accessed_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cached_note_images_accessed ON cached_note_images(last_accessed_at)`,
		),
	},
	{
		version: 4,
		name:    "photo mime type",
		apply: func(tx *sql.Tx) error {
			// SQLite has no ADD COLUMN IF NOT EXISTS
			var exists int
			err := tx.QueryRow(`SELECT 1 FROM pragma_table_info('pending_photos') WHERE name = 'mime_type'`).Scan(&exists)
			if err == nil {
				return nil
			}
			_, err = tx.Exec(`ALTER TABLE pending_photos ADD COLUMN mime_type TEXT NOT NULL DEFAULT 'image/jpeg'`)
			return err
		},
	},
}

// schemaVersion is the version a freshly migrated database reports
func schemaVersion() int {
	return migrations[len(migrations)-1].version
}

// runMigrations applies every migration newer than PRAGMA user_version, each in its
// own transaction, recording the version as it goes.
func (s *SQLiteStore) runMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		s.logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

func (s *SQLiteStore) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	return t, nil
}

// inTx runs fn inside a transaction, rolling back on error
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
