// Package store provides the on-device persistent storage for delivery-sync using SQLite.
//
// # Architecture
//
// The store is split into two interfaces:
//
//   - PendingStore: the upload queue (pending notes and their photos)
//   - CacheStore: reference data and the read-only mirror of server-validated notes
//
// SQLiteStore implements both in a single struct. Every other component treats
// the store as the source of truth and re-queries instead of holding table contents
// in memory.
//
// # Tables
//
//   - pending_notes: captured notes with status PENDING, UPLOADING, SYNCED or FAILED
//   - pending_photos: compressed photo blobs, 1:N with pending_notes
//   - reference_cache: key -> payload + updated_at, expiry evaluated at read time
//   - cached_notes: server notes keyed by server id, upserted
//   - cached_note_images: one image per cached note, bounded by eviction
//
// # Schema Versions
//
// The schema version lives in PRAGMA user_version. Migrations are additive only:
// a new version may add tables, columns and indexes but never drops or redefines
// existing ones, so a device keeps its queue across upgrades.
//
// # Drivers
//
// The default driver is modernc.org/sqlite (pure Go). github.com/mattn/go-sqlite3 is
// available through WithDriver(DriverMattn) for cgo builds.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - *ValidationError: caller data violates an invariant (photo size or type)
//   - *StorageError: the database operation itself failed
//
// The store never retries; retry policy belongs to the sync manager.
//
// # Testing
//
// Use Open(":memory:") or a file under t.TempDir(). WithClock makes timestamps
// deterministic.
package store
