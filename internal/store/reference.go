// ABOUTME: Key/value cache for read-mostly reference data and engine bookkeeping
// ABOUTME: Expiry is evaluated at read time against the caller's max age

package store

import (
	"context"
	"database/sql"
	"time"
)

// lastNoteSyncKey holds the timestamp of the last successful delivery-note refresh
const lastNoteSyncKey = "lastDeliveryNoteSync"

// CacheReferenceData stores payload under key, replacing any previous value
func (s *SQLiteStore) CacheReferenceData(ctx context.Context, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_cache (key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, key, payload, s.timestamp())
	if err != nil {
		return storageErr("caching reference data", err)
	}
	return nil
}

// GetCachedReferenceData returns the payload for key.
// Returns ErrNotFound if the key is missing or older than maxAge; maxAge <= 0 disables expiry.
func (s *SQLiteStore) GetCachedReferenceData(ctx context.Context, key string, maxAge time.Duration) ([]byte, error) {
	var payload []byte
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM reference_cache WHERE key = ?
	`, key).Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("getting reference data", err)
	}

	if maxAge > 0 {
		t, err := parseTime(updatedAt)
		if err != nil {
			return nil, storageErr("getting reference data", err)
		}
		if s.now().Sub(t) > maxAge {
			return nil, ErrNotFound
		}
	}
	return payload, nil
}

// SetLastNoteSync records the time of the last successful delivery-note refresh
func (s *SQLiteStore) SetLastNoteSync(ctx context.Context, t time.Time) error {
	return s.CacheReferenceData(ctx, lastNoteSyncKey, []byte(formatTime(t)))
}

// LastNoteSync returns the last successful refresh time, or ErrNotFound if none
func (s *SQLiteStore) LastNoteSync(ctx context.Context) (time.Time, error) {
	raw, err := s.GetCachedReferenceData(ctx, lastNoteSyncKey, 0)
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseTime(string(raw))
	if err != nil {
		return time.Time{}, storageErr("reading last note sync", err)
	}
	return t, nil
}
