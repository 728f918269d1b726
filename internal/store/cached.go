// ABOUTME: Read-only mirror of server-validated delivery notes and their images
// ABOUTME: Upserts keyed by server id, LRU-style image eviction, quota estimate and cache reset

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertCachedNotes writes every note, replacing rows with the same server id.
// cached_at is stamped with the current time on every write.
func (s *SQLiteStore) UpsertCachedNotes(ctx context.Context, notes []*CachedNote) error {
	if len(notes) == 0 {
		return nil
	}
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cached_notes (id, establishment_id, status, validated_at, has_image, cached_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				establishment_id = excluded.establishment_id,
				status = excluded.status,
				validated_at = excluded.validated_at,
				has_image = excluded.has_image,
				cached_at = excluded.cached_at,
				payload = excluded.payload
		`)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer stmt.Close()

		for _, n := range notes {
			var validatedAt any
			if n.ValidatedAt != nil {
				validatedAt = formatTime(*n.ValidatedAt)
			}
			payload := []byte(n.Payload)
			if payload == nil {
				payload = []byte("null")
			}
			if _, err := stmt.ExecContext(ctx, n.ID, n.EstablishmentID, n.Status, validatedAt,
				n.HasImage, formatTime(now), payload); err != nil {
				return fmt.Errorf("upserting note %d: %w", n.ID, err)
			}
			n.CachedAt = now
		}
		return nil
	})
	if err != nil {
		return storageErr("upserting cached notes", err)
	}
	s.logger.Debug("upserted cached notes", "count", len(notes))
	return nil
}

const cachedNoteColumns = `id, establishment_id, status, validated_at, has_image, cached_at, payload`

func scanCachedNote(row rowScanner) (*CachedNote, error) {
	var n CachedNote
	var validatedAt sql.NullString
	var cachedAt string
	var payload []byte

	if err := row.Scan(&n.ID, &n.EstablishmentID, &n.Status, &validatedAt, &n.HasImage, &cachedAt, &payload); err != nil {
		return nil, err
	}
	if validatedAt.Valid {
		t, err := parseTime(validatedAt.String)
		if err != nil {
			return nil, err
		}
		n.ValidatedAt = &t
	}
	var err error
	if n.CachedAt, err = parseTime(cachedAt); err != nil {
		return nil, err
	}
	n.Payload = payload
	return &n, nil
}

// GetCachedNotes returns cached notes, most recently validated first.
// A zero establishmentID returns notes for every establishment.
func (s *SQLiteStore) GetCachedNotes(ctx context.Context, establishmentID int64) ([]*CachedNote, error) {
	query := `SELECT ` + cachedNoteColumns + ` FROM cached_notes`
	var args []any
	if establishmentID != 0 {
		query += ` WHERE establishment_id = ?`
		args = append(args, establishmentID)
	}
	// NULL validated_at sorts last under DESC
	query += ` ORDER BY validated_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("getting cached notes", err)
	}
	defer rows.Close()

	var notes []*CachedNote
	for rows.Next() {
		n, err := scanCachedNote(rows)
		if err != nil {
			return nil, storageErr("scanning cached note", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating cached notes", err)
	}
	return notes, nil
}

// GetCachedNote retrieves one cached note by server id.
// Returns ErrNotFound if it isn't cached.
func (s *SQLiteStore) GetCachedNote(ctx context.Context, id int64) (*CachedNote, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cachedNoteColumns+` FROM cached_notes WHERE id = ?`, id)
	n, err := scanCachedNote(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("getting cached note", err)
	}
	return n, nil
}

// CountCachedNotes returns the number of cached notes
func (s *SQLiteStore) CountCachedNotes(ctx context.Context) (int, error) {
	return s.count(ctx, "cached_notes")
}

// CacheNoteImage stores or replaces the image of a cached note
func (s *SQLiteStore) CacheNoteImage(ctx context.Context, noteID int64, data []byte) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_note_images (note_id, data, cached_at, last_accessed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET
			data = excluded.data,
			cached_at = excluded.cached_at,
			last_accessed_at = excluded.last_accessed_at
	`, noteID, data, now, now)
	if err != nil {
		return storageErr("caching note image", err)
	}
	return nil
}

// GetCachedNoteImage returns the cached image and bumps its last access time.
// Returns ErrNotFound on a miss.
func (s *SQLiteStore) GetCachedNoteImage(ctx context.Context, noteID int64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		UPDATE cached_note_images SET last_accessed_at = ?
		WHERE note_id = ?
		RETURNING data
	`, s.timestamp(), noteID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("getting cached note image", err)
	}
	return data, nil
}

// HasCachedNoteImage reports whether an image is cached without touching its access time
func (s *SQLiteStore) HasCachedNoteImage(ctx context.Context, noteID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cached_note_images WHERE note_id = ?`, noteID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageErr("checking cached note image", err)
	}
	return true, nil
}

// CountCachedNoteImages returns the number of cached images
func (s *SQLiteStore) CountCachedNoteImages(ctx context.Context) (int, error) {
	return s.count(ctx, "cached_note_images")
}

// EvictOldNoteImages deletes the least recently accessed images until at most max
// remain. Returns the number evicted.
func (s *SQLiteStore) EvictOldNoteImages(ctx context.Context, max int) (int, error) {
	if max < 0 {
		max = DefaultMaxImages
	}
	var evicted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_note_images`).Scan(&total); err != nil {
			return fmt.Errorf("counting images: %w", err)
		}
		if total <= max {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM cached_note_images WHERE note_id IN (
				SELECT note_id FROM cached_note_images
				ORDER BY last_accessed_at ASC, cached_at ASC, note_id ASC
				LIMIT ?
			)
		`, total-max)
		if err != nil {
			return fmt.Errorf("evicting images: %w", err)
		}
		evicted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, storageErr("evicting note images", err)
	}
	if evicted > 0 {
		s.logger.Debug("evicted note images", "count", evicted, "max", max)
	}
	return int(evicted), nil
}

// ClearCache wipes cached notes, cached images and the last refresh timestamp.
// The upload queue and other reference data are untouched.
func (s *SQLiteStore) ClearCache(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM cached_note_images`,
			`DELETE FROM cached_notes`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM reference_cache WHERE key = ?`, lastNoteSyncKey)
		return err
	})
	if err != nil {
		return storageErr("clearing cache", err)
	}
	s.logger.Info("cleared delivery note cache")
	return nil
}

func (s *SQLiteStore) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, storageErr("counting "+table, err)
	}
	return n, nil
}

// CheckStorageQuota estimates database usage against the configured budget.
// Returns nil when no budget is configured.
func (s *SQLiteStore) CheckStorageQuota(ctx context.Context) (*QuotaEstimate, error) {
	if s.quota <= 0 {
		return nil, nil
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, storageErr("reading page_count", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, storageErr("reading page_size", err)
	}
	return NewQuotaEstimate(pageCount*pageSize, s.quota), nil
}

// NewQuotaEstimate computes the usage percentage and warning flag
func NewQuotaEstimate(used, quota int64) *QuotaEstimate {
	q := &QuotaEstimate{Used: used, Quota: quota}
	if quota > 0 {
		q.PercentUsed = float64(used) / float64(quota) * 100
	}
	q.Warning = q.PercentUsed > QuotaWarningPercent
	return q
}
