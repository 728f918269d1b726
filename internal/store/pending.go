// ABOUTME: Upload queue persistence: pending delivery notes and their photos
// ABOUTME: Covers enqueue, validation, status/retry mutations, cascade delete and cleanup

package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const pendingNoteColumns = `id, establishment_id, supplier_id, establishment_name, supplier_name,
	status, retry_count, created_at, updated_at`

// ValidatePhoto checks the size and sniffed content type of a photo blob and
// returns the detected MIME type.
func ValidatePhoto(data []byte) (string, error) {
	if len(data) == 0 {
		return "", &ValidationError{Field: "photo", Reason: "empty blob"}
	}
	if len(data) > MaxPhotoSize {
		return "", &ValidationError{Field: "photo", Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(data), MaxPhotoSize)}
	}
	mimeType := http.DetectContentType(data)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !AllowedPhotoTypes[mimeType] {
		return "", &ValidationError{Field: "photo", Reason: fmt.Sprintf("type %s is not allowed", mimeType)}
	}
	return mimeType, nil
}

// AddPendingNote inserts a note with status PENDING and a zero retry count
func (s *SQLiteStore) AddPendingNote(ctx context.Context, note NewPendingNote) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertNote(ctx, tx, note)
		return err
	})
	if err != nil {
		return 0, storageErr("adding pending note", err)
	}
	s.logger.Debug("added pending note", "id", id, "establishment_id", note.EstablishmentID)
	return id, nil
}

// AddPendingPhoto validates and attaches a photo to a note.
// Returns a *ValidationError for oversized or disallowed blobs.
func (s *SQLiteStore) AddPendingPhoto(ctx context.Context, noteID int64, data []byte, originalName string) (int64, error) {
	mimeType, err := ValidatePhoto(data)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertPhoto(ctx, tx, noteID, data, originalName, mimeType)
		return err
	})
	if err != nil {
		return 0, storageErr("adding pending photo", err)
	}
	s.logger.Debug("added pending photo", "id", id, "note_id", noteID, "size", len(data))
	return id, nil
}

// CaptureNote validates every photo, then inserts the note and its photos in one
// transaction so a failed capture never leaves a partial note behind.
func (s *SQLiteStore) CaptureNote(ctx context.Context, note NewPendingNote, photos []PhotoInput) (int64, error) {
	if len(photos) == 0 {
		return 0, &ValidationError{Field: "photos", Reason: "at least one photo is required"}
	}
	mimeTypes := make([]string, len(photos))
	for i, p := range photos {
		mt, err := ValidatePhoto(p.Data)
		if err != nil {
			return 0, err
		}
		mimeTypes[i] = mt
	}

	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertNote(ctx, tx, note)
		if err != nil {
			return err
		}
		for i, p := range photos {
			if _, err := s.insertPhoto(ctx, tx, id, p.Data, p.OriginalName, mimeTypes[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("capturing note", err)
	}
	s.logger.Info("captured note", "id", id, "photos", len(photos))
	return id, nil
}

func (s *SQLiteStore) insertNote(ctx context.Context, tx *sql.Tx, note NewPendingNote) (int64, error) {
	now := s.timestamp()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_notes (establishment_id, supplier_id, establishment_name, supplier_name,
			status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, note.EstablishmentID, note.SupplierID, nullString(note.EstablishmentName), nullString(note.SupplierName),
		StatusPending, now, now)
	if err != nil {
		return 0, fmt.Errorf("inserting note: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) insertPhoto(ctx context.Context, tx *sql.Tx, noteID int64, data []byte, name, mimeType string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_photos (note_id, data, original_name, mime_type, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, noteID, data, name, mimeType, len(data), s.timestamp())
	if err != nil {
		return 0, fmt.Errorf("inserting photo: %w", err)
	}
	return res.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingNote(row rowScanner) (*PendingNote, error) {
	var n PendingNote
	var estName, supName sql.NullString
	var status, createdAt, updatedAt string

	if err := row.Scan(&n.ID, &n.EstablishmentID, &n.SupplierID, &estName, &supName,
		&status, &n.RetryCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.EstablishmentName = estName.String
	n.SupplierName = supName.String
	n.Status = NoteStatus(status)

	var err error
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *SQLiteStore) queryNotes(ctx context.Context, query string, args ...any) ([]*PendingNote, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer rows.Close()

	var notes []*PendingNote
	for rows.Next() {
		n, err := scanPendingNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning note row: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating note rows: %w", err)
	}
	return notes, nil
}

// GetPendingNote retrieves a note by local ID, in any status.
// Returns ErrNotFound if the note doesn't exist.
func (s *SQLiteStore) GetPendingNote(ctx context.Context, id int64) (*PendingNote, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingNoteColumns+` FROM pending_notes WHERE id = ?`, id)
	n, err := scanPendingNote(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("getting pending note", err)
	}
	return n, nil
}

// GetPendingPhotos returns the photos of a note in insertion order
func (s *SQLiteStore) GetPendingPhotos(ctx context.Context, noteID int64) ([]*PendingPhoto, error) {
	photos, err := s.photosFor(ctx, noteID)
	return photos, storageErr("getting pending photos", err)
}

func (s *SQLiteStore) photosFor(ctx context.Context, noteID int64) ([]*PendingPhoto, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, data, original_name, mime_type, size, created_at
		FROM pending_photos
		WHERE note_id = ?
		ORDER BY id
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("querying photos: %w", err)
	}
	defer rows.Close()

	var photos []*PendingPhoto
	for rows.Next() {
		var p PendingPhoto
		var createdAt string
		if err := rows.Scan(&p.ID, &p.NoteID, &p.Data, &p.OriginalName, &p.MimeType, &p.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning photo row: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		photos = append(photos, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating photo rows: %w", err)
	}
	return photos, nil
}

// DeletePendingPhoto removes a single photo row.
// Returns ErrNotFound if the photo doesn't exist.
func (s *SQLiteStore) DeletePendingPhoto(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_photos WHERE id = ?`, id)
	if err != nil {
		return storageErr("deleting pending photo", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPendingNotes returns notes that still need uploading (PENDING or FAILED), oldest first
func (s *SQLiteStore) GetPendingNotes(ctx context.Context) ([]*PendingNote, error) {
	notes, err := s.queryNotes(ctx, `
		SELECT `+pendingNoteColumns+`
		FROM pending_notes
		WHERE status IN (?, ?)
		ORDER BY created_at, id
	`, StatusPending, StatusFailed)
	return notes, storageErr("getting pending notes", err)
}

// ListAllPendingNotes returns every queued note regardless of status, newest first
func (s *SQLiteStore) ListAllPendingNotes(ctx context.Context) ([]*PendingNote, error) {
	notes, err := s.queryNotes(ctx, `
		SELECT `+pendingNoteColumns+`
		FROM pending_notes
		ORDER BY created_at DESC, id DESC
	`)
	return notes, storageErr("listing pending notes", err)
}

// CountPendingNotes counts notes in PENDING or FAILED status
func (s *SQLiteStore) CountPendingNotes(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_notes WHERE status IN (?, ?)
	`, StatusPending, StatusFailed).Scan(&count)
	if err != nil {
		return 0, storageErr("counting pending notes", err)
	}
	return count, nil
}

// UpdateNoteStatus sets the status and bumps updated_at.
// Returns ErrNotFound if the note doesn't exist.
func (s *SQLiteStore) UpdateNoteStatus(ctx context.Context, id int64, status NoteStatus) error {
	if !status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_notes SET status = ?, updated_at = ? WHERE id = ?
	`, status, s.timestamp(), id)
	if err != nil {
		return storageErr("updating note status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("updated note status", "id", id, "status", status)
	return nil
}

// DeletePendingNote deletes the note's photos and then the note itself in one
// transaction. The schema also declares ON DELETE CASCADE; the explicit delete keeps
// the behaviour independent of foreign key enforcement.
func (s *SQLiteStore) DeletePendingNote(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_photos WHERE note_id = ?`, id); err != nil {
			return fmt.Errorf("deleting photos: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_notes WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting note: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return storageErr("deleting pending note", err)
	}
	s.logger.Debug("deleted pending note", "id", id)
	return nil
}

// CleanupSyncedNotes removes SYNCED notes (and their photos) whose updated_at is
// older than maxAge. Returns the number of notes removed.
func (s *SQLiteStore) CleanupSyncedNotes(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := formatTime(s.now().Add(-maxAge))
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM pending_photos WHERE note_id IN (
				SELECT id FROM pending_notes WHERE status = ? AND updated_at < ?
			)
		`, StatusSynced, cutoff); err != nil {
			return fmt.Errorf("deleting synced photos: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM pending_notes WHERE status = ? AND updated_at < ?
		`, StatusSynced, cutoff)
		if err != nil {
			return fmt.Errorf("deleting synced notes: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, storageErr("cleaning up synced notes", err)
	}
	if removed > 0 {
		s.logger.Info("cleaned up synced notes", "count", removed)
	}
	return int(removed), nil
}

// IncrementRetryCount atomically increments retry_count, bumps updated_at and returns
// the new count. A single UPDATE ... RETURNING leaves no window for a lost update.
func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE pending_notes
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?
		RETURNING retry_count
	`, s.timestamp(), id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, storageErr("incrementing retry count", err)
	}
	return count, nil
}

// ResetNoteForRetry puts a PENDING or FAILED note back to PENDING with a zero retry
// count, making it eligible for automatic sync again. SYNCED notes and notes with an
// upload in flight are left alone and reported as ErrNotFound.
func (s *SQLiteStore) ResetNoteForRetry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_notes
		SET status = ?, retry_count = 0, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusPending, s.timestamp(), id, StatusPending, StatusFailed)
	if err != nil {
		return storageErr("resetting note for retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetInterruptedUploads moves notes left in UPLOADING by a previous process back
// to PENDING. Must only be called before any sync run starts.
func (s *SQLiteStore) ResetInterruptedUploads(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_notes SET status = ?, updated_at = ? WHERE status = ?
	`, StatusPending, s.timestamp(), StatusUploading)
	if err != nil {
		return 0, storageErr("resetting interrupted uploads", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("reset interrupted uploads", "count", n)
	}
	return int(n), nil
}

// GetNotesReadyToSync returns PENDING/FAILED notes with retry_count below maxRetries,
// oldest first, each with its photos attached.
func (s *SQLiteStore) GetNotesReadyToSync(ctx context.Context, maxRetries int) ([]*PendingNote, error) {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	notes, err := s.queryNotes(ctx, `
		SELECT `+pendingNoteColumns+`
		FROM pending_notes
		WHERE status IN (?, ?) AND retry_count < ?
		ORDER BY created_at, id
	`, StatusPending, StatusFailed, maxRetries)
	if err != nil {
		return nil, storageErr("getting notes ready to sync", err)
	}

	// Rows are closed before the photo queries; the pool has a single connection
	for _, n := range notes {
		n.Photos, err = s.photosFor(ctx, n.ID)
		if err != nil {
			return nil, storageErr("getting notes ready to sync", err)
		}
	}
	return notes, nil
}
