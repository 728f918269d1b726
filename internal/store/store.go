// ABOUTME: Data types, error taxonomy and store interfaces for the on-device database
// ABOUTME: Defines pending notes/photos, cached notes/images and the Pending/Cache store contracts

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// MaxPhotoSize is the largest photo blob accepted into the queue (5 MiB)
const MaxPhotoSize = 5 << 20

// MaxRetries is the number of upload attempts a note gets before it stops
// being retried automatically
const MaxRetries = 3

// DefaultMaxImages is the default bound on the cached image table
const DefaultMaxImages = 50

// QuotaWarningPercent is the usage above which CheckStorageQuota sets Warning
const QuotaWarningPercent = 80

// AllowedPhotoTypes lists the MIME types accepted for pending photos
var AllowedPhotoTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// ValidationError reports caller-supplied data that violates a store invariant.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a failure of the underlying database (quota, corruption, I/O).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err as a StorageError unless it is nil or ErrNotFound
func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NoteStatus is the synchronization state of a pending delivery note
type NoteStatus string

// Note statuses. UPLOADING is a transient in-flight marker.
const (
	StatusPending   NoteStatus = "PENDING"
	StatusUploading NoteStatus = "UPLOADING"
	StatusSynced    NoteStatus = "SYNCED"
	StatusFailed    NoteStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses
func (s NoteStatus) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// NewPendingNote holds the caller-supplied fields of a captured delivery note
type NewPendingNote struct {
	EstablishmentID   int64
	SupplierID        int64
	EstablishmentName string // denormalized for offline display
	SupplierName      string
}

// PendingNote is a delivery note captured on the device, not yet confirmed by the server
type PendingNote struct {
	ID                int64
	EstablishmentID   int64
	SupplierID        int64
	EstablishmentName string
	SupplierName      string
	Status            NoteStatus
	RetryCount        int
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// Photos is only populated by GetNotesReadyToSync
	Photos []*PendingPhoto
}

// PendingPhoto is one compressed image bound to a pending note
type PendingPhoto struct {
	ID           int64
	NoteID       int64
	Data         []byte
	OriginalName string
	MimeType     string
	Size         int64
	CreatedAt    time.Time
}

// PhotoInput is a photo handed over by the capture collaborator
type PhotoInput struct {
	Data         []byte
	OriginalName string
}

// CachedNote is a read-only mirror of a server-confirmed delivery note
type CachedNote struct {
	ID              int64 // server-assigned
	EstablishmentID int64
	Status          string
	ValidatedAt     *time.Time
	HasImage        bool
	CachedAt        time.Time
	Payload         json.RawMessage // full server representation
}

// CachedNoteImage is the binary companion of a cached note
type CachedNoteImage struct {
	NoteID         int64
	Data           []byte
	CachedAt       time.Time
	LastAccessedAt time.Time
}

// QuotaEstimate describes how much of the configured storage budget is in use
type QuotaEstimate struct {
	Used        int64
	Quota       int64
	PercentUsed float64
	Warning     bool
}

// PendingStore holds the upload queue
type PendingStore interface {
	AddPendingNote(ctx context.Context, note NewPendingNote) (int64, error)
	AddPendingPhoto(ctx context.Context, noteID int64, data []byte, originalName string) (int64, error)
	CaptureNote(ctx context.Context, note NewPendingNote, photos []PhotoInput) (int64, error)
	GetPendingNote(ctx context.Context, id int64) (*PendingNote, error)
	GetPendingPhotos(ctx context.Context, noteID int64) ([]*PendingPhoto, error)
	DeletePendingPhoto(ctx context.Context, id int64) error
	GetPendingNotes(ctx context.Context) ([]*PendingNote, error)
	ListAllPendingNotes(ctx context.Context) ([]*PendingNote, error)
	CountPendingNotes(ctx context.Context) (int, error)
	UpdateNoteStatus(ctx context.Context, id int64, status NoteStatus) error
	DeletePendingNote(ctx context.Context, id int64) error
	CleanupSyncedNotes(ctx context.Context, maxAge time.Duration) (int, error)
	IncrementRetryCount(ctx context.Context, id int64) (int, error)
	ResetNoteForRetry(ctx context.Context, id int64) error
	ResetInterruptedUploads(ctx context.Context) (int, error)
	GetNotesReadyToSync(ctx context.Context, maxRetries int) ([]*PendingNote, error)
}

// CacheStore holds reference data and the mirror of server-validated notes
type CacheStore interface {
	CacheReferenceData(ctx context.Context, key string, payload []byte) error
	GetCachedReferenceData(ctx context.Context, key string, maxAge time.Duration) ([]byte, error)
	SetLastNoteSync(ctx context.Context, t time.Time) error
	LastNoteSync(ctx context.Context) (time.Time, error)

	UpsertCachedNotes(ctx context.Context, notes []*CachedNote) error
	GetCachedNotes(ctx context.Context, establishmentID int64) ([]*CachedNote, error)
	GetCachedNote(ctx context.Context, id int64) (*CachedNote, error)
	CountCachedNotes(ctx context.Context) (int, error)

	CacheNoteImage(ctx context.Context, noteID int64, data []byte) error
	GetCachedNoteImage(ctx context.Context, noteID int64) ([]byte, error)
	HasCachedNoteImage(ctx context.Context, noteID int64) (bool, error)
	CountCachedNoteImages(ctx context.Context) (int, error)
	EvictOldNoteImages(ctx context.Context, max int) (int, error)

	CheckStorageQuota(ctx context.Context) (*QuotaEstimate, error)
	ClearCache(ctx context.Context) error
}
