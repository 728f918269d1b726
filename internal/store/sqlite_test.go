// ABOUTME: Tests for opening the SQLite store and its versioned migrations
// ABOUTME: Shared helpers: temp-dir stores, a controllable clock and sample image blobs

package store

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newClockedStore(t *testing.T) (*SQLiteStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	return newTestStore(t, WithClock(clock.Now)), clock
}

func jpegBlob(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return b
}

func pngBlob() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
}

func webpBlob() []byte {
	return append([]byte("RIFF\x24\x00\x00\x00WEBPVP8 "), bytes.Repeat([]byte{0}, 32)...)
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AddPendingNote(context.Background(), NewPendingNote{EstablishmentID: 1, SupplierID: 2})
	require.NoError(t, err)
	assert.Positive(t, id)
}

func TestOpen_MattnDriver(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "mattn.db"), WithDriver(DriverMattn))
	if err != nil && strings.Contains(err.Error(), "CGO_ENABLED") {
		t.Skip("mattn/go-sqlite3 needs cgo")
	}
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id, err := s.CaptureNote(ctx, NewPendingNote{EstablishmentID: 3, SupplierID: 4},
		[]PhotoInput{{Data: jpegBlob(64), OriginalName: "a.jpg"}})
	require.NoError(t, err)

	count, err := s.IncrementRetryCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOpen_SetsSchemaVersion(t *testing.T) {
	s := newTestStore(t)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion(), version)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	require.NoError(t, err)
	id, err := s.CaptureNote(ctx, NewPendingNote{EstablishmentID: 7, SupplierID: 3}, []PhotoInput{{Data: jpegBlob(64), OriginalName: "a.jpg"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	note, err := s.GetPendingNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), note.EstablishmentID)

	photos, err := s.GetPendingPhotos(ctx, id)
	require.NoError(t, err)
	require.Len(t, photos, 1)
	assert.Equal(t, "image/jpeg", photos[0].MimeType)
}

// A database created at version 1 (before the mime_type column existed) upgrades
// without losing queued photos.
func TestMigrations_AdditiveUpgradeFromV1(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open(DriverModernc, dbPath)
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, migrations[0].apply(tx))
	_, err = tx.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	now := formatTime(time.Now())
	res, err := db.Exec(`INSERT INTO pending_notes (establishment_id, supplier_id, status, retry_count, created_at, updated_at)
		VALUES (7, 3, 'PENDING', 0, ?, ?)`, now, now)
	require.NoError(t, err)
	noteID, _ := res.LastInsertId()
	_, err = db.Exec(`INSERT INTO pending_photos (note_id, data, original_name, size, created_at) VALUES (?, ?, 'old.jpg', 4, ?)`,
		noteID, jpegBlob(4), now)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	photos, err := s.GetPendingPhotos(ctx, noteID)
	require.NoError(t, err)
	require.Len(t, photos, 1)
	assert.Equal(t, "old.jpg", photos[0].OriginalName)
	assert.Equal(t, "image/jpeg", photos[0].MimeType)

	count, err := s.CountCachedNotes(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMigrations_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.runMigrations())
	require.NoError(t, s.runMigrations())
}

func TestCheckStorageQuota(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown quota", func(t *testing.T) {
		s := newTestStore(t)
		q, err := s.CheckStorageQuota(ctx)
		require.NoError(t, err)
		assert.Nil(t, q)
	})

	t.Run("reports usage", func(t *testing.T) {
		s := newTestStore(t, WithQuota(1<<30))
		q, err := s.CheckStorageQuota(ctx)
		require.NoError(t, err)
		require.NotNil(t, q)
		assert.Positive(t, q.Used)
		assert.Equal(t, int64(1<<30), q.Quota)
		assert.False(t, q.Warning)
	})

	t.Run("warning above threshold", func(t *testing.T) {
		s := newTestStore(t, WithQuota(1))
		q, err := s.CheckStorageQuota(ctx)
		require.NoError(t, err)
		require.NotNil(t, q)
		assert.True(t, q.Warning)
	})
}

func TestNewQuotaEstimate(t *testing.T) {
	tests := []struct {
		used, quota int64
		percent     float64
		warning     bool
	}{
		{used: 85, quota: 100, percent: 85, warning: true},
		{used: 80, quota: 100, percent: 80, warning: false},
		{used: 0, quota: 100, percent: 0, warning: false},
		{used: 10, quota: 0, percent: 0, warning: false},
	}
	for _, tt := range tests {
		q := NewQuotaEstimate(tt.used, tt.quota)
		assert.InDelta(t, tt.percent, q.PercentUsed, 0.001)
		assert.Equal(t, tt.warning, q.Warning, "used=%d quota=%d", tt.used, tt.quota)
	}
}
