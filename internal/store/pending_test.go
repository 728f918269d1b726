// ABOUTME: Tests for the upload queue: enqueue, validation, status machine support and cleanup
// ABOUTME: Includes the concurrent retry-count increment and cascade delete checks

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addNoteWithPhoto(t *testing.T, s *SQLiteStore, estID int64) int64 {
	t.Helper()
	id, err := s.CaptureNote(context.Background(),
		NewPendingNote{EstablishmentID: estID, SupplierID: 3, SupplierName: "Metro", EstablishmentName: "Le Bistrot"},
		[]PhotoInput{{Data: jpegBlob(128), OriginalName: "bl.jpg"}})
	require.NoError(t, err)
	return id
}

func TestAddPendingNote(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	id, err := s.AddPendingNote(ctx, NewPendingNote{EstablishmentID: 7, SupplierID: 3, SupplierName: "Metro"})
	require.NoError(t, err)

	note, err := s.GetPendingNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, note.Status)
	assert.Zero(t, note.RetryCount)
	assert.Equal(t, int64(7), note.EstablishmentID)
	assert.Equal(t, int64(3), note.SupplierID)
	assert.Equal(t, "Metro", note.SupplierName)
	assert.Empty(t, note.EstablishmentName)
	assert.True(t, note.CreatedAt.Equal(clock.Now()))
	assert.True(t, note.UpdatedAt.Equal(clock.Now()))
}

func TestGetPendingNote_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPendingNote(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddPendingPhoto_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	noteID, err := s.AddPendingNote(ctx, NewPendingNote{EstablishmentID: 1, SupplierID: 1})
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
		mime    string
	}{
		{name: "jpeg", data: jpegBlob(2 << 20), mime: "image/jpeg"},
		{name: "png", data: pngBlob(), mime: "image/png"},
		{name: "webp", data: webpBlob(), mime: "image/webp"},
		{name: "exactly 5 MiB", data: jpegBlob(MaxPhotoSize), mime: "image/jpeg"},
		{name: "oversized", data: jpegBlob(MaxPhotoSize + 1), wantErr: true},
		{name: "gif", data: []byte("GIF89a\x01\x00\x01\x00"), wantErr: true},
		{name: "pdf", data: []byte("%PDF-1.7\n"), wantErr: true},
		{name: "empty", data: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.AddPendingPhoto(ctx, noteID, tt.data, tt.name)
			if tt.wantErr {
				var verr *ValidationError
				assert.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
				return
			}
			require.NoError(t, err)
			photos, err := s.GetPendingPhotos(ctx, noteID)
			require.NoError(t, err)
			last := photos[len(photos)-1]
			assert.Equal(t, id, last.ID)
			assert.Equal(t, tt.mime, last.MimeType)
			assert.Equal(t, int64(len(tt.data)), last.Size)
		})
	}
}

func TestCaptureNote_RejectsWholeNoteOnInvalidPhoto(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CaptureNote(ctx, NewPendingNote{EstablishmentID: 1, SupplierID: 1}, []PhotoInput{
		{Data: jpegBlob(10), OriginalName: "ok.jpg"},
		{Data: jpegBlob(MaxPhotoSize + 1), OriginalName: "big.jpg"},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	notes, err := s.ListAllPendingNotes(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestCaptureNote_RequiresPhoto(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CaptureNote(context.Background(), NewPendingNote{EstablishmentID: 1}, nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGetPendingNotes_FiltersStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := addNoteWithPhoto(t, s, 1)
	failed := addNoteWithPhoto(t, s, 1)
	uploading := addNoteWithPhoto(t, s, 1)
	synced := addNoteWithPhoto(t, s, 1)
	require.NoError(t, s.UpdateNoteStatus(ctx, failed, StatusFailed))
	require.NoError(t, s.UpdateNoteStatus(ctx, uploading, StatusUploading))
	require.NoError(t, s.UpdateNoteStatus(ctx, synced, StatusSynced))

	notes, err := s.GetPendingNotes(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, n := range notes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []int64{pending, failed}, ids)

	count, err := s.CountPendingNotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	all, err := s.ListAllPendingNotes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestUpdateNoteStatus(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()
	id := addNoteWithPhoto(t, s, 1)

	clock.Advance(time.Minute)
	require.NoError(t, s.UpdateNoteStatus(ctx, id, StatusUploading))

	note, err := s.GetPendingNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, note.Status)
	assert.True(t, note.UpdatedAt.Equal(clock.Now()))
	assert.True(t, note.UpdatedAt.After(note.CreatedAt))

	assert.ErrorIs(t, s.UpdateNoteStatus(ctx, 999, StatusFailed), ErrNotFound)

	var verr *ValidationError
	assert.ErrorAs(t, s.UpdateNoteStatus(ctx, id, NoteStatus("LOST")), &verr)
}

func TestDeletePendingNote_CascadesPhotos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addNoteWithPhoto(t, s, 1)
	_, err := s.AddPendingPhoto(ctx, id, pngBlob(), "second.png")
	require.NoError(t, err)

	require.NoError(t, s.DeletePendingNote(ctx, id))

	_, err = s.GetPendingNote(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM pending_photos WHERE note_id = ?`, id).Scan(&orphans))
	assert.Zero(t, orphans)

	assert.ErrorIs(t, s.DeletePendingNote(ctx, id), ErrNotFound)
}

func TestDeletePendingPhoto(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addNoteWithPhoto(t, s, 1)

	photos, err := s.GetPendingPhotos(ctx, id)
	require.NoError(t, err)
	require.Len(t, photos, 1)

	require.NoError(t, s.DeletePendingPhoto(ctx, photos[0].ID))
	photos, err = s.GetPendingPhotos(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, photos)

	assert.ErrorIs(t, s.DeletePendingPhoto(ctx, 12345), ErrNotFound)
}

func TestCleanupSyncedNotes(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	old := addNoteWithPhoto(t, s, 1)
	require.NoError(t, s.UpdateNoteStatus(ctx, old, StatusSynced))
	oldFailed := addNoteWithPhoto(t, s, 1)
	require.NoError(t, s.UpdateNoteStatus(ctx, oldFailed, StatusFailed))

	clock.Advance(23 * time.Hour)
	recent := addNoteWithPhoto(t, s, 1)
	require.NoError(t, s.UpdateNoteStatus(ctx, recent, StatusSynced))

	clock.Advance(2 * time.Hour)
	removed, err := s.CleanupSyncedNotes(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetPendingNote(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPendingNote(ctx, recent)
	assert.NoError(t, err)
	_, err = s.GetPendingNote(ctx, oldFailed)
	assert.NoError(t, err, "failed notes are never cleaned up")

	photos, err := s.GetPendingPhotos(ctx, old)
	require.NoError(t, err)
	assert.Empty(t, photos)
}

func TestIncrementRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addNoteWithPhoto(t, s, 1)

	n, err := s.IncrementRetryCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementRetryCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementRetryCount(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementRetryCount_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addNoteWithPhoto(t, s, 1)

	const workers = 20
	var wg sync.WaitGroup
	seen := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.IncrementRetryCount(ctx, id)
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	// Every caller observes a distinct post-increment value: no lost updates
	values := map[int]bool{}
	for n := range seen {
		assert.False(t, values[n], "duplicate retry count %d", n)
		values[n] = true
	}

	note, err := s.GetPendingNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workers, note.RetryCount)
}

func TestGetNotesReadyToSync(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	first := addNoteWithPhoto(t, s, 1)
	clock.Advance(time.Second)
	exhausted := addNoteWithPhoto(t, s, 1)
	clock.Advance(time.Second)
	failed := addNoteWithPhoto(t, s, 2)
	clock.Advance(time.Second)
	synced := addNoteWithPhoto(t, s, 2)
	clock.Advance(time.Second)
	uploading := addNoteWithPhoto(t, s, 2)

	for i := 0; i < MaxRetries; i++ {
		_, err := s.IncrementRetryCount(ctx, exhausted)
		require.NoError(t, err)
	}
	require.NoError(t, s.UpdateNoteStatus(ctx, exhausted, StatusFailed))
	_, err := s.IncrementRetryCount(ctx, failed)
	require.NoError(t, err)
	require.NoError(t, s.UpdateNoteStatus(ctx, failed, StatusFailed))
	require.NoError(t, s.UpdateNoteStatus(ctx, synced, StatusSynced))
	require.NoError(t, s.UpdateNoteStatus(ctx, uploading, StatusUploading))

	notes, err := s.GetNotesReadyToSync(ctx, MaxRetries)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, first, notes[0].ID)
	assert.Equal(t, failed, notes[1].ID)
	for _, n := range notes {
		require.Len(t, n.Photos, 1)
		assert.Equal(t, "bl.jpg", n.Photos[0].OriginalName)
	}
}

func TestResetNoteForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addNoteWithPhoto(t, s, 1)
	for i := 0; i < MaxRetries; i++ {
		_, err := s.IncrementRetryCount(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, s.UpdateNoteStatus(ctx, id, StatusFailed))

	require.NoError(t, s.ResetNoteForRetry(ctx, id))
	note, err := s.GetPendingNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, note.Status)
	assert.Zero(t, note.RetryCount)

	require.NoError(t, s.UpdateNoteStatus(ctx, id, StatusSynced))
	assert.ErrorIs(t, s.ResetNoteForRetry(ctx, id), ErrNotFound, "synced notes stay terminal")
}

func TestResetNoteForRetry_LeavesUploadInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addNoteWithPhoto(t, s, 1)
	_, err := s.IncrementRetryCount(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.UpdateNoteStatus(ctx, id, StatusUploading))

	assert.ErrorIs(t, s.ResetNoteForRetry(ctx, id), ErrNotFound)

	note, err := s.GetPendingNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, note.Status)
	assert.Equal(t, 1, note.RetryCount)
}

func TestResetInterruptedUploads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := addNoteWithPhoto(t, s, 1)
	b := addNoteWithPhoto(t, s, 1)
	require.NoError(t, s.UpdateNoteStatus(ctx, a, StatusUploading))
	require.NoError(t, s.UpdateNoteStatus(ctx, b, StatusSynced))

	n, err := s.ResetInterruptedUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	note, err := s.GetPendingNote(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, note.Status)
}
