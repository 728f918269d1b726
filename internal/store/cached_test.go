// ABOUTME: Tests for the delivery-note mirror, the reference data cache and image eviction
// ABOUTME: Covers upsert idempotence, ordering/filtering, read-time expiry and LRU bounds

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachedNote(id, estID int64, validatedAt *time.Time) *CachedNote {
	return &CachedNote{
		ID:              id,
		EstablishmentID: estID,
		Status:          "VALIDE",
		ValidatedAt:     validatedAt,
		HasImage:        true,
		Payload:         json.RawMessage(fmt.Sprintf(`{"id":%d,"fournisseur":"Metro"}`, id)),
	}
}

func at(hour int) *time.Time {
	t := time.Date(2024, 2, 1, hour, 0, 0, 0, time.UTC)
	return &t
}

func TestUpsertCachedNotes_Idempotent(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCachedNotes(ctx, []*CachedNote{cachedNote(10, 7, at(9))}))
	first, err := s.GetCachedNote(ctx, 10)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	updated := cachedNote(10, 7, at(9))
	updated.Status = "ARCHIVE"
	require.NoError(t, s.UpsertCachedNotes(ctx, []*CachedNote{updated}))

	count, err := s.CountCachedNotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	second, err := s.GetCachedNote(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVE", second.Status)
	assert.True(t, second.CachedAt.After(first.CachedAt))
	assert.JSONEq(t, `{"id":10,"fournisseur":"Metro"}`, string(second.Payload))
	assert.True(t, second.HasImage)
}

func TestGetCachedNotes_SortedAndFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCachedNotes(ctx, []*CachedNote{
		cachedNote(1, 7, at(8)),
		cachedNote(2, 8, at(12)),
		cachedNote(3, 7, at(15)),
		cachedNote(4, 7, nil),
		cachedNote(5, 7, at(10)),
	}))

	all, err := s.GetCachedNotes(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 5, 1, 4}, ids(all))

	est7, err := s.GetCachedNotes(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 1, 4}, ids(est7))

	none, err := s.GetCachedNotes(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ids(notes []*CachedNote) []int64 {
	out := make([]int64, len(notes))
	for i, n := range notes {
		out[i] = n.ID
	}
	return out
}

func TestGetCachedNote_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCachedNote(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReferenceData_ReadTimeExpiry(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheReferenceData(ctx, "etablissements", []byte(`[{"id":7}]`)))

	got, err := s.GetCachedReferenceData(ctx, "etablissements", time.Hour)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":7}]`, string(got))

	clock.Advance(61 * time.Minute)
	_, err = s.GetCachedReferenceData(ctx, "etablissements", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.GetCachedReferenceData(ctx, "etablissements", 0)
	require.NoError(t, err, "zero max age never expires")
	assert.NotEmpty(t, got)

	require.NoError(t, s.CacheReferenceData(ctx, "etablissements", []byte(`[]`)))
	got, err = s.GetCachedReferenceData(ctx, "etablissements", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(got))

	_, err = s.GetCachedReferenceData(ctx, "missing", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLastNoteSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LastNoteSync(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	when := time.Date(2024, 3, 1, 10, 30, 0, 123, time.UTC)
	require.NoError(t, s.SetLastNoteSync(ctx, when))
	got, err := s.LastNoteSync(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(when))
}

func TestCachedNoteImage_GetBumpsAccess(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheNoteImage(ctx, 1, []byte("img-1")))
	clock.Advance(time.Second)

	data, err := s.GetCachedNoteImage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("img-1"), data)

	var accessed string
	require.NoError(t, s.db.QueryRow(`SELECT last_accessed_at FROM cached_note_images WHERE note_id = 1`).Scan(&accessed))
	assert.Equal(t, formatTime(clock.Now()), accessed)

	_, err = s.GetCachedNoteImage(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.HasCachedNoteImage(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasCachedNoteImage(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheNoteImage_ReplacesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheNoteImage(ctx, 1, []byte("v1")))
	require.NoError(t, s.CacheNoteImage(ctx, 1, []byte("v2")))

	n, err := s.CountCachedNoteImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := s.GetCachedNoteImage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestEvictOldNoteImages(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	for i := int64(1); i <= DefaultMaxImages; i++ {
		require.NoError(t, s.CacheNoteImage(ctx, i, []byte(fmt.Sprintf("img-%d", i))))
		clock.Advance(time.Second)
	}

	// Touch the oldest image so it is no longer the eviction target
	_, err := s.GetCachedNoteImage(ctx, 1)
	require.NoError(t, err)
	clock.Advance(time.Second)

	require.NoError(t, s.CacheNoteImage(ctx, 51, []byte("img-51")))

	evicted, err := s.EvictOldNoteImages(ctx, DefaultMaxImages)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	n, err := s.CountCachedNoteImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxImages, n)

	ok, err := s.HasCachedNoteImage(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok, "recently accessed image must survive")

	ok, err = s.HasCachedNoteImage(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok, "least recently accessed image is evicted")

	evicted, err = s.EvictOldNoteImages(ctx, DefaultMaxImages)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestClearCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCachedNotes(ctx, []*CachedNote{cachedNote(1, 7, at(8))}))
	require.NoError(t, s.CacheNoteImage(ctx, 1, []byte("img")))
	require.NoError(t, s.SetLastNoteSync(ctx, time.Now()))
	require.NoError(t, s.CacheReferenceData(ctx, "fournisseurs", []byte(`[]`)))
	pendingID := addNoteWithPhoto(t, s, 7)

	require.NoError(t, s.ClearCache(ctx))

	n, err := s.CountCachedNotes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.CountCachedNoteImages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.LastNoteSync(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetCachedReferenceData(ctx, "fournisseurs", 0)
	assert.NoError(t, err, "other reference data survives")
	_, err = s.GetPendingNote(ctx, pendingID)
	assert.NoError(t, err, "upload queue survives")
}
