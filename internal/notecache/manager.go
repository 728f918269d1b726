// ABOUTME: Delivery-note cache manager mirroring server-validated notes for offline consultation
// ABOUTME: Rate-limited incremental refresh, background image prefetch, read-through images and eviction

package notecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/delivery-sync/internal/api"
	"github.com/2389/delivery-sync/internal/auth"
	"github.com/2389/delivery-sync/internal/dedupe"
	"github.com/2389/delivery-sync/internal/notify"
	"github.com/2389/delivery-sync/internal/store"
)

// Defaults
const (
	DefaultCooldown       = 5 * time.Minute
	DefaultPageSize       = 200
	DefaultPrefetchCount  = 10
	DefaultPrefetchWindow = time.Minute
)

// Backend lists validated notes and serves their images
type Backend interface {
	ListDeliveryNotes(ctx context.Context, token string, params api.ListParams) ([]api.DeliveryNote, error)
	FetchImage(ctx context.Context, token string, id int64) ([]byte, error)
}

// TokenSource provides bearer tokens
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Prober reports server reachability
type Prober interface {
	IsOnline(ctx context.Context) bool
}

// Config tunes a Manager. Zero values take the defaults.
type Config struct {
	Cooldown      time.Duration
	PageSize      int
	PrefetchCount int
	MaxImages     int
	// PrefetchWindow suppresses repeated prefetch attempts of one image
	PrefetchWindow time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// RefreshOptions controls a Refresh
type RefreshOptions struct {
	// Force ignores the cooldown and requests a full listing
	Force           bool
	EstablishmentID int64
}

// Manager keeps the local mirror of validated delivery notes fresh
type Manager struct {
	store   store.CacheStore
	backend Backend
	tokens  TokenSource
	prober  Prober
	events  notify.Publisher
	logger  *slog.Logger
	now     func() time.Time

	cooldown      time.Duration
	pageSize      int
	prefetchCount int
	maxImages     int

	refreshing atomic.Bool
	attempted  *dedupe.Cache[int64]
	prefetches sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a cache manager
func NewManager(st store.CacheStore, backend Backend, tokens TokenSource, prober Prober, events notify.Publisher, cfg Config) *Manager {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PrefetchCount < 0 {
		cfg.PrefetchCount = 0
	} else if cfg.PrefetchCount == 0 {
		cfg.PrefetchCount = DefaultPrefetchCount
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = store.DefaultMaxImages
	}
	if cfg.PrefetchWindow <= 0 {
		cfg.PrefetchWindow = DefaultPrefetchWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if events == nil {
		events = notify.Discard{}
	}

	attempted := dedupe.New[int64](cfg.PrefetchWindow, 4*cfg.MaxImages)
	attempted.SetClock(cfg.Now)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         st,
		backend:       backend,
		tokens:        tokens,
		prober:        prober,
		events:        events,
		logger:        cfg.Logger.With("component", "notecache"),
		now:           cfg.Now,
		cooldown:      cfg.Cooldown,
		pageSize:      cfg.PageSize,
		prefetchCount: cfg.PrefetchCount,
		maxImages:     cfg.MaxImages,
		attempted:     attempted,
		baseCtx:       ctx,
		cancel:        cancel,
	}
}

// Refreshing reports whether a refresh is running
func (m *Manager) Refreshing() bool {
	return m.refreshing.Load()
}

// Refresh pulls validated notes from the server into the cache. It is a no-op
// while offline, while another refresh runs, or (unless forced) within the
// cooldown of the last successful refresh. Failures are logged and swallowed
// so the cache keeps serving its last snapshot; only auth.ErrSessionLost is
// returned.
func (m *Manager) Refresh(ctx context.Context, opts RefreshOptions) error {
	if !m.refreshing.CompareAndSwap(false, true) {
		m.logger.Debug("refresh already running")
		return nil
	}
	defer m.refreshing.Store(false)

	if !m.prober.IsOnline(ctx) {
		m.logger.Debug("offline, serving cached notes")
		return nil
	}

	last, err := m.store.LastNoteSync(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("reading last refresh time", "error", err)
	}
	if !opts.Force && !last.IsZero() && m.now().Sub(last) < m.cooldown {
		m.logger.Debug("refresh skipped, within cooldown", "last", last)
		return nil
	}

	started := m.now()
	params := api.ListParams{EstablishmentID: opts.EstablishmentID, Limit: m.pageSize}
	if !opts.Force && !last.IsZero() {
		params.Since = last
	}

	token, err := m.tokens.Token(ctx)
	if errors.Is(err, auth.ErrSessionLost) {
		m.events.Publish(notify.SessionLost, 0)
		return err
	}
	if err != nil {
		m.logger.Warn("refresh: acquiring token", "error", err)
		return nil
	}

	notes, err := m.backend.ListDeliveryNotes(ctx, token, params)
	if err != nil {
		var rej *api.ServerRejection
		if errors.As(err, &rej) && rej.Unauthorized() {
			m.tokens.Invalidate()
		}
		m.logger.Warn("refresh: listing delivery notes", "error", err)
		return nil
	}

	if len(notes) > 0 {
		if err := m.store.UpsertCachedNotes(ctx, toCached(notes)); err != nil {
			m.logger.Error("refresh: caching delivery notes", "count", len(notes), "error", err)
			return nil
		}
		m.startPrefetch(token, mostRecent(notes, m.prefetchCount))
	}

	if err := m.store.SetLastNoteSync(ctx, started); err != nil {
		m.logger.Warn("refresh: recording refresh time", "error", err)
	}
	m.events.Publish(notify.CacheUpdated, 0)
	m.logger.Info("delivery notes refreshed", "count", len(notes), "incremental", !params.Since.IsZero())
	return nil
}

func toCached(notes []api.DeliveryNote) []*store.CachedNote {
	out := make([]*store.CachedNote, 0, len(notes))
	for _, n := range notes {
		out = append(out, &store.CachedNote{
			ID:              n.ID,
			EstablishmentID: n.EstablishmentID,
			Status:          n.Status,
			ValidatedAt:     n.ValidatedAt,
			HasImage:        n.HasImage,
			Payload:         n.Raw,
		})
	}
	return out
}

// mostRecent returns up to n notes ordered by validation time, newest first.
// Notes without a validation time sort last.
func mostRecent(notes []api.DeliveryNote, n int) []api.DeliveryNote {
	sorted := append([]api.DeliveryNote(nil), notes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].ValidatedAt, sorted[j].ValidatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func (m *Manager) startPrefetch(token string, notes []api.DeliveryNote) {
	if len(notes) == 0 {
		return
	}
	m.prefetches.Add(1)
	go func() {
		defer m.prefetches.Done()
		m.prefetch(m.baseCtx, token, notes)
	}()
}

// prefetch caches the images of notes that have one. Individual failures are
// logged and skipped. Eviction runs once after the batch.
func (m *Manager) prefetch(ctx context.Context, token string, notes []api.DeliveryNote) {
	var fetched int
	for _, n := range notes {
		if ctx.Err() != nil {
			return
		}
		if !n.HasImage {
			continue
		}
		has, err := m.store.HasCachedNoteImage(ctx, n.ID)
		if err != nil {
			m.logger.Warn("prefetch: checking image cache", "note_id", n.ID, "error", err)
			continue
		}
		if has || m.attempted.CheckAndMark(n.ID) {
			continue
		}

		data, err := m.backend.FetchImage(ctx, token, n.ID)
		if err != nil {
			m.logger.Debug("prefetch: fetching image", "note_id", n.ID, "error", err)
			continue
		}
		if err := m.store.CacheNoteImage(ctx, n.ID, data); err != nil {
			m.logger.Warn("prefetch: storing image", "note_id", n.ID, "error", err)
			continue
		}
		fetched++
	}

	m.evict(ctx)
	if fetched > 0 {
		m.logger.Debug("prefetched images", "count", fetched)
	}
}

func (m *Manager) evict(ctx context.Context) {
	evicted, err := m.store.EvictOldNoteImages(ctx, m.maxImages)
	if err != nil {
		m.logger.Warn("evicting cached images", "error", err)
		return
	}
	if evicted > 0 {
		m.logger.Debug("evicted cached images", "count", evicted)
	}
}

// GetList refreshes when allowed (best effort) and returns the cached notes,
// newest validation first. establishmentID 0 returns every establishment.
func (m *Manager) GetList(ctx context.Context, establishmentID int64) ([]*store.CachedNote, error) {
	if err := m.Refresh(ctx, RefreshOptions{EstablishmentID: establishmentID}); err != nil {
		m.logger.Debug("list: refresh failed, serving cache", "error", err)
	}
	notes, err := m.store.GetCachedNotes(ctx, establishmentID)
	if err != nil {
		return nil, fmt.Errorf("reading cached notes: %w", err)
	}
	return notes, nil
}

// GetDetail reads one cached note without touching the network.
// Returns store.ErrNotFound when the note is not cached.
func (m *Manager) GetDetail(ctx context.Context, id int64) (*store.CachedNote, error) {
	return m.store.GetCachedNote(ctx, id)
}

// GetImage returns the image of a validated note, from the cache when present
// and otherwise from the server when reachable. A missing image is (nil, nil).
func (m *Manager) GetImage(ctx context.Context, id int64) ([]byte, error) {
	data, err := m.store.GetCachedNoteImage(ctx, id)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reading cached image %d: %w", id, err)
	}

	if !m.prober.IsOnline(ctx) {
		return nil, nil
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrSessionLost) {
			m.events.Publish(notify.SessionLost, 0)
		}
		m.logger.Debug("image: acquiring token", "note_id", id, "error", err)
		return nil, nil
	}

	data, err = m.backend.FetchImage(ctx, token, id)
	if err != nil {
		var rej *api.ServerRejection
		if errors.As(err, &rej) && rej.Unauthorized() {
			m.tokens.Invalidate()
		}
		m.logger.Debug("image: fetching", "note_id", id, "error", err)
		return nil, nil
	}

	if err := m.store.CacheNoteImage(ctx, id, data); err != nil {
		m.logger.Warn("image: storing", "note_id", id, "error", err)
		return data, nil
	}
	m.evict(ctx)
	return data, nil
}

// Clear drops every cached note, image and the refresh cursor
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.ClearCache(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	m.events.Publish(notify.CacheUpdated, 0)
	return nil
}

// Wait blocks until in-flight image prefetches finish
func (m *Manager) Wait() {
	m.prefetches.Wait()
}

// Close stops in-flight prefetches and waits for them
func (m *Manager) Close() {
	m.cancel()
	m.prefetches.Wait()
}
