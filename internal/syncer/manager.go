// ABOUTME: Upload synchronization manager draining the pending-note queue to the server
// ABOUTME: Sequential batches, bounded retries with a fixed backoff schedule and single-flight runs

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/delivery-sync/internal/api"
	"github.com/2389/delivery-sync/internal/auth"
	"github.com/2389/delivery-sync/internal/notify"
	"github.com/2389/delivery-sync/internal/store"
)

// ErrNoPhotos marks a note that has lost all of its photos. It is failed
// without scheduling a retry.
var ErrNoPhotos = errors.New("note has no photos")

// DefaultBackoff is the delay before each automatic retry, indexed by the
// retry count before the failure that triggered it.
var DefaultBackoff = []time.Duration{2 * time.Second, 8 * time.Second, 32 * time.Second}

// DefaultCleanupAfter is how long SYNCED notes are kept
const DefaultCleanupAfter = 24 * time.Hour

// Uploader sends one photo to the server
type Uploader interface {
	UploadPhoto(ctx context.Context, token string, establishmentID int64, photo api.Photo) error
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
	MaxRetries   int
	Backoff      []time.Duration
	CleanupAfter time.Duration
	Scheduler    Scheduler
	Logger       *slog.Logger
}

// Manager drains pending notes to the server one at a time
type Manager struct {
	store    store.PendingStore
	uploader Uploader
	tokens   TokenSource
	prober   Prober
	events   notify.Publisher
	sched    Scheduler
	logger   *slog.Logger

	maxRetries   int
	backoff      []time.Duration
	cleanupAfter time.Duration

	syncing atomic.Bool

	mu     sync.Mutex
	active map[int64]struct{}

	// base context for scheduled retries, cancelled by Close
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a sync manager
func NewManager(st store.PendingStore, up Uploader, tokens TokenSource, prober Prober, events notify.Publisher, cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = store.MaxRetries
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.CleanupAfter <= 0 {
		cfg.CleanupAfter = DefaultCleanupAfter
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewTimerScheduler()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if events == nil {
		events = notify.Discard{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:        st,
		uploader:     up,
		tokens:       tokens,
		prober:       prober,
		events:       events,
		sched:        cfg.Scheduler,
		logger:       cfg.Logger.With("component", "syncer"),
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		cleanupAfter: cfg.CleanupAfter,
		active:       make(map[int64]struct{}),
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Syncing reports whether a SyncAll batch is running
func (m *Manager) Syncing() bool {
	return m.syncing.Load()
}

// BackoffFor returns the delay before the automatic retry that follows a
// failure observed with retryCount prior failures. Past the end of the
// schedule the last delay is reused.
func (m *Manager) BackoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(m.backoff) {
		retryCount = len(m.backoff) - 1
	}
	return m.backoff[retryCount]
}

// claim marks a note as being worked on by this process
func (m *Manager) claim(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[id]; busy {
		return false
	}
	m.active[id] = struct{}{}
	return true
}

func (m *Manager) release(id int64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// SyncOne uploads every photo of one note. It returns true when the note
// reached SYNCED. A note that is missing, already SYNCED or UPLOADING, or out
// of retries is left alone and SyncOne returns false with a nil error.
func (m *Manager) SyncOne(ctx context.Context, id int64) (bool, error) {
	if !m.claim(id) {
		return false, nil
	}
	defer m.release(id)

	note, err := m.store.GetPendingNote(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading note %d: %w", id, err)
	}
	if note.Status == store.StatusSynced || note.Status == store.StatusUploading {
		return false, nil
	}
	if note.RetryCount >= m.maxRetries {
		return false, nil
	}

	if err := m.setStatus(ctx, id, store.StatusUploading); err != nil {
		return false, err
	}

	// the note is UPLOADING: later status writes must land even if ctx is cancelled
	bookkeeping := context.WithoutCancel(ctx)

	photos, err := m.store.GetPendingPhotos(ctx, id)
	if ctx.Err() != nil {
		return false, m.abandon(ctx, id, ctx.Err())
	}
	if err != nil {
		return false, m.fail(ctx, id, err)
	}
	if len(photos) == 0 {
		m.logger.Error("note has no photos, failing without retry", "note_id", id)
		if err := m.setStatus(bookkeeping, id, store.StatusFailed); err != nil {
			return false, err
		}
		return false, fmt.Errorf("note %d: %w", id, ErrNoPhotos)
	}

	token, err := m.tokens.Token(ctx)
	if errors.Is(err, auth.ErrSessionLost) {
		return false, m.abandon(ctx, id, err)
	}
	if ctx.Err() != nil {
		return false, m.abandon(ctx, id, ctx.Err())
	}
	if err != nil {
		return false, m.fail(ctx, id, err)
	}

	for _, p := range photos {
		err := m.uploader.UploadPhoto(ctx, token, note.EstablishmentID, api.Photo{
			Data:     p.Data,
			Name:     p.OriginalName,
			MimeType: p.MimeType,
		})
		if err == nil {
			continue
		}
		var rej *api.ServerRejection
		if errors.As(err, &rej) && rej.Unauthorized() {
			m.tokens.Invalidate()
		}
		if ctx.Err() != nil {
			return false, m.abandon(ctx, id, ctx.Err())
		}
		return false, m.fail(ctx, id, fmt.Errorf("photo %d: %w", p.ID, err))
	}

	if err := m.setStatus(bookkeeping, id, store.StatusSynced); err != nil {
		return false, err
	}
	m.logger.Info("note synced", "note_id", id, "photos", len(photos))
	return true, nil
}

// fail records a failed attempt and schedules the next automatic retry while
// the budget allows. It returns the wrapped cause.
func (m *Manager) fail(ctx context.Context, id int64, cause error) error {
	ctx = context.WithoutCancel(ctx)
	count, err := m.store.IncrementRetryCount(ctx, id)
	if err != nil {
		if rerr := m.store.UpdateNoteStatus(ctx, id, store.StatusPending); rerr != nil {
			m.logger.Error("reverting note to pending", "note_id", id, "error", rerr)
		}
		return fmt.Errorf("recording failure of note %d: %w (after %v)", id, err, cause)
	}
	if err := m.setStatus(ctx, id, store.StatusFailed); err != nil {
		return err
	}

	if count < m.maxRetries {
		delay := m.BackoffFor(count - 1)
		m.sched.Schedule(id, delay, func() { m.retryLater(id) })
		m.logger.Warn("note sync failed, retry scheduled",
			"note_id", id, "retry_count", count, "delay", delay, "error", cause)
	} else {
		m.logger.Warn("note sync failed, retry budget exhausted",
			"note_id", id, "retry_count", count, "error", cause)
	}

	return fmt.Errorf("sync note %d: %w", id, cause)
}

// abandon puts a note back in the queue without counting an attempt
func (m *Manager) abandon(ctx context.Context, id int64, cause error) error {
	if err := m.store.UpdateNoteStatus(context.WithoutCancel(ctx), id, store.StatusPending); err != nil {
		m.logger.Error("reverting note to pending", "note_id", id, "error", err)
	}
	m.events.Publish(notify.SyncStatusChanged, id)
	if errors.Is(cause, auth.ErrSessionLost) {
		m.events.Publish(notify.SessionLost, 0)
	}
	return fmt.Errorf("sync note %d abandoned: %w", id, cause)
}

func (m *Manager) retryLater(id int64) {
	if m.baseCtx.Err() != nil {
		return
	}
	if !m.prober.IsOnline(m.baseCtx) {
		// the next SyncAll after reconnecting picks the note up
		m.logger.Debug("skipping scheduled retry while offline", "note_id", id)
		return
	}
	if _, err := m.SyncOne(m.baseCtx, id); err != nil {
		m.logger.Debug("scheduled retry failed", "note_id", id, "error", err)
	}
}

func (m *Manager) setStatus(ctx context.Context, id int64, status store.NoteStatus) error {
	if err := m.store.UpdateNoteStatus(ctx, id, status); err != nil {
		return fmt.Errorf("setting note %d to %s: %w", id, status, err)
	}
	m.events.Publish(notify.SyncStatusChanged, id)
	return nil
}

// SyncAll drains every note ready to sync, in queue order, while the server
// stays reachable. Overlapping calls return immediately. Only session loss and
// storage failures are returned; per-note failures are handled by the retry
// policy.
func (m *Manager) SyncAll(ctx context.Context) error {
	if !m.syncing.CompareAndSwap(false, true) {
		m.logger.Debug("sync already running")
		return nil
	}
	defer func() {
		m.syncing.Store(false)
		m.events.Publish(notify.SyncStatusChanged, 0)
	}()

	if !m.prober.IsOnline(ctx) {
		m.logger.Debug("offline, skipping sync")
		return nil
	}

	notes, err := m.store.GetNotesReadyToSync(ctx, m.maxRetries)
	if err != nil {
		return fmt.Errorf("loading notes to sync: %w", err)
	}
	if len(notes) == 0 {
		return nil
	}

	m.logger.Info("sync batch started", "notes", len(notes))

	var (
		synced  int
		stopErr error
	)
	for i, note := range notes {
		if ctx.Err() != nil || !m.prober.IsOnline(ctx) {
			m.logger.Info("went offline, stopping sync batch", "remaining", len(notes)-i)
			break
		}
		ok, err := m.SyncOne(ctx, note.ID)
		if ok {
			synced++
		}
		if errors.Is(err, auth.ErrSessionLost) {
			stopErr = err
			break
		}
	}

	removed, err := m.store.CleanupSyncedNotes(ctx, m.cleanupAfter)
	if err != nil {
		m.logger.Warn("cleaning up synced notes", "error", err)
	} else if removed > 0 {
		m.logger.Info("removed old synced notes", "count", removed)
	}

	m.logger.Info("sync batch finished", "synced", synced, "total", len(notes))
	return stopErr
}

// Retry is the user-triggered retry of a note: any scheduled retry is
// cancelled, the note's retry budget is reset, and an upload is attempted
// when the server is reachable.
func (m *Manager) Retry(ctx context.Context, id int64) (bool, error) {
	m.sched.Cancel(id)

	if err := m.store.ResetNoteForRetry(ctx, id); err != nil {
		return false, fmt.Errorf("resetting note %d: %w", id, err)
	}
	m.events.Publish(notify.SyncStatusChanged, id)

	if !m.prober.IsOnline(ctx) {
		return false, nil
	}
	return m.SyncOne(ctx, id)
}

// Delete removes a note and its photos, cancelling any scheduled retry
func (m *Manager) Delete(ctx context.Context, id int64) error {
	m.sched.Cancel(id)

	if err := m.store.DeletePendingNote(ctx, id); err != nil {
		return fmt.Errorf("deleting note %d: %w", id, err)
	}
	m.events.Publish(notify.SyncStatusChanged, id)
	return nil
}

// Close cancels scheduled retries
func (m *Manager) Close() {
	m.sched.Stop()
	m.cancel()
}
