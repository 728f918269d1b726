// ABOUTME: Host adapter wiring the store, prober, token source and both managers together
// ABOUTME: Translates host signals into sync/refresh work and runs the periodic daemon jobs

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/2389/delivery-sync/internal/api"
	"github.com/2389/delivery-sync/internal/auth"
	"github.com/2389/delivery-sync/internal/config"
	"github.com/2389/delivery-sync/internal/notecache"
	"github.com/2389/delivery-sync/internal/notify"
	"github.com/2389/delivery-sync/internal/probe"
	"github.com/2389/delivery-sync/internal/store"
	"github.com/2389/delivery-sync/internal/syncer"
)

// quotaCheckInterval is how often the daemon checks storage usage
const quotaCheckInterval = 15 * time.Minute

// QuotaReporter estimates storage usage
type QuotaReporter interface {
	CheckStorageQuota(ctx context.Context) (*store.QuotaEstimate, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithLinkSignal overrides the OS link signal used by the prober and watcher
func WithLinkSignal(signal probe.LinkSignal) Option {
	return func(e *Engine) { e.signal = signal }
}

// WithQuotaReporter overrides where storage usage is read from
func WithQuotaReporter(q QuotaReporter) Option {
	return func(e *Engine) { e.quota = q }
}

// WithHTTPClient sets the HTTP client used for every backend call
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithScheduler sets the retry scheduler of the sync manager
func WithScheduler(s syncer.Scheduler) Option {
	return func(e *Engine) { e.retries = s }
}

// Engine is the offline-first delivery-note engine as seen by its host
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *store.SQLiteStore
	prober *probe.Prober
	tokens *auth.TokenSource
	events *notify.Broadcaster
	sync   *syncer.Manager
	cache  *notecache.Manager

	signal     probe.LinkSignal
	quota      QuotaReporter
	httpClient *http.Client
	retries    syncer.Scheduler

	// kick asks a running daemon for a sync pass
	kick chan struct{}
}

// New opens the store and wires every component from cfg
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
		signal: probe.InterfaceSignal,
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	st, err := store.Open(cfg.Database.Path,
		store.WithDriver(cfg.Database.Driver),
		store.WithQuota(cfg.Database.QuotaBytes),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	e.store = st
	if e.quota == nil {
		e.quota = st
	}

	var session *http.Cookie
	if c := cfg.Server.SessionCookie; c.Name != "" {
		session = &http.Cookie{Name: c.Name, Value: c.Value}
	}
	tokens, err := auth.NewTokenSource(auth.TokenConfig{
		BaseURL: cfg.Server.BaseURL,
		Session: session,
		Client:  e.httpClient,
		Logger:  logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating token source: %w", err)
	}
	e.tokens = tokens

	e.prober = probe.New(probe.Config{
		BaseURL:   cfg.Server.BaseURL,
		ProbePath: cfg.Server.ProbePath,
		Timeout:   cfg.Probe.Timeout,
		CacheTTL:  cfg.Probe.CacheTTL,
		Signal:    e.signal,
		Client:    e.httpClient,
		Logger:    logger,
	})

	e.events = notify.NewBroadcaster(logger)
	client := api.NewClient(cfg.Server.BaseURL, e.httpClient, logger)

	e.sync = syncer.NewManager(st, client, tokens, e.prober, e.events, syncer.Config{
		MaxRetries:   cfg.Sync.MaxRetries,
		Backoff:      cfg.Sync.Backoff,
		CleanupAfter: cfg.Sync.CleanupAfter,
		Scheduler:    e.retries,
		Logger:       logger,
	})
	e.cache = notecache.NewManager(st, client, tokens, e.prober, e.events, notecache.Config{
		Cooldown:      cfg.Cache.Cooldown,
		PageSize:      cfg.Cache.PageSize,
		PrefetchCount: cfg.Cache.PrefetchCount,
		MaxImages:     cfg.Cache.MaxImages,
		Logger:        logger,
	})

	return e, nil
}

// Store returns the local store
func (e *Engine) Store() *store.SQLiteStore { return e.store }

// Sync returns the upload sync manager
func (e *Engine) Sync() *syncer.Manager { return e.sync }

// Cache returns the delivery-note cache manager
func (e *Engine) Cache() *notecache.Manager { return e.cache }

// Events returns the notification broadcaster
func (e *Engine) Events() *notify.Broadcaster { return e.events }

// Prober returns the reachability prober
func (e *Engine) Prober() *probe.Prober { return e.prober }

// Capture enqueues a delivery note with its photos. This is the critical
// write path: validation and storage errors are returned to the caller.
func (e *Engine) Capture(ctx context.Context, note store.NewPendingNote, photos []store.PhotoInput) (int64, error) {
	id, err := e.store.CaptureNote(ctx, note, photos)
	if err != nil {
		return 0, err
	}
	e.events.Publish(notify.SyncStatusChanged, id)
	e.logger.Info("delivery note captured", "note_id", id, "establishment_id", note.EstablishmentID, "photos", len(photos))

	select {
	case e.kick <- struct{}{}:
	default:
	}
	return id, nil
}

// OnOnline handles the link coming up: the probe cache is dropped, then the
// queue is drained and the note cache refreshed.
func (e *Engine) OnOnline(ctx context.Context) {
	e.prober.Invalidate()
	e.logger.Info("link up")
	e.syncAndRefresh(ctx)
}

// OnOffline handles the link going down
func (e *Engine) OnOffline() {
	e.prober.Invalidate()
	e.logger.Info("link down")
}

// OnVisible handles the app returning to the foreground
func (e *Engine) OnVisible(ctx context.Context) {
	e.prober.Invalidate()
	if e.prober.IsOnline(ctx) {
		e.syncAndRefresh(ctx)
	}
}

func (e *Engine) syncAndRefresh(ctx context.Context) {
	if err := e.sync.SyncAll(ctx); err != nil {
		e.logger.Warn("sync failed", "error", err)
	}
	if err := e.cache.Refresh(ctx, notecache.RefreshOptions{}); err != nil {
		e.logger.Warn("refresh failed", "error", err)
	}
}

// CheckQuota reads storage usage and publishes storage-quota-critical when it
// is above the warning threshold. Returns nil when usage cannot be estimated.
func (e *Engine) CheckQuota(ctx context.Context) (*store.QuotaEstimate, error) {
	q, err := e.quota.CheckStorageQuota(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking storage quota: %w", err)
	}
	if q != nil && q.Warning {
		e.logger.Warn("storage almost full", "used", q.Used, "quota", q.Quota, "percent", q.PercentUsed)
		e.events.Publish(notify.StorageQuotaCritical, 0)
	}
	return q, nil
}

// Cleanup removes synced notes older than the configured retention
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	n, err := e.store.CleanupSyncedNotes(ctx, e.cfg.Sync.CleanupAfter)
	if err != nil {
		return 0, fmt.Errorf("cleaning up synced notes: %w", err)
	}
	return n, nil
}

// RequeueInterrupted puts notes left UPLOADING by a process that died
// mid-upload back to PENDING. Call it before the first sync of a process.
func (e *Engine) RequeueInterrupted(ctx context.Context) (int, error) {
	requeued, err := e.store.ResetInterruptedUploads(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeueing interrupted uploads: %w", err)
	}
	if requeued > 0 {
		e.logger.Info("requeued interrupted uploads", "count", requeued)
	}
	return requeued, nil
}

// Run is the daemon loop: interrupted uploads are requeued, then periodic
// sync, refresh and quota jobs run alongside the link watcher until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.RequeueInterrupted(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("creating scheduler: %w", err)
		}

		jobs := []struct {
			name  string
			every time.Duration
			run   func()
		}{
			{"sync", e.cfg.Sync.Interval, func() {
				if err := e.sync.SyncAll(ctx); err != nil {
					e.logger.Warn("periodic sync failed", "error", err)
				}
			}},
			{"refresh", e.cfg.Cache.RefreshInterval, func() {
				if err := e.cache.Refresh(ctx, notecache.RefreshOptions{}); err != nil {
					e.logger.Warn("periodic refresh failed", "error", err)
				}
			}},
			{"quota", quotaCheckInterval, func() {
				if _, err := e.CheckQuota(ctx); err != nil {
					e.logger.Warn("periodic quota check failed", "error", err)
				}
			}},
		}
		for _, j := range jobs {
			_, err := scheduler.NewJob(
				gocron.DurationJob(j.every),
				gocron.NewTask(j.run),
				gocron.WithName(j.name),
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			)
			if err != nil {
				return fmt.Errorf("scheduling %s job: %w", j.name, err)
			}
		}

		scheduler.Start()
		e.logger.Info("scheduler started",
			"sync_every", e.cfg.Sync.Interval, "refresh_every", e.cfg.Cache.RefreshInterval)

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	g.Go(func() error {
		probe.Watch(ctx, e.signal, e.cfg.Probe.LinkPoll, func(online bool) {
			if online {
				e.OnOnline(ctx)
			} else {
				e.OnOffline()
			}
		})
		return nil
	})

	g.Go(func() error {
		e.OnVisible(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-e.kick:
				if err := e.sync.SyncAll(ctx); err != nil {
					e.logger.Warn("sync after capture failed", "error", err)
				}
			}
		}
	})

	err := g.Wait()
	e.sync.Close()
	e.cache.Close()
	e.logger.Info("engine stopped")
	return err
}

// Close releases the store and stops background work
func (e *Engine) Close() error {
	e.sync.Close()
	e.cache.Close()
	e.events.Close()
	return e.store.Close()
}
