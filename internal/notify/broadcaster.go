// ABOUTME: In-memory fan-out broadcaster for engine -> UI notifications
// ABOUTME: Publishes sync/cache/session/quota events to every interested subscriber

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Kind identifies what changed. Notifications carry no payload guarantees beyond
// "something changed, re-read the store".
type Kind string

// Notification kinds
const (
	SyncStatusChanged    Kind = "sync-status-changed"
	CacheUpdated         Kind = "cache-updated"
	SessionLost          Kind = "session-lost"
	StorageQuotaCritical Kind = "storage-quota-critical"
)

// Event is one notification
type Event struct {
	Kind   Kind
	NoteID int64 // optional, zero when the event concerns no single note
	At     time.Time
}

// Publisher is the narrow interface the managers depend on
type Publisher interface {
	Publish(kind Kind, noteID int64)
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool // nil means every kind
}

// Broadcaster provides in-memory pub/sub for notifications.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	logger      *slog.Logger
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the given kinds (all kinds when none are given).
// Returns the event channel and a subscription ID. The subscription is removed and
// its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "kinds", kinds)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish sends an event to every matching subscriber.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(kind Kind, noteID int64) {
	event := Event{Kind: kind, NoteID: noteID, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if sub.kinds != nil && !sub.kinds[kind] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "kind", kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes all subscriber channels; later Subscribe calls get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true
	b.logger.Debug("broadcaster closed")
}

// Discard is a Publisher that drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(Kind, int64) {}
