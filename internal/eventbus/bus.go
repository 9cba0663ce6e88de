// Package eventbus is the in-process publish/subscribe hub for attendance sync events.
package eventbus

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/shiftsync/internal/domain"
)

// DefaultQueueSize bounds each subscriber queue when no size is configured.
const DefaultQueueSize = 256

// Errors returned by the bus.
var (
	ErrClosed              = errors.New("event bus closed")
	ErrInvalidSubscriber   = errors.New("invalid subscriber id")
	ErrDuplicateSubscriber = errors.New("subscriber already registered")
)

// Logger is the logging surface the bus writes to.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
}

// Observer receives bus counters. Implementations must not block.
type Observer interface {
	Published(kind domain.SyncEventKind)
	Dropped(subscriberID string)
	ResyncQueued(subscriberID string)
	Subscribers(n int)
}

type nopObserver struct{}

func (nopObserver) Published(domain.SyncEventKind) {}
func (nopObserver) Dropped(string) {}
func (nopObserver) ResyncQueued(string) {}
func (nopObserver) Subscribers(int) {}

// Config holds bus construction options.
type Config struct {
	QueueSize int
	Clock     func() time.Time
	Observer  Observer
	Logger    Logger
}

// Bus fans sync events out to subscribers. Publish never blocks on a slow subscriber.
type Bus struct {
	mu          sync.Mutex
	queueSize   int
	clock       func() time.Time
	observer    Observer
	logger      Logger
	sequences   map[string]uint64
	subscribers map[string]*Subscription
	closed      bool
}

// New constructs a bus.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Bus{
		queueSize:   cfg.QueueSize,
		clock:       cfg.Clock,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		sequences:   map[string]uint64{},
		subscribers: map[string]*Subscription{},
	}
}

// Publish assigns the next per-employee sequence number, stamps the emit time,
// and enqueues the event for every subscriber. It returns the event as delivered.
// Resync markers are routed through BroadcastResync.
func (b *Bus) Publish(evt domain.SyncEvent) (domain.SyncEvent, error) {
	if evt.Kind == domain.KindResync {
		reason := domain.ResyncReasonRequested
		if evt.Resync != nil && evt.Resync.Reason != "" {
			reason = evt.Resync.Reason
		}
		return b.broadcastResync(reason)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.SyncEvent{}, ErrClosed
	}
	if evt.EmittedAt.IsZero() {
		evt.EmittedAt = b.clock().UTC()
	}
	var next uint64
	if evt.Kind.IsEmployeeScoped() {
		next = b.sequences[evt.EmployeeID] + 1
		evt.Sequence = next
	}
	if err := evt.Validate(); err != nil {
		return domain.SyncEvent{}, fmt.Errorf("publish %s: %w", evt.Kind, err)
	}
	if next > 0 {
		b.sequences[evt.EmployeeID] = next
	}
	for _, sub := range b.subscribers {
		sub.enqueue(evt)
	}
	b.observer.Published(evt.Kind)
	return evt, nil
}

// BroadcastResync pushes a resync marker to every subscriber that does not already have one pending.
func (b *Bus) BroadcastResync(reason string) error {
	_, err := b.broadcastResync(reason)
	return err
}

func (b *Bus) broadcastResync(reason string) (domain.SyncEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.SyncEvent{}, ErrClosed
	}
	marker := domain.NewResyncEvent(reason, b.clock())
	for _, sub := range b.subscribers {
		sub.enqueueMarker(marker)
	}
	b.observer.Published(domain.KindResync)
	b.logger.Debug("resync broadcast", "reason", reason, "subscribers", len(b.subscribers))
	return marker, nil
}

// SubscribeOption customizes one subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queueSize int
}

// WithQueueSize overrides the bus queue bound for one subscriber.
func WithQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// Subscribe registers one subscriber. Delivery starts immediately.
func (b *Bus) Subscribe(subscriberID string, opts ...SubscribeOption) (*Subscription, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, ErrInvalidSubscriber
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.subscribers[subscriberID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateSubscriber, subscriberID)
	}
	o := subscribeOptions{queueSize: b.queueSize}
	for _, opt := range opts {
		opt(&o)
	}
	sub := newSubscription(b, subscriberID, o.queueSize)
	b.subscribers[subscriberID] = sub
	b.observer.Subscribers(len(b.subscribers))
	go sub.run()
	return sub, nil
}

// Unsubscribe stops delivery to one subscriber and releases its queue. Unknown ids are ignored.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	if ok {
		delete(b.subscribers, subscriberID)
		b.observer.Subscribers(len(b.subscribers))
	}
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// Subscribers returns the registered subscriber ids in sorted order.
func (b *Bus) Subscribers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Sequence returns the last sequence number assigned for one employee.
func (b *Bus) Sequence(employeeID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequences[employeeID]
}

// Close stops every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs = append(subs, sub)
		delete(b.subscribers, id)
	}
	b.observer.Subscribers(0)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}
