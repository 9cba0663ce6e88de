package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/shiftsync/internal/domain"
)

// Tracker defaults.
const (
	DefaultTrackerSubscriberID = "live-tracking-aggregator"
	DefaultRefreshInterval     = 30 * time.Second
	DefaultWatcherBuffer       = 64
)

// EventSource replays the persisted activity of one day.
type EventSource interface {
	ListDayEvents(context.Context, string) ([]domain.ActivityEvent, error)
}

// TrackerObserver receives tracker counters. Implementations must not block.
type TrackerObserver interface {
	Tracked(employees int)
	Rebuilt(reason string)
}

type nopTrackerObserver struct{}

func (nopTrackerObserver) Tracked(int) {}

func (nopTrackerObserver) Rebuilt(string) {}

// TrackerConfig holds configuration for the live tracking aggregator.
type TrackerConfig struct {
	SubscriberID    string
	RefreshInterval time.Duration
	Location        *time.Location
	Observer        TrackerObserver
	Logger          Logger
}

// Tracker maintains the live status of every employee from status changes and
// rebuilds itself from persisted events on resync and on a refresh timer.
type Tracker struct {
	bus    Bus
	source EventSource
	clock  Clock
	cfg    TrackerConfig
	logger Logger

	mu       sync.RWMutex
	statuses map[string]domain.LiveStatus
	watchers map[*StatusSubscription]struct{}
}

// NewTracker constructs a tracker.
func NewTracker(bus Bus, source EventSource, clock Clock, cfg TrackerConfig) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	if cfg.SubscriberID == "" {
		cfg.SubscriberID = DefaultTrackerSubscriberID
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Observer == nil {
		cfg.Observer = nopTrackerObserver{}
	}
	var logger Logger = log.Default()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &Tracker{
		bus:      bus,
		source:   source,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		statuses: map[string]domain.LiveStatus{},
		watchers: map[*StatusSubscription]struct{}{},
	}
}

// Run consumes status changes until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	sub, err := t.bus.Subscribe(t.cfg.SubscriberID)
	if err != nil {
		return fmt.Errorf("subscribe tracker: %w", err)
	}
	defer sub.Close()
	defer t.closeWatchers()

	if err := t.Rebuild(ctx, "startup"); err != nil {
		t.logger.Warn("initial live status rebuild failed", "err", err)
	}
	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Rebuild(ctx, "refresh"); err != nil {
				t.logger.Warn("periodic live status rebuild failed", "err", err)
			}
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch evt.Kind {
			case domain.KindStatusChanged:
				t.Apply(*evt.Status)
			case domain.KindResync:
				if err := t.Rebuild(ctx, "resync"); err != nil {
					t.logger.Warn("resync live status rebuild failed", "err", err)
				}
			}
		}
	}
}

// Apply folds one status change into the table. Older updates never replace newer ones.
func (t *Tracker) Apply(status domain.LiveStatus) bool {
	t.mu.Lock()
	current, ok := t.statuses[status.EmployeeID]
	if ok && status.LastUpdated.Before(current.LastUpdated) {
		t.mu.Unlock()
		return false
	}
	t.statuses[status.EmployeeID] = status
	tracked := len(t.statuses)
	t.notifyLocked(status)
	t.mu.Unlock()
	t.cfg.Observer.Tracked(tracked)
	return true
}

// Rebuild replays the current day's persisted events and replaces the table.
// Employees that dropped out of the replay window are reported offline to watchers.
func (t *Tracker) Rebuild(ctx context.Context, reason string) error {
	events, err := t.source.ListDayEvents(ctx, t.today())
	if err != nil {
		return fmt.Errorf("list day events: %w", err)
	}
	rebuilt := domain.ProjectAll(events)

	t.mu.Lock()
	next := make(map[string]domain.LiveStatus, len(rebuilt))
	for _, status := range rebuilt {
		next[status.EmployeeID] = status
		if prev, ok := t.statuses[status.EmployeeID]; !ok || !sameStatus(prev, status) {
			t.notifyLocked(status)
		}
	}
	for id, prev := range t.statuses {
		if _, ok := next[id]; ok {
			continue
		}
		gone := domain.LiveStatus{EmployeeID: id, Status: domain.PresenceOffline, LastUpdated: prev.LastUpdated}
		if prev.Status != domain.PresenceOffline {
			t.notifyLocked(gone)
		}
	}
	t.statuses = next
	tracked := len(next)
	t.mu.Unlock()

	t.cfg.Observer.Tracked(tracked)
	t.cfg.Observer.Rebuilt(reason)
	t.logger.Debug("live status rebuilt", "reason", reason, "employees", tracked)
	return nil
}

func sameStatus(a, b domain.LiveStatus) bool {
	return a.EmployeeID == b.EmployeeID &&
		a.Status == b.Status &&
		a.SessionID == b.SessionID &&
		a.LastUpdated.Equal(b.LastUpdated) &&
		sameLocation(a.Location, b.Location)
}

func sameLocation(a, b *domain.GeoPoint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Snapshot returns every tracked status ordered by employee id.
func (t *Tracker) Snapshot(context.Context) ([]domain.LiveStatus, error) {
	t.mu.RLock()
	out := make([]domain.LiveStatus, 0, len(t.statuses))
	for _, status := range t.statuses {
		out = append(out, status)
	}
	t.mu.RUnlock()
	domain.SortLiveStatuses(out)
	return out, nil
}

// EmployeeSnapshot replays one employee's persisted events for the current day.
func (t *Tracker) EmployeeSnapshot(ctx context.Context, employeeID string) (domain.LiveStatus, error) {
	if employeeID == "" {
		return domain.LiveStatus{}, domain.ErrInvalidID
	}
	events, err := t.source.ListDayEvents(ctx, t.today())
	if err != nil {
		return domain.LiveStatus{}, fmt.Errorf("list day events: %w", err)
	}
	return domain.ProjectLiveStatus(employeeID, events), nil
}

func (t *Tracker) today() string {
	return t.clock().In(t.cfg.Location).Format(domain.DateLayout)
}

// StatusSubscription streams incremental live status changes. Close releases it.
type StatusSubscription struct {
	tracker *Tracker
	updates chan domain.LiveStatus
	once    sync.Once
}

// Subscribe returns a handle that streams status changes. A watcher that falls
// behind loses its oldest pending update.
func (t *Tracker) Subscribe() *StatusSubscription {
	sub := &StatusSubscription{tracker: t, updates: make(chan domain.LiveStatus, DefaultWatcherBuffer)}
	t.mu.Lock()
	t.watchers[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Updates returns the change stream. It is closed by Close or tracker shutdown.
func (s *StatusSubscription) Updates() <-chan domain.LiveStatus {
	return s.updates
}

// Close stops the stream.
func (s *StatusSubscription) Close() {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	s.closeLocked()
}

func (s *StatusSubscription) closeLocked() {
	s.once.Do(func() {
		delete(s.tracker.watchers, s)
		close(s.updates)
	})
}

func (t *Tracker) notifyLocked(status domain.LiveStatus) {
	for sub := range t.watchers {
		select {
		case sub.updates <- status:
		default:
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- status:
			default:
			}
		}
	}
}

func (t *Tracker) closeWatchers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.watchers {
		sub.closeLocked()
	}
}
