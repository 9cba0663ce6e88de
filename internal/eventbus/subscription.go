package eventbus

import (
	"sync"

	"github.com/hylla/shiftsync/internal/domain"
)

// Subscription is a capability handle for one subscriber's stream. Closing it unsubscribes.
type Subscription struct {
	id  string
	bus *Bus

	mu       sync.Mutex
	queue    []domain.SyncEvent
	capacity int
	// markerPending is set while a resync marker is queued or in flight.
	markerPending bool
	dropped       uint64

	notify   chan struct{}
	out      chan domain.SyncEvent
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(bus *Bus, id string, capacity int) *Subscription {
	return &Subscription{
		id:       id,
		bus:      bus,
		queue:    make([]domain.SyncEvent, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		out:      make(chan domain.SyncEvent),
		done:     make(chan struct{}),
	}
}

// ID returns the subscriber id.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the delivery stream. It is closed after Close or bus shutdown.
func (s *Subscription) Events() <-chan domain.SyncEvent {
	return s.out
}

// Done is closed once delivery has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped reports how many events were discarded on overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.id)
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

// enqueue appends one event. On overflow the oldest event is dropped; the first
// drop since the last delivered marker turns into a resync marker in its place.
func (s *Subscription) enqueue(evt domain.SyncEvent) {
	s.mu.Lock()
	if s.isStopped() {
		s.mu.Unlock()
		return
	}
	queuedMarker := false
	if len(s.queue) >= s.capacity {
		s.dropped++
		s.bus.observer.Dropped(s.id)
		if !s.markerPending {
			s.queue[0] = domain.NewResyncEvent(domain.ResyncReasonOverflow, s.bus.clock())
			s.markerPending = true
			queuedMarker = true
		} else if !s.dropOldestEvent() {
			// Only the marker is queued; it already covers this event.
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	if queuedMarker {
		s.bus.observer.ResyncQueued(s.id)
		s.bus.logger.Warn("subscriber queue overflow; resync queued", "subscriber_id", s.id, "capacity", s.capacity)
	}
	s.wake()
}

// dropOldestEvent removes the oldest queued event that is not a resync marker.
func (s *Subscription) dropOldestEvent() bool {
	for i, queued := range s.queue {
		if queued.Kind != domain.KindResync {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// enqueueMarker appends a resync marker unless one is already pending.
func (s *Subscription) enqueueMarker(marker domain.SyncEvent) {
	s.mu.Lock()
	if s.markerPending || s.isStopped() {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		s.dropped++
		s.bus.observer.Dropped(s.id)
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, marker)
	s.markerPending = true
	s.mu.Unlock()
	s.bus.observer.ResyncQueued(s.id)
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) isStopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) pop() (domain.SyncEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.SyncEvent{}, false
	}
	evt := s.queue[0]
	s.queue[0] = domain.SyncEvent{}
	s.queue = s.queue[1:]
	return evt, true
}

func (s *Subscription) delivered(evt domain.SyncEvent) {
	if evt.Kind != domain.KindResync {
		return
	}
	s.mu.Lock()
	s.markerPending = false
	s.mu.Unlock()
}

// run is the delivery loop. It exits as soon as the subscription stops.
func (s *Subscription) run() {
	defer close(s.out)
	for {
		evt, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- evt:
			s.delivered(evt)
		case <-s.done:
			return
		}
	}
}
