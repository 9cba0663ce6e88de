package app

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hylla/shiftsync/internal/domain"
)

type fakeRepo struct {
	mu          sync.Mutex
	sessions    map[string]domain.Session
	events      map[string]domain.ActivityEvent
	order       []string
	deadLetters []domain.DeadLetter
	saveErrs    int
	saveErr     error
	saveCalls   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: map[string]domain.Session{},
		events:   map[string]domain.ActivityEvent{},
	}
}

// failSaves makes the next n SaveActivity calls fail; n < 0 fails forever.
func (f *fakeRepo) failSaves(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErrs = n
	f.saveErr = err
}

func (f *fakeRepo) SaveActivity(_ context.Context, s domain.Session, evt domain.ActivityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.saveErrs != 0 {
		if f.saveErrs > 0 {
			f.saveErrs--
		}
		return f.saveErr
	}
	f.putSessionLocked(s)
	if _, ok := f.events[evt.ID]; !ok {
		f.events[evt.ID] = evt
		f.order = append(f.order, evt.ID)
	}
	return nil
}

func (f *fakeRepo) SaveSession(_ context.Context, s domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putSessionLocked(s)
	return nil
}

func (f *fakeRepo) putSessionLocked(s domain.Session) {
	if cur, ok := f.sessions[s.ID]; ok && cur.Version > s.Version {
		return
	}
	f.sessions[s.ID] = s
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeRepo) ListOpenSessions(context.Context) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Session, 0)
	for _, s := range f.sessions {
		if s.IsOpen() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListSessionsByDate(_ context.Context, date string) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Session, 0)
	for _, s := range f.sessions {
		if s.Date == date {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListSessionEvents(_ context.Context, sessionID string) ([]domain.ActivityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ActivityEvent, 0)
	for _, id := range f.order {
		if evt := f.events[id]; evt.SessionID == sessionID {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListDayEvents(_ context.Context, date string) ([]domain.ActivityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ActivityEvent, 0)
	for _, id := range f.order {
		evt := f.events[id]
		s := f.sessions[evt.SessionID]
		if s.Date == date || s.IsOpen() {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (f *fakeRepo) RecordDeadLetter(_ context.Context, letter domain.DeadLetter) (domain.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	letter.ID = int64(len(f.deadLetters) + 1)
	f.deadLetters = append(f.deadLetters, letter)
	return letter, nil
}

func (f *fakeRepo) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.deadLetters)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// recordingPublisher captures published events and can be told to fail.
type recordingPublisher struct {
	mu      sync.Mutex
	events  []domain.SyncEvent
	resyncs []string
	fail    error
}

func (p *recordingPublisher) Publish(evt domain.SyncEvent) (domain.SyncEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return domain.SyncEvent{}, p.fail
	}
	p.events = append(p.events, evt)
	return evt, nil
}

func (p *recordingPublisher) BroadcastResync(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resyncs = append(p.resyncs, reason)
	return nil
}

func (p *recordingPublisher) activities(typ domain.ActivityType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, evt := range p.events {
		if evt.Kind == domain.KindActivity && evt.Activity.Event.Type == typ {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) kinds() []domain.SyncEventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.SyncEventKind, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Kind)
	}
	return out
}

var testSiteCenter = domain.GeoPoint{Latitude: -6.2, Longitude: 106.816666}

// metersNorth returns a point d meters due north of the test site center.
func metersNorth(d float64) domain.GeoPoint {
	return domain.GeoPoint{Latitude: testSiteCenter.Latitude + (d/6371008.8)*180/math.Pi, Longitude: testSiteCenter.Longitude}
}

func testSites(t *testing.T) *SiteCatalog {
	t.Helper()
	site, err := domain.NewOfficeSite("hq", "Head Office", testSiteCenter, 50)
	if err != nil {
		t.Fatalf("NewOfficeSite() error = %v", err)
	}
	return NewSiteCatalog([]domain.OfficeSite{site})
}

func sequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

func fixedClock(at time.Time) Clock {
	return func() time.Time { return at }
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type nopLogger struct{}

func (nopLogger) Debug(any, ...any) {}

func (nopLogger) Info(any, ...any) {}

func (nopLogger) Warn(any, ...any) {}

func (nopLogger) Error(any, ...any) {}
