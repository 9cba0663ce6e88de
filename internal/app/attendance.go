package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/shiftsync/internal/domain"
)

// DefaultMaxClockSkew bounds how far in the future a device timestamp may be.
const DefaultMaxClockSkew = 5 * time.Minute

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// AttendanceConfig holds configuration for the attendance state machine.
type AttendanceConfig struct {
	// Location is the organization time zone used to date sessions.
	Location *time.Location
	// ClockOutGeofence also gates clock-out on the site geofence when a location is supplied.
	ClockOutGeofence bool
	MaxClockSkew     time.Duration
	Logger           Logger
}

// ClockInInput holds the values used to open a session.
type ClockInInput struct {
	EmployeeID    string
	Location      domain.GeoPoint
	OccurredAt    time.Time
	Note          string
	AttachmentRef string
}

// TransitionInput holds the values used to move an existing session.
type TransitionInput struct {
	SessionID     string
	Location      *domain.GeoPoint
	OccurredAt    time.Time
	Note          string
	AttachmentRef string
}

// Transition is the outcome of one applied command.
type Transition struct {
	Session domain.Session         `json:"session"`
	Events  []domain.ActivityEvent `json:"events"`
	Site    *domain.GeofenceResult `json:"site,omitempty"`
}

// DaySnapshot lists the sessions and events the state machine holds for one day.
type DaySnapshot struct {
	Date     string                 `json:"date"`
	Sessions []domain.Session       `json:"sessions"`
	Events   []domain.ActivityEvent `json:"events"`
}

// Attendance is the authority over attendance sessions. Commands for the same
// employee are serialized; different employees proceed in parallel.
type Attendance struct {
	sites  *SiteCatalog
	bus    Publisher
	idGen  IDGenerator
	clock  Clock
	zone   *time.Location
	cfg    AttendanceConfig
	logger Logger
	locks  *keyedMutex

	mu       sync.RWMutex
	sessions map[string]domain.Session
	open     map[string]string
	events   map[string][]domain.ActivityEvent
}

// NewAttendance constructs the state machine.
func NewAttendance(sites *SiteCatalog, bus Publisher, idGen IDGenerator, clock Clock, cfg AttendanceConfig) *Attendance {
	if sites == nil {
		sites = NewSiteCatalog(nil)
	}
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	var logger Logger = log.Default()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &Attendance{
		sites:    sites,
		bus:      bus,
		idGen:    idGen,
		clock:    clock,
		zone:     cfg.Location,
		cfg:      cfg,
		logger:   logger,
		locks:    newKeyedMutex(),
		sessions: map[string]domain.Session{},
		open:     map[string]string{},
		events:   map[string][]domain.ActivityEvent{},
	}
}

// ClockIn opens a new working session when the employee has none open and the
// location is inside a configured site.
func (a *Attendance) ClockIn(_ context.Context, in ClockInInput) (Transition, error) {
	in.EmployeeID = strings.TrimSpace(in.EmployeeID)
	if in.EmployeeID == "" {
		return Transition{}, domain.ErrInvalidID
	}
	if err := in.Location.Validate(); err != nil {
		return Transition{}, err
	}
	at, err := a.checkTimestamp(in.OccurredAt)
	if err != nil {
		return Transition{}, err
	}

	unlock := a.locks.Lock(in.EmployeeID)
	defer unlock()

	a.mu.RLock()
	openID, hasOpen := a.open[in.EmployeeID]
	a.mu.RUnlock()
	if hasOpen {
		return Transition{}, fmt.Errorf("%w: employee %s has open session %s", domain.ErrAlreadyClockedIn, in.EmployeeID, openID)
	}

	site, err := a.sites.Verify(in.Location)
	if err != nil {
		return Transition{}, err
	}
	session, err := domain.NewSession(a.idGen(), in.EmployeeID, in.Location, at, a.zone)
	if err != nil {
		return Transition{}, err
	}
	loc := in.Location
	evt := domain.ActivityEvent{
		ID:            a.idGen(),
		EmployeeID:    in.EmployeeID,
		SessionID:     session.ID,
		Type:          domain.ActivityClockIn,
		OccurredAt:    session.ClockInAt,
		Location:      &loc,
		SiteID:        site.SiteID,
		Note:          strings.TrimSpace(in.Note),
		AttachmentRef: strings.TrimSpace(in.AttachmentRef),
	}
	if err := evt.Validate(); err != nil {
		return Transition{}, err
	}

	a.mu.Lock()
	a.sessions[session.ID] = session
	a.open[in.EmployeeID] = session.ID
	a.events[session.ID] = []domain.ActivityEvent{evt}
	a.mu.Unlock()

	events := []domain.ActivityEvent{evt}
	a.emit(session, events)
	return Transition{Session: session, Events: events, Site: &site}, nil
}

// ClockOut ends a session from working or on_break. An open break is closed
// with a break_end at the same instant before the clock_out.
func (a *Attendance) ClockOut(ctx context.Context, in TransitionInput) (Transition, error) {
	return a.clockOut(ctx, "", in)
}

// StartBreak moves a working session onto a break.
func (a *Attendance) StartBreak(ctx context.Context, in TransitionInput) (Transition, error) {
	return a.transition(ctx, "", in, func(s *domain.Session, at time.Time) ([]domain.ActivityType, error) {
		return []domain.ActivityType{domain.ActivityBreakStart}, s.StartBreak(at, in.Location)
	})
}

// EndBreak returns a session from a break to working.
func (a *Attendance) EndBreak(ctx context.Context, in TransitionInput) (Transition, error) {
	return a.endBreak(ctx, "", in)
}

// Execute applies one queued command. Commands naming a session owned by a
// different employee are rejected as if the session did not exist.
func (a *Attendance) Execute(ctx context.Context, cmd domain.Command) (Transition, error) {
	if err := cmd.Validate(); err != nil {
		return Transition{}, err
	}
	if cmd.Type == domain.ActivityClockIn {
		return a.ClockIn(ctx, ClockInInput{
			EmployeeID:    cmd.EmployeeID,
			Location:      *cmd.Location,
			OccurredAt:    cmd.OccurredAt,
			Note:          cmd.Note,
			AttachmentRef: cmd.AttachmentRef,
		})
	}
	in := TransitionInput{
		SessionID:     cmd.SessionID,
		Location:      cmd.Location,
		OccurredAt:    cmd.OccurredAt,
		Note:          cmd.Note,
		AttachmentRef: cmd.AttachmentRef,
	}
	switch cmd.Type {
	case domain.ActivityClockOut:
		return a.clockOut(ctx, cmd.EmployeeID, in)
	case domain.ActivityBreakStart:
		return a.transition(ctx, cmd.EmployeeID, in, func(s *domain.Session, at time.Time) ([]domain.ActivityType, error) {
			return []domain.ActivityType{domain.ActivityBreakStart}, s.StartBreak(at, in.Location)
		})
	default:
		return a.endBreak(ctx, cmd.EmployeeID, in)
	}
}

func (a *Attendance) clockOut(ctx context.Context, employeeID string, in TransitionInput) (Transition, error) {
	return a.transition(ctx, employeeID, in, func(s *domain.Session, at time.Time) ([]domain.ActivityType, error) {
		if s.IsOpen() && a.cfg.ClockOutGeofence && in.Location != nil {
			if _, err := a.sites.Verify(*in.Location); err != nil {
				return nil, err
			}
		}
		closedBreak, err := s.ClockOut(at, in.Location)
		if err != nil {
			return nil, err
		}
		if closedBreak {
			return []domain.ActivityType{domain.ActivityBreakEnd, domain.ActivityClockOut}, nil
		}
		return []domain.ActivityType{domain.ActivityClockOut}, nil
	})
}

func (a *Attendance) endBreak(ctx context.Context, employeeID string, in TransitionInput) (Transition, error) {
	return a.transition(ctx, employeeID, in, func(s *domain.Session, at time.Time) ([]domain.ActivityType, error) {
		return []domain.ActivityType{domain.ActivityBreakEnd}, s.EndBreak(at, in.Location)
	})
}

type applyFunc func(*domain.Session, time.Time) ([]domain.ActivityType, error)

// transition serializes one mutation of an existing session under its employee's lock.
func (a *Attendance) transition(_ context.Context, employeeID string, in TransitionInput, apply applyFunc) (Transition, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return Transition{}, domain.ErrInvalidID
	}
	at, err := a.checkTimestamp(in.OccurredAt)
	if err != nil {
		return Transition{}, err
	}

	a.mu.RLock()
	current, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok || (employeeID != "" && current.EmployeeID != employeeID) {
		return Transition{}, fmt.Errorf("%w: session %s not found", domain.ErrNoOpenSession, sessionID)
	}

	unlock := a.locks.Lock(current.EmployeeID)
	defer unlock()

	a.mu.RLock()
	current, ok = a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok {
		return Transition{}, fmt.Errorf("%w: session %s not found", domain.ErrNoOpenSession, sessionID)
	}

	next := current
	types, err := apply(&next, at)
	if err != nil {
		return Transition{}, err
	}

	events := make([]domain.ActivityEvent, 0, len(types))
	for i, typ := range types {
		evt := domain.ActivityEvent{
			ID:         a.idGen(),
			EmployeeID: next.EmployeeID,
			SessionID:  next.ID,
			Type:       typ,
			OccurredAt: at.UTC(),
			Location:   cloneLocation(in.Location),
		}
		if i == len(types)-1 {
			evt.Note = strings.TrimSpace(in.Note)
			evt.AttachmentRef = strings.TrimSpace(in.AttachmentRef)
		}
		events = append(events, evt)
	}

	a.mu.Lock()
	a.sessions[next.ID] = next
	a.events[next.ID] = append(a.events[next.ID], events...)
	if !next.IsOpen() && a.open[next.EmployeeID] == next.ID {
		delete(a.open, next.EmployeeID)
	}
	a.mu.Unlock()

	a.emit(next, events)
	return Transition{Session: next, Events: events}, nil
}

// emit publishes applied events. The state change is never rolled back; a failed
// publish asks every subscriber to resync instead.
func (a *Attendance) emit(session domain.Session, events []domain.ActivityEvent) {
	if a.bus == nil {
		return
	}
	for _, evt := range events {
		if _, err := a.bus.Publish(domain.NewActivitySyncEvent(evt, session)); err != nil {
			a.logger.Error("activity emission failed; broadcasting resync", "employee_id", evt.EmployeeID, "session_id", evt.SessionID, "type", evt.Type, "err", err)
			if rerr := a.bus.BroadcastResync(domain.ResyncReasonEmissionFailed); rerr != nil {
				a.logger.Error("resync broadcast failed", "err", rerr)
			}
			return
		}
	}
}

func (a *Attendance) checkTimestamp(at time.Time) (time.Time, error) {
	now := a.clock()
	if at.IsZero() {
		return now.UTC(), nil
	}
	if at.After(now.Add(a.cfg.MaxClockSkew)) {
		return time.Time{}, fmt.Errorf("%w: %s is in the future", domain.ErrInvalidTimestamp, at.UTC().Format(time.RFC3339))
	}
	return at.UTC(), nil
}

// Hydrate restores open sessions and the current day's sessions from storage.
func (a *Attendance) Hydrate(ctx context.Context, repo Repository) error {
	open, err := repo.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("list open sessions: %w", err)
	}
	today, err := repo.ListSessionsByDate(ctx, a.Today())
	if err != nil {
		return fmt.Errorf("list today's sessions: %w", err)
	}

	loaded := map[string]domain.Session{}
	for _, s := range append(open, today...) {
		loaded[s.ID] = s
	}
	events := make(map[string][]domain.ActivityEvent, len(loaded))
	for id := range loaded {
		evts, err := repo.ListSessionEvents(ctx, id)
		if err != nil {
			return fmt.Errorf("list events for session %s: %w", id, err)
		}
		events[id] = evts
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, s := range loaded {
		a.sessions[id] = s
		a.events[id] = events[id]
		if !s.IsOpen() {
			continue
		}
		if prevID, ok := a.open[s.EmployeeID]; ok && prevID != id {
			prev := a.sessions[prevID]
			a.logger.Warn("multiple open sessions in storage; keeping latest", "employee_id", s.EmployeeID, "session_id", id, "other_session_id", prevID)
			if prev.ClockInAt.After(s.ClockInAt) {
				continue
			}
		}
		a.open[s.EmployeeID] = id
	}
	a.logger.Info("attendance hydrated", "sessions", len(loaded), "open", len(a.open))
	return nil
}

// Today returns the organization's current date.
func (a *Attendance) Today() string {
	return a.clock().In(a.zone).Format(domain.DateLayout)
}

// Session returns one session by id.
func (a *Attendance) Session(id string) (domain.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[strings.TrimSpace(id)]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

// OpenSession returns the employee's open session, if any.
func (a *Attendance) OpenSession(employeeID string) (domain.Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.open[employeeID]
	if !ok {
		return domain.Session{}, false
	}
	return a.sessions[id], true
}

// OpenSessions scans every held session and returns the open ones.
func (a *Attendance) OpenSessions() []domain.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.Session, 0, len(a.open))
	for _, s := range a.sessions {
		if s.IsOpen() {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(x, y domain.Session) int { return strings.Compare(x.EmployeeID, y.EmployeeID) })
	return out
}

// SessionEvents returns the events applied to one session in order.
func (a *Attendance) SessionEvents(id string) ([]domain.ActivityEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(a.events[id]), nil
}

// WorkedDuration replays one session's events up to now.
func (a *Attendance) WorkedDuration(id string) (time.Duration, error) {
	events, err := a.SessionEvents(id)
	if err != nil {
		return 0, err
	}
	return domain.WorkedDuration(events, a.clock()), nil
}

// Day returns the sessions dated date plus every open session, with their events.
func (a *Attendance) Day(date string) DaySnapshot {
	return a.collect(date, func(s domain.Session) bool {
		return s.Date == date || s.IsOpen()
	})
}

// Held returns every session still in memory with its events, whatever its
// date. A session clocked out after midnight stays here until Prune drops it.
func (a *Attendance) Held() DaySnapshot {
	return a.collect(a.Today(), func(domain.Session) bool { return true })
}

func (a *Attendance) collect(date string, keep func(domain.Session) bool) DaySnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := DaySnapshot{Date: date}
	for id, s := range a.sessions {
		if !keep(s) {
			continue
		}
		out.Sessions = append(out.Sessions, s)
		out.Events = append(out.Events, a.events[id]...)
	}
	slices.SortFunc(out.Sessions, func(x, y domain.Session) int { return x.ClockInAt.Compare(y.ClockInAt) })
	domain.SortActivityEvents(out.Events)
	return out
}

// Prune forgets ended sessions dated before date. Storage keeps them.
func (a *Attendance) Prune(date string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	pruned := 0
	for id, s := range a.sessions {
		if s.IsOpen() || s.Date >= date {
			continue
		}
		delete(a.sessions, id)
		delete(a.events, id)
		pruned++
	}
	return pruned
}

// IsCommandError reports whether err is a validation or rejection outcome rather than an infrastructure failure.
func IsCommandError(err error) bool {
	return errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrRejected)
}

func cloneLocation(p *domain.GeoPoint) *domain.GeoPoint {
	if p == nil {
		return nil
	}
	loc := *p
	return &loc
}
