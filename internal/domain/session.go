package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout formats the calendar day an attendance session belongs to.
const DateLayout = "2006-01-02"

// SessionStatus is the lifecycle state of one attendance session.
type SessionStatus string

// SessionStatus values.
const (
	SessionWorking SessionStatus = "working"
	SessionOnBreak SessionStatus = "on_break"
	SessionEnded   SessionStatus = "ended"
)

// ParseSessionStatus validates one persisted status string.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	switch status := SessionStatus(strings.TrimSpace(strings.ToLower(raw))); status {
	case SessionWorking, SessionOnBreak, SessionEnded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown session status %q", ErrValidation, raw)
	}
}

// Session is one employee's clock-in to clock-out span.
// Worked time is never stored here; replay the session's events with WorkedDuration.
type Session struct {
	ID           string        `json:"id"`
	EmployeeID   string        `json:"employee_id"`
	Date         string        `json:"date"`
	Status       SessionStatus `json:"status"`
	ClockInAt    time.Time     `json:"clock_in_at"`
	ClockOutAt   *time.Time    `json:"clock_out_at,omitempty"`
	LastLocation *GeoPoint     `json:"last_location,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Version      int           `json:"version"`
}

// NewSession opens a session in the working state.
func NewSession(id, employeeID string, location GeoPoint, at time.Time, zone *time.Location) (Session, error) {
	id = strings.TrimSpace(id)
	employeeID = strings.TrimSpace(employeeID)
	if id == "" || employeeID == "" {
		return Session{}, ErrInvalidID
	}
	if at.IsZero() {
		return Session{}, ErrInvalidTimestamp
	}
	if err := location.Validate(); err != nil {
		return Session{}, err
	}
	if zone == nil {
		zone = time.UTC
	}
	loc := location
	return Session{
		ID:           id,
		EmployeeID:   employeeID,
		Date:         at.In(zone).Format(DateLayout),
		Status:       SessionWorking,
		ClockInAt:    at.UTC(),
		LastLocation: &loc,
		UpdatedAt:    at.UTC(),
		Version:      1,
	}, nil
}

// IsOpen reports whether the session still counts against the one-open-session rule.
func (s Session) IsOpen() bool {
	return s.Status != SessionEnded
}

// StartBreak moves a working session onto a break.
func (s *Session) StartBreak(at time.Time, location *GeoPoint) error {
	if s.Status != SessionWorking {
		return fmt.Errorf("%w: break_start from %s", ErrInvalidTransition, s.Status)
	}
	if err := s.checkTransition(at, location); err != nil {
		return err
	}
	s.Status = SessionOnBreak
	s.touch(at, location)
	return nil
}

// EndBreak returns a session from a break to working.
func (s *Session) EndBreak(at time.Time, location *GeoPoint) error {
	if s.Status != SessionOnBreak {
		return fmt.Errorf("%w: break_end from %s", ErrInvalidTransition, s.Status)
	}
	if err := s.checkTransition(at, location); err != nil {
		return err
	}
	s.Status = SessionWorking
	s.touch(at, location)
	return nil
}

// ClockOut ends the session from working or on_break. It reports whether an open break was closed.
func (s *Session) ClockOut(at time.Time, location *GeoPoint) (bool, error) {
	if !s.IsOpen() {
		return false, fmt.Errorf("%w: session %s already ended", ErrNoOpenSession, s.ID)
	}
	if err := s.checkTransition(at, location); err != nil {
		return false, err
	}
	closedBreak := s.Status == SessionOnBreak
	ts := at.UTC()
	s.Status = SessionEnded
	s.ClockOutAt = &ts
	s.touch(at, location)
	return closedBreak, nil
}

// checkTransition validates the timestamp ordering and optional location of one transition.
func (s Session) checkTransition(at time.Time, location *GeoPoint) error {
	if at.IsZero() {
		return ErrInvalidTimestamp
	}
	if at.Before(s.UpdatedAt) {
		return fmt.Errorf("%w: %s precedes last transition %s", ErrInvalidTimestamp, at.UTC().Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339))
	}
	if location != nil {
		if err := location.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) touch(at time.Time, location *GeoPoint) {
	s.UpdatedAt = at.UTC()
	s.Version++
	if location != nil {
		loc := *location
		s.LastLocation = &loc
	}
}
