package domain

import (
	"errors"
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func TestSessionLifecycle(t *testing.T) {
	s, err := NewSession("s1", "e1", GeoPoint{Latitude: 1, Longitude: 2}, at(9, 0), nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.Status != SessionWorking || s.Version != 1 || s.Date != "2026-03-02" {
		t.Fatalf("unexpected new session %+v", s)
	}
	if err := s.StartBreak(at(12, 0), nil); err != nil {
		t.Fatalf("StartBreak() error = %v", err)
	}
	if err := s.StartBreak(at(12, 5), nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if s.Status != SessionOnBreak || s.Version != 2 {
		t.Fatalf("rejected transition mutated session: %+v", s)
	}
	if err := s.EndBreak(at(12, 30), nil); err != nil {
		t.Fatalf("EndBreak() error = %v", err)
	}
	if err := s.EndBreak(at(12, 31), nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	closedBreak, err := s.ClockOut(at(18, 0), nil)
	if err != nil {
		t.Fatalf("ClockOut() error = %v", err)
	}
	if closedBreak {
		t.Fatal("expected no implicit break close")
	}
	if s.IsOpen() || s.ClockOutAt == nil || !s.ClockOutAt.Equal(at(18, 0)) {
		t.Fatalf("unexpected ended session %+v", s)
	}
	if _, err := s.ClockOut(at(19, 0), nil); !errors.Is(err, ErrNoOpenSession) {
		t.Fatalf("expected ErrNoOpenSession, got %v", err)
	}
	if err := s.StartBreak(at(19, 0), nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from ended, got %v", err)
	}
}

func TestSessionClockOutFromBreak(t *testing.T) {
	s, err := NewSession("s1", "e1", GeoPoint{}, at(9, 0), nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.StartBreak(at(12, 0), nil); err != nil {
		t.Fatalf("StartBreak() error = %v", err)
	}
	closedBreak, err := s.ClockOut(at(13, 0), &GeoPoint{Latitude: 3, Longitude: 4})
	if err != nil {
		t.Fatalf("ClockOut() error = %v", err)
	}
	if !closedBreak {
		t.Fatal("expected clock out to close the open break")
	}
	if s.LastLocation == nil || s.LastLocation.Latitude != 3 {
		t.Fatalf("expected last location update, got %+v", s.LastLocation)
	}
}

func TestSessionRejectsBackdatedTransition(t *testing.T) {
	s, err := NewSession("s1", "e1", GeoPoint{}, at(9, 0), nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.StartBreak(at(8, 59), nil); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}
	if err := s.StartBreak(time.Time{}, nil); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}
	if s.Status != SessionWorking || s.Version != 1 {
		t.Fatalf("rejected transition mutated session: %+v", s)
	}
}

func TestNewSessionUsesZoneForDate(t *testing.T) {
	zone := time.FixedZone("WIB", 7*3600)
	s, err := NewSession("s1", "e1", GeoPoint{}, time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC), zone)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.Date != "2026-03-03" {
		t.Fatalf("expected zoned date 2026-03-03, got %q", s.Date)
	}
	if _, err := NewSession("", "e1", GeoPoint{}, at(9, 0), nil); err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := NewSession("s1", "e1", GeoPoint{Longitude: 181}, at(9, 0), nil); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
}

func TestWorkedDurationReplay(t *testing.T) {
	events := []ActivityEvent{
		{ID: "4", EmployeeID: "e1", SessionID: "s1", Type: ActivityClockOut, OccurredAt: at(18, 0)},
		{ID: "1", EmployeeID: "e1", SessionID: "s1", Type: ActivityClockIn, OccurredAt: at(9, 0)},
		{ID: "3", EmployeeID: "e1", SessionID: "s1", Type: ActivityBreakEnd, OccurredAt: at(12, 30)},
		{ID: "2", EmployeeID: "e1", SessionID: "s1", Type: ActivityBreakStart, OccurredAt: at(12, 0)},
	}
	got := WorkedDuration(events, at(23, 0))
	if got != 30600*time.Second {
		t.Fatalf("expected 30600s, got %v", got)
	}
	if events[0].ID != "4" {
		t.Fatal("WorkedDuration() must not reorder the caller's slice")
	}
}

func TestWorkedDurationOpenSessionCountsToNow(t *testing.T) {
	events := []ActivityEvent{
		{Type: ActivityClockIn, OccurredAt: at(9, 0)},
		{Type: ActivityBreakStart, OccurredAt: at(10, 0)},
		{Type: ActivityBreakEnd, OccurredAt: at(10, 15)},
	}
	if got := WorkedDuration(events, at(11, 0)); got != 105*time.Minute {
		t.Fatalf("expected 1h45m, got %v", got)
	}
	onBreak := events[:2]
	if got := WorkedDuration(onBreak, at(11, 0)); got != time.Hour {
		t.Fatalf("expected 1h while on break, got %v", got)
	}
}

func TestProjectLiveStatus(t *testing.T) {
	loc := &GeoPoint{Latitude: 1, Longitude: 1}
	events := []ActivityEvent{
		{EmployeeID: "e2", SessionID: "s2", Type: ActivityClockIn, OccurredAt: at(8, 0), Location: loc},
		{EmployeeID: "e1", SessionID: "s1", Type: ActivityClockIn, OccurredAt: at(9, 0), Location: loc},
		{EmployeeID: "e1", SessionID: "s1", Type: ActivityBreakStart, OccurredAt: at(12, 0)},
	}
	got := ProjectLiveStatus("e1", events)
	if got.Status != PresenceOnBreak || got.SessionID != "s1" || !got.LastUpdated.Equal(at(12, 0)) {
		t.Fatalf("unexpected status %+v", got)
	}
	if got.Location == nil || got.Location.Latitude != 1 {
		t.Fatalf("expected carried-forward location, got %+v", got.Location)
	}
	if none := ProjectLiveStatus("e9", events); none.Status != PresenceOffline {
		t.Fatalf("expected offline for unknown employee, got %+v", none)
	}

	all := ProjectAll(events)
	if len(all) != 2 || all[0].EmployeeID != "e1" || all[1].EmployeeID != "e2" {
		t.Fatalf("unexpected projection order %+v", all)
	}
	if all[1].Status != PresenceWorking {
		t.Fatalf("expected e2 working, got %+v", all[1])
	}
}

func TestRejectionCode(t *testing.T) {
	cases := map[error]string{
		ErrAlreadyClockedIn:        "already_clocked_in",
		ErrNoOpenSession:           "no_open_session",
		ErrInvalidTransition:       "invalid_transition",
		ErrOutOfRange:              "out_of_range",
		ErrInvalidCoordinates:      "invalid_coordinates",
		ErrInvalidTimestamp:        "invalid_request",
		errors.New("disk on fire"): "internal_error",
	}
	for err, want := range cases {
		if got := RejectionCode(err); got != want {
			t.Fatalf("RejectionCode(%v) = %q, want %q", err, got, want)
		}
	}
}
