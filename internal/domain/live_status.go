package domain

import (
	"slices"
	"strings"
	"time"
)

// PresenceStatus is the normalized status dashboards see.
type PresenceStatus string

// PresenceStatus values.
const (
	PresenceWorking PresenceStatus = "working"
	PresenceOnBreak PresenceStatus = "on_break"
	PresenceOffline PresenceStatus = "offline"
)

// LiveStatus is the per-employee projection. It is never authoritative and can
// always be rebuilt by replaying the day's activity events.
type LiveStatus struct {
	EmployeeID  string         `json:"employee_id"`
	SessionID   string         `json:"session_id,omitempty"`
	Status      PresenceStatus `json:"status"`
	Location    *GeoPoint      `json:"location,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Validate checks the structural shape of one status.
func (s LiveStatus) Validate() error {
	if s.EmployeeID == "" {
		return ErrInvalidID
	}
	switch s.Status {
	case PresenceWorking, PresenceOnBreak, PresenceOffline:
	default:
		return ErrInvalidEvent
	}
	if s.Location != nil {
		return s.Location.Validate()
	}
	return nil
}

// PresenceFor maps one activity type to the status it leaves the employee in.
func PresenceFor(typ ActivityType) PresenceStatus {
	switch typ {
	case ActivityClockIn, ActivityBreakEnd:
		return PresenceWorking
	case ActivityBreakStart:
		return PresenceOnBreak
	default:
		return PresenceOffline
	}
}

// StatusFromEvent derives the status one event leaves the employee in.
func StatusFromEvent(evt ActivityEvent) LiveStatus {
	status := LiveStatus{
		EmployeeID:  evt.EmployeeID,
		SessionID:   evt.SessionID,
		Status:      PresenceFor(evt.Type),
		LastUpdated: evt.OccurredAt.UTC(),
	}
	if evt.Location != nil {
		loc := *evt.Location
		status.Location = &loc
	}
	return status
}

// ProjectLiveStatus replays one employee's events. The last known location carries
// forward across events that omit one. No events means offline.
func ProjectLiveStatus(employeeID string, events []ActivityEvent) LiveStatus {
	ordered := slices.Clone(events)
	SortActivityEvents(ordered)

	out := LiveStatus{EmployeeID: employeeID, Status: PresenceOffline}
	for _, evt := range ordered {
		if evt.EmployeeID != employeeID {
			continue
		}
		next := StatusFromEvent(evt)
		if next.Location == nil {
			next.Location = out.Location
		}
		out = next
	}
	return out
}

// ProjectAll replays events for every employee and returns statuses ordered by employee id.
func ProjectAll(events []ActivityEvent) []LiveStatus {
	byEmployee := map[string][]ActivityEvent{}
	for _, evt := range events {
		byEmployee[evt.EmployeeID] = append(byEmployee[evt.EmployeeID], evt)
	}
	out := make([]LiveStatus, 0, len(byEmployee))
	for employeeID, evts := range byEmployee {
		out = append(out, ProjectLiveStatus(employeeID, evts))
	}
	SortLiveStatuses(out)
	return out
}

// SortLiveStatuses orders statuses by employee id.
func SortLiveStatuses(statuses []LiveStatus) {
	slices.SortFunc(statuses, func(a, b LiveStatus) int {
		return strings.Compare(a.EmployeeID, b.EmployeeID)
	})
}
