package domain

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// ActivityType identifies one attendance fact.
type ActivityType string

// ActivityType values.
const (
	ActivityClockIn    ActivityType = "clock_in"
	ActivityClockOut   ActivityType = "clock_out"
	ActivityBreakStart ActivityType = "break_start"
	ActivityBreakEnd   ActivityType = "break_end"
)

var validActivityTypes = []ActivityType{ActivityClockIn, ActivityClockOut, ActivityBreakStart, ActivityBreakEnd}

// ParseActivityType validates one activity type string.
func ParseActivityType(raw string) (ActivityType, error) {
	typ := ActivityType(strings.TrimSpace(strings.ToLower(raw)))
	if !slices.Contains(validActivityTypes, typ) {
		return "", fmt.Errorf("%w: %q", ErrInvalidActivity, raw)
	}
	return typ, nil
}

// ActivityEvent is an immutable attendance fact. Events are append-only.
type ActivityEvent struct {
	ID            string       `json:"id"`
	EmployeeID    string       `json:"employee_id"`
	SessionID     string       `json:"session_id"`
	Type          ActivityType `json:"type"`
	OccurredAt    time.Time    `json:"occurred_at"`
	Location      *GeoPoint    `json:"location,omitempty"`
	SiteID        string       `json:"site_id,omitempty"`
	Note          string       `json:"note,omitempty"`
	AttachmentRef string       `json:"attachment_ref,omitempty"`
}

// Validate checks the structural shape of one event.
func (e ActivityEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.EmployeeID) == "" || strings.TrimSpace(e.SessionID) == "" {
		return ErrInvalidID
	}
	if !slices.Contains(validActivityTypes, e.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidActivity, e.Type)
	}
	if e.OccurredAt.IsZero() {
		return ErrInvalidTimestamp
	}
	if e.Type == ActivityClockIn && e.Location == nil {
		return fmt.Errorf("%w: clock_in requires a location", ErrInvalidCoordinates)
	}
	if e.Location != nil {
		return e.Location.Validate()
	}
	return nil
}

// SortActivityEvents orders events by time. Events sharing a timestamp keep their relative order.
func SortActivityEvents(events []ActivityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
}

// WorkedDuration replays events and sums the working intervals, excluding breaks.
// A session still working at the end of the sequence counts up to now.
func WorkedDuration(events []ActivityEvent, now time.Time) time.Duration {
	ordered := slices.Clone(events)
	SortActivityEvents(ordered)

	var (
		total        time.Duration
		working      bool
		workingSince time.Time
	)
	closeInterval := func(at time.Time) {
		if working && at.After(workingSince) {
			total += at.Sub(workingSince)
		}
		working = false
	}
	for _, evt := range ordered {
		switch evt.Type {
		case ActivityClockIn, ActivityBreakEnd:
			if !working {
				working = true
				workingSince = evt.OccurredAt
			}
		case ActivityBreakStart, ActivityClockOut:
			closeInterval(evt.OccurredAt)
		}
	}
	if working {
		closeInterval(now)
	}
	return total
}
