package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hylla/shiftsync/internal/domain"
)

// ExportVersion identifies the day export format.
const ExportVersion = "shiftsync.export.v1"

// DayExport is a portable record of one day's attendance.
type DayExport struct {
	Version    string                 `json:"version"`
	ExportedAt time.Time              `json:"exported_at"`
	Date       string                 `json:"date"`
	Sessions   []ExportSession        `json:"sessions"`
	Events     []domain.ActivityEvent `json:"events"`
}

// ExportSession is one session with its replayed worked time.
type ExportSession struct {
	domain.Session
	WorkedSeconds int64 `json:"worked_seconds"`
}

// ExportDay collects the sessions dated date with their events from storage.
// Worked time of still-open sessions counts up to the export time.
func ExportDay(ctx context.Context, repo Repository, clock Clock, date string) (DayExport, error) {
	date = strings.TrimSpace(date)
	if _, err := time.Parse(domain.DateLayout, date); err != nil {
		return DayExport{}, fmt.Errorf("%w: date %q", domain.ErrValidation, date)
	}
	if clock == nil {
		clock = time.Now
	}
	sessions, err := repo.ListSessionsByDate(ctx, date)
	if err != nil {
		return DayExport{}, err
	}
	now := clock().UTC()
	out := DayExport{
		Version:    ExportVersion,
		ExportedAt: now,
		Date:       date,
		Sessions:   make([]ExportSession, 0, len(sessions)),
		Events:     make([]domain.ActivityEvent, 0),
	}
	for _, s := range sessions {
		events, listErr := repo.ListSessionEvents(ctx, s.ID)
		if listErr != nil {
			return DayExport{}, listErr
		}
		out.Sessions = append(out.Sessions, ExportSession{
			Session:       s,
			WorkedSeconds: int64(domain.WorkedDuration(events, now) / time.Second),
		})
		out.Events = append(out.Events, events...)
	}
	out.sort()
	return out, nil
}

// Validate checks export integrity before it is written.
func (e DayExport) Validate() error {
	if e.Version != ExportVersion {
		return fmt.Errorf("unsupported export version %q", e.Version)
	}
	sessionIDs := make(map[string]struct{}, len(e.Sessions))
	var errs []error
	for _, s := range e.Sessions {
		if s.Date != e.Date {
			errs = append(errs, fmt.Errorf("session %s dated %s, export is %s", s.ID, s.Date, e.Date))
		}
		sessionIDs[s.ID] = struct{}{}
	}
	for _, evt := range e.Events {
		if err := evt.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", evt.ID, err))
			continue
		}
		if _, ok := sessionIDs[evt.SessionID]; !ok {
			errs = append(errs, fmt.Errorf("event %s references unknown session %s", evt.ID, evt.SessionID))
		}
	}
	return errors.Join(errs...)
}

func (e *DayExport) sort() {
	sort.SliceStable(e.Sessions, func(i, j int) bool {
		if e.Sessions[i].EmployeeID == e.Sessions[j].EmployeeID {
			return e.Sessions[i].ClockInAt.Before(e.Sessions[j].ClockInAt)
		}
		return e.Sessions[i].EmployeeID < e.Sessions[j].EmployeeID
	})
	domain.SortActivityEvents(e.Events)
}
