package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/domain"
)

// coordinateFields are request fields whose validation failures surface as invalid_coordinates.
var coordinateFields = map[string]struct{}{
	"Latitude":  {},
	"Longitude": {},
	"Accuracy":  {},
}

// AppServiceAdapter maps transport contracts onto the attendance state machine.
type AppServiceAdapter struct {
	attendance *app.Attendance
	bus        app.Publisher
	repo       app.Repository
	idGen      app.IDGenerator
	clock      app.Clock
	validate   *validator.Validate
}

// NewAppServiceAdapter builds one common adapter. repo may be nil; session detail then
// only covers sessions still held in memory.
func NewAppServiceAdapter(attendance *app.Attendance, bus app.Publisher, repo app.Repository, idGen app.IDGenerator, clock app.Clock) *AppServiceAdapter {
	if clock == nil {
		clock = time.Now
	}
	return &AppServiceAdapter{
		attendance: attendance,
		bus:        bus,
		repo:       repo,
		idGen:      idGen,
		clock:      clock,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Submit validates one command and either applies it inline or queues it on the bus.
func (a *AppServiceAdapter) Submit(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if a == nil || a.attendance == nil {
		return CommandResult{}, fmt.Errorf("attendance adapter is not configured: %w", ErrUnavailable)
	}
	cmd, err := a.normalizeCommand(req)
	if err != nil {
		return CommandResult{}, err
	}
	if req.Async {
		return a.enqueue(cmd)
	}

	var tr app.Transition
	switch {
	case cmd.Type == domain.ActivityClockIn || cmd.EmployeeID != "":
		tr, err = a.attendance.Execute(ctx, cmd)
	default:
		in := app.TransitionInput{
			SessionID:     cmd.SessionID,
			Location:      cmd.Location,
			OccurredAt:    cmd.OccurredAt,
			Note:          cmd.Note,
			AttachmentRef: cmd.AttachmentRef,
		}
		switch cmd.Type {
		case domain.ActivityClockOut:
			tr, err = a.attendance.ClockOut(ctx, in)
		case domain.ActivityBreakStart:
			tr, err = a.attendance.StartBreak(ctx, in)
		default:
			tr, err = a.attendance.EndBreak(ctx, in)
		}
	}
	if err != nil {
		return CommandResult{}, err
	}
	session := tr.Session
	return CommandResult{
		Accepted: true,
		Session:  &session,
		Events:   tr.Events,
		Site:     tr.Site,
	}, nil
}

// enqueue publishes one command for the sync queue processor.
func (a *AppServiceAdapter) enqueue(cmd domain.Command) (CommandResult, error) {
	if a.bus == nil {
		return CommandResult{}, fmt.Errorf("async commands need a bus: %w", ErrUnavailable)
	}
	if cmd.EmployeeID == "" {
		// Transitions name a session; the owning employee keys the command stream.
		session, err := a.attendance.Session(cmd.SessionID)
		if err != nil {
			if errors.Is(err, app.ErrNotFound) {
				return CommandResult{}, fmt.Errorf("%w: session %s", domain.ErrNoOpenSession, cmd.SessionID)
			}
			return CommandResult{}, err
		}
		cmd.EmployeeID = session.EmployeeID
	}
	if err := cmd.Validate(); err != nil {
		return CommandResult{}, err
	}
	if _, err := a.bus.Publish(domain.NewCommandEvent(cmd)); err != nil {
		return CommandResult{}, fmt.Errorf("queue command: %w", err)
	}
	return CommandResult{Accepted: true, Queued: true, CommandID: cmd.ID}, nil
}

// normalizeCommand runs struct validation and converts the request into a domain command.
func (a *AppServiceAdapter) normalizeCommand(req CommandRequest) (domain.Command, error) {
	req.EmployeeID = strings.TrimSpace(req.EmployeeID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Note = strings.TrimSpace(req.Note)
	req.AttachmentRef = strings.TrimSpace(req.AttachmentRef)
	if err := a.validate.Struct(req); err != nil {
		return domain.Command{}, mapValidationError(err)
	}

	cmd := domain.Command{
		Type:          req.Type,
		EmployeeID:    req.EmployeeID,
		SessionID:     req.SessionID,
		Note:          req.Note,
		AttachmentRef: req.AttachmentRef,
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = req.OccurredAt.UTC()
	}
	switch {
	case req.Latitude != nil && req.Longitude != nil:
		cmd.Location = &domain.GeoPoint{Latitude: *req.Latitude, Longitude: *req.Longitude, Accuracy: req.Accuracy}
	case req.Latitude != nil || req.Longitude != nil:
		return domain.Command{}, fmt.Errorf("%w: latitude and longitude must be sent together", domain.ErrInvalidCoordinates)
	}

	if cmd.Type == domain.ActivityClockIn {
		if cmd.EmployeeID == "" {
			return domain.Command{}, fmt.Errorf("%w: employee_id is required", domain.ErrInvalidID)
		}
		if cmd.Location == nil {
			return domain.Command{}, fmt.Errorf("%w: clock_in requires latitude and longitude", domain.ErrInvalidCoordinates)
		}
	} else if cmd.SessionID == "" {
		return domain.Command{}, fmt.Errorf("%w: session_id is required", domain.ErrInvalidID)
	}
	if a.idGen != nil {
		cmd.ID = a.idGen()
	}
	if cmd.OccurredAt.IsZero() {
		cmd.OccurredAt = a.clock().UTC()
	}
	return cmd, nil
}

// mapValidationError folds validator failures into the domain validation family.
func mapValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	first := verrs[0]
	if _, ok := coordinateFields[first.Field()]; ok {
		return fmt.Errorf("%w: %s failed %s", domain.ErrInvalidCoordinates, strings.ToLower(first.Field()), first.Tag())
	}
	return fmt.Errorf("%w: %s failed %s", ErrInvalidRequest, jsonFieldName(first.Field()), first.Tag())
}

func jsonFieldName(field string) string {
	switch field {
	case "EmployeeID":
		return "employee_id"
	case "SessionID":
		return "session_id"
	case "AttachmentRef":
		return "attachment_ref"
	default:
		return strings.ToLower(field)
	}
}

// SessionDetail returns one session with its replayed worked time. Sessions pruned
// from memory are read back from storage.
func (a *AppServiceAdapter) SessionDetail(ctx context.Context, id string) (SessionDetail, error) {
	if a == nil || a.attendance == nil {
		return SessionDetail{}, fmt.Errorf("attendance adapter is not configured: %w", ErrUnavailable)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return SessionDetail{}, fmt.Errorf("%w: session id is required", domain.ErrInvalidID)
	}

	session, err := a.attendance.Session(id)
	var events []domain.ActivityEvent
	switch {
	case err == nil:
		events, err = a.attendance.SessionEvents(id)
		if err != nil {
			return SessionDetail{}, err
		}
	case errors.Is(err, app.ErrNotFound) && a.repo != nil:
		session, err = a.repo.GetSession(ctx, id)
		if err != nil {
			return SessionDetail{}, err
		}
		events, err = a.repo.ListSessionEvents(ctx, id)
		if err != nil {
			return SessionDetail{}, err
		}
	default:
		return SessionDetail{}, err
	}
	return SessionDetail{
		Session:       session,
		Events:        events,
		WorkedSeconds: int64(domain.WorkedDuration(events, a.clock()).Seconds()),
	}, nil
}
