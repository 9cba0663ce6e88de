// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/domain"
	"github.com/hylla/shiftsync/internal/eventbus"
)

// ErrInvalidRequest reports malformed transport input. It is part of the validation family.
var ErrInvalidRequest = fmt.Errorf("%w: invalid request", domain.ErrValidation)

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = app.ErrNotFound

// ErrUnavailable reports a surface whose backing service is not configured.
var ErrUnavailable = errors.New("surface unavailable")

// CommandRequest is one attendance command as received by a transport.
// Type comes from the route or tool name, never from the body.
type CommandRequest struct {
	Type          domain.ActivityType `json:"-" validate:"oneof=clock_in clock_out break_start break_end"`
	EmployeeID    string              `json:"employee_id,omitempty" validate:"omitempty,max=128"`
	SessionID     string              `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Latitude      *float64            `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude     *float64            `json:"longitude,omitempty" validate:"omitempty,longitude"`
	Accuracy      float64             `json:"accuracy,omitempty" validate:"gte=0"`
	OccurredAt    *time.Time          `json:"occurred_at,omitempty"`
	Note          string              `json:"note,omitempty" validate:"max=1000"`
	AttachmentRef string              `json:"attachment_ref,omitempty" validate:"max=512"`
	// Async queues the command on the bus instead of applying it inline.
	Async bool `json:"-"`
}

// CommandResult is the outcome of one submitted command.
type CommandResult struct {
	Accepted  bool                   `json:"accepted"`
	Queued    bool                   `json:"queued,omitempty"`
	CommandID string                 `json:"command_id,omitempty"`
	Session   *domain.Session        `json:"session,omitempty"`
	Events    []domain.ActivityEvent `json:"events,omitempty"`
	Site      *domain.GeofenceResult `json:"site,omitempty"`
}

// SessionDetail is one session with its events and replayed worked time.
type SessionDetail struct {
	Session       domain.Session         `json:"session"`
	Events        []domain.ActivityEvent `json:"events"`
	WorkedSeconds int64                  `json:"worked_seconds"`
}

// LiveStatusResponse wraps one live status snapshot.
type LiveStatusResponse struct {
	AsOf     time.Time           `json:"as_of"`
	Statuses []domain.LiveStatus `json:"statuses"`
}

// DeadLetterResponse wraps one dead letter listing.
type DeadLetterResponse struct {
	DeadLetters []domain.DeadLetter `json:"dead_letters"`
}

// AttendanceService accepts commands and serves session detail.
type AttendanceService interface {
	Submit(context.Context, CommandRequest) (CommandResult, error)
	SessionDetail(context.Context, string) (SessionDetail, error)
}

// LiveStatusReader serves the live tracking snapshot.
type LiveStatusReader interface {
	Snapshot(context.Context) ([]domain.LiveStatus, error)
	EmployeeSnapshot(context.Context, string) (domain.LiveStatus, error)
}

// DeadLetterReader lists exhausted events.
type DeadLetterReader interface {
	ListDeadLetters(context.Context, int) ([]domain.DeadLetter, error)
}

// StreamSource hands out bus subscriptions for push streams.
type StreamSource interface {
	Subscribe(subscriberID string, opts ...eventbus.SubscribeOption) (*eventbus.Subscription, error)
}

// Code returns the stable error code for one transport-visible error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return "not_implemented"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, eventbus.ErrDuplicateSubscriber):
		return "subscriber_in_use"
	default:
		return domain.RejectionCode(err)
	}
}
