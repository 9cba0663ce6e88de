package app

import (
	"context"

	"github.com/hylla/shiftsync/internal/domain"
	"github.com/hylla/shiftsync/internal/eventbus"
)

// Repository is the relational store behind the attendance core.
type Repository interface {
	// SaveActivity stores one event and the session state it produced in one transaction.
	// Re-saving the same event is a no-op; older session versions never overwrite newer ones.
	SaveActivity(context.Context, domain.Session, domain.ActivityEvent) error
	SaveSession(context.Context, domain.Session) error
	GetSession(context.Context, string) (domain.Session, error)
	ListOpenSessions(context.Context) ([]domain.Session, error)
	ListSessionsByDate(context.Context, string) ([]domain.Session, error)
	ListSessionEvents(context.Context, string) ([]domain.ActivityEvent, error)
	// ListDayEvents returns events for sessions dated date plus any session still open.
	ListDayEvents(context.Context, string) ([]domain.ActivityEvent, error)
	RecordDeadLetter(context.Context, domain.DeadLetter) (domain.DeadLetter, error)
	ListDeadLetters(context.Context, int) ([]domain.DeadLetter, error)
}

// Publisher emits sync events.
type Publisher interface {
	Publish(domain.SyncEvent) (domain.SyncEvent, error)
	BroadcastResync(reason string) error
}

// Bus is a Publisher that also hands out subscriptions.
type Bus interface {
	Publisher
	Subscribe(subscriberID string, opts ...eventbus.SubscribeOption) (*eventbus.Subscription, error)
}

// SnapshotSource returns the authoritative live status table.
type SnapshotSource interface {
	Snapshot(context.Context) ([]domain.LiveStatus, error)
	EmployeeSnapshot(context.Context, string) (domain.LiveStatus, error)
}

// Logger is the structured logging surface used by app components.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}
