package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"
)

// SyncEventKind tags one variant of the closed SyncEvent set.
type SyncEventKind string

// SyncEventKind values.
const (
	KindActivity        SyncEventKind = "activity"
	KindStatusChanged   SyncEventKind = "status_changed"
	KindCommand         SyncEventKind = "command"
	KindCommandRejected SyncEventKind = "command_rejected"
	KindResync          SyncEventKind = "resync"
	KindHeartbeat       SyncEventKind = "heartbeat"
)

var validSyncEventKinds = []SyncEventKind{
	KindActivity,
	KindStatusChanged,
	KindCommand,
	KindCommandRejected,
	KindResync,
	KindHeartbeat,
}

// IsEmployeeScoped reports whether events of this kind carry an employee id and sequence number.
func (k SyncEventKind) IsEmployeeScoped() bool {
	return k != KindResync && k != KindHeartbeat
}

// Resync reasons.
const (
	ResyncReasonOverflow       = "overflow"
	ResyncReasonEmissionFailed = "emission_failed"
	ResyncReasonRequested      = "requested"
)

// ActivityPayload carries one applied activity event with the session state it produced.
type ActivityPayload struct {
	Event   ActivityEvent `json:"event"`
	Session Session       `json:"session"`
}

// Command is a state-changing request that has not been validated against attendance rules yet.
type Command struct {
	ID            string       `json:"id"`
	Type          ActivityType `json:"type"`
	EmployeeID    string       `json:"employee_id"`
	SessionID     string       `json:"session_id,omitempty"`
	Location      *GeoPoint    `json:"location,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
	Note          string       `json:"note,omitempty"`
	AttachmentRef string       `json:"attachment_ref,omitempty"`
}

// Validate checks the structural shape of one command.
func (c Command) Validate() error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.EmployeeID) == "" {
		return ErrInvalidID
	}
	if !slices.Contains(validActivityTypes, c.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidActivity, c.Type)
	}
	if c.OccurredAt.IsZero() {
		return ErrInvalidTimestamp
	}
	if c.Type == ActivityClockIn {
		if c.Location == nil {
			return fmt.Errorf("%w: clock_in requires a location", ErrInvalidCoordinates)
		}
	} else if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("%w: %s requires a session id", ErrInvalidID, c.Type)
	}
	if c.Location != nil {
		return c.Location.Validate()
	}
	return nil
}

// CommandRejection reports why a command was refused.
type CommandRejection struct {
	CommandID string       `json:"command_id"`
	Type      ActivityType `json:"type"`
	Code      string       `json:"code"`
	Message   string       `json:"message"`
}

// ResyncNotice tells a subscriber to stop trusting its stream and reload a snapshot.
type ResyncNotice struct {
	Reason string `json:"reason"`
}

// HeartbeatNotice is a liveness tick on an otherwise idle stream.
type HeartbeatNotice struct {
	IntervalMillis int64 `json:"interval_ms"`
}

// Interval returns the advertised heartbeat interval.
func (h HeartbeatNotice) Interval() time.Duration {
	return time.Duration(h.IntervalMillis) * time.Millisecond
}

// SyncEvent is the wire envelope delivered to subscribers. Exactly one payload
// field is set and it must match Kind.
type SyncEvent struct {
	Sequence   uint64
	EmployeeID string
	Kind       SyncEventKind
	EmittedAt  time.Time

	Activity  *ActivityPayload
	Status    *LiveStatus
	Command   *Command
	Rejection *CommandRejection
	Resync    *ResyncNotice
	Heartbeat *HeartbeatNotice
}

// NewActivitySyncEvent wraps one applied activity.
func NewActivitySyncEvent(evt ActivityEvent, session Session) SyncEvent {
	return SyncEvent{
		EmployeeID: evt.EmployeeID,
		Kind:       KindActivity,
		Activity:   &ActivityPayload{Event: evt, Session: session},
	}
}

// NewStatusChangedEvent wraps one normalized status change.
func NewStatusChangedEvent(status LiveStatus) SyncEvent {
	return SyncEvent{EmployeeID: status.EmployeeID, Kind: KindStatusChanged, Status: &status}
}

// NewCommandEvent wraps one command for asynchronous processing.
func NewCommandEvent(cmd Command) SyncEvent {
	return SyncEvent{EmployeeID: cmd.EmployeeID, Kind: KindCommand, Command: &cmd}
}

// NewCommandRejectedEvent reports a refused command back to the stream.
func NewCommandRejectedEvent(cmd Command, err error) SyncEvent {
	return SyncEvent{
		EmployeeID: cmd.EmployeeID,
		Kind:       KindCommandRejected,
		Rejection: &CommandRejection{
			CommandID: cmd.ID,
			Type:      cmd.Type,
			Code:      RejectionCode(err),
			Message:   err.Error(),
		},
	}
}

// NewResyncEvent builds an unsequenced resync marker.
func NewResyncEvent(reason string, at time.Time) SyncEvent {
	return SyncEvent{Kind: KindResync, EmittedAt: at.UTC(), Resync: &ResyncNotice{Reason: reason}}
}

// NewHeartbeatEvent builds an unsequenced heartbeat.
func NewHeartbeatEvent(interval time.Duration, at time.Time) SyncEvent {
	return SyncEvent{
		Kind:      KindHeartbeat,
		EmittedAt: at.UTC(),
		Heartbeat: &HeartbeatNotice{IntervalMillis: interval.Milliseconds()},
	}
}

// Validate checks that the envelope is one well-formed variant of the closed set.
func (e SyncEvent) Validate() error {
	if !slices.Contains(validSyncEventKinds, e.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Kind.IsEmployeeScoped() {
		if strings.TrimSpace(e.EmployeeID) == "" {
			return fmt.Errorf("%w: %s requires employee_id", ErrInvalidEvent, e.Kind)
		}
	} else if e.EmployeeID != "" || e.Sequence != 0 {
		return fmt.Errorf("%w: %s must not carry employee_id or sequence_number", ErrInvalidEvent, e.Kind)
	}

	set := 0
	for _, present := range []bool{e.Activity != nil, e.Status != nil, e.Command != nil, e.Rejection != nil, e.Resync != nil, e.Heartbeat != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %s must carry exactly one payload", ErrInvalidEvent, e.Kind)
	}

	switch e.Kind {
	case KindActivity:
		if e.Activity == nil {
			return payloadMismatch(e.Kind)
		}
		if err := e.Activity.Event.Validate(); err != nil {
			return err
		}
		if e.Activity.Event.EmployeeID != e.EmployeeID || e.Activity.Session.EmployeeID != e.EmployeeID {
			return fmt.Errorf("%w: activity employee mismatch", ErrInvalidEvent)
		}
	case KindStatusChanged:
		if e.Status == nil {
			return payloadMismatch(e.Kind)
		}
		if err := e.Status.Validate(); err != nil {
			return err
		}
		if e.Status.EmployeeID != e.EmployeeID {
			return fmt.Errorf("%w: status employee mismatch", ErrInvalidEvent)
		}
	case KindCommand:
		if e.Command == nil {
			return payloadMismatch(e.Kind)
		}
		if err := e.Command.Validate(); err != nil {
			return err
		}
		if e.Command.EmployeeID != e.EmployeeID {
			return fmt.Errorf("%w: command employee mismatch", ErrInvalidEvent)
		}
	case KindCommandRejected:
		if e.Rejection == nil {
			return payloadMismatch(e.Kind)
		}
		if strings.TrimSpace(e.Rejection.Code) == "" {
			return fmt.Errorf("%w: rejection requires a code", ErrInvalidEvent)
		}
	case KindResync:
		if e.Resync == nil {
			return payloadMismatch(e.Kind)
		}
	case KindHeartbeat:
		if e.Heartbeat == nil {
			return payloadMismatch(e.Kind)
		}
		if e.Heartbeat.IntervalMillis < 0 {
			return fmt.Errorf("%w: negative heartbeat interval", ErrInvalidEvent)
		}
	}
	return nil
}

func payloadMismatch(kind SyncEventKind) error {
	return fmt.Errorf("%w: payload does not match kind %s", ErrInvalidEvent, kind)
}

// syncEventWire is the JSON envelope shape.
type syncEventWire struct {
	SequenceNumber uint64          `json:"sequence_number"`
	EmployeeID     string          `json:"employee_id,omitempty"`
	Kind           SyncEventKind   `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	EmittedAt      time.Time       `json:"emitted_at"`
}

// MarshalJSON encodes the wire envelope.
func (e SyncEvent) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Kind {
	case KindActivity:
		payload = e.Activity
	case KindStatusChanged:
		payload = e.Status
	case KindCommand:
		payload = e.Command
	case KindCommandRejected:
		payload = e.Rejection
	case KindResync:
		payload = e.Resync
	case KindHeartbeat:
		payload = e.Heartbeat
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	return json.Marshal(syncEventWire{
		SequenceNumber: e.Sequence,
		EmployeeID:     e.EmployeeID,
		Kind:           e.Kind,
		Payload:        raw,
		EmittedAt:      e.EmittedAt.UTC(),
	})
}

// UnmarshalJSON decodes the wire envelope. Unknown fields and unknown kinds are rejected.
func (e *SyncEvent) UnmarshalJSON(data []byte) error {
	var wire syncEventWire
	if err := decodeStrict(data, &wire); err != nil {
		return err
	}
	out := SyncEvent{
		Sequence:   wire.SequenceNumber,
		EmployeeID: wire.EmployeeID,
		Kind:       wire.Kind,
		EmittedAt:  wire.EmittedAt,
	}
	if len(wire.Payload) == 0 || bytes.Equal(bytes.TrimSpace(wire.Payload), []byte("null")) {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	var err error
	switch wire.Kind {
	case KindActivity:
		out.Activity = &ActivityPayload{}
		err = decodeStrict(wire.Payload, out.Activity)
	case KindStatusChanged:
		out.Status = &LiveStatus{}
		err = decodeStrict(wire.Payload, out.Status)
	case KindCommand:
		out.Command = &Command{}
		err = decodeStrict(wire.Payload, out.Command)
	case KindCommandRejected:
		out.Rejection = &CommandRejection{}
		err = decodeStrict(wire.Payload, out.Rejection)
	case KindResync:
		out.Resync = &ResyncNotice{}
		err = decodeStrict(wire.Payload, out.Resync)
	case KindHeartbeat:
		out.Heartbeat = &HeartbeatNotice{}
		err = decodeStrict(wire.Payload, out.Heartbeat)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, wire.Kind)
	}
	if err != nil {
		return err
	}
	*e = out
	return nil
}

// DecodeSyncEvent decodes and validates one wire envelope.
func DecodeSyncEvent(data []byte) (SyncEvent, error) {
	var evt SyncEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			return SyncEvent{}, err
		}
		return SyncEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := evt.Validate(); err != nil {
		return SyncEvent{}, err
	}
	return evt, nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing content", ErrInvalidEvent)
	}
	return nil
}

// SequenceTracker deduplicates employee-scoped events on (employee_id, sequence_number).
// Delivery per employee is in non-decreasing order, so anything at or below the
// last seen sequence is a duplicate.
type SequenceTracker struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSequenceTracker constructs an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: map[string]uint64{}}
}

// Observe reports whether evt has not been seen yet and records it.
// Unsequenced events are always new.
func (t *SequenceTracker) Observe(evt SyncEvent) bool {
	if !evt.Kind.IsEmployeeScoped() || evt.Sequence == 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if evt.Sequence <= t.last[evt.EmployeeID] {
		return false
	}
	t.last[evt.EmployeeID] = evt.Sequence
	return true
}

// Last returns the highest sequence observed for one employee.
func (t *SequenceTracker) Last(employeeID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[employeeID]
}

// Reset forgets all observed sequences.
func (t *SequenceTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.last)
}
