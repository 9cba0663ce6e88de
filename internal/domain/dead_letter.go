package domain

import "time"

// DeadLetter is a sync event that exhausted its processing retries.
type DeadLetter struct {
	ID         int64     `json:"id"`
	Event      SyncEvent `json:"event"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	RecordedAt time.Time `json:"recorded_at"`
}
