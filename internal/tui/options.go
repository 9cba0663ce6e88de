package tui

import "time"

type Option func(*Model)

// WithRefreshInterval sets how often the table is redrawn from the projection.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.refreshEvery = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTitle replaces the header title, for example with the remote server address.
func WithTitle(title string) Option {
	return func(m *Model) {
		m.title = title
	}
}
