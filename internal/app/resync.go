package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/shiftsync/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Resync monitor defaults.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultResyncTimeout     = 10 * time.Second
)

// Resync trigger reasons.
const (
	ResyncForeground      = "foreground"
	ResyncNetworkRestored = "network_restored"
	ResyncHeartbeatSilent = "heartbeat_silence"
	ResyncMarker          = "marker"
	ResyncStartup         = "startup"
	ResyncManual          = "manual"
)

// Projection is a client-side live status table fed by the event stream and
// replaced wholesale on resync.
type Projection struct {
	mu       sync.RWMutex
	statuses map[string]domain.LiveStatus
	seen     *domain.SequenceTracker
}

// NewProjection constructs an empty projection.
func NewProjection() *Projection {
	return &Projection{statuses: map[string]domain.LiveStatus{}, seen: domain.NewSequenceTracker()}
}

// Apply folds one streamed event. Duplicates and stale statuses are ignored.
func (p *Projection) Apply(evt domain.SyncEvent) bool {
	if evt.Kind != domain.KindStatusChanged || evt.Status == nil {
		return false
	}
	if !p.seen.Observe(evt) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.statuses[evt.EmployeeID]; ok && evt.Status.LastUpdated.Before(current.LastUpdated) {
		return false
	}
	p.statuses[evt.EmployeeID] = *evt.Status
	return true
}

// Reset discards the table and sequence tracking and loads statuses.
func (p *Projection) Reset(statuses []domain.LiveStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.statuses)
	for _, status := range statuses {
		p.statuses[status.EmployeeID] = status
	}
	p.seen.Reset()
}

// Snapshot returns the table ordered by employee id.
func (p *Projection) Snapshot() []domain.LiveStatus {
	p.mu.RLock()
	out := make([]domain.LiveStatus, 0, len(p.statuses))
	for _, status := range p.statuses {
		out = append(out, status)
	}
	p.mu.RUnlock()
	domain.SortLiveStatuses(out)
	return out
}

// Employee returns one employee's status.
func (p *Projection) Employee(employeeID string) (domain.LiveStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status, ok := p.statuses[employeeID]
	return status, ok
}

// ResyncObserver is told about every resync attempt. Implementations must not block.
type ResyncObserver interface {
	Resynced(reason string, err error)
}

// ResyncConfig holds configuration for the resync monitor.
type ResyncConfig struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	// EmployeeID limits resync to one employee's replay, as on an employee device.
	EmployeeID string
	Observer   ResyncObserver
	Logger     Logger
}

// MonitorStatus reports the monitor's last resync outcome.
type MonitorStatus struct {
	Resyncs    int
	LastReason string
	LastResync time.Time
	LastError  error
}

// ResyncMonitor rebuilds a projection from a snapshot whenever the client comes
// back to the foreground, regains its network, stops hearing heartbeats or sees
// a resync marker. Triggers that arrive while a resync runs coalesce into it.
type ResyncMonitor struct {
	source     SnapshotSource
	projection *Projection
	clock      Clock
	cfg        ResyncConfig
	logger     Logger
	triggers   chan string
	group      singleflight.Group

	mu        sync.Mutex
	lastEvent time.Time
	heartbeat time.Duration
	status    MonitorStatus
	runs      int
}

// NewResyncMonitor constructs a monitor.
func NewResyncMonitor(source SnapshotSource, projection *Projection, clock Clock, cfg ResyncConfig) *ResyncMonitor {
	if projection == nil {
		projection = NewProjection()
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResyncTimeout
	}
	var logger Logger = log.Default()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &ResyncMonitor{
		source:     source,
		projection: projection,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		triggers:   make(chan string, 1),
		heartbeat:  cfg.HeartbeatInterval,
	}
}

// Projection returns the table this monitor maintains.
func (m *ResyncMonitor) Projection() *Projection {
	return m.projection
}

// Foreground reports that the client returned from the background.
func (m *ResyncMonitor) Foreground() {
	m.Trigger(ResyncForeground)
}

// NetworkRestored reports that connectivity came back after a loss.
func (m *ResyncMonitor) NetworkRestored() {
	m.Trigger(ResyncNetworkRestored)
}

// Trigger queues a resync for Run. It never blocks; a pending trigger absorbs new ones.
func (m *ResyncMonitor) Trigger(reason string) {
	select {
	case m.triggers <- reason:
	default:
	}
}

// Status returns the last resync outcome.
func (m *ResyncMonitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Observe records one streamed event and folds it into the projection.
// It reports whether the event asks for a resync.
func (m *ResyncMonitor) Observe(evt domain.SyncEvent) bool {
	m.mu.Lock()
	m.lastEvent = m.clock()
	if evt.Kind == domain.KindHeartbeat && evt.Heartbeat != nil && evt.Heartbeat.IntervalMillis > 0 {
		m.heartbeat = evt.Heartbeat.Interval()
	}
	m.mu.Unlock()

	if evt.Kind == domain.KindResync {
		return true
	}
	if m.cfg.EmployeeID != "" && evt.EmployeeID != "" && evt.EmployeeID != m.cfg.EmployeeID {
		return false
	}
	m.projection.Apply(evt)
	return false
}

// silent reports whether the stream has been quiet for more than twice the
// heartbeat interval, and restarts the silence window when it has.
func (m *ResyncMonitor) silent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if now.Sub(m.lastEvent) <= 2*m.heartbeat {
		return false
	}
	m.lastEvent = now
	return true
}

// Run resyncs once, then consumes events until ctx ends or the stream closes.
// A closed stream returns nil so the caller can reconnect and Run again; every
// Run after the first opens with a network_restored resync.
func (m *ResyncMonitor) Run(ctx context.Context, events <-chan domain.SyncEvent) error {
	reason := ResyncStartup
	m.mu.Lock()
	m.lastEvent = m.clock()
	if m.runs > 0 {
		reason = ResyncNetworkRestored
	}
	m.runs++
	m.mu.Unlock()
	if err := m.Resync(ctx, reason); err != nil {
		m.logger.Warn("initial resync failed", "reason", reason, "err", err)
	}

	ticker := time.NewTicker(max(m.cfg.HeartbeatInterval/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if m.Observe(evt) {
				m.resyncLogged(ctx, ResyncMarker)
			}
		case reason := <-m.triggers:
			m.resyncLogged(ctx, reason)
		case <-ticker.C:
			if m.silent() {
				m.resyncLogged(ctx, ResyncHeartbeatSilent)
			}
		}
	}
}

func (m *ResyncMonitor) resyncLogged(ctx context.Context, reason string) {
	if err := m.Resync(ctx, reason); err != nil {
		m.logger.Warn("resync failed; will retry on next trigger", "reason", reason, "err", err)
	}
}

// Resync discards the projection and reloads it from the snapshot source within
// the configured timeout. Concurrent callers share one fetch.
func (m *ResyncMonitor) Resync(ctx context.Context, reason string) error {
	_, err, _ := m.group.Do("resync", func() (any, error) {
		return nil, m.resync(ctx, reason)
	})
	return err
}

func (m *ResyncMonitor) resync(ctx context.Context, reason string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	type result struct {
		statuses []domain.LiveStatus
		err      error
	}
	done := make(chan result, 1)
	go func() {
		statuses, err := m.fetch(fetchCtx)
		done <- result{statuses: statuses, err: err}
	}()

	var err error
	select {
	case res := <-done:
		err = res.err
		if err == nil {
			m.projection.Reset(res.statuses)
		} else if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrResyncTimeout, err)
		}
	case <-fetchCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w after %s", ErrResyncTimeout, m.cfg.Timeout)
		}
	}

	m.mu.Lock()
	m.status.LastReason = reason
	m.status.LastError = err
	if err == nil {
		m.status.Resyncs++
		m.status.LastResync = m.clock()
	}
	m.mu.Unlock()
	if m.cfg.Observer != nil {
		m.cfg.Observer.Resynced(reason, err)
	}
	if err == nil {
		m.logger.Debug("resync complete", "reason", reason)
	}
	return err
}

func (m *ResyncMonitor) fetch(ctx context.Context) ([]domain.LiveStatus, error) {
	if m.cfg.EmployeeID == "" {
		return m.source.Snapshot(ctx)
	}
	status, err := m.source.EmployeeSnapshot(ctx, m.cfg.EmployeeID)
	if err != nil {
		return nil, err
	}
	return []domain.LiveStatus{status}, nil
}
