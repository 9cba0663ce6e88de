package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/shiftsync/internal/domain"
	"github.com/hylla/shiftsync/internal/retry"
)

// Processor defaults.
const (
	DefaultProcessorSubscriberID = "sync-queue-processor"
	DefaultRetryBaseDelay        = time.Second
	DefaultRetryMaxDelay         = 30 * time.Second
	DefaultRetryMaxAttempts      = 5
	DefaultWorkerQueue           = 64
)

// reconcileKey routes resync markers to their own worker so they never block one employee.
const reconcileKey = "\x00reconcile"

// ProcessorObserver receives processing counters. Implementations must not block.
type ProcessorObserver interface {
	Processed(kind domain.SyncEventKind)
	Retried(kind domain.SyncEventKind)
	DeadLettered(kind domain.SyncEventKind)
	Rejected(code string)
}

type nopProcessorObserver struct{}

func (nopProcessorObserver) Processed(domain.SyncEventKind) {}

func (nopProcessorObserver) Retried(domain.SyncEventKind) {}

func (nopProcessorObserver) DeadLettered(domain.SyncEventKind) {}

func (nopProcessorObserver) Rejected(string) {}

// ProcessorConfig holds configuration for the sync queue processor.
type ProcessorConfig struct {
	SubscriberID string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	// WorkerQueue is the per-employee backlog length above which a warning is
	// logged. Backlogs are not capped, so one stuck employee never stalls the rest.
	WorkerQueue int
	// Backoff builds the wait between attempts. Defaults to exponential backoff from BaseDelay capped at MaxDelay.
	Backoff  func() retry.Backoff
	Observer ProcessorObserver
	Logger   Logger
}

// Processor drains the bus, persists applied activity, executes queued commands
// and republishes normalized status changes. Work is serialized per employee and
// parallel across employees.
type Processor struct {
	bus        Bus
	attendance *Attendance
	repo       Repository
	clock      Clock
	cfg        ProcessorConfig
	logger     Logger
	observer   ProcessorObserver

	workers map[string]*backlog
	done    chan struct{}
}

// NewProcessor constructs a processor.
func NewProcessor(bus Bus, attendance *Attendance, repo Repository, clock Clock, cfg ProcessorConfig) *Processor {
	if clock == nil {
		clock = time.Now
	}
	if cfg.SubscriberID == "" {
		cfg.SubscriberID = DefaultProcessorSubscriberID
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.WorkerQueue <= 0 {
		cfg.WorkerQueue = DefaultWorkerQueue
	}
	if cfg.Backoff == nil {
		base, ceiling := cfg.BaseDelay, cfg.MaxDelay
		cfg.Backoff = func() retry.Backoff { return retry.ExponentialBackoff(base, 2, ceiling) }
	}
	if cfg.Observer == nil {
		cfg.Observer = nopProcessorObserver{}
	}
	var logger Logger = log.Default()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &Processor{
		bus:        bus,
		attendance: attendance,
		repo:       repo,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		observer:   cfg.Observer,
		workers:    map[string]*backlog{},
		done:       make(chan struct{}),
	}
}

// Done is closed once Run has returned and every worker has drained.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Run consumes the bus until ctx ends. In-flight work and retries run to
// completion after cancellation, then a final reconcile persists anything the
// state machine still holds.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)
	sub, err := p.bus.Subscribe(p.cfg.SubscriberID)
	if err != nil {
		return fmt.Errorf("subscribe processor: %w", err)
	}
	defer sub.Close()

	workCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		for key, q := range p.workers {
			q.close()
			delete(p.workers, key)
		}
		wg.Wait()
		if err := p.reconcile(workCtx); err != nil {
			p.logger.Error("final reconcile failed", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			key, route := routeKey(evt)
			if !route {
				continue
			}
			q, ok := p.workers[key]
			if !ok {
				q = newBacklog()
				p.workers[key] = q
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						evt, ok := q.next()
						if !ok {
							return
						}
						p.Handle(workCtx, evt)
					}
				}()
			}
			if n := q.push(evt); n == p.cfg.WorkerQueue+1 {
				p.logger.Warn("employee backlog growing", "employee_id", evt.EmployeeID, "pending", n)
			}
		}
	}
}

// routeKey picks the worker for one event. Status, rejection and heartbeat
// events are this processor's own outputs and are skipped.
func routeKey(evt domain.SyncEvent) (string, bool) {
	switch evt.Kind {
	case domain.KindActivity, domain.KindCommand:
		return evt.EmployeeID, true
	case domain.KindResync:
		return reconcileKey, true
	default:
		return "", false
	}
}

// Handle processes one event synchronously.
func (p *Processor) Handle(ctx context.Context, evt domain.SyncEvent) {
	switch evt.Kind {
	case domain.KindActivity:
		payload := *evt.Activity
		if !p.withRetry(ctx, evt, func(ctx context.Context) error {
			return p.repo.SaveActivity(ctx, payload.Session, payload.Event)
		}) {
			return
		}
		status := domain.StatusFromEvent(payload.Event)
		if status.Location == nil && payload.Session.LastLocation != nil {
			loc := *payload.Session.LastLocation
			status.Location = &loc
		}
		p.publish(domain.NewStatusChangedEvent(status))
	case domain.KindCommand:
		p.execute(ctx, *evt.Command)
	case domain.KindResync:
		p.withRetry(ctx, evt, p.reconcile)
	}
}

func (p *Processor) execute(ctx context.Context, cmd domain.Command) {
	if p.attendance == nil {
		p.logger.Error("command dropped: no attendance state machine", "command_id", cmd.ID)
		return
	}
	_, err := p.attendance.Execute(ctx, cmd)
	if err == nil {
		p.observer.Processed(domain.KindCommand)
		return
	}
	code := domain.RejectionCode(err)
	p.observer.Rejected(code)
	p.logger.Info("command rejected", "command_id", cmd.ID, "employee_id", cmd.EmployeeID, "type", cmd.Type, "code", code, "err", err)
	p.publish(domain.NewCommandRejectedEvent(cmd, err))
}

// withRetry runs fn with backoff. Exhausted events are dead-lettered; it reports success.
func (p *Processor) withRetry(ctx context.Context, evt domain.SyncEvent, fn func(context.Context) error) bool {
	backoff := p.cfg.Backoff()
	attempts, err := retry.Attempts(ctx, p.cfg.MaxAttempts, backoff, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		if err != nil && attempt < p.cfg.MaxAttempts {
			p.observer.Retried(evt.Kind)
			p.logger.Warn("sync event processing failed; retrying", "kind", evt.Kind, "employee_id", evt.EmployeeID, "sequence", evt.Sequence, "attempt", attempt, "err", err)
		}
		return err
	})
	if err == nil {
		p.observer.Processed(evt.Kind)
		return true
	}
	p.deadLetter(ctx, evt, attempts, err)
	return false
}

func (p *Processor) deadLetter(ctx context.Context, evt domain.SyncEvent, attempts int, cause error) {
	p.observer.DeadLettered(evt.Kind)
	p.logger.Error("sync event dead-lettered", "kind", evt.Kind, "employee_id", evt.EmployeeID, "sequence", evt.Sequence, "attempts", attempts, "err", cause)
	letter := domain.DeadLetter{
		Event:      evt,
		Attempts:   attempts,
		LastError:  cause.Error(),
		RecordedAt: p.clock().UTC(),
	}
	if _, err := p.repo.RecordDeadLetter(ctx, letter); err != nil {
		p.logger.Error("dead letter write failed", "kind", evt.Kind, "employee_id", evt.EmployeeID, "sequence", evt.Sequence, "err", err)
	}
}

// reconcile re-persists every session and event the state machine still holds,
// including sessions dated yesterday that ended after midnight. Saves are idempotent.
func (p *Processor) reconcile(ctx context.Context) error {
	if p.attendance == nil {
		return nil
	}
	day := p.attendance.Held()
	byID := make(map[string]domain.Session, len(day.Sessions))
	for _, s := range day.Sessions {
		byID[s.ID] = s
	}
	for _, evt := range day.Events {
		if err := p.repo.SaveActivity(ctx, byID[evt.SessionID], evt); err != nil {
			return fmt.Errorf("reconcile event %s: %w", evt.ID, err)
		}
	}
	for _, s := range day.Sessions {
		if err := p.repo.SaveSession(ctx, s); err != nil {
			return fmt.Errorf("reconcile session %s: %w", s.ID, err)
		}
	}
	yesterday := p.clock().AddDate(0, 0, -1).In(p.attendance.zone).Format(domain.DateLayout)
	if pruned := p.attendance.Prune(yesterday); pruned > 0 {
		p.logger.Debug("pruned ended sessions", "count", pruned)
	}
	p.logger.Debug("reconciled held sessions", "date", day.Date, "sessions", len(day.Sessions), "events", len(day.Events))
	return nil
}

func (p *Processor) publish(evt domain.SyncEvent) {
	if _, err := p.bus.Publish(evt); err != nil {
		p.logger.Error("publish failed; broadcasting resync", "kind", evt.Kind, "employee_id", evt.EmployeeID, "err", err)
		if rerr := p.bus.BroadcastResync(domain.ResyncReasonEmissionFailed); rerr != nil {
			p.logger.Error("resync broadcast failed", "err", rerr)
		}
	}
}

// backlog is an unbounded FIFO feeding one worker.
type backlog struct {
	mu      sync.Mutex
	pending []domain.SyncEvent
	closed  bool
	wake    chan struct{}
}

func newBacklog() *backlog {
	return &backlog{wake: make(chan struct{}, 1)}
}

// push appends evt and returns the pending count.
func (q *backlog) push(evt domain.SyncEvent) int {
	q.mu.Lock()
	q.pending = append(q.pending, evt)
	n := len(q.pending)
	q.mu.Unlock()
	q.signal()
	return n
}

// close lets the worker drain what is pending and then stop.
func (q *backlog) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *backlog) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until an event is pending or the backlog is closed and drained.
func (q *backlog) next() (domain.SyncEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			evt := q.pending[0]
			q.pending[0] = domain.SyncEvent{}
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return evt, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.SyncEvent{}, false
		}
		<-q.wake
	}
}
