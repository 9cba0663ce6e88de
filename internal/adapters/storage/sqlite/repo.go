package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// Repository persists sessions, activity events, and dead letters.
type Repository struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	db, err := sql.Open(driverName, "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// Each pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			work_date TEXT NOT NULL,
			status TEXT NOT NULL,
			clock_in_at TEXT NOT NULL,
			clock_out_at TEXT,
			last_lat REAL,
			last_lon REAL,
			last_accuracy REAL,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_open ON sessions(employee_id) WHERE status != 'ended';`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_work_date ON sessions(work_date);`,
		`CREATE TABLE IF NOT EXISTS activity_events (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			lat REAL,
			lon REAL,
			accuracy REAL,
			site_id TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			attachment_ref TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_events_session ON activity_events(session_id, occurred_at);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			employee_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			sequence INTEGER NOT NULL DEFAULT 0,
			event_json TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// SaveActivity stores one event and the session state it produced in one transaction.
func (r *Repository) SaveActivity(ctx context.Context, s domain.Session, evt domain.ActivityEvent) (err error) {
	if err := evt.Validate(); err != nil {
		return err
	}
	if evt.SessionID != s.ID {
		return fmt.Errorf("%w: event %s belongs to session %s, not %s", domain.ErrInvalidEvent, evt.ID, evt.SessionID, s.ID)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save activity: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = upsertSession(ctx, tx, s); err != nil {
		return err
	}
	lat, lon, acc := pointColumns(evt.Location)
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO activity_events(id, employee_id, session_id, type, occurred_at, lat, lon, accuracy, site_id, note, attachment_ref)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.EmployeeID, evt.SessionID, string(evt.Type), ts(evt.OccurredAt), lat, lon, acc, evt.SiteID, evt.Note, evt.AttachmentRef)
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save activity: %w", err)
	}
	return nil
}

// SaveSession upserts one session. Older versions never overwrite newer ones.
func (r *Repository) SaveSession(ctx context.Context, s domain.Session) error {
	return upsertSession(ctx, r.db, s)
}

// GetSession returns one session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, app.ErrNotFound
	}
	return s, err
}

// ListOpenSessions returns every session that is not ended.
func (r *Repository) ListOpenSessions(ctx context.Context) ([]domain.Session, error) {
	return r.listSessions(ctx, sessionSelect+` WHERE status != 'ended' ORDER BY employee_id ASC`)
}

// ListSessionsByDate returns sessions for one calendar day.
func (r *Repository) ListSessionsByDate(ctx context.Context, date string) ([]domain.Session, error) {
	return r.listSessions(ctx, sessionSelect+` WHERE work_date = ? ORDER BY clock_in_at ASC, id ASC`, date)
}

// ListSessionEvents returns one session's events in occurrence order.
func (r *Repository) ListSessionEvents(ctx context.Context, sessionID string) ([]domain.ActivityEvent, error) {
	return r.listEvents(ctx, eventSelect+` WHERE session_id = ? ORDER BY occurred_at ASC, rowid ASC`, sessionID)
}

// ListDayEvents returns events for sessions dated date plus any session still open.
func (r *Repository) ListDayEvents(ctx context.Context, date string) ([]domain.ActivityEvent, error) {
	return r.listEvents(ctx, eventSelect+`
		WHERE session_id IN (SELECT id FROM sessions WHERE work_date = ? OR status != 'ended')
		ORDER BY occurred_at ASC, rowid ASC
	`, date)
}

// RecordDeadLetter stores one exhausted event and returns it with its assigned id.
func (r *Repository) RecordDeadLetter(ctx context.Context, letter domain.DeadLetter) (domain.DeadLetter, error) {
	raw, err := json.Marshal(letter.Event)
	if err != nil {
		return domain.DeadLetter{}, fmt.Errorf("encode dead letter event: %w", err)
	}
	if letter.RecordedAt.IsZero() {
		letter.RecordedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters(employee_id, kind, sequence, event_json, attempts, last_error, recorded_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, letter.Event.EmployeeID, string(letter.Event.Kind), int64(letter.Event.Sequence), string(raw), letter.Attempts, letter.LastError, ts(letter.RecordedAt))
	if err != nil {
		return domain.DeadLetter{}, fmt.Errorf("insert dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.DeadLetter{}, err
	}
	letter.ID = id
	letter.RecordedAt = letter.RecordedAt.UTC()
	return letter, nil
}

// ListDeadLetters returns the newest dead letters first. limit <= 0 returns all of them.
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	query := `SELECT id, event_json, attempts, last_error, recorded_at FROM dead_letters ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DeadLetter, 0)
	for rows.Next() {
		var (
			letter     domain.DeadLetter
			eventJSON  string
			recordedAt string
		)
		if err := rows.Scan(&letter.ID, &eventJSON, &letter.Attempts, &letter.LastError, &recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(eventJSON), &letter.Event); err != nil {
			return nil, fmt.Errorf("decode dead letter %d: %w", letter.ID, err)
		}
		letter.RecordedAt = parseTS(recordedAt)
		out = append(out, letter)
	}
	return out, rows.Err()
}

// execerContext is satisfied by both *sql.DB and *sql.Tx.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func upsertSession(ctx context.Context, execer execerContext, s domain.Session) error {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.EmployeeID) == "" {
		return domain.ErrInvalidID
	}
	lat, lon, acc := pointColumns(s.LastLocation)
	_, err := execer.ExecContext(ctx, `
		INSERT INTO sessions(id, employee_id, work_date, status, clock_in_at, clock_out_at, last_lat, last_lon, last_accuracy, updated_at, version)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			clock_out_at = excluded.clock_out_at,
			last_lat = excluded.last_lat,
			last_lon = excluded.last_lon,
			last_accuracy = excluded.last_accuracy,
			updated_at = excluded.updated_at,
			version = excluded.version
		WHERE excluded.version >= sessions.version
	`, s.ID, s.EmployeeID, s.Date, string(s.Status), ts(s.ClockInAt), nullableTS(s.ClockOutAt), lat, lon, acc, ts(s.UpdatedAt), s.Version)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("%w: employee %s", domain.ErrAlreadyClockedIn, s.EmployeeID)
		}
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const sessionSelect = `SELECT id, employee_id, work_date, status, clock_in_at, clock_out_at, last_lat, last_lon, last_accuracy, updated_at, version FROM sessions`

const eventSelect = `SELECT id, employee_id, session_id, type, occurred_at, lat, lon, accuracy, site_id, note, attachment_ref FROM activity_events`

func (r *Repository) listSessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) listEvents(ctx context.Context, query string, args ...any) ([]domain.ActivityEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ActivityEvent, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func scanSession(s scanner) (domain.Session, error) {
	var (
		out                domain.Session
		statusRaw          string
		clockInRaw         string
		clockOutRaw        sql.NullString
		lat, lon, accuracy sql.NullFloat64
		updatedRaw         string
	)
	if err := s.Scan(&out.ID, &out.EmployeeID, &out.Date, &statusRaw, &clockInRaw, &clockOutRaw, &lat, &lon, &accuracy, &updatedRaw, &out.Version); err != nil {
		return domain.Session{}, err
	}
	status, err := domain.ParseSessionStatus(statusRaw)
	if err != nil {
		return domain.Session{}, err
	}
	out.Status = status
	out.ClockInAt = parseTS(clockInRaw)
	out.ClockOutAt = parseNullTS(clockOutRaw)
	out.LastLocation = scanPoint(lat, lon, accuracy)
	out.UpdatedAt = parseTS(updatedRaw)
	return out, nil
}

func scanEvent(s scanner) (domain.ActivityEvent, error) {
	var (
		out                domain.ActivityEvent
		typeRaw            string
		occurredRaw        string
		lat, lon, accuracy sql.NullFloat64
	)
	if err := s.Scan(&out.ID, &out.EmployeeID, &out.SessionID, &typeRaw, &occurredRaw, &lat, &lon, &accuracy, &out.SiteID, &out.Note, &out.AttachmentRef); err != nil {
		return domain.ActivityEvent{}, err
	}
	typ, err := domain.ParseActivityType(typeRaw)
	if err != nil {
		return domain.ActivityEvent{}, err
	}
	out.Type = typ
	out.OccurredAt = parseTS(occurredRaw)
	out.Location = scanPoint(lat, lon, accuracy)
	return out, nil
}

// pointColumns flattens an optional point into nullable columns.
func pointColumns(p *domain.GeoPoint) (any, any, any) {
	if p == nil {
		return nil, nil, nil
	}
	return p.Latitude, p.Longitude, p.Accuracy
}

func scanPoint(lat, lon, accuracy sql.NullFloat64) *domain.GeoPoint {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &domain.GeoPoint{Latitude: lat.Float64, Longitude: lon.Float64, Accuracy: accuracy.Float64}
}

// tsLayout is fixed width so stored timestamps sort lexically in time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// nullableTS handles nullable ts.
func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
