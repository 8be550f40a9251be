package beat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"relayq/internal/domain"
)

var ErrEntryNotFound = errors.New("schedule entry not found")

// Store persists schedule entries. The beat loop only reads Due and
// writes MarkFired; the CRUD surface is for the admin API.
type Store interface {
	Create(ctx context.Context, e domain.ScheduleEntry) error
	Update(ctx context.Context, e domain.ScheduleEntry) error
	Delete(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (domain.ScheduleEntry, error)
	List(ctx context.Context) ([]domain.ScheduleEntry, error)

	// Due returns enabled entries whose next_run is at or before now.
	Due(ctx context.Context, now time.Time) ([]domain.ScheduleEntry, error)
	// MarkFired records one firing and advances next_run.
	MarkFired(ctx context.Context, key string, last, next time.Time) error
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// EnsureSchema creates the schedule tables. All times are unix millis.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS schedule_entries (
  key TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  spec TEXT NOT NULL,
  task_name TEXT NOT NULL,
  args BLOB,
  kwargs BLOB,
  queue TEXT NOT NULL DEFAULT '',
  priority INTEGER NOT NULL DEFAULT 0,
  expires_ms INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run INTEGER,
  next_run INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedule_entries_due ON schedule_entries(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, e domain.ScheduleEntry) error {
	args, kwargs, err := encodePayload(e)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedule_entries (key,name,spec,task_name,args,kwargs,queue,priority,expires_ms,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,NULL,?,?,?)`,
		e.Key, e.Name, e.Spec, e.TaskName, args, kwargs, e.Queue, e.Priority,
		e.Expires.Milliseconds(), e.Enabled, e.NextRun.UnixMilli(), now, now)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("schedule %q already exists", e.Key)
	}
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, e domain.ScheduleEntry) error {
	args, kwargs, err := encodePayload(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE schedule_entries SET name=?,spec=?,task_name=?,args=?,kwargs=?,queue=?,priority=?,expires_ms=?,enabled=?,next_run=?,updated_at=?
WHERE key=?`,
		e.Name, e.Spec, e.TaskName, args, kwargs, e.Queue, e.Priority,
		e.Expires.Milliseconds(), e.Enabled, e.NextRun.UnixMilli(), time.Now().UnixMilli(), e.Key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_entries WHERE key=?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

const entryColumns = `key,name,spec,task_name,args,kwargs,queue,priority,expires_ms,enabled,last_run,next_run,created_at,updated_at`

func (s *SQLiteStore) Get(ctx context.Context, key string) (domain.ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries WHERE key=?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleEntry{}, ErrEntryNotFound
	}
	return e, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time) ([]domain.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries WHERE enabled=1 AND next_run<=? ORDER BY next_run`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *SQLiteStore) MarkFired(ctx context.Context, key string, last, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedule_entries SET last_run=?, next_run=?, updated_at=?
WHERE key=?`, last.UnixMilli(), next.UnixMilli(), time.Now().UnixMilli(), key)
	return err
}

func encodePayload(e domain.ScheduleEntry) ([]byte, []byte, error) {
	var args, kwargs []byte
	var err error
	if len(e.Args) > 0 {
		if args, err = json.Marshal(e.Args); err != nil {
			return nil, nil, fmt.Errorf("encode schedule args: %w", err)
		}
	}
	if len(e.Kwargs) > 0 {
		if kwargs, err = json.Marshal(e.Kwargs); err != nil {
			return nil, nil, fmt.Errorf("encode schedule kwargs: %w", err)
		}
	}
	return args, kwargs, nil
}

func collectEntries(rows *sql.Rows) ([]domain.ScheduleEntry, error) {
	var entries []domain.ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.ScheduleEntry, error) {
	var e domain.ScheduleEntry
	var args, kwargs []byte
	var expiresMS, nextRun, createdAt, updatedAt int64
	var lastRun sql.NullInt64
	if err := row.Scan(&e.Key, &e.Name, &e.Spec, &e.TaskName, &args, &kwargs,
		&e.Queue, &e.Priority, &expiresMS, &e.Enabled, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return domain.ScheduleEntry{}, err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &e.Args); err != nil {
			return domain.ScheduleEntry{}, fmt.Errorf("decode schedule args: %w", err)
		}
	}
	if len(kwargs) > 0 {
		if err := json.Unmarshal(kwargs, &e.Kwargs); err != nil {
			return domain.ScheduleEntry{}, fmt.Errorf("decode schedule kwargs: %w", err)
		}
	}
	e.Expires = time.Duration(expiresMS) * time.Millisecond
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64)
		e.LastRun = &t
	}
	e.NextRun = time.UnixMilli(nextRun)
	e.CreatedAt = time.UnixMilli(createdAt)
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return e, nil
}
