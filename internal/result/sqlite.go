package result

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"relayq/internal/domain"
)

// EnsureSchema creates the result and chord tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS task_results (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  result BLOB,
  error_kind TEXT,
  error_message TEXT,
  worker_id TEXT,
  created_at INTEGER NOT NULL,
  finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_results_status ON task_results(status, created_at);
CREATE TABLE IF NOT EXISTS chords (
  key TEXT PRIMARY KEY,
  size INTEGER NOT NULL,
  remaining INTEGER NOT NULL,
  poisoned INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS chord_members (
  chord_key TEXT NOT NULL,
  idx INTEGER NOT NULL,
  result BLOB,
  PRIMARY KEY(chord_key, idx)
);
`
	_, err := db.Exec(schema)
	return err
}

// SQLite is the rich-query backend.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Create(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_results (id, status, created_at) VALUES (?,?,?)`,
		id, string(domain.StatusNew), s.now().UnixMilli())
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLite) SetStatus(ctx context.Context, id string, status domain.Status, value json.RawMessage, failure *domain.Failure, workerID string) error {
	var kind, msg any
	if failure != nil {
		kind, msg = string(failure.Kind), failure.Message
	}
	var finished any
	if status.Terminal() {
		finished = s.now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_results (id, status, result, error_kind, error_message, worker_id, created_at, finished_at)
VALUES (?,?,?,?,?,NULLIF(?,''),?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  result=excluded.result,
  error_kind=excluded.error_kind,
  error_message=excluded.error_message,
  worker_id=COALESCE(excluded.worker_id, task_results.worker_id),
  finished_at=excluded.finished_at`,
		id, string(status), []byte(value), kind, msg, workerID, s.now().UnixMilli(), finished)
	return err
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.TaskResult, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, status, result, error_kind, error_message, worker_id, created_at, finished_at
FROM task_results WHERE id=?`, id)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskResult{}, ErrNotFound
	}
	return res, err
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_results WHERE id=?`, id)
	return err
}

// List filters by status and creation window, newest first.
func (s *SQLite) List(ctx context.Context, status domain.Status, since time.Time, limit int) ([]domain.TaskResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, status, result, error_kind, error_message, worker_id, created_at, finished_at
FROM task_results WHERE created_at >= ?`
	args := []any{since.UnixMilli()}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ExpireBefore removes terminal results finished before the cutoff.
// This is the explicit expiry sweep; nothing else deletes results.
func (s *SQLite) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM task_results
WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) InitChord(ctx context.Context, key string, size int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chords (key, size, remaining) VALUES (?,?,?)
ON CONFLICT(key) DO NOTHING`, key, size, size)
	return err
}

func (s *SQLite) CompleteMember(ctx context.Context, key string, index int, value json.RawMessage) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO chord_members (chord_key, idx, result) VALUES (?,?,?)
ON CONFLICT(chord_key, idx) DO NOTHING`, key, index, []byte(value))
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// a redelivered member must not double-count toward the join
	if inserted == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE chords SET remaining = remaining - 1 WHERE key=?`, key); err != nil {
		return false, err
	}
	var remaining, poisoned int
	row := tx.QueryRowContext(ctx, `SELECT remaining, poisoned FROM chords WHERE key=?`, key)
	if err := row.Scan(&remaining, &poisoned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrChordNotFound
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return remaining == 0 && poisoned == 0, nil
}

func (s *SQLite) PoisonChord(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE chords SET poisoned=1 WHERE key=? AND poisoned=0`, key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) ChordResults(ctx context.Context, key string) ([]json.RawMessage, error) {
	var size int
	if err := s.db.QueryRowContext(ctx, `SELECT size FROM chords WHERE key=?`, key).Scan(&size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChordNotFound
		}
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT idx, result FROM chord_members WHERE chord_key=? ORDER BY idx`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]json.RawMessage, size)
	for rows.Next() {
		var idx int
		var val []byte
		if err := rows.Scan(&idx, &val); err != nil {
			return nil, err
		}
		if idx >= 0 && idx < size {
			out[idx] = val
		}
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanResult(row rowScanner) (domain.TaskResult, error) {
	var (
		res        domain.TaskResult
		status     string
		value      []byte
		kind, msg  sql.NullString
		workerID   sql.NullString
		createdAt  int64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(&res.ID, &status, &value, &kind, &msg, &workerID, &createdAt, &finishedAt); err != nil {
		return domain.TaskResult{}, err
	}
	res.Status = domain.Status(status)
	res.Result = value
	if kind.Valid {
		res.Error = &domain.Failure{Kind: domain.ErrorKind(kind.String), Message: msg.String}
	}
	res.WorkerID = workerID.String
	res.CreatedAt = time.UnixMilli(createdAt)
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		res.FinishedAt = &t
	}
	return res, nil
}
