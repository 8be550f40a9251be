package broker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"relayq/internal/domain"
)

// EnsureSchema creates the envelope table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS envelopes (
  id TEXT PRIMARY KEY,
  queue TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('ready','leased')) DEFAULT 'ready',
  retry_count INTEGER NOT NULL DEFAULT 0,
  not_before INTEGER,
  expires_at INTEGER,
  lease_token TEXT,
  lease_expires INTEGER,
  enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_envelopes_ready ON envelopes(queue, state, priority DESC, rowid);
CREATE INDEX IF NOT EXISTS idx_envelopes_lease ON envelopes(state, lease_expires);
`
	_, err := db.Exec(schema)
	return err
}

// SQLite is the durable broker backend. Leasing flips ready rows to
// leased inside a serializable transaction; rows whose lease expired are
// reclaimed on every Lease call, which gives the at-least-once guarantee
// across process crashes.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Enqueue(ctx context.Context, env domain.Envelope) (string, error) {
	payload, err := domain.EncodeEnvelope(env)
	if err != nil {
		return "", err
	}
	queue := env.RoutingKey
	if queue == "" {
		queue = domain.DefaultQueue
	}
	var notBefore, expiresAt any
	if env.NotBefore != nil {
		notBefore = env.NotBefore.UnixMilli()
	}
	if env.ExpiresAt != nil {
		expiresAt = env.ExpiresAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO envelopes (id,queue,payload,priority,state,retry_count,not_before,expires_at,enqueued_at)
VALUES (?,?,?,?,'ready',?,?,?,?)
`, env.ID, queue, payload, env.Priority, env.RetryCount, notBefore, expiresAt, env.EnqueuedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return env.ID, nil
}

func (s *SQLite) Lease(ctx context.Context, queues []string, maxBatch int, visibility time.Duration) ([]Delivery, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// reclaim stale leases, then drop expired envelopes
	if _, err = tx.ExecContext(ctx, `
UPDATE envelopes SET state='ready', lease_token=NULL, lease_expires=NULL
WHERE state='leased' AND lease_expires <= ?`, now); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `
DELETE FROM envelopes WHERE state='ready' AND expires_at IS NOT NULL AND expires_at <= ?`, now); err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
	args := make([]any, 0, len(queues)+2)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, now, maxBatch)

	var rows *sql.Rows
	rows, err = tx.QueryContext(ctx, fmt.Sprintf(`
SELECT id, payload, retry_count FROM envelopes
WHERE state='ready' AND queue IN (%s) AND (not_before IS NULL OR not_before <= ?)
ORDER BY priority DESC, rowid ASC
LIMIT ?`, placeholders), args...)
	if err != nil {
		return nil, err
	}

	type picked struct {
		id      string
		payload []byte
		retries int
	}
	var rowsPicked []picked
	for rows.Next() {
		var p picked
		if err = rows.Scan(&p.id, &p.payload, &p.retries); err != nil {
			rows.Close()
			return nil, err
		}
		rowsPicked = append(rowsPicked, p)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	leaseExpires := now + visibility.Milliseconds()
	out := make([]Delivery, 0, len(rowsPicked))
	for _, p := range rowsPicked {
		env, decErr := domain.DecodeEnvelope(p.payload)
		if decErr != nil {
			// poison row, drop it rather than wedging the queue
			if _, err = tx.ExecContext(ctx, `DELETE FROM envelopes WHERE id=?`, p.id); err != nil {
				return nil, err
			}
			continue
		}
		env.RetryCount = p.retries
		token := uuid.NewString()
		if _, err = tx.ExecContext(ctx, `
UPDATE envelopes SET state='leased', lease_token=?, lease_expires=? WHERE id=?`, token, leaseExpires, p.id); err != nil {
			return nil, err
		}
		out = append(out, Delivery{Envelope: env, Token: token})
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *SQLite) Ack(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE lease_token=? AND state='leased'`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownToken
	}
	return nil
}

func (s *SQLite) Nack(ctx context.Context, token string, requeueAfter time.Duration) error {
	var notBefore any
	if requeueAfter > 0 {
		notBefore = s.now().Add(requeueAfter).UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET state='ready', retry_count=retry_count+1, not_before=?, lease_token=NULL, lease_expires=NULL
WHERE lease_token=? AND state='leased'`, notBefore, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownToken
	}
	return nil
}

func (s *SQLite) Purge(ctx context.Context, queue string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE queue=? AND state='ready'`, queue)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
