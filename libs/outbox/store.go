package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"

	DefaultMaxAttempts = 8
)

var ErrInvalidTask = errors.New("invalid outbox task")

// Execer is satisfied by pgx.Tx so tasks can be enqueued in the business
// transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Task struct {
	ID          uuid.UUID
	Kind        string
	Payload     json.RawMessage
	DedupeKey   string
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Enqueue writes a pending task. A non-empty dedupeKey makes repeated
// enqueues of the same fact a no-op.
func Enqueue(ctx context.Context, db Execer, kind, dedupeKey string, payload any, runAt time.Time) error {
	if kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidTask)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}
	var dedupe any
	if dedupeKey != "" {
		dedupe = dedupeKey
	}
	_, err = db.Exec(ctx, `
		INSERT INTO outbox_tasks (id, kind, payload, dedupe_key, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, $6, $7, $7)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, uuid.New(), kind, raw, dedupe, DefaultMaxAttempts, runAt.UTC(), now)
	return err
}

// TaskStore is what the Worker needs from storage.
type TaskStore interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Task, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id uuid.UUID, lastErr string) error
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Claim leases up to limit due tasks. Rows locked by another worker are
// skipped, and an expired lease makes a task claimable again.
func (s *PostgresStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_tasks
		SET locked_until = NOW() + make_interval(secs => $2), attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_tasks
			WHERE status = 'PENDING' AND run_at <= NOW()
				AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY run_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, payload, COALESCE(dedupe_key, ''), run_at, attempts, max_attempts
	`, limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Kind, &t.Payload, &t.DedupeKey, &t.RunAt, &t.Attempts, &t.MaxAttempts); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_tasks
		SET status = 'COMPLETED', locked_until = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

func (s *PostgresStore) Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_tasks
		SET run_at = $2, locked_until = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, runAt.UTC(), lastErr)
	return err
}

func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_tasks
		SET status = 'FAILED', locked_until = NULL, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, lastErr)
	return err
}

var _ Execer = pgx.Tx(nil)
