// Package postgres is the durable track.Store backed by pgx. Attempts live
// in their own append-only table; the record head row carries the mutable
// state. Transient write failures are retried with a capped backoff before
// surfacing to the pipeline.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/track"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS formwarden;

CREATE TABLE IF NOT EXISTS formwarden.events (
	id           TEXT PRIMARY KEY,
	subject_type TEXT NOT NULL,
	severity     TEXT NOT NULL,
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS formwarden.records (
	id                 TEXT PRIMARY KEY,
	event_id           TEXT NOT NULL REFERENCES formwarden.events(id),
	recipient_id       TEXT NOT NULL,
	channel            TEXT NOT NULL,
	address            TEXT NOT NULL DEFAULT '',
	role               TEXT NOT NULL DEFAULT '',
	subject_type       TEXT NOT NULL,
	severity           TEXT NOT NULL,
	state              TEXT NOT NULL,
	throttle_deferrals INT NOT NULL DEFAULT 0,
	next_retry_at      TIMESTAMPTZ,
	failure_reason     TEXT NOT NULL DEFAULT '',
	last_error         TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS records_event_idx     ON formwarden.records(event_id);
CREATE INDEX IF NOT EXISTS records_recipient_idx ON formwarden.records(recipient_id);
CREATE INDEX IF NOT EXISTS records_state_idx     ON formwarden.records(state);
CREATE INDEX IF NOT EXISTS records_created_idx   ON formwarden.records(created_at);
CREATE INDEX IF NOT EXISTS records_retry_idx     ON formwarden.records(next_retry_at) WHERE next_retry_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS formwarden.attempts (
	record_id    TEXT NOT NULL REFERENCES formwarden.records(id),
	number       INT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	outcome      TEXT NOT NULL,
	error_detail TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (record_id, number)
);
`

// Store implements track.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect builds the pool, verifies connectivity and applies the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for health probes.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping probes connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// withWriteRetry retries a write with capped fibonacci backoff when the
// failure looks transient (connection trouble, serialization conflicts).
func withWriteRetry(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.NewFibonacci(100 * time.Millisecond)
	b = retry.WithCappedDuration(2*time.Second, b)
	b = retry.WithMaxRetries(4, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Connection exceptions (08xxx) and serialization failures (40001).
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001"
	}
	var netLike *pgconn.ConnectError
	return errors.As(err, &netLike)
}

func (s *Store) PutEvent(ctx context.Context, ev *event.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return withWriteRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO formwarden.events (id, subject_type, severity, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.SubjectType, string(ev.Severity), payload, ev.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return track.ErrDuplicateEvent
		}
		return nil
	})
}

func (s *Store) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	var (
		ev      event.Event
		sev     string
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, subject_type, severity, payload, created_at
		FROM formwarden.events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.SubjectType, &sev, &payload, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, track.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Severity = event.Severity(sev)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &ev, nil
}

func (s *Store) Insert(ctx context.Context, rec *track.Record) error {
	return withWriteRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO formwarden.records
				(id, event_id, recipient_id, channel, address, role, subject_type, severity,
				 state, throttle_deferrals, next_retry_at, failure_reason, last_error, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			rec.ID, rec.EventID, rec.RecipientID, rec.Channel, rec.Address, rec.Role,
			rec.SubjectType, rec.Severity, string(rec.State), rec.ThrottleDeferrals,
			rec.NextRetryAt, string(rec.FailureReason), rec.LastError, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
}

const recordColumns = `id, event_id, recipient_id, channel, address, role, subject_type, severity,
	state, throttle_deferrals, next_retry_at, failure_reason, last_error, created_at, updated_at`

func scanRecord(row pgx.Row) (*track.Record, error) {
	var (
		rec    track.Record
		state  string
		reason string
	)
	err := row.Scan(&rec.ID, &rec.EventID, &rec.RecipientID, &rec.Channel, &rec.Address, &rec.Role,
		&rec.SubjectType, &rec.Severity, &state, &rec.ThrottleDeferrals, &rec.NextRetryAt,
		&reason, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, track.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.State = track.State(state)
	rec.FailureReason = track.FailureReason(reason)
	return &rec, nil
}

func (s *Store) loadAttempts(ctx context.Context, recordID string) ([]track.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT number, started_at, completed_at, outcome, error_detail
		FROM formwarden.attempts WHERE record_id = $1 ORDER BY number`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []track.Attempt
	for rows.Next() {
		var (
			a       track.Attempt
			outcome string
		)
		if err := rows.Scan(&a.Number, &a.StartedAt, &a.CompletedAt, &outcome, &a.ErrorDetail); err != nil {
			return nil, err
		}
		a.Outcome = track.AttemptOutcome(outcome)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (*track.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM formwarden.records WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rec.Attempts, err = s.loadAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec *track.Record) error {
	return withWriteRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE formwarden.records SET
				state=$2, throttle_deferrals=$3, next_retry_at=$4,
				failure_reason=$5, last_error=$6, updated_at=$7
			WHERE id=$1`,
			rec.ID, string(rec.State), rec.ThrottleDeferrals, rec.NextRetryAt,
			string(rec.FailureReason), rec.LastError, rec.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return track.ErrNotFound
		}
		return nil
	})
}

func (s *Store) AppendAttempt(ctx context.Context, id string, a track.Attempt) error {
	return withWriteRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO formwarden.attempts (record_id, number, started_at, completed_at, outcome, error_detail)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			id, a.Number, a.StartedAt, a.CompletedAt, string(a.Outcome), a.ErrorDetail)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx,
			`UPDATE formwarden.records SET updated_at=$2 WHERE id=$1`, id, time.Now().UTC())
		return err
	})
}

func (s *Store) queryRecords(ctx context.Context, sql string, args ...any) ([]*track.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*track.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range out {
		rec.Attempts, err = s.loadAttempts(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) FindByEvent(ctx context.Context, eventID string) ([]*track.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM formwarden.records WHERE event_id = $1 ORDER BY created_at`, eventID)
}

func (s *Store) Query(ctx context.Context, f track.Filter) ([]*track.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.EventID != "" {
		add("event_id = $%d", f.EventID)
	}
	if f.RecipientID != "" {
		add("recipient_id = $%d", f.RecipientID)
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.State != "" {
		add("state = $%d", string(f.State))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	sql := `SELECT ` + recordColumns + ` FROM formwarden.records`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryRecords(ctx, sql, args...)
}

func (s *Store) CountByState(ctx context.Context) (map[track.State]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM formwarden.records GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[track.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[track.State(state)] = n
	}
	return counts, rows.Err()
}

func (s *Store) Due(ctx context.Context, now time.Time) ([]*track.Record, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM formwarden.records
		WHERE next_retry_at IS NOT NULL AND next_retry_at <= $1
		  AND state NOT IN ('delivered', 'failed_permanent', 'cancelled')
		ORDER BY next_retry_at`, now)
}
