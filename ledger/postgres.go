package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"payrollbridge/period"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore is the Postgres-backed ledger. Reservations rely on the primary key
// of payroll_ledger and row locks; every state change appends to
// payroll_ledger_events in the same transaction.
type PGStore struct {
	db     DB
	policy Policy
	now    func() time.Time
}

type PGOption func(*PGStore)

func WithPGClock(now func() time.Time) PGOption {
	return func(s *PGStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewPGStore(db DB, policy Policy, opts ...PGOption) *PGStore {
	s := &PGStore{db: db, policy: policy.normalized(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const entryColumns = `key, worker_id, period_key, payee_id, amount_minor, currency, state,
       provider_reference, failure_reason, last_attempt_at, attempt_count, created_at, updated_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e             Entry
		state         string
		ref, reason   *string
		lastAttemptAt *time.Time
	)
	if err := row.Scan(&e.Key, &e.WorkerID, &e.PeriodKey, &e.PayeeID, &e.Amount, &e.Currency, &state,
		&ref, &reason, &lastAttemptAt, &e.AttemptCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	p, err := period.ParseKey(e.PeriodKey)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: corrupt period key %q: %w", e.PeriodKey, err)
	}
	e.Period = p
	e.Currency = strings.TrimSpace(e.Currency)
	e.State = State(state)
	if ref != nil {
		e.ProviderReference = *ref
	}
	if reason != nil {
		e.FailureReason = *reason
	}
	if lastAttemptAt != nil {
		e.LastAttemptAt = lastAttemptAt.UTC()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (s *PGStore) Lookup(ctx context.Context, key string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM payroll_ledger WHERE key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("ledger: lookup: %w", err)
	}
	return e, nil
}

func (s *PGStore) Reserve(ctx context.Context, params ReserveParams) (Reservation, error) {
	params, err := validateReserve(params)
	if err != nil {
		return Reservation{}, err
	}

	now := s.now().UTC()
	candidate := newPendingEntry(params, now)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO payroll_ledger (key, worker_id, period_key, period_start, period_end, payee_id,
                            amount_minor, currency, state, attempt_count, last_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', 1, $9, $9, $9)
ON CONFLICT (key) DO NOTHING;
`
	tag, err := tx.Exec(ctx, insertSQL, candidate.Key, candidate.WorkerID, candidate.PeriodKey,
		params.Period.Start(), params.Period.End(), candidate.PayeeID, candidate.Amount, candidate.Currency, now)
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: insert reservation: %w", err)
	}

	if tag.RowsAffected() == 1 {
		if err := appendEvent(ctx, tx, candidate, "", map[string]any{"reason": "reserved"}); err != nil {
			return Reservation{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Reservation{}, fmt.Errorf("ledger: commit reservation: %w", err)
		}
		return Reservation{Entry: candidate, Acquired: true}, nil
	}

	cur, err := lockEntry(ctx, tx, candidate.Key)
	if err != nil {
		return Reservation{}, err
	}

	out := decideReserve(cur, now, s.policy)
	if !out.changed {
		return Reservation{Entry: cur, Acquired: false}, nil
	}

	if err := updateEntry(ctx, tx, out.next, cur.State); err != nil {
		return Reservation{}, err
	}
	if err := appendEvent(ctx, tx, out.next, cur.State, map[string]any{"reason": out.reason}); err != nil {
		return Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("ledger: commit reservation: %w", err)
	}
	return Reservation{Entry: out.next, Acquired: out.acquired}, nil
}

func (s *PGStore) MarkSubmitted(ctx context.Context, key, ref string) (Entry, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Entry{}, fmt.Errorf("ledger: empty provider reference for %s", key)
	}
	return s.transition(ctx, key, StateSubmitted, ref, "")
}

func (s *PGStore) MarkConfirmed(ctx context.Context, key string) (Entry, error) {
	return s.transition(ctx, key, StateConfirmed, "", "")
}

func (s *PGStore) MarkFailed(ctx context.Context, key, reason string) (Entry, error) {
	return s.transition(ctx, key, StateFailed, "", reason)
}

func (s *PGStore) transition(ctx context.Context, key string, to State, ref, reason string) (Entry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := lockEntry(ctx, tx, key)
	if err != nil {
		return Entry{}, err
	}

	next, err := applyTransition(cur, to, ref, reason, s.now().UTC())
	if err != nil {
		return cur, err
	}

	if err := updateEntry(ctx, tx, next, cur.State); err != nil {
		return Entry{}, err
	}

	detail := map[string]any{}
	if ref != "" {
		detail["provider_reference"] = ref
	}
	if reason != "" {
		detail["reason"] = reason
	}
	if err := appendEvent(ctx, tx, next, cur.State, detail); err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("ledger: commit transition: %w", err)
	}
	return next, nil
}

func lockEntry(ctx context.Context, tx pgx.Tx, key string) (Entry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM payroll_ledger WHERE key = $1 FOR UPDATE`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("ledger: lock entry: %w", err)
	}
	return e, nil
}

func updateEntry(ctx context.Context, tx pgx.Tx, e Entry, from State) error {
	const updateSQL = `
UPDATE payroll_ledger
SET state = $2,
    provider_reference = NULLIF($3, ''),
    failure_reason = NULLIF($4, ''),
    attempt_count = $5,
    last_attempt_at = $6,
    updated_at = $7
WHERE key = $1;
`
	_, err := tx.Exec(ctx, updateSQL, e.Key, string(e.State), e.ProviderReference, e.FailureReason,
		e.AttemptCount, e.LastAttemptAt, e.UpdatedAt)
	return updateError(err, e, from)
}

// updateError maps constraint violations raised by the ledger table onto the
// package's sentinel errors. 23514 comes from payroll_ledger_guard.
func updateError(err error, e Entry, from State) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicateReference, e.ProviderReference)
		case "23514":
			return fmt.Errorf("%w (%s)", &InvalidTransitionError{Key: e.Key, From: from, To: e.State}, pgErr.Message)
		}
	}
	return fmt.Errorf("ledger: update entry: %w", err)
}

func appendEvent(ctx context.Context, tx pgx.Tx, e Entry, from State, detail map[string]any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("ledger: marshal event detail: %w", err)
	}

	var fromState any
	if from != "" {
		fromState = string(from)
	}

	const insertSQL = `
INSERT INTO payroll_ledger_events (entry_key, from_state, to_state, attempt_count, detail, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6);
`
	if _, err := tx.Exec(ctx, insertSQL, e.Key, fromState, string(e.State), e.AttemptCount, string(payload), e.UpdatedAt); err != nil {
		return fmt.Errorf("ledger: insert event: %w", err)
	}
	return nil
}

// Events returns the transition history of key, oldest first.
func (s *PGStore) Events(ctx context.Context, key string) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
SELECT entry_key, COALESCE(from_state, ''), to_state, attempt_count, detail, created_at
FROM payroll_ledger_events
WHERE entry_key = $1
ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev       Event
			from, to string
			raw      []byte
		)
		if err := rows.Scan(&ev.Key, &from, &to, &ev.AttemptCount, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		ev.From, ev.To = State(from), State(to)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Detail); err != nil {
				return nil, fmt.Errorf("ledger: decode event detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.PeriodKey != "" {
		args = append(args, f.PeriodKey)
		where = append(where, fmt.Sprintf("period_key = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.WorkerID != "" {
		args = append(args, f.WorkerID)
		where = append(where, fmt.Sprintf("worker_id = $%d", len(args)))
	}

	query := `SELECT ` + entryColumns + ` FROM payroll_ledger`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period_key, worker_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list rows: %w", err)
	}
	return out, nil
}

func (s *PGStore) FindByReference(ctx context.Context, ref string) (Entry, error) {
	if ref == "" {
		return Entry{}, ErrNotFound
	}
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM payroll_ledger WHERE provider_reference = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("ledger: find by reference: %w", err)
	}
	return e, nil
}

func (s *PGStore) SettledPeriods(ctx context.Context) ([]period.Period, error) {
	rows, err := s.db.Query(ctx, `SELECT period_key FROM payroll_periods ORDER BY period_start`)
	if err != nil {
		return nil, fmt.Errorf("ledger: settled periods: %w", err)
	}
	defer rows.Close()

	var out []period.Period
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("ledger: scan settled period: %w", err)
		}
		p, err := period.ParseKey(key)
		if err != nil {
			return nil, fmt.Errorf("ledger: corrupt settled period %q: %w", key, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkPeriodSettled(ctx context.Context, p period.Period, runID string) error {
	const insertSQL = `
INSERT INTO payroll_periods (period_key, period_start, period_end, run_id, settled_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (period_key) DO NOTHING;
`
	if _, err := s.db.Exec(ctx, insertSQL, p.Key(), p.Start(), p.End(), runID, s.now().UTC()); err != nil {
		return fmt.Errorf("ledger: mark period settled: %w", err)
	}
	return nil
}
