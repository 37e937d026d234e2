package payee

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"payrollbridge/payroll"
)

// Querier abstracts pgxpool.Pool for testability.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGDirectory reads worker_payees. Only active mappings that were auto-matched
// or verified by a human resolve.
type PGDirectory struct {
	db Querier
}

func NewPGDirectory(db Querier) *PGDirectory {
	return &PGDirectory{db: db}
}

func (d *PGDirectory) PayeeFor(ctx context.Context, workerID string) (string, error) {
	const query = `
SELECT payee_id
FROM worker_payees
WHERE worker_id = $1
  AND active
  AND verification_status IN ('auto_matched', 'human_verified');
`
	var payeeID string
	if err := d.db.QueryRow(ctx, query, workerID).Scan(&payeeID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: worker %s", payroll.ErrMissingPayee, workerID)
		}
		return "", fmt.Errorf("payee: lookup %s: %w", workerID, err)
	}
	return payeeID, nil
}

// Lookup returns the stored mapping of a worker whatever its status.
func (d *PGDirectory) Lookup(ctx context.Context, workerID string) (Mapping, error) {
	const query = `
SELECT worker_id, payee_id, display_name, verification_status, active, notes, updated_at
FROM worker_payees
WHERE worker_id = $1
`
	var (
		m       Mapping
		st      string
		updated time.Time
	)
	err := d.db.QueryRow(ctx, query, workerID).Scan(&m.WorkerID, &m.PayeeID, &m.DisplayName, &st, &m.Active, &m.Notes, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, fmt.Errorf("%w: worker %s", ErrMappingNotFound, workerID)
		}
		return Mapping{}, fmt.Errorf("payee: lookup mapping %s: %w", workerID, err)
	}
	m.Status = VerificationStatus(st)
	m.UpdatedAt = updated.UTC()
	return m, nil
}

// Upsert creates or replaces a mapping.
func (d *PGDirectory) Upsert(ctx context.Context, m Mapping) error {
	m.WorkerID = strings.TrimSpace(m.WorkerID)
	m.PayeeID = strings.TrimSpace(m.PayeeID)
	if m.WorkerID == "" || m.PayeeID == "" {
		return fmt.Errorf("%w: worker and payee ids are required", ErrInvalidMapping)
	}
	if m.Status == "" {
		m.Status = StatusNeedsReview
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidMapping, m.Status)
	}

	const upsertSQL = `
INSERT INTO worker_payees (worker_id, payee_id, display_name, verification_status, active, notes, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (worker_id) DO UPDATE
SET payee_id = EXCLUDED.payee_id,
    display_name = EXCLUDED.display_name,
    verification_status = EXCLUDED.verification_status,
    active = EXCLUDED.active,
    notes = EXCLUDED.notes,
    updated_at = now();
`
	if _, err := d.db.Exec(ctx, upsertSQL, m.WorkerID, m.PayeeID, m.DisplayName, string(m.Status), m.Active, m.Notes); err != nil {
		return fmt.Errorf("payee: upsert %s: %w", m.WorkerID, err)
	}
	return nil
}

// List returns every mapping, optionally filtered by status.
func (d *PGDirectory) List(ctx context.Context, status VerificationStatus) ([]Mapping, error) {
	query := `SELECT worker_id, payee_id, display_name, verification_status, active, notes, updated_at FROM worker_payees`
	var args []any
	if status != "" {
		query += ` WHERE verification_status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY worker_id`

	rows, err := d.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("payee: list: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var (
			m       Mapping
			st      string
			updated time.Time
		)
		if err := rows.Scan(&m.WorkerID, &m.PayeeID, &m.DisplayName, &st, &m.Active, &m.Notes, &updated); err != nil {
			return nil, fmt.Errorf("payee: scan: %w", err)
		}
		m.Status = VerificationStatus(st)
		m.UpdatedAt = updated.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
