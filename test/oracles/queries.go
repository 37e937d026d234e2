package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns invariant queries over the ledger tables. Each must return no rows.
func All(retryBudget int) []Oracle {
	return []Oracle{
		{
			Name: "O1_one_entry_per_worker_period",
			SQL: `SELECT worker_id, period_key, COUNT(*) FROM payroll_ledger
                  GROUP BY worker_id, period_key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_history_follows_state_machine",
			SQL: `SELECT id, entry_key, from_state, to_state FROM payroll_ledger_events
                  WHERE NOT (
                        (from_state IS NULL        AND to_state = 'PENDING')
                     OR (from_state = 'PENDING'    AND to_state IN ('PENDING','SUBMITTED','FAILED'))
                     OR (from_state = 'SUBMITTED'  AND to_state IN ('CONFIRMED','FAILED'))
                     OR (from_state = 'FAILED'     AND to_state = 'PENDING'))`,
		},
		{
			Name: "O3_state_matches_last_event",
			SQL: `SELECT l.key, l.state, e.to_state FROM payroll_ledger l
                  JOIN LATERAL (
                      SELECT to_state FROM payroll_ledger_events
                      WHERE entry_key = l.key ORDER BY id DESC LIMIT 1) e ON true
                  WHERE e.to_state <> l.state`,
		},
		{
			Name: "O4_every_entry_has_history",
			SQL: `SELECT l.key FROM payroll_ledger l
                  WHERE NOT EXISTS (SELECT 1 FROM payroll_ledger_events e WHERE e.entry_key = l.key)`,
		},
		{
			Name: "O5_retry_budget",
			SQL:  fmt.Sprintf(`SELECT key, attempt_count FROM payroll_ledger WHERE attempt_count > %d`, retryBudget),
		},
		{
			Name: "O6_submitted_has_reference",
			SQL: `SELECT key, state FROM payroll_ledger
                  WHERE state IN ('SUBMITTED','CONFIRMED') AND provider_reference IS NULL`,
		},
		{
			Name: "O7_confirmed_is_final",
			SQL:  `SELECT id, entry_key, to_state FROM payroll_ledger_events WHERE from_state = 'CONFIRMED'`,
		},
		{
			Name: "O8_settled_period_fully_confirmed",
			SQL: `SELECT l.key, l.state FROM payroll_ledger l
                  JOIN payroll_periods p ON p.period_key = l.period_key
                  WHERE l.state <> 'CONFIRMED'`,
		},
		{
			Name: "O9_guard_triggers_installed",
			SQL: `SELECT 'missing_guard_trigger' AS detail
                  WHERE (SELECT COUNT(*) FROM pg_trigger
                         WHERE tgname IN ('payroll_ledger_guard_trg','payroll_ledger_events_append_only_trg')) < 2`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text), or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, retryBudget int) (string, string, error) {
	for _, o := range All(retryBudget) {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
