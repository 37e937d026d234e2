package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	stmts  []string
	failOn int
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.stmts = append(r.stmts, sql)
	if r.failOn > 0 && len(r.stmts) == r.failOn {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	return pgconn.CommandTag{}, nil
}

func TestMigrations_Ordered(t *testing.T) {
	names, err := Migrations()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(names) < 3 {
		t.Fatalf("expected at least 3 migrations, got %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations not sorted: %v", names)
		}
	}
}

func TestMigrate_AppliesAll(t *testing.T) {
	rec := &recordingExecer{}
	if err := Migrate(context.Background(), rec); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	joined := strings.Join(rec.stmts, "\n")
	for _, table := range []string{"payroll_ledger", "payroll_ledger_events", "payroll_periods", "worker_payees"} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("expected migration creating %s", table)
		}
	}
}

func TestMigrate_StopsOnError(t *testing.T) {
	rec := &recordingExecer{failOn: 1}
	err := Migrate(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "0001_payroll_ledger.sql") {
		t.Fatalf("expected error naming first migration, got %v", err)
	}
	if len(rec.stmts) != 1 {
		t.Fatalf("expected to stop after first failure, ran %d", len(rec.stmts))
	}
}
