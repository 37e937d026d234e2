package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"payrollbridge/db"
	"payrollbridge/period"
)

// TestPGStore_Integration runs the ledger against a live PostgreSQL from
// DATABASE_URL, covering reservation idempotency and guarded transitions.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := NewPGStore(pool, DefaultPolicy())

	// unique worker per run so repeated executions do not collide
	worker := fmt.Sprintf("itest-worker-%d", time.Now().UnixNano())
	p, err := period.Parse("2024-05-01", "2024-05-31", time.Time{})
	if err != nil {
		t.Fatalf("period: %v", err)
	}
	params := ReserveParams{WorkerID: worker, Period: p, PayeeID: "payee-" + worker, Amount: 75000, Currency: "USD"}
	key := KeyFor(worker, p)

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		// events are append-only; disable the guard trigger for cleanup
		pool.Exec(ctx2, `ALTER TABLE payroll_ledger_events DISABLE TRIGGER payroll_ledger_events_append_only_trg`)
		pool.Exec(ctx2, `DELETE FROM payroll_ledger_events WHERE entry_key = $1`, key)
		pool.Exec(ctx2, `ALTER TABLE payroll_ledger_events ENABLE TRIGGER payroll_ledger_events_append_only_trg`)
		pool.Exec(ctx2, `DELETE FROM payroll_ledger WHERE key = $1`, key)
	})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Reserve(ctx, params)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if res.Acquired {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if acquired != 1 {
		t.Fatalf("expected exactly one acquired reservation, got %d", acquired)
	}

	ref := "itest-ref-" + worker
	if _, err := store.MarkSubmitted(ctx, key, ref); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if _, err := store.MarkConfirmed(ctx, key); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	if _, err := store.MarkFailed(ctx, key, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	e, err := store.FindByReference(ctx, ref)
	if err != nil {
		t.Fatalf("find by reference: %v", err)
	}
	if e.State != StateConfirmed || e.Amount != 75000 || e.AttemptCount != 1 {
		t.Fatalf("unexpected final entry %+v", e)
	}

	events, err := store.Events(ctx, key)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	// direct SQL cannot bypass the state machine
	if _, err := pool.Exec(ctx, `UPDATE payroll_ledger SET state = 'PENDING' WHERE key = $1`, key); err == nil {
		t.Fatalf("expected database guard to reject CONFIRMED -> PENDING")
	}
}
