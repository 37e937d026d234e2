package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"payrollbridge/ledger"
	"payrollbridge/payee"
	"payrollbridge/payroll"
	"payrollbridge/period"
	"payrollbridge/rates"
	"payrollbridge/test/actors"
	"payrollbridge/test/chaos"
	"payrollbridge/test/infra"
	"payrollbridge/test/oracles"
	"payrollbridge/timesheet"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of concurrent runners")
	flWorkers     = flag.Int("workers", 25, "number of workers on the payroll")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const (
	stressCurrency = "USD"
	stressBudget   = 3
)

func TestPayrollLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	flag.Parse()
	seed := *flSeed

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no docker and no local postgres: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	workers := make([]string, *flWorkers)
	payees := make(map[string]string, len(workers))
	for i := range workers {
		workers[i] = fmt.Sprintf("w%03d", i)
		payees[workers[i]] = fmt.Sprintf("deel_%03d", i)
	}
	periods := stressPeriods(t)

	// Short lease so entries stranded by killed backends become retryable mid-test.
	store := ledger.NewPGStore(pool, ledger.Policy{RetryBudget: stressBudget, PendingLease: 750 * time.Millisecond})
	provider := actors.NewProvider(seed)
	resolver, err := rates.NewResolver(rates.NewStaticSource(actors.Profiles(workers, stressCurrency)), stressCurrency)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	orch := payroll.NewOrchestrator(
		timesheet.NewAggregator(actors.Timesheets{Workers: workers}),
		resolver,
		payee.NewStaticDirectory(payees),
		provider,
		store,
		payroll.Config{Concurrency: 4, SubmitTimeout: 5 * time.Second, RetryBackoff: -1, Description: "Stress payroll"},
	)
	confirmer := payroll.NewConfirmer(store, provider, 5*time.Second, nil)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// runners racing over the same periods
	for i := 0; i < *flConcurrency; i++ {
		rng := rand.New(rand.NewSource(seed + int64(i)))
		g.Go(func() error { return actors.Runner(ctx2, orch, periods, rng, stop) })
	}
	// webhook deliveries, sometimes duplicated
	for i := 0; i < 2; i++ {
		rng := rand.New(rand.NewSource(seed + 100 + int64(i)))
		g.Go(func() error { return actors.Callbacker(ctx2, store, confirmer, provider, rng, stop) })
	}
	// polling reconciler competing with the webhook
	g.Go(func() error {
		return actors.Reconciler(ctx2, confirmer, rand.New(rand.NewSource(seed+200)), stop)
	})
	// chaos: kill random backend of this test
	go chaos.TerminateRandomBackend(ctx2, pool, infra.AppName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool, stressBudget)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// a chaos-terminated connection is not an oracle failure
				t.Logf("oracle query error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	final, cancelFinal := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinal()
	if name, row, err := oracles.Run(final, pool, stressBudget); err != nil {
		t.Fatalf("final oracle error: %v", err)
	} else if name != "" {
		dumpRecent(t, final, pool)
		t.Fatalf("Oracle %s failed after shutdown. First row: %s (seed=%d)", name, row, seed)
	}
	checkProvider(t, final, store, provider, seed)
}

// checkProvider compares the ledger with what the provider actually holds.
func checkProvider(t *testing.T, ctx context.Context, store ledger.Store, provider *actors.Provider, seed int64) {
	t.Helper()
	payments := provider.Payments()
	paidRefs := make(map[string]bool)
	for key, hist := range payments {
		paid := 0
		for _, p := range hist {
			if p.Status == payroll.StatusPaid {
				paid++
				paidRefs[p.Reference] = true
			}
		}
		if paid > 1 {
			t.Fatalf("key %s was paid %d times (seed=%d)", key, paid, seed)
		}
	}

	confirmed, err := store.List(ctx, ledger.Filter{State: ledger.StateConfirmed, Limit: 10000})
	if err != nil {
		t.Fatalf("list confirmed: %v", err)
	}
	for _, e := range confirmed {
		if !paidRefs[e.ProviderReference] {
			t.Fatalf("confirmed entry %s references %q which the provider never paid (seed=%d)", e.Key, e.ProviderReference, seed)
		}
	}
	t.Logf("provider keys=%d paid=%d ledger confirmed=%d", len(payments), len(paidRefs), len(confirmed))
}

func stressPeriods(t *testing.T) []period.Period {
	t.Helper()
	now := time.Now()
	var out []period.Period
	for _, r := range [][2]string{
		{"2024-01-01", "2024-01-31"},
		{"2024-02-01", "2024-02-29"},
		{"2024-03-01", "2024-03-31"},
	} {
		p, err := period.Parse(r[0], r[1], now)
		if err != nil {
			t.Fatalf("period %v: %v", r, err)
		}
		out = append(out, p)
	}
	return out
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"payroll_ledger", `SELECT key, worker_id, period_start, state, provider_reference, attempt_count, updated_at FROM payroll_ledger ORDER BY updated_at DESC LIMIT 50`},
		{"payroll_ledger_events", `SELECT id, entry_key, from_state, to_state, attempt_count, created_at FROM payroll_ledger_events ORDER BY id DESC LIMIT 50`},
		{"payroll_periods", `SELECT period_start, period_end, settled_at FROM payroll_periods ORDER BY period_start`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
