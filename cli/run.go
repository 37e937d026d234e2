package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"payrollbridge/app"
	"payrollbridge/ledger"
	"payrollbridge/payroll"
	"payrollbridge/period"
)

// errNeedsAttention makes the process exit non-zero after a partial run.
var errNeedsAttention = errors.New("run finished with worker errors or failed entries")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run payroll for a billing period",
	Long: `Run aggregates approved time entries, resolves payable amounts, reserves
ledger entries and submits payments. Without --start/--end the previous
month (or semi-month, when configured) is used. Re-running a period is safe.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("start", "", "First day of the period (YYYY-MM-DD)")
	runCmd.Flags().String("end", "", "Last day of the period (YYYY-MM-DD)")
	runCmd.Flags().Bool("notify", true, "Post the run report to Slack when configured")
}

func resolvePeriod(start, end string, fallback func(time.Time) period.Period, now time.Time) (period.Period, error) {
	switch {
	case start == "" && end == "":
		return fallback(now), nil
	case start == "" || end == "":
		return period.Period{}, errors.New("--start and --end must be given together")
	default:
		return period.Parse(start, end, now)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	notify, _ := cmd.Flags().GetBool("notify")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := resolvePeriod(start, end, cfg.DefaultPeriod, time.Now())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := newLogger(cmd)
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.Orchestrator.Run(ctx, p)
	if err != nil {
		return err
	}
	if notify && a.Notifier != nil {
		if err := a.Notifier.NotifyRun(ctx, summary); err != nil {
			logger.Warn("run report not delivered", "error", err)
		}
	}

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	} else {
		printRunSummary(cmd, summary)
	}
	if !summary.Clean() {
		return errNeedsAttention
	}
	return nil
}

func printRunSummary(cmd *cobra.Command, s payroll.RunSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s for %s\n", s.RunID, s.Period.Key())
	fmt.Fprintf(out, "  workers:   %d (skipped %d)\n", s.Workers, s.Skipped)
	for _, st := range ledger.States {
		fmt.Fprintf(out, "  %-10s %d\n", string(st)+":", s.Counts[st])
	}
	fmt.Fprintf(out, "  settled:   %v\n", s.Settled)
	if len(s.Errors) > 0 {
		fmt.Fprintf(out, "\nErrors (%d):\n", len(s.Errors))
		for _, we := range s.Errors {
			fmt.Fprintf(out, "  %-12s %-26s %s\n", we.WorkerID, we.Kind, we.Message)
		}
	}
}
