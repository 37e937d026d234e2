package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"payrollbridge/app"
	"payrollbridge/ledger"
	"payrollbridge/money"
	"payrollbridge/period"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the reconciliation ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries",
	RunE:  runLedgerList,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show [key]",
	Short: "Show one entry and its transition history",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

func init() {
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)

	ledgerListCmd.Flags().String("period", "", "Period key, e.g. 2024-05-01..2024-05-31")
	ledgerListCmd.Flags().String("state", "", "PENDING, SUBMITTED, CONFIRMED or FAILED")
	ledgerListCmd.Flags().String("worker", "", "Worker id")
	ledgerListCmd.Flags().Int("limit", 100, "Maximum entries to show (0 for all)")
}

func ledgerFilter(cmd *cobra.Command) (ledger.Filter, error) {
	var f ledger.Filter
	if raw, _ := cmd.Flags().GetString("period"); raw != "" {
		p, err := period.ParseKey(raw)
		if err != nil {
			return f, err
		}
		f.PeriodKey = p.Key()
	}
	if raw, _ := cmd.Flags().GetString("state"); raw != "" {
		f.State = ledger.State(strings.ToUpper(raw))
		if !f.State.Valid() {
			return f, fmt.Errorf("unknown state %q", raw)
		}
	}
	f.WorkerID, _ = cmd.Flags().GetString("worker")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	return f, nil
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	filter, err := ledgerFilter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.Ledger.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		if entries == nil {
			entries = []ledger.Entry{}
		}
		return printJSON(cmd.OutOrStdout(), entries)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No ledger entries found.")
		return nil
	}
	fmt.Fprintf(out, "%-12s %-23s %-10s %14s %-4s %-8s %s\n", "WORKER", "PERIOD", "STATE", "AMOUNT", "CUR", "ATTEMPTS", "KEY")
	for _, e := range entries {
		fmt.Fprintf(out, "%-12s %-23s %-10s %14s %-4s %-8d %s\n",
			e.WorkerID, e.PeriodKey, e.State, money.Format(e.Amount, e.Currency), e.Currency, e.AttemptCount, e.Key[:12])
	}
	return nil
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.Ledger.Lookup(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	events, err := a.Ledger.Events(cmd.Context(), entry.Key)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"entry": entry, "events": events})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key:        %s\n", entry.Key)
	fmt.Fprintf(out, "Worker:     %s\n", entry.WorkerID)
	fmt.Fprintf(out, "Period:     %s\n", entry.PeriodKey)
	fmt.Fprintf(out, "Payee:      %s\n", entry.PayeeID)
	fmt.Fprintf(out, "Amount:     %s %s\n", money.Format(entry.Amount, entry.Currency), entry.Currency)
	fmt.Fprintf(out, "State:      %s\n", entry.State)
	fmt.Fprintf(out, "Attempts:   %d\n", entry.AttemptCount)
	if entry.ProviderReference != "" {
		fmt.Fprintf(out, "Reference:  %s\n", entry.ProviderReference)
	}
	if entry.FailureReason != "" {
		fmt.Fprintf(out, "Failure:    %s\n", entry.FailureReason)
	}
	fmt.Fprintln(out, "\nHistory:")
	for _, ev := range events {
		from := string(ev.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(out, "  %s  %-9s -> %-9s attempt %d\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), from, ev.To, ev.AttemptCount)
	}
	return nil
}
