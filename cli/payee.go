package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"payrollbridge/app"
	"payrollbridge/payee"
)

var payeeCmd = &cobra.Command{
	Use:   "payee",
	Short: "Manage worker to payee mappings",
}

var payeeSetCmd = &cobra.Command{
	Use:   "set [worker-id] [payee-id]",
	Short: "Create or replace a worker's payee mapping",
	Args:  cobra.ExactArgs(2),
	RunE:  runPayeeSet,
}

var payeeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List payee mappings",
	RunE:  runPayeeList,
}

var payeeSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Match active Harvest users to Deel contracts and store the mappings",
	RunE:  runPayeeSync,
}

func init() {
	payeeCmd.AddCommand(payeeSetCmd)
	payeeCmd.AddCommand(payeeListCmd)
	payeeCmd.AddCommand(payeeSyncCmd)

	payeeSetCmd.Flags().String("status", string(payee.StatusHumanVerified), "Verification status")
	payeeSetCmd.Flags().String("name", "", "Display name")
	payeeSetCmd.Flags().String("notes", "", "Free-form notes")
	payeeSetCmd.Flags().Bool("inactive", false, "Store the mapping as inactive")

	payeeListCmd.Flags().String("status", "", "Only show mappings with this verification status")

	payeeSyncCmd.Flags().Bool("dry-run", false, "Score matches without writing mappings or contract links")
	payeeSyncCmd.Flags().Bool("notify", false, "Post the sync report to Slack when configured")
}

func runPayeeSet(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	name, _ := cmd.Flags().GetString("name")
	notes, _ := cmd.Flags().GetString("notes")
	inactive, _ := cmd.Flags().GetBool("inactive")

	m := payee.Mapping{
		WorkerID:    args[0],
		PayeeID:     args[1],
		DisplayName: name,
		Status:      payee.VerificationStatus(status),
		Active:      !inactive,
		Notes:       notes,
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: status %q", payee.ErrInvalidMapping, status)
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

	if err := a.Payees.Upsert(cmd.Context(), m); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mapped worker %s to payee %s (%s, active=%v)\n", m.WorkerID, m.PayeeID, m.Status, m.Active)
	if !m.Status.Payable() {
		fmt.Fprintln(cmd.OutOrStdout(), "Note: this status is not payable; runs will report missing_payee for the worker.")
	}
	return nil
}

func runPayeeList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	if status != "" && !payee.VerificationStatus(status).Valid() {
		return fmt.Errorf("%w: status %q", payee.ErrInvalidMapping, status)
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

	mappings, err := a.Payees.List(cmd.Context(), payee.VerificationStatus(status))
	if err != nil {
		return err
	}
	if jsonOutput {
		if mappings == nil {
			mappings = []payee.Mapping{}
		}
		return printJSON(cmd.OutOrStdout(), mappings)
	}

	out := cmd.OutOrStdout()
	if len(mappings) == 0 {
		fmt.Fprintln(out, "No payee mappings found.")
		return nil
	}
	fmt.Fprintf(out, "%-12s %-24s %-15s %-6s %s\n", "WORKER", "PAYEE", "STATUS", "ACTIVE", "NAME")
	for _, m := range mappings {
		fmt.Fprintf(out, "%-12s %-24s %-15s %-6v %s\n", m.WorkerID, m.PayeeID, m.Status, m.Active, m.DisplayName)
	}
	return nil
}

func runPayeeSync(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	notify, _ := cmd.Flags().GetBool("notify")

	cfg, err := loadConfig()
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

	report, err := a.Syncer.Sync(ctx, dryRun)
	if err != nil {
		return err
	}
	if notify && a.Notifier != nil {
		if err := a.Notifier.NotifyMappingSync(ctx, report); err != nil {
			logger.Warn("sync report not delivered", "error", err)
		}
	}

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printSyncReport(cmd, report)
	}
	if len(report.Errors) > 0 {
		return errors.New("some workers could not be synced")
	}
	return nil
}

func printSyncReport(cmd *cobra.Command, r payee.SyncReport) {
	out := cmd.OutOrStdout()
	if r.DryRun {
		fmt.Fprintln(out, "Dry run: nothing was written.")
	}
	fmt.Fprintf(out, "Already mapped: %d, auto-matched: %d, needs review: %d, no match: %d, errors: %d\n",
		len(r.AlreadyMapped), len(r.AutoMatched), len(r.NeedsReview), len(r.NoMatch), len(r.Errors))
	groups := []struct {
		label string
		items []payee.SyncItem
	}{
		{"auto_matched", r.AutoMatched},
		{"needs_review", r.NeedsReview},
		{"no_match", r.NoMatch},
		{"error", r.Errors},
	}
	for _, g := range groups {
		for _, it := range g.items {
			detail := it.ContractID
			if it.Error != "" {
				detail = it.Error
			} else if it.ContractID != "" {
				detail = fmt.Sprintf("%s %.2f %s", it.ContractID, it.Confidence, it.Method)
			}
			fmt.Fprintf(out, "  %-13s %-12s %-28s %s\n", g.label, it.WorkerID, it.Name, detail)
		}
	}
}
