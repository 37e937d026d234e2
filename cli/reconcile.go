package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"payrollbridge/app"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Poll the payment provider for every SUBMITTED entry",
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().Bool("notify", false, "Post the reconciliation report to Slack when configured")
}

func runReconcile(cmd *cobra.Command, args []string) error {
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

	summary, err := a.Confirmer.ReconcileSubmitted(ctx)
	if err != nil {
		return err
	}
	a.Metrics.ObserveReconcile(summary)
	if notify && a.Notifier != nil {
		if err := a.Notifier.NotifyReconcile(ctx, summary); err != nil {
			logger.Warn("reconcile report not delivered", "error", err)
		}
	}

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Checked %d submitted entries: %d confirmed, %d failed, %d still pending\n",
			summary.Checked, summary.Confirmed, summary.Failed, summary.Pending)
		for _, we := range summary.Errors {
			fmt.Fprintf(out, "  %-12s %-26s %s\n", we.WorkerID, we.Kind, we.Message)
		}
	}
	if len(summary.Errors) > 0 {
		return errors.New("some submitted payments could not be checked")
	}
	return nil
}
