package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"payrollbridge/ledger"
	"payrollbridge/payee"
	"payrollbridge/payroll"
)

// maxListedErrors caps worker errors included in one message.
const maxListedErrors = 20

// SlackNotifier posts run reports to a Slack incoming webhook.
type SlackNotifier struct {
	url    string
	client *http.Client
}

type slackPayload struct {
	Text string `json:"text"`
}

func NewSlackNotifier(url string) *SlackNotifier {
	return &SlackNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyRun sends a summary of a finished run.
func (n *SlackNotifier) NotifyRun(ctx context.Context, s payroll.RunSummary) error {
	return n.post(ctx, FormatRunSummary(s))
}

// NotifyReconcile sends a summary of a reconciliation pass.
func (n *SlackNotifier) NotifyReconcile(ctx context.Context, s payroll.ReconcileSummary) error {
	return n.post(ctx, FormatReconcileSummary(s))
}

// NotifyMappingSync sends the outcome of a payee sync pass.
func (n *SlackNotifier) NotifyMappingSync(ctx context.Context, r payee.SyncReport) error {
	return n.post(ctx, FormatSyncReport(r))
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	if n == nil || n.url == "" {
		return errors.New("notify: empty webhook url")
	}
	body, err := json.Marshal(slackPayload{Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

func FormatRunSummary(s payroll.RunSummary) string {
	var b strings.Builder
	status := "clean"
	if !s.Clean() {
		status = "needs attention"
	}
	fmt.Fprintf(&b, "*Payroll run %s* (%s)\n", s.Period.Key(), status)
	fmt.Fprintf(&b, "Run: %s\n", s.RunID)
	fmt.Fprintf(&b, "Workers: %d, skipped: %d\n", s.Workers, s.Skipped)
	for _, st := range ledger.States {
		if n := s.Counts[st]; n > 0 {
			fmt.Fprintf(&b, "%s: %d\n", st, n)
		}
	}
	if s.Settled {
		b.WriteString("Period settled\n")
	}
	writeErrors(&b, s.Errors)
	return strings.TrimSpace(b.String())
}

func FormatReconcileSummary(s payroll.ReconcileSummary) string {
	var b strings.Builder
	b.WriteString("*Payroll reconciliation*\n")
	fmt.Fprintf(&b, "Checked: %d, confirmed: %d, failed: %d, still pending: %d\n",
		s.Checked, s.Confirmed, s.Failed, s.Pending)
	writeErrors(&b, s.Errors)
	return strings.TrimSpace(b.String())
}

func FormatSyncReport(r payee.SyncReport) string {
	var b strings.Builder
	b.WriteString("*Payee mapping sync*")
	if r.DryRun {
		b.WriteString(" (dry run)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Already mapped: %d, auto-matched: %d, needs review: %d, no match: %d\n",
		len(r.AlreadyMapped), len(r.AutoMatched), len(r.NeedsReview), len(r.NoMatch))
	writeSyncItems(&b, "Needs review", r.NeedsReview)
	writeSyncItems(&b, "No match", r.NoMatch)
	writeSyncItems(&b, "Errors", r.Errors)
	return strings.TrimSpace(b.String())
}

func writeSyncItems(b *strings.Builder, title string, items []payee.SyncItem) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s (%d):\n", title, len(items))
	for i, it := range items {
		if i == maxListedErrors {
			fmt.Fprintf(b, "... and %d more\n", len(items)-maxListedErrors)
			break
		}
		switch {
		case it.Error != "":
			fmt.Fprintf(b, "- %s (%s): %s\n", it.Name, it.WorkerID, it.Error)
		case it.ContractID != "":
			fmt.Fprintf(b, "- %s (%s) -> %s %s, confidence %.2f\n", it.Name, it.WorkerID, it.ContractID, it.Contract, it.Confidence)
		default:
			fmt.Fprintf(b, "- %s (%s)\n", it.Name, it.WorkerID)
		}
	}
}

func writeErrors(b *strings.Builder, errs []payroll.WorkerError) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(b, "Errors (%d):\n", len(errs))
	for i, we := range errs {
		if i == maxListedErrors {
			fmt.Fprintf(b, "... and %d more\n", len(errs)-maxListedErrors)
			break
		}
		fmt.Fprintf(b, "- worker %s: %s: %s\n", we.WorkerID, we.Kind, we.Message)
	}
}
