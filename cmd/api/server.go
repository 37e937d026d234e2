package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"payrollbridge/auth"
	"payrollbridge/ledger"
	"payrollbridge/payroll"
	"payrollbridge/period"
	"payrollbridge/timesheet"
)

type contextKey string

const (
	ctxKeySubject   contextKey = "subject"
	ctxKeyRole      contextKey = "role"
	ctxKeyRequestID contextKey = "request_id"
)

const defaultRunTimeout = 30 * time.Minute

type runService interface {
	Run(ctx context.Context, p period.Period) (payroll.RunSummary, error)
}

type confirmService interface {
	ApplyStatus(ctx context.Context, reference string, status payroll.PaymentStatus, reason string) (ledger.Entry, error)
	ReconcileSubmitted(ctx context.Context) (payroll.ReconcileSummary, error)
}

type ledgerReader interface {
	Lookup(ctx context.Context, key string) (ledger.Entry, error)
	List(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error)
}

type tokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

type runReporter interface {
	NotifyRun(ctx context.Context, s payroll.RunSummary) error
	NotifyReconcile(ctx context.Context, s payroll.ReconcileSummary) error
}

type httpObserver interface {
	ObserveHTTP(route string, status int)
	ObserveReconcile(s payroll.ReconcileSummary)
}

// Server exposes the payroll trigger API.
type Server struct {
	runService     runService
	confirmService confirmService
	ledger         ledgerReader
	tokens         tokenVerifier
	reporter       runReporter
	observer       httpObserver
	metricsHandler http.Handler
	logger         *slog.Logger

	defaultPeriod func(now time.Time) period.Period
	now           func() time.Time
	runTimeout    time.Duration
}

// Routes builds the chi router. /healthz and /metrics are unauthenticated.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/payroll", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.require(auth.ActionRun)).Post("/runs", s.handleRun)
		r.With(s.require(auth.ActionReconcile)).Post("/reconcile", s.handleReconcile)
		r.With(s.require(auth.ActionCallback)).Post("/payments/callback", s.handleCallback)
		r.With(s.require(auth.ActionReadLedger)).Get("/ledger", s.handleListLedger)
		r.With(s.require(auth.ActionReadLedger)).Get("/ledger/{key}", s.handleLedgerEntry)
	})
	return r
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := s.clock()
	var (
		p   period.Period
		err error
	)
	switch {
	case req.Start == "" && req.End == "":
		if s.defaultPeriod != nil {
			p = s.defaultPeriod(now)
		} else {
			p = period.PreviousMonth(now)
		}
	case req.Start == "" || req.End == "":
		writeError(w, http.StatusBadRequest, "start and end must be given together")
		return
	default:
		p, err = period.Parse(req.Start, req.End, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	timeout := s.runTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	// A dropped trigger connection must not abandon a run halfway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	summary, err := s.runService.Run(ctx, p)
	if err != nil {
		status := runErrorStatus(err)
		s.log().ErrorContext(r.Context(), "payroll run failed",
			"period", p.Key(), "status_code", status, "error", err)
		writeError(w, status, err.Error())
		return
	}

	if s.reporter != nil {
		if err := s.reporter.NotifyRun(ctx, summary); err != nil {
			s.log().WarnContext(r.Context(), "run report not delivered", "run_id", summary.RunID, "error", err)
		}
	}

	status := http.StatusOK
	if !summary.Clean() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, summary)
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, period.ErrEmpty), errors.Is(err, period.ErrFuture), errors.Is(err, period.ErrInvalidDate):
		return http.StatusBadRequest
	case errors.Is(err, payroll.ErrPeriodOverlap):
		return http.StatusConflict
	case errors.Is(err, timesheet.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.confirmService.ReconcileSubmitted(r.Context())
	if err != nil {
		s.log().ErrorContext(r.Context(), "reconciliation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	if s.observer != nil {
		s.observer.ObserveReconcile(summary)
	}
	if s.reporter != nil && (summary.Confirmed > 0 || summary.Failed > 0 || len(summary.Errors) > 0) {
		if err := s.reporter.NotifyReconcile(r.Context(), summary); err != nil {
			s.log().WarnContext(r.Context(), "reconcile report not delivered", "error", err)
		}
	}
	status := http.StatusOK
	if len(summary.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, summary)
}

type callbackRequest struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" || strings.TrimSpace(req.Status) == "" {
		writeError(w, http.StatusBadRequest, "reference and status are required")
		return
	}

	entry, err := s.confirmService.ApplyStatus(r.Context(), req.Reference, payroll.ParseStatus(req.Status), req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, entry)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown payment reference")
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log().ErrorContext(r.Context(), "apply payment status failed", "provider_reference", req.Reference, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to apply status")
	}
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ledger.Filter

	if raw := q.Get("period"); raw != "" {
		p, err := period.ParseKey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.PeriodKey = p.Key()
	}
	if raw := q.Get("state"); raw != "" {
		st := ledger.State(strings.ToUpper(raw))
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown state")
			return
		}
		filter.State = st
	}
	filter.WorkerID = q.Get("worker")
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		s.log().ErrorContext(r.Context(), "list ledger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "total": len(entries)})
}

func (s *Server) handleLedgerEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, err := s.ledger.Lookup(r.Context(), key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, entry)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	default:
		s.log().ErrorContext(r.Context(), "lookup ledger entry failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load entry")
	}
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
