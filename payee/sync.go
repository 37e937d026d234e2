package payee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ExternalIDPrefix tags provider contracts linked to a time-tracking user.
const ExternalIDPrefix = "harvest_"

// ErrMappingNotFound is returned by MappingStore.Lookup for unknown workers.
var ErrMappingNotFound = errors.New("payee: mapping not found")

// WorkerSource lists active time-tracking users.
type WorkerSource interface {
	ListWorkers(ctx context.Context) ([]Worker, error)
}

// ContractSource lists provider contracts and records the worker link on them.
type ContractSource interface {
	ListContracts(ctx context.Context) ([]Contract, error)
	SetExternalID(ctx context.Context, contractID, externalID string) error
}

// MappingStore persists mappings. PGDirectory implements it.
type MappingStore interface {
	Lookup(ctx context.Context, workerID string) (Mapping, error)
	Upsert(ctx context.Context, m Mapping) error
}

// SyncItem is one worker's outcome in a sync report.
type SyncItem struct {
	WorkerID   string  `json:"worker_id"`
	Name       string  `json:"name"`
	Email      string  `json:"email,omitempty"`
	ContractID string  `json:"contract_id,omitempty"`
	Contract   string  `json:"contract,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Method     string  `json:"method,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// SyncReport groups the workers seen by one sync pass.
type SyncReport struct {
	DryRun        bool       `json:"dry_run"`
	AlreadyMapped []SyncItem `json:"already_mapped"`
	AutoMatched   []SyncItem `json:"auto_matched"`
	NeedsReview   []SyncItem `json:"needs_review"`
	NoMatch       []SyncItem `json:"no_match"`
	Errors        []SyncItem `json:"errors"`
}

// Complete reports whether every worker ended up with a payable mapping.
func (r SyncReport) Complete() bool {
	return len(r.NeedsReview) == 0 && len(r.NoMatch) == 0 && len(r.Errors) == 0
}

// Syncer maps time-tracking workers to provider contracts. Mappings decided by
// a human and existing automatic matches are never rewritten; pending review
// rows are re-scored and may be promoted.
type Syncer struct {
	workers   WorkerSource
	contracts ContractSource
	store     MappingStore
	matcher   Matcher
	logger    *slog.Logger
}

func NewSyncer(workers WorkerSource, contracts ContractSource, store MappingStore, matcher Matcher, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		workers:   workers,
		contracts: contracts,
		store:     store,
		matcher:   matcher,
		logger:    logger.With("module", "payee", "component", "sync"),
	}
}

// Sync runs one pass. With dryRun nothing is written to the store or the provider.
func (s *Syncer) Sync(ctx context.Context, dryRun bool) (SyncReport, error) {
	report := SyncReport{DryRun: dryRun}

	workers, err := s.workers.ListWorkers(ctx)
	if err != nil {
		return report, fmt.Errorf("payee: list workers: %w", err)
	}
	contracts, err := s.contracts.ListContracts(ctx)
	if err != nil {
		return report, fmt.Errorf("payee: list contracts: %w", err)
	}
	s.logger.InfoContext(ctx, "mapping sync started", "workers", len(workers), "contracts", len(contracts), "dry_run", dryRun)

	byExternalID := make(map[string]Contract)
	for _, c := range contracts {
		if c.ExternalID != "" && c.Active() {
			byExternalID[c.ExternalID] = c
		}
	}

	for _, w := range workers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item := SyncItem{WorkerID: w.ID, Name: w.Name(), Email: w.Email}
		log := s.logger.With("worker_id", w.ID)

		existing, err := s.store.Lookup(ctx, w.ID)
		switch {
		case errors.Is(err, ErrMappingNotFound):
		case err != nil:
			item.Error = err.Error()
			report.Errors = append(report.Errors, item)
			log.ErrorContext(ctx, "mapping lookup failed", "error", err)
			continue
		case existing.Status != StatusNeedsReview:
			item.ContractID = existing.PayeeID
			item.Method = string(existing.Status)
			report.AlreadyMapped = append(report.AlreadyMapped, item)
			continue
		}

		if c, ok := byExternalID[ExternalIDPrefix+w.ID]; ok {
			item.ContractID, item.Contract, item.Confidence, item.Method = c.ID, c.Title, 1, "external_id"
			if err := s.write(ctx, dryRun, w, item, StatusAutoMatched); err != nil {
				item.Error = err.Error()
				report.Errors = append(report.Errors, item)
				continue
			}
			report.AutoMatched = append(report.AutoMatched, item)
			continue
		}

		match, ok := s.matcher.Best(w, contracts)
		if !ok {
			log.WarnContext(ctx, "no contract matches worker", "name", item.Name)
			report.NoMatch = append(report.NoMatch, item)
			continue
		}
		item.ContractID, item.Confidence, item.Method = match.ContractID, match.Confidence, "name_match:"+match.MatchedOn
		item.Contract = contractTitle(contracts, match.ContractID)

		status := StatusNeedsReview
		if match.Decision == DecisionAccept {
			status = StatusAutoMatched
		}
		if status == StatusNeedsReview && existing.PayeeID == match.ContractID {
			report.NeedsReview = append(report.NeedsReview, item)
			continue
		}
		if err := s.write(ctx, dryRun, w, item, status); err != nil {
			item.Error = err.Error()
			report.Errors = append(report.Errors, item)
			continue
		}
		if status == StatusAutoMatched {
			if !dryRun {
				if err := s.contracts.SetExternalID(ctx, match.ContractID, ExternalIDPrefix+w.ID); err != nil {
					// The mapping is already stored; the link only speeds up the next pass.
					log.WarnContext(ctx, "set contract external id failed", "contract_id", match.ContractID, "error", err)
				}
			}
			log.InfoContext(ctx, "worker auto-matched", "contract_id", match.ContractID, "confidence", match.Confidence)
			report.AutoMatched = append(report.AutoMatched, item)
			continue
		}
		log.InfoContext(ctx, "worker match needs review", "contract_id", match.ContractID, "confidence", match.Confidence)
		report.NeedsReview = append(report.NeedsReview, item)
	}

	s.logger.InfoContext(ctx, "mapping sync finished",
		"already_mapped", len(report.AlreadyMapped),
		"auto_matched", len(report.AutoMatched),
		"needs_review", len(report.NeedsReview),
		"no_match", len(report.NoMatch),
		"errors", len(report.Errors),
	)
	return report, nil
}

func (s *Syncer) write(ctx context.Context, dryRun bool, w Worker, item SyncItem, status VerificationStatus) error {
	if dryRun {
		return nil
	}
	return s.store.Upsert(ctx, Mapping{
		WorkerID:    w.ID,
		PayeeID:     item.ContractID,
		DisplayName: item.Name,
		Status:      status,
		Active:      true,
		Notes:       fmt.Sprintf("%s (confidence %.2f)", item.Method, item.Confidence),
	})
}

func contractTitle(contracts []Contract, id string) string {
	for _, c := range contracts {
		if c.ID == id {
			if c.Title != "" {
				return c.Title
			}
			return c.WorkerName
		}
	}
	return ""
}
