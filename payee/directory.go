package payee

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"payrollbridge/payroll"
)

// StaticDirectory serves operator-configured mappings. Every configured
// mapping is payable regardless of status.
type StaticDirectory struct {
	payees map[string]string
}

func NewStaticDirectory(mappings map[string]string) *StaticDirectory {
	m := make(map[string]string, len(mappings))
	for worker, payee := range mappings {
		worker, payee = strings.TrimSpace(worker), strings.TrimSpace(payee)
		if worker != "" && payee != "" {
			m[worker] = payee
		}
	}
	return &StaticDirectory{payees: m}
}

func (d *StaticDirectory) PayeeFor(_ context.Context, workerID string) (string, error) {
	if id, ok := d.payees[workerID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: worker %s", payroll.ErrMissingPayee, workerID)
}

// Resolver is satisfied by every directory.
type Resolver interface {
	PayeeFor(ctx context.Context, workerID string) (string, error)
}

// Chain consults directories in order; the first one that knows the worker wins.
type Chain []Resolver

func (c Chain) PayeeFor(ctx context.Context, workerID string) (string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		id, err := r.PayeeFor(ctx, workerID)
		if errors.Is(err, payroll.ErrMissingPayee) {
			continue
		}
		return id, err
	}
	return "", fmt.Errorf("%w: worker %s", payroll.ErrMissingPayee, workerID)
}
