package rates

import (
	"context"
	"errors"
)

// Overlay consults each source in order and returns the first profile found.
// A lookup failure in any layer stops the search.
type Overlay struct {
	layers []Source
}

func NewOverlay(layers ...Source) *Overlay {
	var kept []Source
	for _, l := range layers {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &Overlay{layers: kept}
}

func (o *Overlay) FetchRateProfile(ctx context.Context, workerID string) (RateProfile, error) {
	for _, l := range o.layers {
		p, err := l.FetchRateProfile(ctx, workerID)
		if errors.Is(err, ErrProfileNotFound) {
			continue
		}
		return p, err
	}
	return RateProfile{}, ErrProfileNotFound
}
