package forge

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// Pacer smooths outbound forge calls with a token bucket so bursts from the
// worker pool do not slam the API even while budget remains. A nil Pacer
// applies no pacing.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer builds a pacer allowing perSec sustained calls with the given
// burst headroom. Non-positive inputs disable pacing.
func NewPacer(perSec float64, burst int) *Pacer {
	if perSec <= 0 || burst <= 0 {
		return nil
	}
	return &Pacer{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Wait blocks until the next call may be issued or the context is done.
func (p *Pacer) Wait(ctx domain.Context) error {
	if p == nil || p.lim == nil {
		return nil
	}
	if err := p.lim.Wait(ctx); err != nil {
		return fmt.Errorf("op=forge.Pacer.Wait: %w", err)
	}
	return nil
}
