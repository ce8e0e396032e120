package common

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer bounds outbound request rate for one broker session. Brokers ban
// aggressively; every adapter waits on its pacer before any REST call.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a pacer allowing rps requests per second with the given
// burst. Non-positive values fall back to a conservative default.
func NewPacer(rps float64, burst int) *Pacer {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a call slot is available or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
