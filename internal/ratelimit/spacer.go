package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Spacer spreads session establishment calls across workers so a cold
// start does not burst the session endpoint.
type Spacer struct {
	limiter *rate.Limiter
}

// NewSpacer allows perSecond calls with the given burst. A non-positive
// rate disables spacing.
func NewSpacer(perSecond float64, burst int) *Spacer {
	if perSecond <= 0 {
		return &Spacer{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Spacer{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *Spacer) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}
