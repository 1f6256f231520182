package bridge

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Transport so outbound Send calls are throttled by a
// token-bucket limiter, the same algorithm (and the same x/time/rate
// dependency) the teacher's limits.TokenBucket implements by hand for
// inbound client messages. Recv/State/OnStateChange pass through
// unthrottled.
type RateLimited struct {
	Transport
	limiter *rate.Limiter
}

// NewRateLimited throttles Send to ratePerSec sustained with the given
// burst allowance.
func NewRateLimited(t Transport, ratePerSec float64, burst int) *RateLimited {
	return &RateLimited{
		Transport: t,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// Send blocks (respecting ctx) until a token is available, then delegates
// to the wrapped Transport.
func (r *RateLimited) Send(ctx context.Context, b []byte) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Transport.Send(ctx, b)
}
