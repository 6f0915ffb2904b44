package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"push-rpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware applies a token bucket of r requests per second with the given
// burst to each Service.Method separately, so one hot method cannot starve the rest.
func RateLimitMiddleware(r float64, burst int) Middleware {
	var limiters sync.Map // serviceMethod → *rate.Limiter
	limiterFor := func(serviceMethod string) *rate.Limiter {
		if l, ok := limiters.Load(serviceMethod); ok {
			return l.(*rate.Limiter)
		}
		l, _ := limiters.LoadOrStore(serviceMethod, rate.NewLimiter(rate.Limit(r), burst))
		return l.(*rate.Limiter)
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]byte, error) {
			if !limiterFor(req.ServiceMethod).Allow() {
				return nil, fmt.Errorf("%w: %s", ErrRateLimited, req.ServiceMethod)
			}
			return next(ctx, req)
		}
	}
}
