// Package middleware wraps the business handler that runs a decoded request.
//
//	Chain(Logging, RateLimit, Timeout)(handler)
//	  → Logging(RateLimit(Timeout(handler)))
package middleware

import (
	"context"

	"push-rpc/message"
)

// HandlerFunc runs one request and returns the serialized reply.
type HandlerFunc func(ctx context.Context, req *message.Request) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final HandlerFunc) HandlerFunc {
		h := final
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}
