package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"push-rpc/message"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds the handler to timeout. The handler keeps running in
// its goroutine after a timeout; its reply is discarded. A panic in the handler is
// raised again on the calling goroutine.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	type outcome struct {
		reply    []byte
		err      error
		panicked any
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{panicked: r}
					}
				}()
				reply, err := next(ctx, req)
				done <- outcome{reply: reply, err: err}
			}()

			select {
			case o := <-done:
				if o.panicked != nil {
					panic(o.panicked) // re-raised on the caller's goroutine
				}
				return o.reply, o.err
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.ServiceMethod, timeout)
			}
		}
	}
}
