// Package middleware wraps the dispatch of an invocation, onion style:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// A middleware that answers on its own (a rejection, say) never calls next, so the
// declared method does not run.
package middleware

import (
	"context"

	"event-rpc/message"
)

type HandlerFunc func(ctx context.Context, inv *message.Invocation) *message.Return

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
