package middleware

import (
	"context"
	"time"

	"event-rpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every invocation with its duration, and the thrown exception if any.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Return {
			start := time.Now()
			ret := next(ctx, inv)
			fields := []zap.Field{
				zap.String("method", inv.Method),
				zap.String("peer", inv.Peer),
				zap.Int("args", len(inv.Args)),
				zap.Duration("duration", time.Since(start)),
			}
			if ret != nil && ret.ThrownException != nil {
				logger.Info("invocation threw", append(fields,
					zap.String("remote_name", ret.ThrownException.Name),
					zap.String("remote_message", ret.ThrownException.Message))...)
				return ret
			}
			logger.Debug("invocation returned", fields...)
			return ret
		}
	}
}
