package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

// Logging logs every handled message at debug level and failures at warn level.
func Logging(logger *slog.Logger) cbus.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next cbus.HandlerFunc) cbus.HandlerFunc {
		return func(ctx context.Context, msg *cbus.Message) error {
			start := time.Now()
			err := next(ctx, msg)

			attrs := []any{
				"id", msg.ID,
				"type", msg.Type,
				"subject", msg.Subject,
				"attempt", msg.Delivery.Attempt,
				"took", time.Since(start),
			}

			if err != nil {
				logger.WarnContext(ctx, "handler failed", append(attrs, "err", err, "permanent", berr.IsPermanent(err))...)
				return err
			}

			logger.DebugContext(ctx, "handled message", attrs...)

			return nil
		}
	}
}

// Recover converts a handler panic into a permanent error so the message is not redelivered forever.
func Recover(logger *slog.Logger) cbus.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next cbus.HandlerFunc) cbus.HandlerFunc {
		return func(ctx context.Context, msg *cbus.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "handler panic", "id", msg.ID, "type", msg.Type, "panic", r)
					err = berr.Permanent(fmt.Errorf("handler panic: %v", r))
				}
			}()

			return next(ctx, msg)
		}
	}
}
