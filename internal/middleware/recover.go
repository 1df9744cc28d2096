package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
)

// Recover converts a panic in the handler chain into a *call.PanicError so
// the task ends in the error state with the stack in its traceback.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *call.Invocation, next Handler) (result any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.Error("operation panicked",
					slog.String("operation", inv.Operation),
					slog.String("task_id", string(inv.TaskID)),
					slog.Any("panic", r),
					slog.String("stack", string(stack)),
				)
				result = nil
				retErr = &call.PanicError{Value: r, Stack: stack}
			}
		}()
		return next(ctx)
	}
}
