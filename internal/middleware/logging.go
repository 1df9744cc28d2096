package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
)

// Logging logs the start and the return of every unit of work. For async
// operations the return is not the completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *call.Invocation, next Handler) (any, error) {
		logger.Info("operation started",
			slog.String("operation", inv.Operation),
			slog.String("task_id", string(inv.TaskID)),
			slog.String("job_id", inv.JobID),
		)

		start := time.Now()
		result, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("operation failed",
				slog.String("operation", inv.Operation),
				slog.String("task_id", string(inv.TaskID)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("operation returned",
				slog.String("operation", inv.Operation),
				slog.String("task_id", string(inv.TaskID)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return result, err
	}
}
