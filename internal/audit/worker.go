package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/store"
)

const defaultPollInterval = 10 * time.Second

// Worker polls the store for pending audits and hands them to the
// runner. Multiple workers may poll the same store; the claim CAS
// decides who processes what.
type Worker struct {
	store  store.Store
	runner *Runner
	poll   time.Duration
}

// NewWorker creates a polling worker around a runner.
func NewWorker(st store.Store, runner *Runner, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Worker{store: st, runner: runner, poll: poll}
}

// Run polls until the context ends. Errors inside a pass are logged and
// the next tick retries; only cancellation returns.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("worker: polling",
		zap.String("owner", w.runner.Owner()),
		zap.Duration("interval", w.poll),
	)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Error("worker: pass", zap.Error(err))
		}
		if n > 0 {
			zap.L().Info("worker: pass complete", zap.Int("processed", n))
		}
		select {
		case <-ctx.Done():
			zap.L().Info("worker: shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce drains the pending queue and returns how many audits this
// worker processed to an end state. A claim lost to another worker is
// not an error; a failed audit was already recorded by the runner.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		if ctx.Err() != nil {
			return processed, nil
		}
		next, err := w.store.NextPendingAudit(ctx)
		if err != nil {
			return processed, eris.Wrap(err, "audit: next pending")
		}
		if next == nil {
			return processed, nil
		}

		switch err := w.runner.Run(ctx, next.ID); {
		case err == nil:
			processed++
		case errors.Is(err, ErrClaimRefused):
			// Raced by another worker; the queue moved on without us.
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return processed, nil
		default:
			processed++
			zap.L().Error("worker: audit ended in failure",
				zap.String("audit_id", next.ID),
				zap.Error(err),
			)
		}
	}
}
