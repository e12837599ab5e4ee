// Package audit drives the processing pipeline for one audit at a time:
// claim the lease, walk the phase cursor, and mutate audit status. No
// other component changes an audit's status or phase; everything else
// reports results and lets the runner decide what they mean.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/generator"
	"github.com/sells-group/visibility-cli/internal/insight"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
	"github.com/sells-group/visibility-cli/internal/waterfall"
)

var (
	// ErrClaimRefused means the claim CAS matched no pending row:
	// another worker owns the audit or it is not pending.
	ErrClaimRefused = eris.New("audit: claim refused")

	// ErrLoopDetected means the reprocess guard refused another attempt
	// and the audit was failed for manual intervention.
	ErrLoopDetected = eris.New("audit: reprocess loop detected")

	// errStopObserved aborts the phase loop without failing the audit;
	// the loop head records the stop and exits.
	errStopObserved = eris.New("audit: stop observed")
)

const (
	defaultHeartbeatInterval    = 30 * time.Second
	defaultMinFraction          = 0.8
	defaultReprocessMaxAttempts = 3
	defaultReprocessWindow      = time.Hour
	defaultStaleAfter           = 5 * time.Minute
)

// Populator materializes the dashboard row once the ladder has run. An
// audit cannot complete until it succeeds.
type Populator interface {
	Populate(ctx context.Context, audit *model.Audit, company *model.Company) error
}

// Config holds the runner's pipeline settings.
type Config struct {
	Owner                 string // lease identity; autogenerated when empty
	HeartbeatInterval     time.Duration
	MinCompletionFraction float64
	ReprocessMaxAttempts  int
	ReprocessWindow       time.Duration
	StaleAfter            time.Duration // heartbeat age past which a lease counts as abandoned
	Ladder                insight.Config
}

// ConfigFrom maps application settings onto runner configuration.
func ConfigFrom(app *config.Config) Config {
	return Config{
		HeartbeatInterval:     app.Audit.HeartbeatInterval(),
		MinCompletionFraction: app.Audit.MinCompletionFraction,
		ReprocessMaxAttempts:  app.Audit.ReprocessMaxAttempts,
		ReprocessWindow:       app.Audit.ReprocessWindow(),
		StaleAfter:            app.Audit.StaleThreshold(),
		Ladder:                insight.ConfigFrom(app),
	}
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = defaultOwner()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MinCompletionFraction <= 0 || c.MinCompletionFraction > 1 {
		c.MinCompletionFraction = defaultMinFraction
	}
	if c.ReprocessMaxAttempts < 1 {
		c.ReprocessMaxAttempts = defaultReprocessMaxAttempts
	}
	if c.ReprocessWindow <= 0 {
		c.ReprocessWindow = defaultReprocessWindow
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	return c
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Runner owns claimed audits end to end.
type Runner struct {
	store store.Store
	gen   *generator.Generator
	exec  *waterfall.Executor
	syn   insight.Synthesizer
	dash  Populator
	cfg   Config
}

// New creates a Runner. Generator, executor, synthesizer, and populator
// may be nil for a runner used only for lifecycle operations; the
// corresponding phase then fails with a configuration error instead of
// panicking.
func New(st store.Store, gen *generator.Generator, exec *waterfall.Executor, syn insight.Synthesizer, dash Populator, cfg Config) *Runner {
	return &Runner{
		store: st,
		gen:   gen,
		exec:  exec,
		syn:   syn,
		dash:  dash,
		cfg:   cfg.withDefaults(),
	}
}

// Owner returns the lease identity this runner claims with.
func (r *Runner) Owner() string { return r.cfg.Owner }

// Run claims a pending audit and processes it to a terminal state or a
// stop. ErrClaimRefused means another worker holds it.
func (r *Runner) Run(ctx context.Context, auditID string) error {
	claimed, err := r.store.ClaimAudit(ctx, auditID, r.cfg.Owner)
	if err != nil {
		return eris.Wrapf(err, "audit: claim %s", auditID)
	}
	if !claimed {
		return eris.Wrapf(ErrClaimRefused, "audit: %s", auditID)
	}
	zap.L().Info("audit: claimed",
		zap.String("audit_id", auditID),
		zap.String("owner", r.cfg.Owner),
	)
	return r.process(ctx, auditID)
}

// process walks the phase cursor for an audit this runner already owns.
// The audit row is re-read before every phase so stop requests and lost
// leases are observed between work units.
func (r *Runner) process(ctx context.Context, auditID string) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(hbCtx, auditID)

	for {
		audit, err := r.store.GetAudit(ctx, auditID)
		if err != nil {
			return r.fail(ctx, auditID, eris.Wrapf(err, "audit: reload %s", auditID))
		}
		switch audit.Status {
		case model.AuditStatusProcessing:
		case model.AuditStatusStopped, model.AuditStatusCancelled:
			r.appendEvent(ctx, auditID, model.EventStopObserved, map[string]string{
				"status": string(audit.Status),
				"phase":  string(audit.Phase),
			})
			zap.L().Info("audit: stop observed",
				zap.String("audit_id", auditID),
				zap.String("phase", string(audit.Phase)),
			)
			return nil
		default:
			// Completed or failed from elsewhere; nothing left to own.
			return nil
		}
		if audit.LeaseOwner != r.cfg.Owner {
			zap.L().Warn("audit: lease lost",
				zap.String("audit_id", auditID),
				zap.String("holder", audit.LeaseOwner),
			)
			return nil
		}

		company, err := r.store.GetCompany(ctx, audit.CompanyID)
		if err != nil {
			return r.fail(ctx, auditID, eris.Wrapf(err, "audit: load company %s", audit.CompanyID))
		}

		phaseStart := time.Now()
		if err := r.runPhase(ctx, audit, company); err != nil {
			if errors.Is(err, errStopObserved) {
				continue
			}
			return r.fail(ctx, auditID, err)
		}
		zap.L().Info("audit: phase done",
			zap.String("audit_id", auditID),
			zap.String("phase", string(audit.Phase)),
			zap.Duration("took", time.Since(phaseStart)),
		)

		next, ok := audit.Phase.Next()
		if !ok {
			completed, err := r.store.CompleteAudit(ctx, auditID, r.cfg.Owner)
			if err != nil {
				return r.fail(ctx, auditID, eris.Wrapf(err, "audit: complete %s", auditID))
			}
			if completed {
				r.appendEvent(ctx, auditID, model.EventStatusChanged, map[string]string{
					"status": string(model.AuditStatusCompleted),
				})
				zap.L().Info("audit: completed", zap.String("audit_id", auditID))
			}
			return nil
		}
		advanced, err := r.store.AdvanceAuditPhase(ctx, auditID, r.cfg.Owner, audit.Phase, next)
		if err != nil {
			return r.fail(ctx, auditID, eris.Wrapf(err, "audit: advance from %s", audit.Phase))
		}
		if !advanced {
			// Status or cursor moved underneath us; the reload decides.
			continue
		}
		r.appendEvent(ctx, auditID, model.EventPhaseAdvanced, map[string]string{
			"from": string(audit.Phase),
			"to":   string(next),
		})
	}
}

// heartbeat renews the lease until the context ends or the lease is
// lost. A lost lease stops the beat; the phase loop notices on its next
// reload.
func (r *Runner) heartbeat(ctx context.Context, auditID string) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.store.HeartbeatAudit(ctx, auditID, r.cfg.Owner)
			if err != nil {
				if ctx.Err() == nil {
					zap.L().Warn("audit: heartbeat", zap.String("audit_id", auditID), zap.Error(err))
				}
				continue
			}
			if !ok {
				zap.L().Warn("audit: heartbeat refused, lease lost",
					zap.String("audit_id", auditID),
				)
				return
			}
		}
	}
}

// fail records a fatal pipeline error on the audit. Context
// cancellation is shutdown, not failure: the lease goes stale and the
// stuck monitor or a restarted worker reclaims the audit. The owned
// transition no-ops when the lease moved to another worker, so a
// reclaimed audit is never failed by its previous holder.
func (r *Runner) fail(ctx context.Context, auditID string, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		zap.L().Info("audit: interrupted, leaving lease to expire",
			zap.String("audit_id", auditID),
		)
		return cause
	}
	failed, err := r.store.FailAudit(ctx, auditID, r.cfg.Owner, cause.Error())
	if err != nil {
		zap.L().Error("audit: record failure",
			zap.String("audit_id", auditID),
			zap.Error(err),
		)
	}
	if failed {
		r.appendEvent(ctx, auditID, model.EventStatusChanged, map[string]string{
			"status": string(model.AuditStatusFailed),
			"reason": cause.Error(),
		})
	}
	zap.L().Error("audit: failed", zap.String("audit_id", auditID), zap.Error(cause))
	return cause
}

// stopRequested is the between-dispatch check handed to the executor.
func (r *Runner) stopRequested(auditID string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		a, err := r.store.GetAudit(ctx, auditID)
		if err != nil {
			return false
		}
		return a.Status != model.AuditStatusProcessing
	}
}

// appendEvent writes to the audit event log best-effort: the log
// explains transitions, it does not gate them.
func (r *Runner) appendEvent(ctx context.Context, auditID, eventType string, detail map[string]string) {
	err := r.store.AppendEvent(ctx, &model.AuditEvent{
		AuditID: auditID,
		Type:    eventType,
		Detail:  detail,
	})
	if err != nil {
		zap.L().Warn("audit: append event",
			zap.String("audit_id", auditID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

// minFraction resolves the execution completion threshold, honoring the
// per-audit override.
func (r *Runner) minFraction(a *model.Audit) float64 {
	if a.Config.MinCompletionFraction > 0 {
		return a.Config.MinCompletionFraction
	}
	return r.cfg.MinCompletionFraction
}

// ladder builds the aggregation ladder with the audit's overrides
// applied.
func (r *Runner) ladder(a *model.Audit) *insight.Ladder {
	return insight.New(r.store, r.syn, r.cfg.Ladder.Override(a.Config))
}
