package monitoring

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/audit"
	"github.com/sells-group/visibility-cli/internal/model"
)

// Reprocessor is the state-machine operation the checker feeds stuck
// candidates into. audit.Runner satisfies it.
type Reprocessor interface {
	Reprocess(ctx context.Context, auditID string, trigger model.TriggerSource, reason string) error
}

// Checker polls for stuck candidates and pushes them back through the
// pipeline. Only the state machine changes audit state; the checker
// just decides when to ask.
type Checker struct {
	collector   *Collector
	alerter     *Alerter
	reprocessor Reprocessor
	interval    time.Duration
}

// NewChecker creates a stuck-audit checker.
func NewChecker(collector *Collector, alerter *Alerter, rp Reprocessor, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checker{
		collector:   collector,
		alerter:     alerter,
		reprocessor: rp,
		interval:    interval,
	}
}

// Run polls until the context ends.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("stuck-audit checker started", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stuck-audit checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one pass: collect, reprocess stuck candidates, alert.
func (c *Checker) Check(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, 24)
	if err != nil {
		log.Error("monitoring: collect", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	for _, s := range snap.Stuck {
		err := c.reprocessor.Reprocess(ctx, s.AuditID, model.TriggerAutomatic,
			"stuck: heartbeat "+s.HeartbeatAge.Round(time.Second).String()+" old")
		switch {
		case err == nil:
			log.Info("monitoring: stuck audit requeued",
				zap.String("audit_id", s.AuditID),
				zap.String("phase", string(s.Phase)),
			)
		case errors.Is(err, audit.ErrLoopDetected):
			// The guard already failed the audit; escalate to a human.
			alerts = append(alerts, LoopAlert(s.AuditID, err.Error()))
			log.Error("monitoring: reprocess refused by loop guard",
				zap.String("audit_id", s.AuditID),
			)
		default:
			log.Error("monitoring: reprocess stuck audit",
				zap.String("audit_id", s.AuditID),
				zap.Error(err),
			)
		}
	}

	if len(alerts) > 0 {
		sent := c.alerter.Send(ctx, alerts)
		log.Info("monitoring: check complete",
			zap.Int("alerts", len(alerts)),
			zap.Int("sent", sent),
		)
	}
}
