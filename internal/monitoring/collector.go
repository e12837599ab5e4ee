// Package monitoring is the external collaborator watching the
// pipeline from outside: a metrics collector for the operational
// snapshot, a webhook alerter, and the stuck-audit checker that feeds
// candidates back through the state machine's reprocess operation.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

// StuckAudit identifies one stuck candidate in a snapshot.
type StuckAudit struct {
	AuditID      string              `json:"audit_id"`
	CompanyID    string              `json:"company_id"`
	Phase        model.PipelinePhase `json:"phase"`
	HeartbeatAge time.Duration       `json:"heartbeat_age"`
}

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	StatusCounts map[model.AuditStatus]int `json:"status_counts"`
	Active       int                       `json:"active"`
	Stuck        []StuckAudit              `json:"stuck,omitempty"`

	// Provider totals within the lookback window.
	ProviderSuccesses int64   `json:"provider_successes"`
	TransportFailures int64   `json:"transport_failures"`
	MalformedFailures int64   `json:"malformed_failures"`
	TimeoutFailures   int64   `json:"timeout_failures"`
	CacheHits         int64   `json:"cache_hits"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	CostMicroUSD      int64   `json:"cost_micro_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers the snapshot the metrics endpoint and the alert
// checker share.
type Collector struct {
	store store.Store
	stale time.Duration
}

// NewCollector creates a metrics collector. stale is the heartbeat age
// past which a processing audit counts as a stuck candidate.
func NewCollector(st store.Store, stale time.Duration) *Collector {
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	return &Collector{store: st, stale: stale}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := time.Now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	counts, err := c.store.CountAuditsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count audits")
	}
	snap.StatusCounts = counts
	snap.Active = counts[model.AuditStatusPending] + counts[model.AuditStatusProcessing]

	stuck, err := c.store.ListStuckAudits(ctx, now.Add(-c.stale))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list stuck audits")
	}
	for _, a := range stuck {
		age := c.stale
		if a.HeartbeatAt != nil {
			age = now.Sub(*a.HeartbeatAt)
		}
		snap.Stuck = append(snap.Stuck, StuckAudit{
			AuditID:      a.ID,
			CompanyID:    a.CompanyID,
			Phase:        a.Phase,
			HeartbeatAge: age,
		})
	}

	since := now.Add(-time.Duration(lookbackHours) * time.Hour)
	sums := map[string]*int64{
		model.MetricProviderSuccess:   &snap.ProviderSuccesses,
		model.MetricProviderTransport: &snap.TransportFailures,
		model.MetricProviderMalformed: &snap.MalformedFailures,
		model.MetricProviderTimeout:   &snap.TimeoutFailures,
		model.MetricCacheHit:          &snap.CacheHits,
		model.MetricCostMicroUSD:      &snap.CostMicroUSD,
	}
	for metric, dst := range sums {
		v, err := c.store.SumMetric(ctx, metric, since)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: sum %s", metric)
		}
		*dst = v
	}
	if snap.ProviderSuccesses > 0 {
		snap.CacheHitRate = float64(snap.CacheHits) / float64(snap.ProviderSuccesses)
	}

	return snap, nil
}
