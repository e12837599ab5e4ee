// Package insight reduces analyzed responses into the four-layer
// aggregation ladder: batch insights within each journey phase,
// category insights per (phase, extraction type), cross-phase
// strategic priorities, and a single executive summary. Every layer
// upserts by its unique key, so re-running a stage converges on the
// same rows instead of duplicating them.
package insight

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

const (
	defaultBatchSize     = 5
	defaultCategoryTopN  = 3
	defaultPriorityRanks = 5
	defaultConcurrency   = 5
)

// Config sizes the ladder stages.
type Config struct {
	BatchSize     int
	CategoryTopN  int
	PriorityRanks int
	Concurrency   int
}

// ConfigFrom maps application settings onto ladder configuration.
func ConfigFrom(app *config.Config) Config {
	return Config{
		BatchSize:     app.Audit.BatchSize,
		CategoryTopN:  app.Audit.CategoryTopN,
		PriorityRanks: app.Audit.PriorityRanks,
		Concurrency:   app.Audit.Concurrency,
	}
}

// Override applies an audit's per-run overrides where set.
func (c Config) Override(ac model.AuditConfig) Config {
	if ac.BatchSize > 0 {
		c.BatchSize = ac.BatchSize
	}
	if ac.CategoryTopN > 0 {
		c.CategoryTopN = ac.CategoryTopN
	}
	if ac.PriorityRanks > 0 {
		c.PriorityRanks = ac.PriorityRanks
	}
	return c
}

func (c Config) withDefaults() Config {
	if c.BatchSize < 1 {
		c.BatchSize = defaultBatchSize
	}
	if c.CategoryTopN < 1 {
		c.CategoryTopN = defaultCategoryTopN
	}
	if c.PriorityRanks < 1 {
		c.PriorityRanks = defaultPriorityRanks
	}
	if c.Concurrency < 1 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Ladder runs the aggregation stages for one audit.
type Ladder struct {
	store store.Store
	syn   Synthesizer
	cfg   Config
}

// New creates a Ladder. A nil synthesizer falls back to deterministic
// prose.
func New(st store.Store, syn Synthesizer, cfg Config) *Ladder {
	if syn == nil {
		syn = Deterministic{}
	}
	return &Ladder{store: st, syn: syn, cfg: cfg.withDefaults()}
}

// recordWritten appends the insight accounting metric. Metadata is
// best-effort; losing a counter must not fail a stage that already
// persisted its rows.
func (l *Ladder) recordWritten(ctx context.Context, auditID string, phase model.PipelinePhase, stage string, n int) {
	err := l.store.AppendMetadata(ctx, model.ProcessingMetadata{
		AuditID: auditID,
		Phase:   phase,
		Metric:  model.MetricInsightsWritten,
		Count:   int64(n),
		Detail:  map[string]string{"stage": stage},
	})
	if err != nil {
		zap.L().Warn("insight: record metadata",
			zap.String("audit_id", auditID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
