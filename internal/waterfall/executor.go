// Package waterfall orchestrates provider execution for an audit's query
// set: strict priority failover across LLM providers, response caching,
// adaptive rate limiting, and circuit breaking. Every response persists
// the moment it lands; the audit state machine decides what the
// completion counts mean.
package waterfall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
	"github.com/sells-group/visibility-cli/internal/store"
	"github.com/sells-group/visibility-cli/internal/waterfall/provider"
)

const (
	defaultAttemptTimeout = 60 * time.Second
	defaultConcurrency    = 5
)

// ErrExhausted is returned by ExecuteQuery when every provider in the
// priority order failed. The phase proceeds and counts the query as
// failed; the minimum-completion policy decides whether the audit does.
var ErrExhausted = eris.New("waterfall: all providers failed")

// Config holds the orchestrator settings derived from app configuration.
type Config struct {
	Order                 []string
	Timeouts              map[string]time.Duration
	RatesPerMinute        map[string]int
	Concurrency           int
	MinCompletionFraction float64
	CacheEnabled          bool
	CacheTTL              time.Duration
	Breaker               resilience.CircuitBreakerConfig
}

// ConfigFrom maps the application config onto orchestrator settings.
func ConfigFrom(app *config.Config) Config {
	c := Config{
		Order:                 app.Providers.Order,
		Timeouts:              make(map[string]time.Duration),
		RatesPerMinute:        make(map[string]int),
		Concurrency:           app.Audit.Concurrency,
		MinCompletionFraction: app.Audit.MinCompletionFraction,
		CacheEnabled:          app.Cache.Enabled,
		CacheTTL:              app.Cache.TTL(),
		Breaker:               resilience.DefaultCircuitBreakerConfig(),
	}
	for _, name := range app.Providers.Order {
		if pc, ok := app.Provider(name); ok {
			c.Timeouts[name] = pc.Timeout()
			c.RatesPerMinute[name] = pc.RPM
		}
	}
	return c
}

// PhaseStats summarizes one execution pass over an audit's query set.
// Succeeded counts every query holding an ok response when the pass
// ends, including skips and cache hits.
type PhaseStats struct {
	Total     int
	Succeeded int
	Failed    int
	CacheHits int
	Skipped   int  // already had an ok response before the pass
	Stopped   bool // stop observed before all queries dispatched
}

// CompletionFraction is the share of queries with an ok response.
func (s *PhaseStats) CompletionFraction() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// MeetsFraction applies the boundary-inclusive minimum-completion policy.
func (s *PhaseStats) MeetsFraction(min float64) bool {
	return s.CompletionFraction() >= min
}

// Executor runs queries through the provider waterfall.
type Executor struct {
	store    store.Store
	registry *provider.Registry
	costs    *cost.Calculator
	cfg      Config

	// One limiter per configured provider, built up front; the map is
	// read-only after construction.
	limiters map[string]*AdaptiveLimiter
	breakers *resilience.ServiceBreakers
}

// NewExecutor creates a waterfall executor.
func NewExecutor(st store.Store, reg *provider.Registry, costs *cost.Calculator, cfg Config) *Executor {
	limiters := make(map[string]*AdaptiveLimiter, len(cfg.Order))
	for _, name := range cfg.Order {
		limiters[name] = NewAdaptiveLimiter(cfg.RatesPerMinute[name])
	}
	return &Executor{
		store:    st,
		registry: reg,
		costs:    costs,
		cfg:      cfg,
		limiters: limiters,
		breakers: resilience.NewServiceBreakers(cfg.Breaker),
	}
}

// ExecutePhase fans the audit's queries out over a bounded worker pool.
// order is the audit's provider priority list; empty falls back to the
// configured default. Queries that already hold an ok response are
// skipped, so a reprocessed execution phase never re-spends on finished
// work. The stopped check runs between dispatches; in-flight attempts
// finish before return.
func (e *Executor) ExecutePhase(ctx context.Context, auditID string, queries []model.Query, order []string, stopped func(context.Context) bool) (*PhaseStats, error) {
	stats := &PhaseStats{Total: len(queries)}

	done, err := e.completedQueries(ctx, auditID)
	if err != nil {
		return nil, err
	}

	limit := e.cfg.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex

	for _, q := range queries {
		if stopped != nil && stopped(gCtx) {
			mu.Lock()
			stats.Stopped = true
			mu.Unlock()
			break
		}
		if done[q.ID] {
			mu.Lock()
			stats.Skipped++
			stats.Succeeded++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			resp, err := e.ExecuteQuery(gCtx, auditID, q, order)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && resp.CacheHit:
				stats.Succeeded++
				stats.CacheHits++
			case err == nil:
				stats.Succeeded++
			case eris.Is(err, ErrExhausted):
				stats.Failed++
			default:
				// Infrastructure failure: abort the pass.
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// ExecuteQuery walks the provider priority order for one query: cache
// lookup, then one attempt per provider until one succeeds. Failed
// attempts are recorded per provider; only a persistence failure on a
// successful response aborts instead of failing over.
func (e *Executor) ExecuteQuery(ctx context.Context, auditID string, q model.Query, order []string) (*model.Response, error) {
	for _, name := range e.resolveOrder(order) {
		p := e.registry.Get(name)
		if p == nil {
			zap.L().Warn("waterfall: provider not registered", zap.String("provider", name))
			continue
		}

		if resp := e.cacheLookup(ctx, auditID, q, name); resp != nil {
			return resp, nil
		}

		result, latency, err := e.dispatch(ctx, p, q)
		if err != nil {
			e.recordFailure(ctx, auditID, q, name, latency, err)
			continue
		}

		resp := e.buildResponse(auditID, q, result, latency)
		if err := e.store.UpsertResponse(ctx, resp); err != nil {
			return nil, eris.Wrap(err, "waterfall: persist response")
		}
		e.cacheStore(ctx, q, resp)
		e.recordSuccess(ctx, resp)
		return resp, nil
	}

	e.recordMetadata(ctx, model.ProcessingMetadata{
		AuditID: auditID,
		Phase:   model.PhaseExecution,
		Metric:  model.MetricQueriesExhausted,
		Count:   1,
		Detail: map[string]string{
			"query_id": q.ID,
			"kind":     string(model.FailureExhausted),
		},
	})
	return nil, ErrExhausted
}

// resolveOrder applies an audit's provider priority list over the
// configured default. Audits that name no providers use the global
// order.
func (e *Executor) resolveOrder(order []string) []string {
	if len(order) > 0 {
		return order
	}
	return e.cfg.Order
}

// BreakerStates reports circuit state per provider for the health surface.
func (e *Executor) BreakerStates() map[string]resilience.CircuitState {
	return e.breakers.States()
}

// LimiterRates reports the current adaptive rate per provider in
// requests per second.
func (e *Executor) LimiterRates() map[string]float64 {
	out := make(map[string]float64, len(e.limiters))
	for name, l := range e.limiters {
		out[name] = float64(l.Rate())
	}
	return out
}

// dispatch makes exactly one provider attempt under the per-attempt
// timeout, the provider's circuit breaker, and its adaptive limiter.
func (e *Executor) dispatch(ctx context.Context, p provider.Provider, q model.Query) (*provider.Result, time.Duration, error) {
	name := p.Name()
	timeout := e.cfg.Timeouts[name]
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lim := e.limiters[name]
	start := time.Now()
	result, err := resilience.ExecuteVal(attemptCtx, e.breakers.Get(name), func(ctx context.Context) (*provider.Result, error) {
		if lim != nil {
			if werr := lim.Wait(ctx); werr != nil {
				return nil, eris.Wrap(werr, "waterfall: rate wait")
			}
		}
		return p.Complete(ctx, provider.Request{Prompt: q.Text})
	})
	latency := time.Since(start)

	if err != nil {
		if lim != nil && resilience.IsRateLimited(err) {
			lim.OnThrottle()
		}
		return nil, latency, err
	}
	if lim != nil {
		lim.OnSuccess()
	}
	return result, latency, nil
}

// cacheLookup returns a persisted cache-hit response, or nil when the
// entry is absent, expired, or the cache is disabled. A hit spends no
// rate-limit token and carries zero cost.
func (e *Executor) cacheLookup(ctx context.Context, auditID string, q model.Query, providerName string) *model.Response {
	if !e.cfg.CacheEnabled {
		return nil
	}

	entry, err := e.store.GetCachedResponse(ctx, q.ContentHash, providerName)
	if err != nil {
		zap.L().Warn("waterfall: cache lookup failed",
			zap.String("provider", providerName),
			zap.Error(err),
		)
		return nil
	}
	if entry == nil {
		return nil
	}

	resp := &model.Response{
		ID:           uuid.New().String(),
		AuditID:      auditID,
		QueryID:      q.ID,
		Provider:     providerName,
		Model:        entry.Model,
		RawText:      entry.RawText,
		ResponseHash: hashText(entry.RawText),
		CacheHit:     true,
		Status:       model.ResponseOK,
	}
	if err := e.store.UpsertResponse(ctx, resp); err != nil {
		zap.L().Warn("waterfall: persist cached response",
			zap.String("query_id", q.ID),
			zap.Error(err),
		)
		return nil
	}

	e.recordMetadata(ctx, model.ProcessingMetadata{
		AuditID: auditID,
		Phase:   model.PhaseExecution,
		Metric:  model.MetricCacheHit,
		Count:   1,
		Detail:  map[string]string{"provider": providerName, "query_id": q.ID},
	})
	return resp
}

func (e *Executor) buildResponse(auditID string, q model.Query, r *provider.Result, latency time.Duration) *model.Response {
	return &model.Response{
		ID:           uuid.New().String(),
		AuditID:      auditID,
		QueryID:      q.ID,
		Provider:     r.Provider,
		Model:        r.Model,
		RawText:      r.Text,
		ResponseHash: hashText(r.Text),
		LatencyMS:    latency.Milliseconds(),
		Usage: model.TokenUsage{
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			Cost:         e.costs.Completion(r.Provider, r.Model, r.InputTokens, r.OutputTokens),
		},
		Status: model.ResponseOK,
	}
}

// cacheStore writes a fresh response into the cache. Token counts are
// kept for reporting; a later hit still costs nothing.
func (e *Executor) cacheStore(ctx context.Context, q model.Query, resp *model.Response) {
	if !e.cfg.CacheEnabled {
		return
	}

	entry := &model.CachedResponse{
		QueryHash: q.ContentHash,
		Provider:  resp.Provider,
		Model:     resp.Model,
		RawText:   resp.RawText,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	if err := e.store.PutCachedResponse(ctx, entry, e.cfg.CacheTTL); err != nil {
		zap.L().Warn("waterfall: cache write failed",
			zap.String("provider", resp.Provider),
			zap.Error(err),
		)
	}
}

// recordFailure persists the failed attempt row and its accounting
// entry. Both are best-effort: losing a failure record is tolerable
// drift, unlike losing a successful response.
func (e *Executor) recordFailure(ctx context.Context, auditID string, q model.Query, providerName string, latency time.Duration, attemptErr error) {
	kind := resilience.Kind(attemptErr)

	resp := &model.Response{
		ID:          uuid.New().String(),
		AuditID:     auditID,
		QueryID:     q.ID,
		Provider:    providerName,
		LatencyMS:   latency.Milliseconds(),
		Status:      model.ResponseFailed,
		FailureKind: kind,
	}
	if err := e.store.UpsertResponse(ctx, resp); err != nil {
		zap.L().Warn("waterfall: persist failed attempt",
			zap.String("query_id", q.ID),
			zap.Error(err),
		)
	}

	e.recordMetadata(ctx, model.ProcessingMetadata{
		AuditID:    auditID,
		Phase:      model.PhaseExecution,
		Metric:     failureMetric(kind),
		Count:      1,
		DurationMS: latency.Milliseconds(),
		Detail:     map[string]string{"provider": providerName, "query_id": q.ID},
	})

	zap.L().Warn("waterfall: provider attempt failed",
		zap.String("provider", providerName),
		zap.String("query_id", q.ID),
		zap.String("kind", string(kind)),
		zap.Error(attemptErr),
	)
}

func (e *Executor) recordSuccess(ctx context.Context, resp *model.Response) {
	detail := map[string]string{"provider": resp.Provider}
	e.recordMetadata(ctx,
		model.ProcessingMetadata{
			AuditID:    resp.AuditID,
			Phase:      model.PhaseExecution,
			Metric:     model.MetricProviderSuccess,
			Count:      1,
			DurationMS: resp.LatencyMS,
			Detail:     detail,
		},
		model.ProcessingMetadata{
			AuditID: resp.AuditID,
			Phase:   model.PhaseExecution,
			Metric:  model.MetricTokensIn,
			Count:   int64(resp.Usage.InputTokens),
			Detail:  detail,
		},
		model.ProcessingMetadata{
			AuditID: resp.AuditID,
			Phase:   model.PhaseExecution,
			Metric:  model.MetricTokensOut,
			Count:   int64(resp.Usage.OutputTokens),
			Detail:  detail,
		},
		model.ProcessingMetadata{
			AuditID: resp.AuditID,
			Phase:   model.PhaseExecution,
			Metric:  model.MetricCostMicroUSD,
			Count:   cost.MicroUSD(resp.Usage.Cost),
			Detail:  detail,
		},
	)
}

// recordMetadata appends accounting rows best-effort.
func (e *Executor) recordMetadata(ctx context.Context, entries ...model.ProcessingMetadata) {
	if err := e.store.AppendMetadata(ctx, entries...); err != nil {
		zap.L().Warn("waterfall: append metadata failed", zap.Error(err))
	}
}

// completedQueries returns the IDs of queries that already hold an ok
// response.
func (e *Executor) completedQueries(ctx context.Context, auditID string) (map[string]bool, error) {
	responses, err := e.store.ListResponses(ctx, auditID)
	if err != nil {
		return nil, eris.Wrap(err, "waterfall: list responses")
	}
	done := make(map[string]bool)
	for _, r := range responses {
		if r.Status == model.ResponseOK {
			done[r.QueryID] = true
		}
	}
	return done, nil
}

func failureMetric(kind model.FailureKind) string {
	switch kind {
	case model.FailureMalformed:
		return model.MetricProviderMalformed
	case model.FailureTimeout:
		return model.MetricProviderTimeout
	default:
		return model.MetricProviderTransport
	}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
