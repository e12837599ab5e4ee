package insight

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visibility-cli/internal/model"
)

// scoredResponse pairs an analyzed response with its query's position so
// batches chunk in generation order.
type scoredResponse struct {
	resp     model.Response
	position int
}

// RunBatchStage reduces every analyzed response into per-batch insights
// and returns the number of batch rows written. Responses group by
// journey phase, sort by query position, and chunk into fixed-size
// batches; each batch yields one row per extraction type. An audit with
// no analyzed responses writes nothing and returns zero.
func (l *Ladder) RunBatchStage(ctx context.Context, auditID string, brand model.BrandContext) (int, error) {
	queries, err := l.store.ListQueries(ctx, auditID)
	if err != nil {
		return 0, eris.Wrap(err, "insight: list queries")
	}
	responses, err := l.store.ListResponses(ctx, auditID)
	if err != nil {
		return 0, eris.Wrap(err, "insight: list responses")
	}

	batches := buildBatches(queries, responses, l.cfg.BatchSize)
	if len(batches) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		written int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for phase, phaseBatches := range batches {
		for idx, batch := range phaseBatches {
			g.Go(func() error {
				n, err := l.reduceBatch(gctx, auditID, phase, idx, batch, brand)
				if err != nil {
					return err
				}
				mu.Lock()
				written += n
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	l.recordWritten(ctx, auditID, model.PhaseBatchInsights, "batch", written)
	return written, nil
}

// buildBatches groups analyzed ok responses by journey phase, orders
// them by their query's position, and chunks each phase into runs of at
// most size responses. Failed and unanalyzed responses are excluded:
// they carry no ordinals to aggregate.
func buildBatches(queries []model.Query, responses []model.Response, size int) map[model.JourneyPhase][][]model.Response {
	byID := make(map[string]model.Query, len(queries))
	for _, q := range queries {
		byID[q.ID] = q
	}

	grouped := make(map[model.JourneyPhase][]scoredResponse)
	for _, r := range responses {
		if r.Status != model.ResponseOK || !r.Analyzed() {
			continue
		}
		q, ok := byID[r.QueryID]
		if !ok {
			continue
		}
		grouped[q.Phase] = append(grouped[q.Phase], scoredResponse{resp: r, position: q.Position})
	}

	batches := make(map[model.JourneyPhase][][]model.Response, len(grouped))
	for phase, members := range grouped {
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].position < members[j].position
		})
		for start := 0; start < len(members); start += size {
			end := start + size
			if end > len(members) {
				end = len(members)
			}
			chunk := make([]model.Response, 0, end-start)
			for _, m := range members[start:end] {
				chunk = append(chunk, m.resp)
			}
			batches[phase] = append(batches[phase], chunk)
		}
	}
	return batches
}

// reduceBatch extracts and merges the four insight payloads for one
// batch and upserts them. Every extraction type writes a row even when
// empty, so downstream stages can tell "no signal" from "not run".
func (l *Ladder) reduceBatch(ctx context.Context, auditID string, phase model.JourneyPhase, idx int, batch []model.Response, brand model.BrandContext) (int, error) {
	responseIDs := make([]string, 0, len(batch))
	pooled := make(map[model.ExtractionType][]model.InsightItem, len(model.ExtractionTypes))
	for _, r := range batch {
		responseIDs = append(responseIDs, r.ID)
		for typ, items := range extractResponse(r, brand) {
			pooled[typ] = append(pooled[typ], items...)
		}
	}

	written := 0
	for _, typ := range model.ExtractionTypes {
		items := mergeItems(pooled[typ])
		sortItems(items)
		bi := &model.BatchInsight{
			AuditID:     auditID,
			Phase:       phase,
			BatchIndex:  idx,
			Type:        typ,
			Items:       items,
			ResponseIDs: responseIDs,
		}
		if err := l.store.UpsertBatchInsight(ctx, bi); err != nil {
			return written, eris.Wrapf(err, "insight: upsert batch %s/%d %s", phase, idx, typ)
		}
		written++
	}
	return written, nil
}
