package insight

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/analyzer"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testConfig() Config {
	return Config{BatchSize: 5, CategoryTopN: 3, PriorityRanks: 5, Concurrency: 2}
}

// seedResponse stores one ok response for a query and, unless text is
// empty, attaches real analyzer output the way the analysis phase does.
func seedResponse(t *testing.T, st store.Store, auditID, queryID, text string, brand model.BrandContext) model.Response {
	t.Helper()
	ctx := context.Background()

	r := model.Response{
		AuditID:  auditID,
		QueryID:  queryID,
		Provider: "claude",
		RawText:  text,
		Status:   model.ResponseOK,
	}
	require.NoError(t, st.UpsertResponse(ctx, &r))

	a := analyzer.Analyze(text, brand)
	require.NoError(t, st.UpdateResponseAnalysis(ctx, r.ID, &a, time.Now().UTC()))
	r.Analysis = &a
	return r
}

// seedAudit builds the worked fixture the ladder tests reason about:
// three analyzed research responses, one analyzed comparison response,
// and one failed comparison response that must never aggregate.
func seedAudit(t *testing.T, st store.Store) (*model.Audit, *model.Company, []model.Response) {
	t.Helper()
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, &model.Company{
		Name:        "Brightline Analytics",
		Domain:      "brightline.io",
		Competitors: []string{"Looker", "Tableau", "Mode"},
		Personas:    []model.Persona{{Name: "Dana", Role: "VP Marketing"}},
	})
	require.NoError(t, err)

	audit, err := st.CreateAudit(ctx, &model.Audit{
		CompanyID:    company.ID,
		TotalQueries: 5,
	})
	require.NoError(t, err)

	queries := []model.Query{
		{AuditID: audit.ID, Phase: model.PhaseResearch, Intent: model.IntentInformational, Text: "q research 0", ContentHash: "h0", Position: 0},
		{AuditID: audit.ID, Phase: model.PhaseResearch, Intent: model.IntentInformational, Text: "q research 1", ContentHash: "h1", Position: 1},
		{AuditID: audit.ID, Phase: model.PhaseResearch, Intent: model.IntentInformational, Text: "q research 2", ContentHash: "h2", Position: 2},
		{AuditID: audit.ID, Phase: model.PhaseComparison, Intent: model.IntentCommercial, Text: "q comparison 0", ContentHash: "h3", Position: 0},
		{AuditID: audit.ID, Phase: model.PhaseComparison, Intent: model.IntentCommercial, Text: "q comparison 1", ContentHash: "h4", Position: 1},
	}
	_, err = st.InsertQueries(ctx, queries)
	require.NoError(t, err)
	stored, err := st.ListQueries(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, stored, 5)

	byText := make(map[string]model.Query, len(stored))
	for _, q := range stored {
		byText[q.Text] = q
	}

	brand := company.BrandContext()
	responses := []model.Response{
		seedResponse(t, st, audit.ID, byText["q research 0"].ID,
			"Brightline Analytics dashboards are excellent and reliable. Pricing is affordable.", brand),
		seedResponse(t, st, audit.ID, byText["q research 1"].ID,
			"Looker is more popular here. Brightline lacks forecasting and the pricing is confusing.", brand),
		seedResponse(t, st, audit.ID, byText["q research 2"].ID,
			"Tableau and Looker dominate this space.", brand),
		seedResponse(t, st, audit.ID, byText["q comparison 0"].ID,
			"Brightline Analytics pricing is confusing.", brand),
	}

	failed := model.Response{
		AuditID:     audit.ID,
		QueryID:     byText["q comparison 1"].ID,
		Provider:    "claude",
		Status:      model.ResponseFailed,
		FailureKind: model.FailureExhausted,
	}
	require.NoError(t, st.UpsertResponse(ctx, &failed))

	return audit, company, responses
}

func findBatch(t *testing.T, rows []model.BatchInsight, phase model.JourneyPhase, idx int, typ model.ExtractionType) model.BatchInsight {
	t.Helper()
	for _, bi := range rows {
		if bi.Phase == phase && bi.BatchIndex == idx && bi.Type == typ {
			return bi
		}
	}
	t.Fatalf("no batch insight for %s/%d %s", phase, idx, typ)
	return model.BatchInsight{}
}

func findCategory(t *testing.T, rows []model.CategoryInsight, phase model.JourneyPhase, typ model.ExtractionType) model.CategoryInsight {
	t.Helper()
	for _, ci := range rows {
		if ci.Phase == phase && ci.Type == typ {
			return ci
		}
	}
	t.Fatalf("no category insight for %s %s", phase, typ)
	return model.CategoryInsight{}
}

func prioritiesOf(rows []model.StrategicPriority, typ model.ExtractionType) []model.StrategicPriority {
	var out []model.StrategicPriority
	for _, p := range rows {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func TestRunBatchStage(t *testing.T) {
	st := newTestStore(t)
	audit, company, responses := seedAudit(t, st)
	ctx := context.Background()

	ladder := New(st, nil, testConfig())
	n, err := ladder.RunBatchStage(ctx, audit.ID, company.BrandContext())
	require.NoError(t, err)
	// Two phases with responses, four extraction types each.
	assert.Equal(t, 8, n)

	rows, err := st.ListBatchInsights(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, rows, 8)

	features := findBatch(t, rows, model.PhaseResearch, 0, model.ExtractFeatureMentions)
	require.Len(t, features.Items, 3)
	assert.Equal(t, []string{"dashboards", "forecasting", "pricing"}, labels(features.Items))
	pricing := findItem(t, features.Items, "pricing")
	assert.Equal(t, 2, pricing.Count)
	assert.InDelta(t, 0.7, pricing.Score, 1e-9)
	assert.Equal(t, []string{responses[0].ID, responses[1].ID, responses[2].ID}, features.ResponseIDs)

	gaps := findBatch(t, rows, model.PhaseResearch, 0, model.ExtractGaps)
	assert.Equal(t, []string{absentLabel, "forecasting", "pricing"}, labels(gaps.Items))

	threats := findBatch(t, rows, model.PhaseResearch, 0, model.ExtractCompetitorThreats)
	require.Len(t, threats.Items, 2)
	assert.Equal(t, "Tableau", threats.Items[0].Label)
	assert.Equal(t, "Looker", threats.Items[1].Label)
	assert.InDelta(t, 0.8, threats.Items[1].Score, 1e-9)
	assert.Equal(t, 2, threats.Items[1].Count)

	strengths := findBatch(t, rows, model.PhaseResearch, 0, model.ExtractStrengths)
	require.Len(t, strengths.Items, 1)
	assert.Equal(t, "dashboards", strengths.Items[0].Label)

	// The comparison phase still writes all four rows; the types with no
	// signal carry empty payloads, and the failed response is excluded.
	compFeatures := findBatch(t, rows, model.PhaseComparison, 0, model.ExtractFeatureMentions)
	assert.Equal(t, []string{"pricing"}, labels(compFeatures.Items))
	require.Len(t, compFeatures.ResponseIDs, 1)
	assert.Equal(t, responses[3].ID, compFeatures.ResponseIDs[0])

	compGaps := findBatch(t, rows, model.PhaseComparison, 0, model.ExtractGaps)
	require.Len(t, compGaps.Items, 1)
	assert.InDelta(t, 0.7, compGaps.Items[0].Score, 1e-9)

	assert.Empty(t, findBatch(t, rows, model.PhaseComparison, 0, model.ExtractStrengths).Items)
	assert.Empty(t, findBatch(t, rows, model.PhaseComparison, 0, model.ExtractCompetitorThreats).Items)

	written, err := st.SumMetric(ctx, model.MetricInsightsWritten, time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 8, written)
}

func TestRunBatchStage_SplitsByBatchSize(t *testing.T) {
	st := newTestStore(t)
	audit, company, _ := seedAudit(t, st)
	ctx := context.Background()

	cfg := testConfig()
	cfg.BatchSize = 2
	ladder := New(st, nil, cfg)
	n, err := ladder.RunBatchStage(ctx, audit.ID, company.BrandContext())
	require.NoError(t, err)
	// Research splits into batches of 2 and 1; comparison stays whole.
	assert.Equal(t, 12, n)

	rows, err := st.ListBatchInsights(ctx, audit.ID)
	require.NoError(t, err)

	first := findBatch(t, rows, model.PhaseResearch, 0, model.ExtractFeatureMentions)
	assert.Len(t, first.ResponseIDs, 2)
	second := findBatch(t, rows, model.PhaseResearch, 1, model.ExtractFeatureMentions)
	assert.Len(t, second.ResponseIDs, 1)
}

func TestRunBatchStage_NoAnalyzedResponses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, &model.Company{Name: "Brightline Analytics", Domain: "brightline.io"})
	require.NoError(t, err)
	audit, err := st.CreateAudit(ctx, &model.Audit{CompanyID: company.ID, TotalQueries: 1})
	require.NoError(t, err)

	ladder := New(st, nil, testConfig())
	n, err := ladder.RunBatchStage(ctx, audit.ID, company.BrandContext())
	require.NoError(t, err)
	assert.Zero(t, n)

	rows, err := st.ListBatchInsights(ctx, audit.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRunCategoryStage(t *testing.T) {
	st := newTestStore(t)
	audit, company, _ := seedAudit(t, st)
	ctx := context.Background()

	ladder := New(st, nil, testConfig())
	_, err := ladder.RunBatchStage(ctx, audit.ID, company.BrandContext())
	require.NoError(t, err)

	n, err := ladder.RunCategoryStage(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	rows, err := st.ListCategoryInsights(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, rows, 8)

	// Recurrence outranks a single loud mention: pricing appeared twice at
	// a mean of 0.7, so it rescoring to 1.4 beats the 1.0 singletons.
	features := findCategory(t, rows, model.PhaseResearch, model.ExtractFeatureMentions)
	require.Len(t, features.Items, 3)
	assert.Equal(t, "pricing", features.Items[0].Label)
	assert.InDelta(t, 1.4, features.Items[0].Score, 1e-9)
	assert.Equal(t, "Top feature mentions in research responses: pricing (2 mentions), dashboards (1 mention), forecasting (1 mention).", features.Summary)

	threats := findCategory(t, rows, model.PhaseResearch, model.ExtractCompetitorThreats)
	require.Len(t, threats.Items, 2)
	assert.Equal(t, "Looker", threats.Items[0].Label)
	assert.InDelta(t, 1.6, threats.Items[0].Score, 1e-9)
	assert.Equal(t, "Tableau", threats.Items[1].Label)

	empty := findCategory(t, rows, model.PhaseComparison, model.ExtractStrengths)
	assert.Empty(t, empty.Items)
	assert.Equal(t, "No strengths signal in comparison responses.", empty.Summary)
}

func TestRunCategoryStage_TopN(t *testing.T) {
	st := newTestStore(t)
	audit, company, _ := seedAudit(t, st)
	ctx := context.Background()

	cfg := testConfig()
	cfg.CategoryTopN = 2
	ladder := New(st, nil, cfg)
	_, err := ladder.RunBatchStage(ctx, audit.ID, company.BrandContext())
	require.NoError(t, err)
	_, err = ladder.RunCategoryStage(ctx, audit.ID)
	require.NoError(t, err)

	rows, err := st.ListCategoryInsights(ctx, audit.ID)
	require.NoError(t, err)
	features := findCategory(t, rows, model.PhaseResearch, model.ExtractFeatureMentions)
	assert.Equal(t, []string{"pricing", "dashboards"}, labels(features.Items))
}

func TestRunCategoryStage_RequiresBatchInsights(t *testing.T) {
	st := newTestStore(t)
	audit, _, _ := seedAudit(t, st)

	ladder := New(st, nil, testConfig())
	_, err := ladder.RunCategoryStage(context.Background(), audit.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no batch insights")
}

func runThroughCategories(t *testing.T, ladder *Ladder, auditID string, brand model.BrandContext) {
	t.Helper()
	ctx := context.Background()
	_, err := ladder.RunBatchStage(ctx, auditID, brand)
	require.NoError(t, err)
	_, err = ladder.RunCategoryStage(ctx, auditID)
	require.NoError(t, err)
}

func TestRunPriorityStage(t *testing.T) {
	st := newTestStore(t)
	audit, company, _ := seedAudit(t, st)
	ctx := context.Background()

	ladder := New(st, nil, testConfig())
	runThroughCategories(t, ladder, audit.ID, company.BrandContext())

	n, err := ladder.RunPriorityStage(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	rows, err := st.ListPriorities(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, rows, 9)

	// Cross-phase weighting: pricing gaps score 1.0*0.19 from research
	// plus 0.7*0.29 from comparison.
	gaps := prioritiesOf(rows, model.ExtractGaps)
	require.Len(t, gaps, 3)
	assert.Equal(t, 1, gaps[0].Rank)
	assert.Equal(t, "pricing", gaps[0].Title)
	assert.InDelta(t, 0.39, gaps[0].Item.Score, 1e-9)
	assert.Equal(t, []model.JourneyPhase{model.PhaseResearch, model.PhaseComparison}, gaps[0].SourcePhases)
	assert.Equal(t, 2, gaps[1].Rank)
	assert.Equal(t, absentLabel, gaps[1].Title)
	assert.Equal(t, 3, gaps[2].Rank)
	assert.Equal(t, "forecasting", gaps[2].Title)

	features := prioritiesOf(rows, model.ExtractFeatureMentions)
	require.Len(t, features, 3)
	assert.Equal(t, "pricing", features[0].Title)
	assert.InDelta(t, 0.56, features[0].Item.Score, 1e-9)
	assert.Equal(t, 3, features[0].Item.Count)

	threats := prioritiesOf(rows, model.ExtractCompetitorThreats)
	require.Len(t, threats, 2)
	assert.Equal(t, "Looker", threats[0].Title)
	assert.InDelta(t, 0.3, threats[0].Item.Score, 1e-9)
	assert.Equal(t, "Tableau", threats[1].Title)
}

func TestRunPriorityStage_RanksCapAndReplace(t *testing.T) {
	st := newTestStore(t)
	audit, company, _ := seedAudit(t, st)
	ctx := context.Background()

	ladder := New(st, nil, testConfig())
	runThroughCategories(t, ladder, audit.ID, company.BrandContext())
	_, err := ladder.RunPriorityStage(ctx, audit.ID)
	require.NoError(t, err)

	// Rerunning with a tighter cap replaces the old ranking wholesale;
	// stale ranks 2..N must not survive.
	tight := New(st, nil, Config{BatchSize: 5, CategoryTopN: 3, PriorityRanks: 1, Concurrency: 2})
	n, err := tight.RunPriorityStage(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rows, err := st.ListPriorities(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, p := range rows {
		assert.Equal(t, 1, p.Rank)
	}
}

func TestRunPriorityStage_RequiresCategories(t *testing.T) {
	st := newTestStore(t)
	audit, _, _ := seedAudit(t, st)

	ladder := New(st, nil, testConfig())
	_, err := ladder.RunPriorityStage(context.Background(), audit.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no category insights")
}

func TestRunExecutiveStage(t *testing.T) {
	st := newTestStore(t)
	audit, company, _ := seedAudit(t, st)
	ctx := context.Background()

	ladder := New(st, nil, testConfig())
	runThroughCategories(t, ladder, audit.ID, company.BrandContext())
	_, err := ladder.RunPriorityStage(ctx, audit.ID)
	require.NoError(t, err)
	require.NoError(t, ladder.RunExecutiveStage(ctx, audit.ID, company))

	es, err := st.GetExecutiveSummary(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, "Brightline Analytics", es.CompanyName)
	assert.Equal(t, "Dana (VP Marketing)", es.PersonaContext)
	assert.False(t, es.Degraded)
	assert.Empty(t, es.MissingTypes)
	require.Len(t, es.Sections, 4)
	assert.Contains(t, es.Sections[model.ExtractGaps], "1. pricing (score 0.39; seen in research, comparison).")
	assert.Contains(t, es.Sections[model.ExtractCompetitorThreats], "1. Looker")
}

func TestRunExecutiveStage_DegradedWhenTypesMissing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, &model.Company{
		Name:        "Brightline Analytics",
		Domain:      "brightline.io",
		Competitors: []string{"Looker", "Tableau"},
	})
	require.NoError(t, err)
	audit, err := st.CreateAudit(ctx, &model.Audit{CompanyID: company.ID, TotalQueries: 1})
	require.NoError(t, err)

	queries := []model.Query{{
		AuditID: audit.ID, Phase: model.PhaseDiscovery,
		Intent: model.IntentInformational, Text: "q", ContentHash: "h", Position: 0,
	}}
	_, err = st.InsertQueries(ctx, queries)
	require.NoError(t, err)
	stored, err := st.ListQueries(ctx, audit.ID)
	require.NoError(t, err)

	brand := company.BrandContext()
	seedResponse(t, st, audit.ID, stored[0].ID, "Tableau and Looker dominate this space.", brand)

	ladder := New(st, nil, testConfig())
	runThroughCategories(t, ladder, audit.ID, brand)
	_, err = ladder.RunPriorityStage(ctx, audit.ID)
	require.NoError(t, err)
	require.NoError(t, ladder.RunExecutiveStage(ctx, audit.ID, company))

	es, err := st.GetExecutiveSummary(ctx, audit.ID)
	require.NoError(t, err)
	assert.True(t, es.Degraded)
	assert.Equal(t, []model.ExtractionType{model.ExtractFeatureMentions, model.ExtractStrengths}, es.MissingTypes)
	assert.Equal(t, "No feature mentions were identified for Brightline Analytics in this audit.", es.Sections[model.ExtractFeatureMentions])
	assert.Contains(t, es.Sections[model.ExtractGaps], absentLabel)
}

func TestLadder_RerunConverges(t *testing.T) {
	st := newTestStore(t)
	audit, company, _ := seedAudit(t, st)
	ctx := context.Background()
	brand := company.BrandContext()

	ladder := New(st, nil, testConfig())
	runAll := func() {
		t.Helper()
		_, err := ladder.RunBatchStage(ctx, audit.ID, brand)
		require.NoError(t, err)
		_, err = ladder.RunCategoryStage(ctx, audit.ID)
		require.NoError(t, err)
		_, err = ladder.RunPriorityStage(ctx, audit.ID)
		require.NoError(t, err)
		require.NoError(t, ladder.RunExecutiveStage(ctx, audit.ID, company))
	}

	runAll()
	first, err := st.ListPriorities(ctx, audit.ID)
	require.NoError(t, err)

	runAll()
	batches, err := st.ListBatchInsights(ctx, audit.ID)
	require.NoError(t, err)
	assert.Len(t, batches, 8)
	categories, err := st.ListCategoryInsights(ctx, audit.ID)
	require.NoError(t, err)
	assert.Len(t, categories, 8)
	second, err := st.ListPriorities(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range second {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].Rank, second[i].Rank)
		assert.Equal(t, first[i].Title, second[i].Title)
		assert.InDelta(t, first[i].Item.Score, second[i].Item.Score, 1e-9)
	}
}
