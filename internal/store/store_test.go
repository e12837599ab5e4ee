package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedAudit(t *testing.T, s Store) *model.Audit {
	t.Helper()
	ctx := context.Background()

	company, err := s.UpsertCompany(ctx, &model.Company{
		Name:        "Brightline Analytics",
		Domain:      "brightline.io",
		Industry:    "analytics",
		Competitors: []string{"Looker", "Hex"},
	})
	require.NoError(t, err)

	audit, err := s.CreateAudit(ctx, &model.Audit{
		CompanyID:    company.ID,
		TotalQueries: 42,
		Providers:    []string{"openai", "anthropic"},
		Config:       model.AuditConfig{BatchSize: 5, PriorityRanks: 5},
	})
	require.NoError(t, err)
	return audit
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	// --- Companies ---

	t.Run("UpsertCompany_KeepsIDOnConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.UpsertCompany(ctx, &model.Company{Name: "Acme", Domain: "acme.com"})
		require.NoError(t, err)
		assert.NotEmpty(t, first.ID)

		second, err := s.UpsertCompany(ctx, &model.Company{Name: "Acme Corp", Domain: "acme.com", Industry: "tools"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		got, err := s.GetCompany(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", got.Name)
		assert.Equal(t, "tools", got.Industry)
	})

	t.Run("GetCompany_RoundTripsPersonas", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.UpsertCompany(ctx, &model.Company{
			Name:        "Acme",
			Domain:      "acme.com",
			Competitors: []string{"Initech", "Globex"},
			Personas:    []model.Persona{{Name: "Dana", Role: "VP Eng", Pains: "slow rollouts"}},
		})
		require.NoError(t, err)

		got, err := s.GetCompany(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"Initech", "Globex"}, got.Competitors)
		require.Len(t, got.Personas, 1)
		assert.Equal(t, "Dana", got.Personas[0].Name)
		assert.Equal(t, "slow rollouts", got.Personas[0].Pains)
	})

	t.Run("GetCompany_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetCompany(ctx, "nonexistent")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	// --- Audits ---

	t.Run("CreateAndGetAudit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		assert.NotEmpty(t, audit.ID)
		assert.Equal(t, model.AuditStatusPending, audit.Status)
		assert.Equal(t, model.PhaseGeneration, audit.Phase)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, audit.ID, got.ID)
		assert.Equal(t, 42, got.TotalQueries)
		assert.Equal(t, []string{"openai", "anthropic"}, got.Providers)
		assert.Equal(t, 5, got.Config.BatchSize)
		assert.Nil(t, got.HeartbeatAt)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("GetAudit_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetAudit(ctx, "nonexistent")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListAudits_Filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a1 := seedAudit(t, s)
		a2 := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, a2.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)
		_, err = s.FailAudit(ctx, a1.ID, "", "boom")
		require.NoError(t, err)
		a3 := seedAudit(t, s)

		all, err := s.ListAudits(ctx, AuditFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		failed, err := s.ListAudits(ctx, AuditFilter{Status: model.AuditStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, a1.ID, failed[0].ID)

		active, err := s.ListAudits(ctx, AuditFilter{Active: true})
		require.NoError(t, err)
		assert.Len(t, active, 2)

		byCompany, err := s.ListAudits(ctx, AuditFilter{CompanyID: a3.CompanyID})
		require.NoError(t, err)
		assert.Len(t, byCompany, 3)

		limited, err := s.ListAudits(ctx, AuditFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		paged, err := s.ListAudits(ctx, AuditFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, paged, 1)
	})

	t.Run("ListAudits_Empty", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audits, err := s.ListAudits(ctx, AuditFilter{})
		require.NoError(t, err)
		assert.Empty(t, audits)
	})

	t.Run("NextPendingAudit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		next, err := s.NextPendingAudit(ctx)
		require.NoError(t, err)
		assert.Nil(t, next)

		a1 := seedAudit(t, s)
		a2 := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, a1.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)

		next, err = s.NextPendingAudit(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, a2.ID, next.ID)
	})

	t.Run("CountAuditsByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a1 := seedAudit(t, s)
		seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, a1.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)

		counts, err := s.CountAuditsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.AuditStatusPending])
		assert.Equal(t, 1, counts[model.AuditStatusProcessing])
	})

	// --- Lease and lifecycle ---

	t.Run("ClaimAudit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		assert.True(t, won)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatusProcessing, got.Status)
		assert.Equal(t, "worker-1", got.LeaseOwner)
		assert.NotNil(t, got.HeartbeatAt)
		assert.NotNil(t, got.StartedAt)

		// Second claim loses the race.
		won, err = s.ClaimAudit(ctx, audit.ID, "worker-2")
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("HeartbeatAudit_OwnerOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)

		ok, err := s.HeartbeatAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.HeartbeatAudit(ctx, audit.ID, "worker-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("AdvanceAuditPhase", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)

		moved, err := s.AdvanceAuditPhase(ctx, audit.ID, "worker-1", model.PhaseGeneration, model.PhaseExecution)
		require.NoError(t, err)
		assert.True(t, moved)

		// The cursor already moved past generation.
		moved, err = s.AdvanceAuditPhase(ctx, audit.ID, "worker-1", model.PhaseGeneration, model.PhaseExecution)
		require.NoError(t, err)
		assert.False(t, moved)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PhaseExecution, got.Phase)
	})

	t.Run("AdvanceAuditPhase_RequiresProcessing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		moved, err := s.AdvanceAuditPhase(ctx, audit.ID, "worker-1", model.PhaseGeneration, model.PhaseExecution)
		require.NoError(t, err)
		assert.False(t, moved)

		// SetAuditPhase moves the cursor regardless of status.
		ok, err := s.SetAuditPhase(ctx, audit.ID, model.PhaseAnalysis)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PhaseAnalysis, got.Phase)
	})

	t.Run("TransitionsScopedToLeaseOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)

		// A worker that lost the lease cannot move the cursor,
		// complete, or fail the audit under the new holder.
		moved, err := s.AdvanceAuditPhase(ctx, audit.ID, "worker-2", model.PhaseGeneration, model.PhaseExecution)
		require.NoError(t, err)
		assert.False(t, moved)

		done, err := s.CompleteAudit(ctx, audit.ID, "worker-2")
		require.NoError(t, err)
		assert.False(t, done)

		failed, err := s.FailAudit(ctx, audit.ID, "worker-2", "stale holder")
		require.NoError(t, err)
		assert.False(t, failed)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatusProcessing, got.Status)
		assert.Equal(t, model.PhaseGeneration, got.Phase)
		assert.Equal(t, "worker-1", got.LeaseOwner)

		// The holder's own transitions still apply.
		moved, err = s.AdvanceAuditPhase(ctx, audit.ID, "worker-1", model.PhaseGeneration, model.PhaseExecution)
		require.NoError(t, err)
		assert.True(t, moved)
	})

	t.Run("CompleteAudit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)

		done, err := s.CompleteAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		assert.False(t, done, "pending audit must not complete")

		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)

		done, err = s.CompleteAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		assert.True(t, done)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatusCompleted, got.Status)
		assert.Empty(t, got.LeaseOwner)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("FailAudit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		failed, err := s.FailAudit(ctx, audit.ID, "", "generation deficit")
		require.NoError(t, err)
		assert.True(t, failed)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatusFailed, got.Status)
		assert.Equal(t, "generation deficit", got.ErrorMessage)

		// Failing again just rewrites the reason.
		failed, err = s.FailAudit(ctx, audit.ID, "", "still broken")
		require.NoError(t, err)
		assert.True(t, failed)
	})

	t.Run("FailAudit_TerminalStates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)
		done, err := s.CompleteAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, done)

		failed, err := s.FailAudit(ctx, audit.ID, "", "too late")
		require.NoError(t, err)
		assert.False(t, failed)
	})

	t.Run("StopAudit_Processing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)

		status, err := s.StopAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatusStopped, status)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatusStopped, got.Status)
		assert.Empty(t, got.LeaseOwner)
	})

	t.Run("StopAudit_Pending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		status, err := s.StopAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatusCancelled, status)
	})

	t.Run("StopAudit_NotStoppable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)
		done, err := s.CompleteAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, done)

		status, err := s.StopAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatus(""), status)
	})

	t.Run("ResetAuditForReprocess", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		_, err := s.FailAudit(ctx, audit.ID, "", "boom")
		require.NoError(t, err)

		ok, err := s.ResetAuditForReprocess(ctx, audit.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetAudit(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuditStatusPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Empty(t, got.ErrorMessage)
		assert.Nil(t, got.HeartbeatAt)

		// Already pending.
		ok, err = s.ResetAuditForReprocess(ctx, audit.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ListStuckAudits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		won, err := s.ClaimAudit(ctx, audit.ID, "worker-1")
		require.NoError(t, err)
		require.True(t, won)

		// Heartbeat is fresh against a cutoff in the past.
		stuck, err := s.ListStuckAudits(ctx, time.Now().UTC().Add(-5*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, stuck)

		// Against a future cutoff the same audit counts as stale.
		stuck, err = s.ListStuckAudits(ctx, time.Now().UTC().Add(5*time.Minute))
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, audit.ID, stuck[0].ID)
	})

	// --- Queries ---

	t.Run("InsertAndListQueries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		queries := []model.Query{
			{AuditID: audit.ID, Phase: model.PhaseDiscovery, Intent: model.IntentInformational, Text: "what is revenue attribution", ContentHash: "h1", Position: 0},
			{AuditID: audit.ID, Phase: model.PhaseComparison, Intent: model.IntentCommercial, Text: "brightline vs looker", ContentHash: "h2", Position: 1},
		}
		n, err := s.InsertQueries(ctx, queries)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		got, err := s.ListQueries(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "what is revenue attribution", got[0].Text)
		assert.Equal(t, model.PhaseComparison, got[1].Phase)
		assert.NotEmpty(t, got[0].ID)
	})

	t.Run("InsertQueries_Empty", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.InsertQueries(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("DeleteQueries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		_, err := s.InsertQueries(ctx, []model.Query{
			{AuditID: audit.ID, Phase: model.PhaseDiscovery, Text: "q1", ContentHash: "h1"},
			{AuditID: audit.ID, Phase: model.PhaseResearch, Text: "q2", ContentHash: "h2"},
		})
		require.NoError(t, err)

		n, err := s.DeleteQueries(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.DeleteQueries(ctx, audit.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	// --- Responses ---

	t.Run("UpsertResponse_SupersedesOnRetry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		_, err := s.InsertQueries(ctx, []model.Query{{ID: "q-1", AuditID: audit.ID, Phase: model.PhaseDiscovery, Text: "q", ContentHash: "h1"}})
		require.NoError(t, err)

		first := model.Response{
			AuditID:     audit.ID,
			QueryID:     "q-1",
			Provider:    "openai",
			Status:      model.ResponseFailed,
			FailureKind: model.FailureTimeout,
		}
		require.NoError(t, s.UpsertResponse(ctx, &first))

		retry := model.Response{
			AuditID:   audit.ID,
			QueryID:   "q-1",
			Provider:  "openai",
			Model:     "gpt-5",
			RawText:   "Brightline leads the category.",
			LatencyMS: 840,
			Usage:     model.TokenUsage{InputTokens: 120, OutputTokens: 300, Cost: 0.0042},
			Status:    model.ResponseOK,
		}
		require.NoError(t, s.UpsertResponse(ctx, &retry))
		assert.Equal(t, first.ID, retry.ID, "retry keeps the stored row id")

		responses, err := s.ListResponses(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, responses, 1)
		assert.Equal(t, model.ResponseOK, responses[0].Status)
		assert.Equal(t, "Brightline leads the category.", responses[0].RawText)
		assert.Equal(t, 300, responses[0].Usage.OutputTokens)
		assert.InDelta(t, 0.0042, responses[0].Usage.Cost, 1e-9)
	})

	t.Run("UpdateResponseAnalysis", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		_, err := s.InsertQueries(ctx, []model.Query{{ID: "q-1", AuditID: audit.ID, Phase: model.PhaseDiscovery, Text: "q", ContentHash: "h1"}})
		require.NoError(t, err)
		resp := model.Response{AuditID: audit.ID, QueryID: "q-1", Provider: "openai", RawText: "text", Status: model.ResponseOK}
		require.NoError(t, s.UpsertResponse(ctx, &resp))

		analysis := &model.Analysis{
			BrandMentioned:  true,
			MentionPosition: model.PositionFirst,
			MentionContext:  model.ContextFeatured,
			Sentiment:       model.SentimentPositive,
			Recommendation:  model.RecommendationStrong,
			Competitors:     []string{"Looker"},
		}
		err = s.UpdateResponseAnalysis(ctx, resp.ID, analysis, time.Now().UTC())
		require.NoError(t, err)

		responses, err := s.ListResponses(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, responses, 1)
		require.NotNil(t, responses[0].Analysis)
		assert.True(t, responses[0].Analysis.BrandMentioned)
		assert.Equal(t, model.PositionFirst, responses[0].Analysis.MentionPosition)
		assert.Equal(t, []string{"Looker"}, responses[0].Analysis.Competitors)
		assert.NotNil(t, responses[0].AnalyzedAt)
	})

	t.Run("UpdateResponseAnalysis_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		neutral := model.NeutralAnalysis()
		err := s.UpdateResponseAnalysis(ctx, "nonexistent", &neutral, time.Now().UTC())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ClearAnalyses", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		_, err := s.InsertQueries(ctx, []model.Query{{ID: "q-1", AuditID: audit.ID, Phase: model.PhaseDiscovery, Text: "q", ContentHash: "h1"}})
		require.NoError(t, err)
		resp := model.Response{AuditID: audit.ID, QueryID: "q-1", Provider: "openai", RawText: "text", Status: model.ResponseOK}
		require.NoError(t, s.UpsertResponse(ctx, &resp))
		neutral := model.NeutralAnalysis()
		require.NoError(t, s.UpdateResponseAnalysis(ctx, resp.ID, &neutral, time.Now().UTC()))

		n, err := s.ClearAnalyses(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		responses, err := s.ListResponses(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, responses, 1)
		assert.Nil(t, responses[0].Analysis)
		assert.Nil(t, responses[0].AnalyzedAt)

		// Nothing left to clear.
		n, err = s.ClearAnalyses(ctx, audit.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	// --- Response cache ---

	t.Run("ResponseCacheSetAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		entry := model.CachedResponse{
			QueryHash: "abc123",
			Provider:  "perplexity",
			Model:     "sonar-pro",
			RawText:   "cached answer",
			Usage:     model.TokenUsage{InputTokens: 80, OutputTokens: 210},
		}
		require.NoError(t, s.PutCachedResponse(ctx, &entry, 24*time.Hour))
		assert.NotEmpty(t, entry.ID)
		assert.True(t, entry.ExpiresAt.After(entry.CreatedAt))

		got, err := s.GetCachedResponse(ctx, "abc123", "perplexity")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "cached answer", got.RawText)
		assert.Equal(t, 210, got.Usage.OutputTokens)

		// Same hash under a different provider is a miss.
		miss, err := s.GetCachedResponse(ctx, "abc123", "openai")
		require.NoError(t, err)
		assert.Nil(t, miss)
	})

	t.Run("ResponseCacheExpiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// Insert with already-expired TTL
		entry := model.CachedResponse{QueryHash: "old", Provider: "openai", RawText: "stale"}
		require.NoError(t, s.PutCachedResponse(ctx, &entry, -1*time.Hour))

		got, err := s.GetCachedResponse(ctx, "old", "openai")
		require.NoError(t, err)
		assert.Nil(t, got)

		n, err := s.DeleteExpiredCache(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.DeleteExpiredCache(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ResponseCacheOverwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e1 := model.CachedResponse{QueryHash: "abc123", Provider: "openai", RawText: "old"}
		require.NoError(t, s.PutCachedResponse(ctx, &e1, 24*time.Hour))
		e2 := model.CachedResponse{QueryHash: "abc123", Provider: "openai", RawText: "new"}
		require.NoError(t, s.PutCachedResponse(ctx, &e2, 24*time.Hour))

		got, err := s.GetCachedResponse(ctx, "abc123", "openai")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "new", got.RawText)
	})

	// --- Insight ladder ---

	t.Run("UpsertBatchInsight", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		bi := model.BatchInsight{
			AuditID:     audit.ID,
			Phase:       model.PhaseDiscovery,
			BatchIndex:  0,
			Type:        model.ExtractStrengths,
			Items:       []model.InsightItem{{Label: "fast onboarding", Score: 0.8, Count: 3}},
			ResponseIDs: []string{"r-1", "r-2"},
		}
		require.NoError(t, s.UpsertBatchInsight(ctx, &bi))

		// Rewriting the same (phase, batch, type) cell updates in place.
		bi2 := model.BatchInsight{
			AuditID:    audit.ID,
			Phase:      model.PhaseDiscovery,
			BatchIndex: 0,
			Type:       model.ExtractStrengths,
			Items:      []model.InsightItem{{Label: "fast onboarding", Score: 0.9, Count: 5}},
		}
		require.NoError(t, s.UpsertBatchInsight(ctx, &bi2))

		got, err := s.ListBatchInsights(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, bi.ID, got[0].ID)
		require.Len(t, got[0].Items, 1)
		assert.InDelta(t, 0.9, got[0].Items[0].Score, 0.001)
		assert.Equal(t, 5, got[0].Items[0].Count)
	})

	t.Run("UpsertCategoryInsight", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		ci := model.CategoryInsight{
			AuditID: audit.ID,
			Phase:   model.PhaseComparison,
			Type:    model.ExtractGaps,
			Items:   []model.InsightItem{{Label: "no SSO", Score: 0.7, Count: 4}},
			Summary: "Missing enterprise auth comes up repeatedly.",
		}
		require.NoError(t, s.UpsertCategoryInsight(ctx, &ci))

		ci.Summary = "Missing enterprise auth dominates comparison queries."
		require.NoError(t, s.UpsertCategoryInsight(ctx, &ci))

		got, err := s.ListCategoryInsights(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, model.ExtractGaps, got[0].Type)
		assert.Equal(t, "Missing enterprise auth dominates comparison queries.", got[0].Summary)
	})

	t.Run("ReplacePriorities_ShrinkToFit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		initial := []model.StrategicPriority{
			{AuditID: audit.ID, Type: model.ExtractStrengths, Rank: 1, Title: "Speed", Item: model.InsightItem{Label: "speed", Score: 0.9}},
			{AuditID: audit.ID, Type: model.ExtractStrengths, Rank: 2, Title: "Support", Item: model.InsightItem{Label: "support", Score: 0.6}},
			{AuditID: audit.ID, Type: model.ExtractGaps, Rank: 1, Title: "SSO", Item: model.InsightItem{Label: "sso", Score: 0.8}},
		}
		require.NoError(t, s.ReplacePriorities(ctx, audit.ID, initial))

		got, err := s.ListPriorities(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, got, 3)

		// The next run produced fewer strengths and no gaps at all.
		replacement := []model.StrategicPriority{
			{AuditID: audit.ID, Type: model.ExtractStrengths, Rank: 1, Title: "Onboarding", Item: model.InsightItem{Label: "onboarding", Score: 0.95}},
		}
		require.NoError(t, s.ReplacePriorities(ctx, audit.ID, replacement))

		got, err = s.ListPriorities(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, model.ExtractStrengths, got[0].Type)
		assert.Equal(t, 1, got[0].Rank)
		assert.Equal(t, "Onboarding", got[0].Title)
		assert.Equal(t, initial[0].ID, got[0].ID, "rank 1 row survives in place")
	})

	t.Run("ReplacePriorities_EmptyClearsAll", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		require.NoError(t, s.ReplacePriorities(ctx, audit.ID, []model.StrategicPriority{
			{AuditID: audit.ID, Type: model.ExtractFeatureMentions, Rank: 1, Title: "Dashboards", Item: model.InsightItem{Label: "dashboards"}},
		}))

		require.NoError(t, s.ReplacePriorities(ctx, audit.ID, nil))

		got, err := s.ListPriorities(ctx, audit.ID)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ExecutiveSummaryRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		missing, err := s.GetExecutiveSummary(ctx, audit.ID)
		require.NoError(t, err)
		assert.Nil(t, missing)

		es := model.ExecutiveSummary{
			AuditID:     audit.ID,
			CompanyName: "Brightline Analytics",
			Sections: map[model.ExtractionType]string{
				model.ExtractStrengths: "Speed and support stand out.",
			},
			Degraded:     true,
			MissingTypes: []model.ExtractionType{model.ExtractCompetitorThreats},
		}
		require.NoError(t, s.UpsertExecutiveSummary(ctx, &es))

		got, err := s.GetExecutiveSummary(ctx, audit.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Speed and support stand out.", got.Sections[model.ExtractStrengths])
		assert.True(t, got.Degraded)
		assert.Equal(t, []model.ExtractionType{model.ExtractCompetitorThreats}, got.MissingTypes)

		es.Degraded = false
		es.MissingTypes = nil
		require.NoError(t, s.UpsertExecutiveSummary(ctx, &es))

		got, err = s.GetExecutiveSummary(ctx, audit.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.Degraded)
		assert.Empty(t, got.MissingTypes)
	})

	// --- Accounting ---

	t.Run("MetadataAndSumMetric", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		now := time.Now().UTC()
		err := s.AppendMetadata(ctx,
			model.ProcessingMetadata{AuditID: audit.ID, Phase: model.PhaseExecution, Metric: model.MetricTokensIn, Count: 1200},
			model.ProcessingMetadata{AuditID: audit.ID, Phase: model.PhaseExecution, Metric: model.MetricTokensIn, Count: 800, CreatedAt: now.Add(-2 * time.Hour)},
			model.ProcessingMetadata{AuditID: audit.ID, Phase: model.PhaseAnalysis, Metric: model.MetricResponsesAnalyzed, Count: 40, Detail: map[string]string{"provider": "openai"}},
		)
		require.NoError(t, err)

		entries, err := s.ListMetadata(ctx, audit.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 3)

		// Only entries inside the window count.
		total, err := s.SumMetric(ctx, model.MetricTokensIn, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1200), total)

		total, err = s.SumMetric(ctx, model.MetricTokensIn, now.Add(-3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2000), total)

		total, err = s.SumMetric(ctx, "unknown_metric", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("MetadataDetailRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		require.NoError(t, s.AppendMetadata(ctx, model.ProcessingMetadata{
			AuditID: audit.ID,
			Phase:   model.PhaseExecution,
			Metric:  model.MetricProviderTransport,
			Count:   1,
			Detail:  map[string]string{"provider": "gemini", "error": "connection reset"},
		}))

		entries, err := s.ListMetadata(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "gemini", entries[0].Detail["provider"])
	})

	// --- Reprocess log and events ---

	t.Run("ReprocessLog", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		now := time.Now().UTC()
		old := model.ReprocessEntry{
			AuditID:      audit.ID,
			Attempt:      1,
			Trigger:      model.TriggerAutomatic,
			BeforeStatus: model.AuditStatusFailed,
			BeforePhase:  model.PhaseExecution,
			AfterStatus:  model.AuditStatusPending,
			AfterPhase:   model.PhaseExecution,
			Reason:       "stuck heartbeat",
			CreatedAt:    now.Add(-2 * time.Hour),
		}
		require.NoError(t, s.AppendReprocess(ctx, &old))
		recent := model.ReprocessEntry{
			AuditID:      audit.ID,
			Attempt:      2,
			Trigger:      model.TriggerManual,
			BeforeStatus: model.AuditStatusFailed,
			BeforePhase:  model.PhaseAnalysis,
			AfterStatus:  model.AuditStatusPending,
			AfterPhase:   model.PhaseAnalysis,
		}
		require.NoError(t, s.AppendReprocess(ctx, &recent))

		entries, err := s.ListReprocesses(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, 1, entries[0].Attempt)
		assert.Equal(t, 2, entries[1].Attempt)
		assert.Equal(t, "stuck heartbeat", entries[0].Reason)

		n, err := s.CountRecentReprocesses(ctx, audit.ID, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("AuditEvents", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		require.NoError(t, s.AppendEvent(ctx, &model.AuditEvent{
			AuditID: audit.ID,
			Type:    model.EventPhaseAdvanced,
			Detail:  map[string]string{"from": "generation", "to": "execution"},
		}))
		require.NoError(t, s.AppendEvent(ctx, &model.AuditEvent{
			AuditID: audit.ID,
			Type:    model.EventStopObserved,
		}))

		events, err := s.ListEvents(ctx, audit.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		types := []string{events[0].Type, events[1].Type}
		assert.Contains(t, types, model.EventPhaseAdvanced)
		assert.Contains(t, types, model.EventStopObserved)
		for _, e := range events {
			if e.Type == model.EventPhaseAdvanced {
				assert.Equal(t, "execution", e.Detail["to"])
			}
		}
	})

	// --- Progress, dashboard, deletion ---

	t.Run("GetAuditProgress", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		_, err := s.InsertQueries(ctx, []model.Query{
			{ID: "q-1", AuditID: audit.ID, Phase: model.PhaseDiscovery, Text: "q1", ContentHash: "h1"},
			{ID: "q-2", AuditID: audit.ID, Phase: model.PhaseResearch, Text: "q2", ContentHash: "h2"},
		})
		require.NoError(t, err)

		ok := model.Response{AuditID: audit.ID, QueryID: "q-1", Provider: "openai", RawText: "text", Status: model.ResponseOK}
		require.NoError(t, s.UpsertResponse(ctx, &ok))
		neutral := model.NeutralAnalysis()
		require.NoError(t, s.UpdateResponseAnalysis(ctx, ok.ID, &neutral, time.Now().UTC()))
		failed := model.Response{AuditID: audit.ID, QueryID: "q-2", Provider: "openai", Status: model.ResponseFailed, FailureKind: model.FailureExhausted}
		require.NoError(t, s.UpsertResponse(ctx, &failed))

		require.NoError(t, s.UpsertBatchInsight(ctx, &model.BatchInsight{
			AuditID: audit.ID, Phase: model.PhaseDiscovery, BatchIndex: 0, Type: model.ExtractStrengths,
		}))
		require.NoError(t, s.UpsertExecutiveSummary(ctx, &model.ExecutiveSummary{AuditID: audit.ID}))

		p, err := s.GetAuditProgress(ctx, audit.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, p.QueriesGenerated)
		assert.Equal(t, 1, p.ResponsesCollected)
		assert.Equal(t, 1, p.ResponsesFailed)
		assert.Equal(t, 1, p.ResponsesAnalyzed)
		assert.Equal(t, 1, p.BatchInsights)
		assert.Zero(t, p.CategoryInsights)
		assert.True(t, p.HasExecutiveSummary)
		assert.False(t, p.HasDashboard)
	})

	t.Run("DashboardLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		missing, err := s.GetDashboard(ctx, audit.ID)
		require.NoError(t, err)
		assert.Nil(t, missing)

		d := model.Dashboard{
			AuditID:   audit.ID,
			CompanyID: audit.CompanyID,
			Payload: model.DashboardPayload{
				CompanyName:    "Brightline Analytics",
				VisibilityRate: 0.62,
			},
		}
		require.NoError(t, s.UpsertDashboard(ctx, &d))

		got, err := s.GetDashboard(ctx, audit.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.InDelta(t, 0.62, got.Payload.VisibilityRate, 0.001)
		assert.Nil(t, got.SFSyncedAt)

		require.NoError(t, s.MarkDashboardSynced(ctx, audit.ID, time.Now().UTC()))
		got, err = s.GetDashboard(ctx, audit.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.SFSyncedAt)

		// Repopulating invalidates the CRM sync mark.
		require.NoError(t, s.UpsertDashboard(ctx, &d))
		got, err = s.GetDashboard(ctx, audit.ID)
		require.NoError(t, err)
		assert.Nil(t, got.SFSyncedAt)
	})

	t.Run("MarkDashboardSynced_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.MarkDashboardSynced(ctx, "nonexistent", time.Now().UTC())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteAudit_Cascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		audit := seedAudit(t, s)
		_, err := s.InsertQueries(ctx, []model.Query{{ID: "q-1", AuditID: audit.ID, Phase: model.PhaseDiscovery, Text: "q", ContentHash: "h1"}})
		require.NoError(t, err)
		resp := model.Response{AuditID: audit.ID, QueryID: "q-1", Provider: "openai", Status: model.ResponseOK}
		require.NoError(t, s.UpsertResponse(ctx, &resp))
		require.NoError(t, s.UpsertDashboard(ctx, &model.Dashboard{AuditID: audit.ID, CompanyID: audit.CompanyID}))

		require.NoError(t, s.DeleteAudit(ctx, audit.ID))

		_, err = s.GetAudit(ctx, audit.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		queries, err := s.ListQueries(ctx, audit.ID)
		require.NoError(t, err)
		assert.Empty(t, queries)
		dash, err := s.GetDashboard(ctx, audit.ID)
		require.NoError(t, err)
		assert.Nil(t, dash)

		err = s.DeleteAudit(ctx, audit.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteFailedAudits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		healthy := seedAudit(t, s)
		broken := seedAudit(t, s)
		_, err := s.FailAudit(ctx, broken.ID, "", "boom")
		require.NoError(t, err)
		_, err = s.InsertQueries(ctx, []model.Query{{AuditID: broken.ID, Phase: model.PhaseDiscovery, Text: "q", ContentHash: "h1"}})
		require.NoError(t, err)

		n, err := s.DeleteFailedAudits(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.GetAudit(ctx, broken.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetAudit(ctx, healthy.ID)
		require.NoError(t, err)

		n, err = s.DeleteFailedAudits(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
