package model

import "time"

// ExtractionType is one of the four lenses the aggregation ladder
// reduces responses under.
type ExtractionType string

const (
	ExtractFeatureMentions   ExtractionType = "feature_mentions"
	ExtractStrengths         ExtractionType = "strengths"
	ExtractGaps              ExtractionType = "gaps"
	ExtractCompetitorThreats ExtractionType = "competitor_threats"
)

// ExtractionTypes is the canonical set, in reporting order.
var ExtractionTypes = []ExtractionType{
	ExtractFeatureMentions,
	ExtractStrengths,
	ExtractGaps,
	ExtractCompetitorThreats,
}

// Valid reports whether t names a known extraction type.
func (t ExtractionType) Valid() bool {
	for _, et := range ExtractionTypes {
		if et == t {
			return true
		}
	}
	return false
}

// InsightItem is one scored finding inside an insight payload.
type InsightItem struct {
	Label   string   `json:"label"`
	Score   float64  `json:"score"`
	Count   int      `json:"count"`
	Sources []string `json:"sources,omitempty"` // response or phase identifiers
}

// BatchInsight is the first-layer reduction over one fixed-size batch of
// responses within a journey phase, for one extraction type.
type BatchInsight struct {
	ID          string         `json:"id"`
	AuditID     string         `json:"audit_id"`
	Phase       JourneyPhase   `json:"phase"`
	BatchIndex  int            `json:"batch_index"`
	Type        ExtractionType `json:"type"`
	Items       []InsightItem  `json:"items"`
	ResponseIDs []string       `json:"response_ids"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CategoryInsight is the second-layer synthesis over all batches of one
// phase for one extraction type, bounded to the top-N items. Exactly one
// record exists per (audit, phase, type).
type CategoryInsight struct {
	ID        string         `json:"id"`
	AuditID   string         `json:"audit_id"`
	Phase     JourneyPhase   `json:"phase"`
	Type      ExtractionType `json:"type"`
	Items     []InsightItem  `json:"items"`
	Summary   string         `json:"summary,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StrategicPriority is one ranked cross-phase item for an extraction
// type. Ranks run 1..K per (audit, type) with no gaps; SourcePhases
// records which funnel stages contributed.
type StrategicPriority struct {
	ID           string         `json:"id"`
	AuditID      string         `json:"audit_id"`
	Type         ExtractionType `json:"type"`
	Rank         int            `json:"rank"`
	Title        string         `json:"title"`
	Item         InsightItem    `json:"item"`
	SourcePhases []JourneyPhase `json:"source_phases"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ExecutiveSummary is the single top-layer record per audit. When an
// extraction type produced no priorities, the summary is marked degraded
// and the gap listed, never silently omitted.
type ExecutiveSummary struct {
	AuditID        string                    `json:"audit_id"`
	CompanyName    string                    `json:"company_name"`
	PersonaContext string                    `json:"persona_context,omitempty"`
	Sections       map[ExtractionType]string `json:"sections"`
	Degraded       bool                      `json:"degraded"`
	MissingTypes   []ExtractionType          `json:"missing_types,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// Dashboard is the read-optimized projection materialized after the
// ladder completes. External consumers read it; the pipeline only
// writes it.
type Dashboard struct {
	AuditID     string           `json:"audit_id"`
	CompanyID   string           `json:"company_id"`
	Payload     DashboardPayload `json:"payload"`
	PopulatedAt time.Time        `json:"populated_at"`
	SFSyncedAt  *time.Time       `json:"sf_synced_at,omitempty"`
}

// DashboardPayload is the denormalized dashboard content.
type DashboardPayload struct {
	CompanyName    string                            `json:"company_name"`
	Progress       AuditProgress                     `json:"progress"`
	VisibilityRate float64                           `json:"visibility_rate"`
	AvgSentiment   float64                           `json:"avg_sentiment"`
	AvgPosition    float64                           `json:"avg_position"`
	AvgRecommend   float64                           `json:"avg_recommendation"`
	PhaseBreakdown map[JourneyPhase]PhaseVisibility  `json:"phase_breakdown"`
	Priorities     map[ExtractionType][]InsightItem  `json:"priorities"`
	Summary        *ExecutiveSummary                 `json:"summary,omitempty"`
	ProviderHealth map[string]ProviderHealthSnapshot `json:"provider_health,omitempty"`
}

// PhaseVisibility summarizes analysis ordinals for one journey phase.
type PhaseVisibility struct {
	Queries      int     `json:"queries"`
	Responses    int     `json:"responses"`
	MentionRate  float64 `json:"mention_rate"`
	AvgSentiment float64 `json:"avg_sentiment"`
	AvgPosition  float64 `json:"avg_position"`
	AvgRecommend float64 `json:"avg_recommendation"`
}

// ProviderHealthSnapshot counts per-provider outcomes for one audit.
type ProviderHealthSnapshot struct {
	Succeeded int `json:"succeeded"`
	Transport int `json:"transport_failures"`
	Malformed int `json:"malformed_failures"`
	CacheHits int `json:"cache_hits"`
}
