package model

import "time"

// ResponseStatus marks whether a provider attempt produced usable text.
type ResponseStatus string

const (
	ResponseOK     ResponseStatus = "ok"
	ResponseFailed ResponseStatus = "failed"
)

// FailureKind distinguishes why a query failed, for provider health
// inspection and failover decisions.
type FailureKind string

const (
	// FailureTransport covers connection and protocol errors.
	FailureTransport FailureKind = "transport"
	// FailureTimeout is a per-attempt deadline expiry.
	FailureTimeout FailureKind = "timeout"
	// FailureMalformed is a well-formed transport exchange whose payload
	// was empty or undecodable. Counted separately from transport faults.
	FailureMalformed FailureKind = "malformed"
	// FailureExhausted means every provider in the priority list failed.
	FailureExhausted FailureKind = "exhausted"
)

// MentionPosition is where the brand first appears in a response.
// Ordinal: absent < late < mid < first.
type MentionPosition string

const (
	PositionAbsent MentionPosition = "absent"
	PositionLate   MentionPosition = "late"
	PositionMid    MentionPosition = "mid"
	PositionFirst  MentionPosition = "first"
)

var positionScores = map[MentionPosition]int{
	PositionAbsent: 0,
	PositionLate:   1,
	PositionMid:    2,
	PositionFirst:  3,
}

// Score returns the ordinal encoding used by aggregation.
func (p MentionPosition) Score() int { return positionScores[p] }

// MentionContext is how centrally the brand figures in a response.
// Ordinal: none < passing < supporting < featured < primary_focus.
type MentionContext string

const (
	ContextNone         MentionContext = "none"
	ContextPassing      MentionContext = "passing"
	ContextSupporting   MentionContext = "supporting"
	ContextFeatured     MentionContext = "featured"
	ContextPrimaryFocus MentionContext = "primary_focus"
)

var contextScores = map[MentionContext]int{
	ContextNone:         0,
	ContextPassing:      1,
	ContextSupporting:   2,
	ContextFeatured:     3,
	ContextPrimaryFocus: 4,
}

// Score returns the ordinal encoding used by aggregation.
func (c MentionContext) Score() int { return contextScores[c] }

// Sentiment is the tone toward the brand on a six-point ordered scale.
// Unclassifiable responses default to neutral.
type Sentiment string

const (
	SentimentVeryNegative Sentiment = "very_negative"
	SentimentNegative     Sentiment = "negative"
	SentimentMixed        Sentiment = "mixed"
	SentimentNeutral      Sentiment = "neutral"
	SentimentPositive     Sentiment = "positive"
	SentimentVeryPositive Sentiment = "very_positive"
)

var sentimentScores = map[Sentiment]int{
	SentimentVeryNegative: 0,
	SentimentNegative:     1,
	SentimentMixed:        2,
	SentimentNeutral:      3,
	SentimentPositive:     4,
	SentimentVeryPositive: 5,
}

// Score returns the ordinal encoding used by aggregation.
func (s Sentiment) Score() int { return sentimentScores[s] }

// Recommendation is how strongly a response recommends the brand on a
// six-point ordered scale. Unclassifiable responses default to none.
type Recommendation string

const (
	RecommendationNone        Recommendation = "none"
	RecommendationWeak        Recommendation = "weak"
	RecommendationConditional Recommendation = "conditional"
	RecommendationModerate    Recommendation = "moderate"
	RecommendationStrong      Recommendation = "strong"
	RecommendationTopPick     Recommendation = "top_pick"
)

var recommendationScores = map[Recommendation]int{
	RecommendationNone:        0,
	RecommendationWeak:        1,
	RecommendationConditional: 2,
	RecommendationModerate:    3,
	RecommendationStrong:      4,
	RecommendationTopPick:     5,
}

// Score returns the ordinal encoding used by aggregation.
func (r Recommendation) Score() int { return recommendationScores[r] }

// Analysis holds the brand-signal fields the analyzer attaches to a
// response. Always complete: unclassifiable signal lands on the neutral
// end of each scale rather than null.
type Analysis struct {
	BrandMentioned  bool            `json:"brand_mentioned"`
	MentionPosition MentionPosition `json:"mention_position"`
	MentionContext  MentionContext  `json:"mention_context"`
	Sentiment       Sentiment       `json:"sentiment"`
	Recommendation  Recommendation  `json:"recommendation"`
	Competitors     []string        `json:"competitors"`
}

// NeutralAnalysis is the default record for a response with no readable
// brand signal.
func NeutralAnalysis() Analysis {
	return Analysis{
		MentionPosition: PositionAbsent,
		MentionContext:  ContextNone,
		Sentiment:       SentimentNeutral,
		Recommendation:  RecommendationNone,
		Competitors:     []string{},
	}
}

// Response is one provider's answer to one query. At most one counted
// response exists per (query, provider); reruns supersede in place.
type Response struct {
	ID           string         `json:"id"`
	AuditID      string         `json:"audit_id"`
	QueryID      string         `json:"query_id"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model,omitempty"`
	RawText      string         `json:"raw_text,omitempty"`
	ResponseHash string         `json:"response_hash,omitempty"`
	CacheHit     bool           `json:"cache_hit"`
	LatencyMS    int64          `json:"latency_ms"`
	Usage        TokenUsage     `json:"usage"`
	Status       ResponseStatus `json:"status"`
	FailureKind  FailureKind    `json:"failure_kind,omitempty"`
	Analysis     *Analysis      `json:"analysis,omitempty"`
	AnalyzedAt   *time.Time     `json:"analyzed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Analyzed reports whether analysis fields are attached.
func (r *Response) Analyzed() bool { return r.Analysis != nil }

// CachedResponse is a reusable provider answer keyed by query hash and
// provider, valid until ExpiresAt.
type CachedResponse struct {
	ID        string     `json:"id"`
	QueryHash string     `json:"query_hash"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model,omitempty"`
	RawText   string     `json:"raw_text"`
	Usage     TokenUsage `json:"usage"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (c *CachedResponse) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// TokenUsage tracks token consumption and computed cost.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}
