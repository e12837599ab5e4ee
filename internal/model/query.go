package model

import "time"

// JourneyPhase is one of the five ordered buyer-journey stages queries
// are weighted across.
type JourneyPhase string

const (
	PhaseDiscovery  JourneyPhase = "discovery"
	PhaseResearch   JourneyPhase = "research"
	PhaseEvaluation JourneyPhase = "evaluation"
	PhaseComparison JourneyPhase = "comparison"
	PhasePurchase   JourneyPhase = "purchase"
)

// JourneyPhases is the canonical funnel order.
var JourneyPhases = []JourneyPhase{
	PhaseDiscovery,
	PhaseResearch,
	PhaseEvaluation,
	PhaseComparison,
	PhasePurchase,
}

// PhaseWeights are the strategic weights used for query allocation and
// cross-phase priority scoring. They sum to 1.0; comparison carries the
// largest share and absorbs rounding remainders during allocation.
var PhaseWeights = map[JourneyPhase]float64{
	PhaseDiscovery:  0.14,
	PhaseResearch:   0.19,
	PhaseEvaluation: 0.24,
	PhaseComparison: 0.29,
	PhasePurchase:   0.14,
}

// Valid reports whether p names a known journey phase.
func (p JourneyPhase) Valid() bool {
	_, ok := PhaseWeights[p]
	return ok
}

// legacyCategories maps the retired six-category framework onto the
// canonical five phases. Used for backward-compatible reads only;
// aggregation never computes over legacy labels.
var legacyCategories = map[string]JourneyPhase{
	"awareness":     PhaseDiscovery,
	"interest":      PhaseResearch,
	"consideration": PhaseEvaluation,
	"comparison":    PhaseComparison,
	"intent":        PhasePurchase,
	"retention":     PhasePurchase,
}

// CanonicalPhase resolves a legacy six-category label or a phase name to
// its canonical journey phase.
func CanonicalPhase(label string) (JourneyPhase, bool) {
	if p := JourneyPhase(label); p.Valid() {
		return p, true
	}
	p, ok := legacyCategories[label]
	return p, ok
}

// LegacyCategory returns the six-category label historically associated
// with a phase, for backward-compatible reads.
func LegacyCategory(p JourneyPhase) string {
	switch p {
	case PhaseDiscovery:
		return "awareness"
	case PhaseResearch:
		return "interest"
	case PhaseEvaluation:
		return "consideration"
	case PhaseComparison:
		return "comparison"
	case PhasePurchase:
		return "intent"
	}
	return ""
}

// Intent classifies the searcher's goal behind a query.
type Intent string

const (
	IntentInformational Intent = "informational"
	IntentCommercial    Intent = "commercial"
	IntentTransactional Intent = "transactional"
	IntentNavigational  Intent = "navigational"
)

// DefaultIntent is the intent assigned to a phase's queries unless a
// template overrides it.
func DefaultIntent(p JourneyPhase) Intent {
	switch p {
	case PhaseDiscovery, PhaseResearch:
		return IntentInformational
	case PhaseEvaluation, PhaseComparison:
		return IntentCommercial
	case PhasePurchase:
		return IntentTransactional
	}
	return IntentInformational
}

// Query is one buyer-journey question generated for an audit. Immutable
// once created; regeneration produces a new set.
type Query struct {
	ID             string       `json:"id"`
	AuditID        string       `json:"audit_id"`
	Phase          JourneyPhase `json:"phase"`
	LegacyCategory string       `json:"legacy_category"`
	Intent         Intent       `json:"intent"`
	Text           string       `json:"text"`
	ContentHash    string       `json:"content_hash"`
	Complexity     float64      `json:"complexity"`
	Priority       float64      `json:"priority"`
	Position       int          `json:"position"`
	CreatedAt      time.Time    `json:"created_at"`
}

// QueryDraft is a generated query before persistence.
type QueryDraft struct {
	Phase          JourneyPhase `json:"phase"`
	LegacyCategory string       `json:"legacy_category"`
	Intent         Intent       `json:"intent"`
	Text           string       `json:"text"`
	ContentHash    string       `json:"content_hash"`
	Complexity     float64      `json:"complexity"`
	Priority       float64      `json:"priority"`
	Position       int          `json:"position"`
}

// ToQuery converts the draft into a persistable Query for an audit.
func (d QueryDraft) ToQuery(auditID string) Query {
	return Query{
		AuditID:        auditID,
		Phase:          d.Phase,
		LegacyCategory: d.LegacyCategory,
		Intent:         d.Intent,
		Text:           d.Text,
		ContentHash:    d.ContentHash,
		Complexity:     d.Complexity,
		Priority:       d.Priority,
		Position:       d.Position,
	}
}
