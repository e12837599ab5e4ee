package model

import (
	"strings"
	"time"
)

// AuditStatus represents the lifecycle state of an audit.
type AuditStatus string

const (
	AuditStatusPending    AuditStatus = "pending"
	AuditStatusProcessing AuditStatus = "processing"
	AuditStatusCompleted  AuditStatus = "completed"
	AuditStatusFailed     AuditStatus = "failed"
	AuditStatusStopped    AuditStatus = "stopped"
	AuditStatusCancelled  AuditStatus = "cancelled"
)

// Terminal reports whether the status admits no further pipeline work.
func (s AuditStatus) Terminal() bool {
	switch s {
	case AuditStatusCompleted, AuditStatusFailed, AuditStatusStopped, AuditStatusCancelled:
		return true
	}
	return false
}

// PipelinePhase is the state machine's internal step cursor. It tracks
// position in the processing pipeline, not the buyer journey.
type PipelinePhase string

const (
	PhaseGeneration       PipelinePhase = "generation"
	PhaseExecution        PipelinePhase = "execution"
	PhaseAnalysis         PipelinePhase = "analysis"
	PhaseBatchInsights    PipelinePhase = "batch_insights"
	PhaseCategoryInsights PipelinePhase = "category_insights"
	PhasePriorities       PipelinePhase = "priorities"
	PhaseExecutive        PipelinePhase = "executive"
	PhaseDashboard        PipelinePhase = "dashboard"
)

// PipelinePhases is the canonical phase order.
var PipelinePhases = []PipelinePhase{
	PhaseGeneration,
	PhaseExecution,
	PhaseAnalysis,
	PhaseBatchInsights,
	PhaseCategoryInsights,
	PhasePriorities,
	PhaseExecutive,
	PhaseDashboard,
}

// Index returns the phase's position in the pipeline order, or -1.
func (p PipelinePhase) Index() int {
	for i, ph := range PipelinePhases {
		if ph == p {
			return i
		}
	}
	return -1
}

// Next returns the phase after p. ok is false when p is the last phase
// or unknown.
func (p PipelinePhase) Next() (PipelinePhase, bool) {
	i := p.Index()
	if i < 0 || i+1 >= len(PipelinePhases) {
		return "", false
	}
	return PipelinePhases[i+1], true
}

// Valid reports whether p names a known pipeline phase.
func (p PipelinePhase) Valid() bool { return p.Index() >= 0 }

// LoopDetectedReason prefixes the error message set when the reprocess
// guard refuses further attempts. Operator tooling keys off it.
const LoopDetectedReason = "reprocess loop detected"

// AuditHealth is the operator-facing condition derived from status,
// heartbeat age, and failure reason. Each value maps to a distinct
// remediation path.
type AuditHealth string

const (
	HealthPending        AuditHealth = "pending"
	HealthHealthy        AuditHealth = "processing_healthy"
	HealthStuckCandidate AuditHealth = "processing_stuck"
	HealthStructural     AuditHealth = "failed_structural"
	HealthLoopDetected   AuditHealth = "failed_loop_detected"
	HealthTerminal       AuditHealth = "terminal"
)

// Audit is one brand-visibility assessment run for one company.
type Audit struct {
	ID           string        `json:"id"`
	CompanyID    string        `json:"company_id"`
	Status       AuditStatus   `json:"status"`
	Phase        PipelinePhase `json:"phase"`
	TotalQueries int           `json:"total_queries"`
	Providers    []string      `json:"providers"`
	Config       AuditConfig   `json:"config"`
	Attempts     int           `json:"attempts"`
	ErrorMessage string        `json:"error_message,omitempty"`
	LeaseOwner   string        `json:"lease_owner,omitempty"`
	HeartbeatAt  *time.Time    `json:"heartbeat_at,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AuditConfig carries per-audit overrides. Zero values defer to the
// global configuration.
type AuditConfig struct {
	BatchSize             int     `json:"batch_size,omitempty"`
	CategoryTopN          int     `json:"category_top_n,omitempty"`
	PriorityRanks         int     `json:"priority_ranks,omitempty"`
	MinCompletionFraction float64 `json:"min_completion_fraction,omitempty"`
}

// Health derives the operator-facing condition. staleAfter is the
// heartbeat staleness threshold.
func (a *Audit) Health(now time.Time, staleAfter time.Duration) AuditHealth {
	switch a.Status {
	case AuditStatusPending:
		return HealthPending
	case AuditStatusProcessing:
		if a.HeartbeatAt != nil && now.Sub(*a.HeartbeatAt) > staleAfter {
			return HealthStuckCandidate
		}
		return HealthHealthy
	case AuditStatusFailed:
		if strings.HasPrefix(a.ErrorMessage, LoopDetectedReason) {
			return HealthLoopDetected
		}
		return HealthStructural
	default:
		return HealthTerminal
	}
}

// AuditProgress holds per-phase work counters for status reporting.
type AuditProgress struct {
	QueriesGenerated    int  `json:"queries_generated"`
	ResponsesCollected  int  `json:"responses_collected"`
	ResponsesFailed     int  `json:"responses_failed"`
	ResponsesAnalyzed   int  `json:"responses_analyzed"`
	BatchInsights       int  `json:"batch_insights"`
	CategoryInsights    int  `json:"category_insights"`
	StrategicPriorities int  `json:"strategic_priorities"`
	HasExecutiveSummary bool `json:"has_executive_summary"`
	HasDashboard        bool `json:"has_dashboard"`
}
