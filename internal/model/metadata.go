package model

import "time"

// Metric names recorded in processing metadata.
const (
	MetricQueriesGenerated  = "queries_generated"
	MetricProviderSuccess   = "provider_success"
	MetricProviderTransport = "provider_transport_failure"
	MetricProviderMalformed = "provider_malformed"
	MetricProviderTimeout   = "provider_timeout"
	MetricCacheHit          = "cache_hit"
	MetricQueriesExhausted  = "queries_exhausted"
	MetricResponsesAnalyzed = "responses_analyzed"
	MetricInsightsWritten   = "insights_written"
	MetricTokensIn          = "tokens_input"
	MetricTokensOut         = "tokens_output"
	MetricCostMicroUSD      = "cost_micro_usd"
	MetricSalesforceSync    = "salesforce_sync"
)

// ProcessingMetadata is one append-only accounting record of work
// performed during a pipeline phase.
type ProcessingMetadata struct {
	ID         string            `json:"id"`
	AuditID    string            `json:"audit_id"`
	Phase      PipelinePhase     `json:"phase"`
	Metric     string            `json:"metric"`
	Count      int64             `json:"count"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TriggerSource identifies what initiated a reprocess attempt.
type TriggerSource string

const (
	TriggerAutomatic TriggerSource = "automatic" // stuck monitor
	TriggerManual    TriggerSource = "manual"    // CLI / operator
	TriggerAPI       TriggerSource = "api"
)

// ReprocessEntry is one record of a reprocessing attempt on an audit.
// Attempt numbers are strictly increasing per audit; the loop guard
// reads the recent window.
type ReprocessEntry struct {
	ID           string        `json:"id"`
	AuditID      string        `json:"audit_id"`
	Attempt      int           `json:"attempt"`
	Trigger      TriggerSource `json:"trigger"`
	BeforeStatus AuditStatus   `json:"before_status"`
	BeforePhase  PipelinePhase `json:"before_phase"`
	AfterStatus  AuditStatus   `json:"after_status"`
	AfterPhase   PipelinePhase `json:"after_phase"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Audit event types written by mutating operations. The event log is an
// explicit write on the mutation path, never a store-side trigger.
const (
	EventPhaseAdvanced  = "phase_advanced"
	EventStatusChanged  = "status_changed"
	EventStopObserved   = "stop_observed"
	EventSkipPhase      = "skip_phase"
	EventForceReanalyze = "force_reanalyze"
	EventResume         = "resume"
	EventReprocess      = "reprocess"
	EventLoopRefused    = "loop_refused"
)

// AuditEvent is one entry in the audit's explicit event log.
type AuditEvent struct {
	ID        string            `json:"id"`
	AuditID   string            `json:"audit_id"`
	Type      string            `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
